// Package infra holds the Redis client the record sink and the watch command
// share.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by Get for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// Options configures the connection. Zero timeouts and pool size take the
// defaults below.
type Options struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.PoolSize == 0 {
		o.PoolSize = 4
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 3 * time.Second
	}
	if o.IOTimeout == 0 {
		o.IOTimeout = 2 * time.Second
	}
	return o
}

// GoRedisAdapter is a go-redis v9 client narrowed to record publishing:
// latest-value keys, a capped history list and the live channel.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// Connect dials and pings within ctx.
func Connect(ctx context.Context, opts Options) (*GoRedisAdapter, error) {
	opts = opts.withDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.IOTimeout,
		WriteTimeout: opts.IOTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	slog.Info("Redis connected", "component", "infra", "addr", opts.Addr, "db", opts.DB)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close releases the connection pool.
func (a *GoRedisAdapter) Close() error { return a.rdb.Close() }

// Set stores value under key. A zero ttl keeps the key.
func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return val, err
}

// PushCapped prepends values to the list at key in one round trip and trims
// it to the newest max entries.
func (a *GoRedisAdapter) PushCapped(ctx context.Context, key string, max int, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	_, err := a.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, args...)
		if max > 0 {
			p.LTrim(ctx, key, 0, int64(max-1))
		}
		return nil
	})
	return err
}

// Recent returns up to n entries of the list at key, oldest first.
func (a *GoRedisAdapter) Recent(ctx context.Context, key string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	vals, err := a.rdb.LRange(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[len(vals)-1-i] = []byte(v)
	}
	return out, nil
}

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Follow delivers every message published on channel to handler until ctx is
// done. It returns nil on cancellation.
func (a *GoRedisAdapter) Follow(ctx context.Context, channel string, handler func([]byte)) error {
	sub := a.rdb.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler([]byte(msg.Payload))
		}
	}
}
