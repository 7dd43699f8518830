package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Publisher is the subset of infra.GoRedisAdapter the Redis sink uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	PushCapped(ctx context.Context, key string, max int, values ...[]byte) error
}

// DefaultHistory is how many records the history list keeps when NewRedis is
// given zero.
const DefaultHistory = 1000

// Redis publishes every record as JSON on a channel. Tick, event and summary
// records are also kept for late watchers: the newest of each kind under
// LatestKey and the most recent ones in the HistoryKey list.
type Redis struct {
	pub     Publisher
	channel string
	ttl     time.Duration
	history int
}

// NewRedis publishes on channel. Latest-record keys expire after ttl; zero
// keeps them. history caps the history list.
func NewRedis(pub Publisher, channel string, ttl time.Duration, history int) *Redis {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Redis{pub: pub, channel: channel, ttl: ttl, history: history}
}

// LatestKey is the key holding the last record of kind k.
func LatestKey(channel string, k Kind) string {
	return channel + ":latest:" + string(k)
}

// HistoryKey is the list holding recent records, newest first.
func HistoryKey(channel string) string {
	return channel + ":history"
}

func (r *Redis) Write(ctx context.Context, records []Record) error {
	latest := make(map[Kind][]byte)
	var kept [][]byte
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if err := r.pub.Publish(ctx, r.channel, data); err != nil {
			return fmt.Errorf("publish %s: %w", r.channel, err)
		}
		if rec.Kind == KindMessage {
			continue
		}
		latest[rec.Kind] = data
		kept = append(kept, data)
	}
	if err := r.pub.PushCapped(ctx, HistoryKey(r.channel), r.history, kept...); err != nil {
		return fmt.Errorf("push history: %w", err)
	}
	for k, data := range latest {
		if err := r.pub.Set(ctx, LatestKey(r.channel, k), data, r.ttl); err != nil {
			return fmt.Errorf("set latest %s: %w", k, err)
		}
	}
	return nil
}

// Close is a no-op; the adapter is owned by the caller.
func (r *Redis) Close() error { return nil }
