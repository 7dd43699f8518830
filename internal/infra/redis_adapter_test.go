package infra

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) (*GoRedisAdapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	a, err := Connect(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, mr
}

func TestConnectFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Connect(context.Background(), Options{Addr: addr, DialTimeout: 200 * time.Millisecond})
	assert.ErrorContains(t, err, "redis ping")
}

func TestSetGet(t *testing.T) {
	a, mr := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := a.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	mr.FastForward(2 * time.Minute)
	_, err = a.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestPushCappedAndRecent(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.PushCapped(ctx, "h", 3, []byte("1"), []byte("2")))
	require.NoError(t, a.PushCapped(ctx, "h", 3, []byte("3"), []byte("4")))
	require.NoError(t, a.PushCapped(ctx, "h", 3))

	got, err := a.Recent(ctx, "h", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"2", "3", "4"}, []string{string(got[0]), string(got[1]), string(got[2])})

	got, err = a.Recent(ctx, "h", 1)
	require.NoError(t, err)
	assert.Equal(t, "4", string(got[0]))
}

func TestFollow(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- a.Follow(ctx, "records", func(p []byte) {
			mu.Lock()
			got = append(got, string(p))
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		_ = a.Publish(context.Background(), "records", []byte("hello"))
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}
	mu.Lock()
	assert.Equal(t, "hello", got[0])
	mu.Unlock()
}
