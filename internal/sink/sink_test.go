package sink

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/trafficmesh/internal/circuitbreaker"
)

func sample() []Record {
	now := time.Unix(1700000000, 0).UTC()
	return []Record{
		{RunID: "run-1", Kind: KindTick, Tick: 1, Fields: map[string]any{"active_agents": 12.0}, Time: now},
		{RunID: "run-1", Kind: KindEvent, Type: "phase_change", Tick: 1, Agent: "n_1_1", Fields: map[string]any{"phase": "EW_GREEN"}, Time: now},
		{RunID: "run-1", Kind: KindMessage, Type: "INFORM", Tick: 1, Agent: "v-1", Fields: map[string]any{"receiver": "crisis-manager", "conversation_id": "c-1"}, Time: now},
		{RunID: "run-1", Kind: KindTick, Tick: 2, Fields: map[string]any{"active_agents": 11.0}, Time: now},
	}
}

func TestMemoryFilterAndLast(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Write(context.Background(), sample()))

	assert.Len(t, m.Records(), 4)
	assert.Len(t, m.Filter(KindTick, ""), 2)
	assert.Len(t, m.Filter(KindEvent, "phase_change"), 1)
	assert.Empty(t, m.Filter(KindEvent, "green_wave"))

	last, ok := m.Last(KindTick)
	require.True(t, ok)
	assert.Equal(t, 2, last.Tick)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Write(context.Background(), sample()), ErrClosed)
}

func TestFileRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	f, err := NewFile(dir)
	require.NoError(t, err)

	require.NoError(t, f.Write(context.Background(), sample()[:2]))
	require.NoError(t, f.Write(context.Background(), sample()[2:]))
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Write(context.Background(), sample()), ErrClosed)

	got, err := ReadFile(f.Path())
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, KindEvent, got[1].Kind)
	assert.Equal(t, "n_1_1", got[1].Agent)
	assert.Equal(t, "EW_GREEN", got[1].Fields["phase"])
	assert.True(t, got[0].Time.Equal(sample()[0].Time))
}

type failing struct {
	calls int
	err   error
}

func (f *failing) Write(context.Context, []Record) error { f.calls++; return f.err }
func (f *failing) Close() error                          { return nil }

func TestMultiIsolatesFailingChild(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("")
	cfg.OnStateChange = nil
	cfg.Timeout = time.Hour
	bad := &failing{err: errors.New("connection refused")}
	good := NewMemory()
	multi := NewMulti(circuitbreaker.NewManager(cfg),
		Named{Name: "bad", Sink: bad},
		Named{Name: "memory", Sink: good},
	)

	for i := 0; i < 3; i++ {
		err := multi.Write(context.Background(), sample()[:1])
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad:")
	}
	assert.False(t, multi.Healthy())

	// Breaker open: the bad child is skipped and no error surfaces.
	require.NoError(t, multi.Write(context.Background(), sample()[:1]))
	assert.Equal(t, 3, bad.calls)
	assert.Len(t, good.Records(), 4)

	health := multi.Health()
	require.Len(t, health, 2)
	assert.Equal(t, circuitbreaker.StateOpen, health[0].State)
	assert.Equal(t, circuitbreaker.StateClosed, health[1].State)
}

func TestMultiEmptyBatch(t *testing.T) {
	bad := &failing{err: errors.New("x")}
	multi := NewMulti(nil, Named{Name: "bad", Sink: bad})
	require.NoError(t, multi.Write(context.Background(), nil))
	assert.Zero(t, bad.calls)
	assert.Equal(t, 1, multi.Len())
}

type fakePublisher struct {
	published []string
	keys      map[string]string
	history   []string
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, channel+" "+string(message))
	return nil
}

func (f *fakePublisher) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if f.keys == nil {
		f.keys = make(map[string]string)
	}
	f.keys[key] = string(value)
	return nil
}

func (f *fakePublisher) PushCapped(_ context.Context, _ string, max int, values ...[]byte) error {
	for _, v := range values {
		f.history = append([]string{string(v)}, f.history...)
	}
	if len(f.history) > max {
		f.history = f.history[:max]
	}
	return nil
}

func TestRedisPublishesAndKeepsLatest(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRedis(pub, "trafficmesh.records", time.Minute, 2)
	require.NoError(t, r.Write(context.Background(), sample()))

	assert.Len(t, pub.published, 4)
	assert.True(t, strings.HasPrefix(pub.published[0], "trafficmesh.records {"))

	latest := pub.keys[LatestKey("trafficmesh.records", KindTick)]
	assert.Contains(t, latest, `"tick":2`)
	assert.Contains(t, pub.keys, "trafficmesh.records:latest:event")
	assert.NotContains(t, pub.keys, "trafficmesh.records:latest:message")

	require.Len(t, pub.history, 2, "history is capped")
	for _, h := range pub.history {
		assert.NotContains(t, h, `"kind":"message"`)
	}
}

func TestRedisPublishError(t *testing.T) {
	r := NewRedis(&fakePublisher{err: errors.New("down")}, "c", 0, 0)
	assert.ErrorContains(t, r.Write(context.Background(), sample()), "publish c")
}
