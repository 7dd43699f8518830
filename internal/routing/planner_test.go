package routing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/trafficmesh/internal/roadgraph"
)

func newGridPlanner(t *testing.T, w, h int) (*Planner, *roadgraph.Graph) {
	t.Helper()
	g, err := roadgraph.NewGrid(w, h, 100, 10)
	require.NoError(t, err)
	p, err := NewPlanner(g, DefaultConfig(), nil)
	require.NoError(t, err)
	return p, g
}

func n(x, y int) roadgraph.NodeID { return roadgraph.GridNodeID(x, y) }

func assertContiguous(t *testing.T, g *roadgraph.Graph, r Route) {
	t.Helper()
	require.NotEmpty(t, r.Edges)
	seen := map[roadgraph.NodeID]bool{r.Origin: true}
	at := r.Origin
	for _, id := range r.Edges {
		e, ok := g.Edge(id)
		require.True(t, ok)
		assert.Equal(t, at, e.From)
		assert.False(t, seen[e.To], "route revisits %s", e.To)
		seen[e.To] = true
		at = e.To
	}
	assert.Equal(t, r.Destination, at)
}

func TestFindRouteShortest(t *testing.T) {
	p, g := newGridPlanner(t, 5, 5)
	r, err := p.FindRoute(n(0, 0), n(4, 4), Options{})
	require.NoError(t, err)
	assertContiguous(t, g, r)
	assert.Len(t, r.Edges, 8)
	assert.InDelta(t, 800.0, r.Length, 1e-9)
	assert.InDelta(t, 80.0, r.Cost, 1e-9)
	assert.Len(t, r.Nodes, 9)
}

func TestSameNodeIsEmptyRoute(t *testing.T) {
	p, _ := newGridPlanner(t, 2, 2)
	r, err := p.FindRoute(n(1, 1), n(1, 1), Options{})
	require.NoError(t, err)
	assert.True(t, r.Empty())
}

func TestCacheRoundTrip(t *testing.T) {
	p, _ := newGridPlanner(t, 6, 6)
	first, err := p.FindRoute(n(0, 0), n(5, 3), Options{})
	require.NoError(t, err)
	second, err := p.FindRoute(n(0, 0), n(5, 3), Options{})
	require.NoError(t, err)

	assert.Equal(t, first.Edges, second.Edges)
	s := p.Stats()
	assert.Equal(t, 1, s.Hits)
	assert.Equal(t, 1, s.Searches)
}

func TestCallerCannotMutateCache(t *testing.T) {
	p, _ := newGridPlanner(t, 4, 4)
	r, err := p.FindRoute(n(0, 0), n(3, 3), Options{})
	require.NoError(t, err)
	r.Edges[0] = "tampered"

	cached, ok := p.Cached(n(0, 0), n(3, 3))
	require.True(t, ok)
	assert.NotEqual(t, roadgraph.EdgeID("tampered"), cached.Edges[0])
}

func TestCacheInvalidationOnDisallowedEdge(t *testing.T) {
	p, g := newGridPlanner(t, 6, 6)
	first, err := p.FindRoute(n(0, 0), n(5, 5), Options{})
	require.NoError(t, err)

	blocked := first.Edges[len(first.Edges)/2]
	_, err = g.SetAllowed(blocked, false)
	require.NoError(t, err)

	second, err := p.FindRoute(n(0, 0), n(5, 5), Options{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Edges, second.Edges)
	assert.False(t, second.Contains(blocked))
	assert.True(t, second.Valid(g))
	assertContiguous(t, g, second)
	assert.Equal(t, 1, p.Stats().Stale)
}

func TestNoPath(t *testing.T) {
	p, g := newGridPlanner(t, 3, 3)
	for _, e := range g.Out(n(0, 0)) {
		_, err := g.SetAllowed(e.ID, false)
		require.NoError(t, err)
	}

	_, err := p.FindRoute(n(0, 0), n(2, 2), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPath))
	var npe *NoPathError
	require.True(t, errors.As(err, &npe))
	assert.Equal(t, n(0, 0), npe.Origin)
	assert.Equal(t, 1, p.Stats().Failures)
}

func TestUnknownNode(t *testing.T) {
	p, _ := newGridPlanner(t, 2, 2)
	_, err := p.FindRoute("nowhere", n(1, 1), Options{})
	assert.ErrorIs(t, err, roadgraph.ErrUnknownNode)
}

func TestTrafficAwareDetour(t *testing.T) {
	p, g := newGridPlanner(t, 3, 3)
	plain, err := p.FindRoute(n(0, 0), n(2, 0), Options{})
	require.NoError(t, err)
	assert.Len(t, plain.Edges, 2)

	jam := roadgraph.EdgeKey(n(0, 0), n(1, 0))
	aware, err := p.FindRoute(n(0, 0), n(2, 0), Options{
		TrafficAware: true,
		Congestion:   Congestion{jam: 1.0},
	})
	require.NoError(t, err)
	assertContiguous(t, g, aware)
	assert.False(t, aware.Contains(jam))
	assert.Len(t, aware.Edges, 4)

	// The congestion-aware search must not overwrite the cached plain route.
	cached, ok := p.Cached(n(0, 0), n(2, 0))
	require.True(t, ok)
	assert.Equal(t, plain.Edges, cached.Edges)
}

func TestSearchIsDeterministic(t *testing.T) {
	p, _ := newGridPlanner(t, 7, 7)
	opts := Options{TrafficAware: true, Congestion: Congestion{"unused": 0}}
	a, err := p.FindRoute(n(0, 0), n(6, 6), opts)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		b, err := p.FindRoute(n(0, 0), n(6, 6), opts)
		require.NoError(t, err)
		assert.Equal(t, a.Edges, b.Edges)
	}
}

func TestEvictAndRestore(t *testing.T) {
	p, g := newGridPlanner(t, 4, 4)
	r1, err := p.FindRoute(n(0, 0), n(3, 0), Options{})
	require.NoError(t, err)
	_, err = p.FindRoute(n(0, 3), n(3, 3), Options{})
	require.NoError(t, err)

	blocked := r1.Edges[1]
	_, err = g.SetAllowed(blocked, false)
	require.NoError(t, err)
	removed := p.EvictTraversing([]roadgraph.EdgeID{blocked})
	require.Len(t, removed, 1)
	assert.Equal(t, Pair{n(0, 0), n(3, 0)}, removed[0].Pair)
	_, ok := p.Cached(n(0, 0), n(3, 0))
	assert.False(t, ok)
	_, ok = p.Cached(n(0, 3), n(3, 3))
	assert.True(t, ok)

	assert.Equal(t, 0, p.Restore(removed), "edge still blocked")

	_, err = g.SetAllowed(blocked, true)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Restore(removed))
	restored, ok := p.Cached(n(0, 0), n(3, 0))
	require.True(t, ok)
	assert.Equal(t, r1.Edges, restored.Edges)
}

func TestLRUCapacity(t *testing.T) {
	g, err := roadgraph.NewGrid(4, 4, 100, 10)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.CacheSize = 2
	p, err := NewPlanner(g, cfg, nil)
	require.NoError(t, err)

	for x := 1; x <= 3; x++ {
		_, err := p.FindRoute(n(0, 0), n(x, 3), Options{})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, p.Len())
	_, ok := p.Cached(n(0, 0), n(1, 3))
	assert.False(t, ok)
	assert.Equal(t, 1, p.Stats().Evictions)
}

func TestRemovalsAreNotCapacityEvictions(t *testing.T) {
	p, g := newGridPlanner(t, 4, 4)
	r, err := p.FindRoute(n(0, 0), n(3, 0), Options{})
	require.NoError(t, err)
	_, err = p.FindRoute(n(0, 3), n(3, 3), Options{})
	require.NoError(t, err)

	evicted := p.EvictTraversing([]roadgraph.EdgeID{r.Edges[0]})
	require.Len(t, evicted, 1)

	r2, ok := p.Cached(n(0, 3), n(3, 3))
	require.True(t, ok)
	_, err = g.SetAllowed(r2.Edges[0], false)
	require.NoError(t, err)
	_, err = p.FindRoute(n(0, 3), n(3, 3), Options{})
	require.NoError(t, err)

	st := p.Stats()
	assert.Equal(t, 0, st.Evictions)
	assert.Equal(t, 2, st.Removed)
	assert.Equal(t, 1, st.Stale)
}
