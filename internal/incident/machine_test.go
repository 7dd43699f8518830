package incident

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/trafficmesh/internal/messaging"
	"github.com/ocx/trafficmesh/internal/roadgraph"
	"github.com/ocx/trafficmesh/internal/routing"
)

type fixture struct {
	graph   *roadgraph.Graph
	planner *routing.Planner
	bus     *messaging.Bus
	machine *Machine
}

func newFixture(t *testing.T, w, h int) *fixture {
	t.Helper()
	g, err := roadgraph.NewGrid(w, h, 100, 10)
	require.NoError(t, err)
	p, err := routing.NewPlanner(g, routing.DefaultConfig(), nil)
	require.NoError(t, err)
	bus := messaging.NewBus(messaging.NewDirectory(), nil)
	require.NoError(t, bus.Register("listener", messaging.RoleCrisisManager, orb.Point{}, true))
	return &fixture{graph: g, planner: p, bus: bus, machine: NewMachine(g, p, bus, 1000, nil)}
}

func (f *fixture) received() []messaging.Envelope {
	f.bus.Flip()
	return f.bus.Drain("listener")
}

func n(x, y int) roadgraph.NodeID { return roadgraph.GridNodeID(x, y) }

func TestIncidentLifecycleOnGrid(t *testing.T) {
	f := newFixture(t, 10, 10)
	blocked := roadgraph.EdgeKey(n(4, 5), n(5, 5))

	crossing, err := f.planner.FindRoute(n(0, 5), n(9, 5), routing.Options{})
	require.NoError(t, err)
	require.True(t, crossing.Contains(blocked))
	_, err = f.planner.FindRoute(n(0, 0), n(9, 0), routing.Options{})
	require.NoError(t, err)

	var events []string
	f.machine.OnEvent(func(_ int, typ, _ string, _ map[string]any) { events = append(events, typ) })
	_, err = f.machine.Schedule(Spec{ID: "inc-1", Edges: []roadgraph.EdgeID{blocked}, Start: 100, Duration: 50})
	require.NoError(t, err)

	uncached := routing.Options{TrafficAware: true, Congestion: routing.Congestion{"unrelated": 0}}
	for tick := 0; tick <= 160; tick++ {
		transitions, err := f.machine.Advance(tick)
		require.NoError(t, err)

		switch {
		case tick == 100:
			require.Len(t, transitions, 1)
			assert.Equal(t, Active, transitions[0].To)
			assert.False(t, f.graph.Allowed(blocked))
			_, cached := f.planner.Cached(n(0, 5), n(9, 5))
			assert.False(t, cached, "pairs through the blocked edge are evicted")
			_, cached = f.planner.Cached(n(0, 0), n(9, 0))
			assert.True(t, cached, "unrelated pairs survive")
		case tick == 150:
			require.Len(t, transitions, 1)
			assert.Equal(t, Resolved, transitions[0].To)
		default:
			assert.Empty(t, transitions, "tick %d", tick)
		}

		if tick >= 100 && tick < 150 {
			r, err := f.planner.FindRoute(n(0, 5), n(9, 5), uncached)
			require.NoError(t, err)
			assert.False(t, r.Contains(blocked), "tick %d", tick)
		}
	}

	assert.True(t, f.graph.Allowed(blocked))
	restored, ok := f.planner.Cached(n(0, 5), n(9, 5))
	require.True(t, ok)
	assert.Equal(t, crossing.Edges, restored.Edges)

	rec, ok := f.machine.Get("inc-1")
	require.True(t, ok)
	assert.Equal(t, Resolved, rec.State)
	assert.Equal(t, 1, rec.Evicted)
	assert.Equal(t, 1, rec.Restored)
	assert.Equal(t, []string{"incident_triggered", "incident_resolved"}, events)

	kinds := []string{}
	for _, e := range f.received() {
		kinds = append(kinds, e.Kind())
	}
	assert.Equal(t, []string{messaging.KindIncident, messaging.KindIncidentResolved}, kinds)
}

func TestTriggerAndResolveAreIdempotent(t *testing.T) {
	f := newFixture(t, 3, 3)
	edge := roadgraph.EdgeKey(n(0, 0), n(1, 0))
	id, err := f.machine.Schedule(Spec{Edges: []roadgraph.EdgeID{edge}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.NoError(t, f.machine.Trigger(id, 1))
	require.NoError(t, f.machine.Trigger(id, 2))
	alerts := f.received()
	require.Len(t, alerts, 1)
	assert.Equal(t, messaging.Emergency, alerts[0].Priority)
	rec, _ := f.machine.Get(id)
	assert.Equal(t, 1, rec.ActivatedAt)

	require.NoError(t, f.machine.Resolve(id, 3))
	require.NoError(t, f.machine.Resolve(id, 4))
	assert.Len(t, f.received(), 1)
	rec, _ = f.machine.Get(id)
	assert.Equal(t, 3, rec.ResolvedAt)
	assert.True(t, f.graph.Allowed(edge))
}

func TestSharedEdgeStaysBlocked(t *testing.T) {
	f := newFixture(t, 3, 3)
	edge := roadgraph.EdgeKey(n(1, 1), n(2, 1))
	a, err := f.machine.Schedule(Spec{ID: "a", Edges: []roadgraph.EdgeID{edge}})
	require.NoError(t, err)
	b, err := f.machine.Schedule(Spec{ID: "b", Edges: []roadgraph.EdgeID{edge}})
	require.NoError(t, err)

	require.NoError(t, f.machine.Trigger(a, 0))
	require.NoError(t, f.machine.Trigger(b, 0))
	require.NoError(t, f.machine.Resolve(a, 5))
	assert.False(t, f.graph.Allowed(edge))
	assert.Equal(t, 1, f.machine.Count(Active))

	require.NoError(t, f.machine.Resolve(b, 6))
	assert.True(t, f.graph.Allowed(edge))
}

func TestCancelBeforeActivation(t *testing.T) {
	f := newFixture(t, 3, 3)
	edge := roadgraph.EdgeKey(n(0, 0), n(0, 1))
	id, err := f.machine.Schedule(Spec{Edges: []roadgraph.EdgeID{edge}, Start: 10})
	require.NoError(t, err)

	require.NoError(t, f.machine.Resolve(id, 5))
	transitions, err := f.machine.Advance(10)
	require.NoError(t, err)
	assert.Empty(t, transitions)
	assert.True(t, f.graph.Allowed(edge))
	assert.Empty(t, f.received())
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t, 2, 2)
	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{"no edges", Spec{ID: "x"}, ErrNoEdges},
		{"unknown edge", Spec{ID: "x", Edges: []roadgraph.EdgeID{"nowhere"}}, roadgraph.ErrUnknownEdge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.machine.Schedule(tt.spec)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	spec := Spec{ID: "dup", Edges: []roadgraph.EdgeID{roadgraph.EdgeKey(n(0, 0), n(1, 0))}}
	_, err := f.machine.Schedule(spec)
	require.NoError(t, err)
	_, err = f.machine.Schedule(spec)
	assert.ErrorIs(t, err, ErrDuplicateIncident)

	assert.ErrorIs(t, f.machine.Trigger("missing", 0), ErrUnknownIncident)
}
