package kinematics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/trafficmesh/internal/roadgraph"
	"github.com/ocx/trafficmesh/internal/signal"
)

func n(x, y int) roadgraph.NodeID { return roadgraph.GridNodeID(x, y) }

func newTrack(t *testing.T) (*Track, *roadgraph.Graph) {
	t.Helper()
	g, err := roadgraph.NewGrid(4, 4, 100, 10)
	require.NoError(t, err)
	return NewTrack(g), g
}

func TestVehicleFollowsAssignedRoute(t *testing.T) {
	tr, _ := newTrack(t)
	require.NoError(t, tr.Add("v1", n(0, 0)))
	route := []roadgraph.EdgeID{roadgraph.EdgeKey(n(0, 0), n(1, 0)), roadgraph.EdgeKey(n(1, 0), n(2, 0))}
	require.NoError(t, tr.AssignRoute("v1", route))
	require.NoError(t, tr.SetTargetSpeed("v1", 10))

	tr.Advance(5)
	loc, err := tr.Position("v1")
	require.NoError(t, err)
	assert.Equal(t, route[0], loc.Edge)
	assert.InDelta(t, 50, loc.Offset, 1e-9)
	assert.Equal(t, n(1, 0), loc.Node)

	tr.Advance(10)
	loc, _ = tr.Position("v1")
	assert.Equal(t, route[1], loc.Edge)
	assert.InDelta(t, 50, loc.Offset, 1e-9)

	tr.Advance(100)
	loc, _ = tr.Position("v1")
	assert.Empty(t, loc.Edge)
	assert.Equal(t, n(2, 0), loc.Node)
	assert.Zero(t, loc.Speed)
}

func TestVehicleHoldsBeforeDisallowedEdge(t *testing.T) {
	tr, g := newTrack(t)
	require.NoError(t, tr.Add("v1", n(0, 0)))
	route := []roadgraph.EdgeID{roadgraph.EdgeKey(n(0, 0), n(1, 0)), roadgraph.EdgeKey(n(1, 0), n(2, 0))}
	require.NoError(t, tr.AssignRoute("v1", route))
	require.NoError(t, tr.SetTargetSpeed("v1", 10))
	_, err := g.SetAllowed(route[1], false)
	require.NoError(t, err)

	tr.Advance(30)
	loc, _ := tr.Position("v1")
	assert.Equal(t, n(1, 0), loc.Node)
	assert.Empty(t, loc.Edge)
}

func TestAssignRouteMustStartAtNextNode(t *testing.T) {
	tr, _ := newTrack(t)
	require.NoError(t, tr.Add("v1", n(0, 0)))
	err := tr.AssignRoute("v1", []roadgraph.EdgeID{roadgraph.EdgeKey(n(1, 0), n(2, 0))})
	assert.ErrorIs(t, err, ErrRouteMismatch)
	assert.ErrorIs(t, tr.SetTargetSpeed("ghost", 1), ErrUnknownVehicle)
	_, err = tr.Position("ghost")
	assert.ErrorIs(t, err, ErrUnknownVehicle)
}

func TestQueuesByApproach(t *testing.T) {
	tr, _ := newTrack(t)
	// Two vehicles creep toward n(1,1) from the west, then stop near the line.
	for _, id := range []string{"a", "b"} {
		require.NoError(t, tr.Add(id, n(0, 1)))
		require.NoError(t, tr.AssignRoute(id, []roadgraph.EdgeID{roadgraph.EdgeKey(n(0, 1), n(1, 1))}))
		require.NoError(t, tr.SetTargetSpeed(id, 9))
	}
	require.NoError(t, tr.Add("c", n(1, 2)))
	require.NoError(t, tr.AssignRoute("c", []roadgraph.EdgeID{roadgraph.EdgeKey(n(1, 2), n(1, 1))}))
	require.NoError(t, tr.SetTargetSpeed("c", 9))

	tr.Advance(10)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, tr.SetTargetSpeed(id, 0))
	}
	tr.Advance(1)

	q := tr.Queues(n(1, 1))
	assert.Equal(t, 2, q[signal.West])
	assert.Equal(t, 1, q[signal.North])
	assert.Equal(t, 0, q[signal.East])
	assert.Equal(t, []string{"a", "b", "c"}, tr.Vehicles())
}
