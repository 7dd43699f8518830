package roadgraph

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGrid(t *testing.T) {
	g, err := NewGrid(3, 3, 100, 10)
	require.NoError(t, err)

	assert.Len(t, g.Nodes(), 9)
	// 12 two-way links.
	assert.Len(t, g.Edges(), 24)

	corner, _ := g.Node(GridNodeID(0, 0))
	assert.False(t, corner.Signalized)
	centre, _ := g.Node(GridNodeID(1, 1))
	assert.True(t, centre.Signalized)
	side, _ := g.Node(GridNodeID(1, 0))
	assert.True(t, side.Signalized)

	assert.Equal(t, []NodeID{GridNodeID(0, 1), GridNodeID(1, 0), GridNodeID(1, 2), GridNodeID(2, 1)}, g.Neighbors(GridNodeID(1, 1)))
	assert.InDelta(t, 100.0, g.Distance(GridNodeID(0, 0), GridNodeID(1, 0)), 1e-9)
	assert.Equal(t, 10.0, g.MaxSpeed())
}

func TestSetAllowed(t *testing.T) {
	g, err := NewGrid(2, 2, 50, 10)
	require.NoError(t, err)
	id := EdgeKey(GridNodeID(0, 0), GridNodeID(1, 0))

	assert.True(t, g.Allowed(id))
	prev, err := g.SetAllowed(id, false)
	require.NoError(t, err)
	assert.True(t, prev)
	assert.False(t, g.Allowed(id))

	_, err = g.SetAllowed("nowhere", false)
	assert.ErrorIs(t, err, ErrUnknownEdge)
}

func TestAddEdgeComputesLength(t *testing.T) {
	g := New()
	g.AddNode("a", orb.Point{0, 0}, false)
	g.AddNode("b", orb.Point{3, 4}, false)

	e, err := g.AddEdge("a", "b", 0, 5)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, e.Length, 1e-9)
	assert.Equal(t, orb.Point{1.5, 2}, g.PointAlong(e, 2.5))

	_, err = g.AddEdge("a", "missing", 1, 1)
	assert.ErrorIs(t, err, ErrUnknownNode)
}
