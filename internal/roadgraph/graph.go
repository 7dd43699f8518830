// Package roadgraph holds the road network shared by every agent: nodes with
// planar positions and directed edges carrying an allowed flag.
//
// The topology is immutable once built. Only the allowed flags change at
// runtime, and only through SetAllowed, which the incident machine owns.
package roadgraph

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// NodeID identifies a node in the graph.
type NodeID string

// EdgeID identifies a directed edge.
type EdgeID string

var (
	ErrUnknownNode = errors.New("unknown node")
	ErrUnknownEdge = errors.New("unknown edge")
)

// Node is a junction or road end.
type Node struct {
	ID    NodeID
	Point orb.Point
	// Signalized nodes host an intersection agent.
	Signalized bool
}

// Edge is a directed road segment.
type Edge struct {
	ID     EdgeID
	From   NodeID
	To     NodeID
	Length float64 // metres
	Speed  float64 // free-flow speed, m/s

	allowed atomic.Bool
}

// Allowed reports whether route search may traverse the edge.
func (e *Edge) Allowed() bool { return e.allowed.Load() }

// Graph is a directed road network.
type Graph struct {
	nodes    map[NodeID]*Node
	edges    map[EdgeID]*Edge
	out      map[NodeID][]*Edge
	in       map[NodeID][]*Edge
	maxSpeed float64
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[NodeID]*Node),
		edges: make(map[EdgeID]*Edge),
		out:   make(map[NodeID][]*Edge),
		in:    make(map[NodeID][]*Edge),
	}
}

// AddNode inserts or replaces a node.
func (g *Graph) AddNode(id NodeID, p orb.Point, signalized bool) *Node {
	n := &Node{ID: id, Point: p, Signalized: signalized}
	g.nodes[id] = n
	return n
}

// AddEdge inserts a directed edge. A zero length is replaced by the planar
// distance between the endpoints. New edges start allowed.
func (g *Graph) AddEdge(from, to NodeID, length, speed float64) (*Edge, error) {
	a, ok := g.nodes[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	b, ok := g.nodes[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	if speed <= 0 {
		return nil, fmt.Errorf("edge %s->%s: speed must be positive", from, to)
	}
	if length <= 0 {
		length = planar.Distance(a.Point, b.Point)
	}

	e := &Edge{ID: EdgeKey(from, to), From: from, To: to, Length: length, Speed: speed}
	e.allowed.Store(true)
	g.edges[e.ID] = e
	g.out[from] = insertSorted(g.out[from], e)
	g.in[to] = insertSorted(g.in[to], e)
	g.maxSpeed = math.Max(g.maxSpeed, speed)
	return e, nil
}

// EdgeKey is the canonical id of the edge from -> to.
func EdgeKey(from, to NodeID) EdgeID {
	return EdgeID(string(from) + "->" + string(to))
}

func insertSorted(list []*Edge, e *Edge) []*Edge {
	i := sort.Search(len(list), func(i int) bool { return list[i].ID >= e.ID })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

// Node returns the node with the given id.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Edge returns the edge with the given id.
func (g *Graph) Edge(id EdgeID) (*Edge, bool) {
	e, ok := g.edges[id]
	return e, ok
}

// Out returns the outgoing edges of a node, sorted by id.
func (g *Graph) Out(id NodeID) []*Edge { return g.out[id] }

// In returns the incoming edges of a node, sorted by id.
func (g *Graph) In(id NodeID) []*Edge { return g.in[id] }

// Nodes returns all nodes sorted by id.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Edges returns all edges sorted by id.
func (g *Graph) Edges() []*Edge {
	edges := make([]*Edge, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return edges
}

// Neighbors returns the ids of nodes reachable by one edge, in either
// direction, sorted.
func (g *Graph) Neighbors(id NodeID) []NodeID {
	seen := make(map[NodeID]struct{})
	for _, e := range g.out[id] {
		seen[e.To] = struct{}{}
	}
	for _, e := range g.in[id] {
		seen[e.From] = struct{}{}
	}
	ids := make([]NodeID, 0, len(seen))
	for n := range seen {
		ids = append(ids, n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MaxSpeed is the highest free-flow speed of any edge.
func (g *Graph) MaxSpeed() float64 { return g.maxSpeed }

// Allowed reports whether the edge exists and is traversable.
func (g *Graph) Allowed(id EdgeID) bool {
	e, ok := g.edges[id]
	return ok && e.Allowed()
}

// SetAllowed flips an edge's allowed flag and reports the previous value.
func (g *Graph) SetAllowed(id EdgeID, allowed bool) (bool, error) {
	e, ok := g.edges[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEdge, id)
	}
	return e.allowed.Swap(allowed), nil
}

// Distance is the straight-line distance between two nodes.
func (g *Graph) Distance(a, b NodeID) float64 {
	na, okA := g.nodes[a]
	nb, okB := g.nodes[b]
	if !okA || !okB {
		return math.Inf(1)
	}
	return planar.Distance(na.Point, nb.Point)
}

// PointAlong returns the position at offset metres along an edge.
func (g *Graph) PointAlong(e *Edge, offset float64) orb.Point {
	a := g.nodes[e.From].Point
	b := g.nodes[e.To].Point
	if e.Length <= 0 {
		return a
	}
	t := math.Max(0, math.Min(1, offset/e.Length))
	return orb.Point{a[0] + (b[0]-a[0])*t, a[1] + (b[1]-a[1])*t}
}

// DistanceToSegment is the distance from p to the straight edge e.
func (g *Graph) DistanceToSegment(p orb.Point, e *Edge) float64 {
	ls := orb.LineString{g.nodes[e.From].Point, g.nodes[e.To].Point}
	return planar.DistanceFrom(ls, p)
}
