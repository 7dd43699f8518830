package routing

import (
	"container/heap"
	"math"

	"github.com/ocx/trafficmesh/internal/roadgraph"
)

// Congestion maps an edge to a level in [0,1].
type Congestion map[roadgraph.EdgeID]float64

// Options tune a single search.
type Options struct {
	// TrafficAware slows edges by the caller's congestion estimate.
	TrafficAware bool
	Congestion   Congestion
}

type openItem struct {
	node roadgraph.NodeID
	g, f float64
	seq  int
}

// openSet orders by f, then lower g, then insertion order.
type openSet []*openItem

func (o openSet) Len() int { return len(o) }
func (o openSet) Less(i, j int) bool {
	if o[i].f != o[j].f {
		return o[i].f < o[j].f
	}
	if o[i].g != o[j].g {
		return o[i].g < o[j].g
	}
	return o[i].seq < o[j].seq
}
func (o openSet) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o *openSet) Push(x any)   { *o = append(*o, x.(*openItem)) }
func (o *openSet) Pop() any {
	old := *o
	item := old[len(old)-1]
	*o = old[:len(old)-1]
	return item
}

func (p *Planner) edgeCost(e *roadgraph.Edge, opts Options) float64 {
	speed := e.Speed
	if opts.TrafficAware {
		level := math.Max(0, math.Min(1, opts.Congestion[e.ID]))
		speed *= math.Max(p.cfg.MinSpeedFactor, 1-p.cfg.CongestionPenalty*level)
	}
	return e.Length / speed
}

func (p *Planner) heuristic(n, dest roadgraph.NodeID) float64 {
	top := p.graph.MaxSpeed()
	if top <= 0 {
		return 0
	}
	return p.graph.Distance(n, dest) * p.cfg.HeuristicFactor / top
}

// search runs A* over allowed edges.
func (p *Planner) search(origin, dest roadgraph.NodeID, opts Options) (Route, bool) {
	open := &openSet{}
	seq := 0
	heap.Push(open, &openItem{node: origin, g: 0, f: p.heuristic(origin, dest), seq: seq})

	gScore := map[roadgraph.NodeID]float64{origin: 0}
	cameFrom := make(map[roadgraph.NodeID]*roadgraph.Edge)
	closed := make(map[roadgraph.NodeID]bool)

	for open.Len() > 0 {
		cur := heap.Pop(open).(*openItem)
		if closed[cur.node] {
			continue
		}
		if cur.node == dest {
			return p.reconstruct(origin, dest, cameFrom, cur.g), true
		}
		closed[cur.node] = true

		for _, e := range p.graph.Out(cur.node) {
			if !e.Allowed() || closed[e.To] {
				continue
			}
			g := cur.g + p.edgeCost(e, opts)
			if best, seen := gScore[e.To]; seen && g >= best {
				continue
			}
			gScore[e.To] = g
			cameFrom[e.To] = e
			seq++
			heap.Push(open, &openItem{node: e.To, g: g, f: g + p.heuristic(e.To, dest), seq: seq})
		}
	}
	return Route{}, false
}

func (p *Planner) reconstruct(origin, dest roadgraph.NodeID, cameFrom map[roadgraph.NodeID]*roadgraph.Edge, cost float64) Route {
	var edges []*roadgraph.Edge
	for n := dest; n != origin; {
		e := cameFrom[n]
		edges = append(edges, e)
		n = e.From
	}

	r := Route{Origin: origin, Destination: dest, Cost: cost}
	r.Nodes = append(r.Nodes, origin)
	for i := len(edges) - 1; i >= 0; i-- {
		e := edges[i]
		r.Edges = append(r.Edges, e.ID)
		r.Nodes = append(r.Nodes, e.To)
		r.Length += e.Length
	}
	return r
}
