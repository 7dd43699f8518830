// Package routing plans loop-free routes over the road graph with A* and
// keeps recently planned routes in a validated LRU cache.
package routing

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ocx/trafficmesh/internal/roadgraph"
)

// ErrNoPath is matched by every *NoPathError.
var ErrNoPath = errors.New("no path")

// NoPathError reports that destination is unreachable over allowed edges.
type NoPathError struct {
	Origin      roadgraph.NodeID
	Destination roadgraph.NodeID
}

func (e *NoPathError) Error() string {
	return fmt.Sprintf("no path from %s to %s", e.Origin, e.Destination)
}

func (e *NoPathError) Is(target error) bool { return target == ErrNoPath }

// Route is an ordered list of edges from origin to destination. Routes are
// values: a recalculation replaces the route, it never edits one.
type Route struct {
	Origin      roadgraph.NodeID   `json:"origin"`
	Destination roadgraph.NodeID   `json:"destination"`
	Edges       []roadgraph.EdgeID `json:"edges"`
	Nodes       []roadgraph.NodeID `json:"nodes"`
	Length      float64            `json:"length"`
	Cost        float64            `json:"cost"` // seconds
}

// Empty reports whether the route has no edges.
func (r Route) Empty() bool { return len(r.Edges) == 0 }

// Clone returns a deep copy.
func (r Route) Clone() Route {
	r.Edges = slices.Clone(r.Edges)
	r.Nodes = slices.Clone(r.Nodes)
	return r
}

// Contains reports whether the route uses edge.
func (r Route) Contains(edge roadgraph.EdgeID) bool {
	return slices.Contains(r.Edges, edge)
}

// TraversesAny reports whether any of edges appears at or after index from.
func (r Route) TraversesAny(edges []roadgraph.EdgeID, from int) bool {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(r.Edges); i++ {
		if slices.Contains(edges, r.Edges[i]) {
			return true
		}
	}
	return false
}

// Valid reports whether every edge is still allowed in g.
func (r Route) Valid(g *roadgraph.Graph) bool {
	for _, id := range r.Edges {
		if !g.Allowed(id) {
			return false
		}
	}
	return true
}

// Reason tags why a vehicle recalculated its route.
type Reason string

const (
	ReasonNoRoute    Reason = "no_route"
	ReasonPeriodic   Reason = "periodic"
	ReasonCongestion Reason = "congestion"
	ReasonIncident   Reason = "incident"
)

// Recalculation records one recalculation attempt.
type Recalculation struct {
	Agent    string           `json:"agent"`
	Tick     int              `json:"tick"`
	Reason   Reason           `json:"reason"`
	From     roadgraph.NodeID `json:"from"`
	OldEdges int              `json:"old_edges"`
	NewEdges int              `json:"new_edges"`
	Changed  bool             `json:"changed"`
	Failed   bool             `json:"failed"`
}
