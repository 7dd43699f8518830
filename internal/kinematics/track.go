// Package kinematics is the built-in positioning collaborator: it moves
// vehicles along their assigned edges at their target speed and senses
// queues at intersections. It is deliberately simple; agents only talk to it
// through the Kinematics and QueueSensor interfaces.
package kinematics

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/paulmach/orb"

	"github.com/ocx/trafficmesh/internal/roadgraph"
	"github.com/ocx/trafficmesh/internal/signal"
)

var (
	ErrUnknownVehicle = errors.New("unknown vehicle")
	ErrRouteMismatch  = errors.New("route does not start at the vehicle's next node")
)

// Location is where a vehicle is.
type Location struct {
	Point orb.Point `json:"point"`
	// Edge is the edge being driven, empty while standing on a node.
	Edge   roadgraph.EdgeID `json:"edge,omitempty"`
	Offset float64          `json:"offset"`
	// Remaining is the distance to the end of Edge.
	Remaining float64 `json:"remaining"`
	// Node is the next node the vehicle will reach, or the node it stands on.
	Node  roadgraph.NodeID `json:"node"`
	Speed float64          `json:"speed"`
}

// Kinematics is the positioning interface vehicles consume.
type Kinematics interface {
	Position(id string) (Location, error)
	SetTargetSpeed(id string, speed float64) error
	AssignRoute(id string, edges []roadgraph.EdgeID) error
}

// QueueSensor reports stopped vehicles per approach at a node.
type QueueSensor interface {
	Queues(node roadgraph.NodeID) map[signal.Direction]int
}

type vehicle struct {
	node   roadgraph.NodeID
	edge   *roadgraph.Edge
	offset float64
	speed  float64
	target float64
	route  []roadgraph.EdgeID
}

// Track is an in-process Kinematics and QueueSensor over a road graph.
type Track struct {
	graph *roadgraph.Graph
	// QueueDistance is how far back from the stop line a stopped vehicle
	// still counts as queued.
	QueueDistance float64

	mu       sync.RWMutex
	vehicles map[string]*vehicle
}

// NewTrack creates an empty track over g.
func NewTrack(g *roadgraph.Graph) *Track {
	return &Track{graph: g, QueueDistance: 60, vehicles: make(map[string]*vehicle)}
}

// Add places a stopped vehicle on node.
func (t *Track) Add(id string, node roadgraph.NodeID) error {
	if _, ok := t.graph.Node(node); !ok {
		return fmt.Errorf("%w: %s", roadgraph.ErrUnknownNode, node)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vehicles[id] = &vehicle{node: node}
	return nil
}

// Remove takes a vehicle off the track.
func (t *Track) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.vehicles, id)
}

// Len is the number of vehicles on the track.
func (t *Track) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.vehicles)
}

func (t *Track) locate(v *vehicle) Location {
	if v.edge == nil {
		n, _ := t.graph.Node(v.node)
		return Location{Point: n.Point, Node: v.node, Speed: v.speed}
	}
	return Location{
		Point:     t.graph.PointAlong(v.edge, v.offset),
		Edge:      v.edge.ID,
		Offset:    v.offset,
		Remaining: v.edge.Length - v.offset,
		Node:      v.edge.To,
		Speed:     v.speed,
	}
}

func (t *Track) Position(id string) (Location, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.vehicles[id]
	if !ok {
		return Location{}, fmt.Errorf("%w: %s", ErrUnknownVehicle, id)
	}
	return t.locate(v), nil
}

func (t *Track) SetTargetSpeed(id string, speed float64) error {
	if speed < 0 {
		speed = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.vehicles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVehicle, id)
	}
	v.target = speed
	return nil
}

// AssignRoute replaces the edges the vehicle will take once it reaches its
// next node.
func (t *Track) AssignRoute(id string, edges []roadgraph.EdgeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.vehicles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVehicle, id)
	}
	next := v.node
	if v.edge != nil {
		next = v.edge.To
	}
	if len(edges) > 0 {
		first, ok := t.graph.Edge(edges[0])
		if !ok {
			return fmt.Errorf("%w: %s", roadgraph.ErrUnknownEdge, edges[0])
		}
		if first.From != next {
			return fmt.Errorf("%w: %s starts at %s, vehicle reaches %s", ErrRouteMismatch, first.ID, first.From, next)
		}
	}
	v.route = append([]roadgraph.EdgeID(nil), edges...)
	return nil
}

// Advance moves every vehicle for dt seconds. Speeds snap to target. A
// vehicle stops at the end of an edge when its next edge is disallowed or its
// route is exhausted.
func (t *Track) Advance(dt float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, v := range t.vehicles {
		v.speed = v.target
		dist := v.speed * dt
		for dist > 0 {
			if v.edge != nil {
				remain := v.edge.Length - v.offset
				if dist < remain {
					v.offset += dist
					break
				}
				dist -= remain
				v.node = v.edge.To
				v.edge, v.offset = nil, 0
			}
			if len(v.route) == 0 {
				v.speed = 0
				break
			}
			next, ok := t.graph.Edge(v.route[0])
			if !ok || next.From != v.node || !next.Allowed() {
				// Hold at the end of the previous edge.
				v.speed = 0
				break
			}
			v.route = v.route[1:]
			v.edge, v.offset = next, 0
		}
	}
}

// Queues counts stopped vehicles near the end of each incoming edge of node,
// keyed by the approach they arrive from.
func (t *Track) Queues(node roadgraph.NodeID) map[signal.Direction]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[signal.Direction]int, 4)
	target, ok := t.graph.Node(node)
	if !ok {
		return out
	}
	for _, v := range t.vehicles {
		if v.edge == nil || v.edge.To != node || v.speed > 0.5 {
			continue
		}
		if v.edge.Length-v.offset > t.QueueDistance {
			continue
		}
		from, _ := t.graph.Node(v.edge.From)
		out[signal.Approach(from.Point, target.Point)]++
	}
	return out
}

// Vehicles lists the ids on the track, sorted.
func (t *Track) Vehicles() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.vehicles))
	for id := range t.vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
