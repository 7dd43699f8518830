// Package scenario loads the ordered stream of external mutations applied to
// a run: edge blocks, vehicle spawns and crisis directives.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"

	"github.com/ocx/trafficmesh/internal/roadgraph"
)

// Kind is the mutation an event applies.
type Kind string

const (
	BlockEdges      Kind = "block_edges"
	UnblockEdges    Kind = "unblock_edges"
	SpawnVehicle    Kind = "spawn_vehicle"
	CrisisDirective Kind = "crisis_directive"
)

var ErrUnknownKind = errors.New("unknown scenario event kind")

// Event is one timed mutation. Which fields matter depends on Kind.
type Event struct {
	Tick int  `yaml:"tick" json:"tick"`
	Kind Kind `yaml:"kind" json:"kind"`

	// block_edges / unblock_edges. Duration 0 blocks until an unblock.
	Incident string   `yaml:"incident,omitempty" json:"incident,omitempty"`
	Edges    []string `yaml:"edges,omitempty" json:"edges,omitempty"`
	Duration int      `yaml:"duration,omitempty" json:"duration,omitempty"`

	// spawn_vehicle
	Vehicle     string `yaml:"vehicle,omitempty" json:"vehicle,omitempty"`
	Origin      string `yaml:"origin,omitempty" json:"origin,omitempty"`
	Destination string `yaml:"destination,omitempty" json:"destination,omitempty"`
	Emergency   bool   `yaml:"emergency,omitempty" json:"emergency,omitempty"`

	// crisis_directive: either an explicit node path or endpoints to plan.
	Nodes []string `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	From  string   `yaml:"from,omitempty" json:"from,omitempty"`
	To    string   `yaml:"to,omitempty" json:"to,omitempty"`
}

// EdgeIDs converts Edges.
func (e Event) EdgeIDs() []roadgraph.EdgeID {
	out := make([]roadgraph.EdgeID, len(e.Edges))
	for i, s := range e.Edges {
		out[i] = roadgraph.EdgeID(s)
	}
	return out
}

// Scenario is a named, tick-ordered event list.
type Scenario struct {
	Name   string  `yaml:"name" json:"name"`
	Events []Event `yaml:"events" json:"events"`
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes YAML and orders events by tick, keeping file order within a
// tick.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	for i, e := range s.Events {
		switch e.Kind {
		case BlockEdges, UnblockEdges, SpawnVehicle, CrisisDirective:
		default:
			return nil, fmt.Errorf("event %d: %w %q", i, ErrUnknownKind, e.Kind)
		}
		if e.Tick < 0 {
			return nil, fmt.Errorf("event %d: negative tick %d", i, e.Tick)
		}
	}
	sort.SliceStable(s.Events, func(i, j int) bool { return s.Events[i].Tick < s.Events[j].Tick })
	return &s, nil
}

// Validate checks every referenced edge exists in g. Nothing else is
// checked: unreachable destinations surface as routing failures at run time.
func (s *Scenario) Validate(g *roadgraph.Graph) error {
	var errs []error
	for i, e := range s.Events {
		for _, id := range e.EdgeIDs() {
			if _, ok := g.Edge(id); !ok {
				errs = append(errs, fmt.Errorf("event %d (%s at tick %d): %w: %s", i, e.Kind, e.Tick, roadgraph.ErrUnknownEdge, id))
			}
		}
	}
	return errors.Join(errs...)
}

// Stream hands out events as their tick comes due.
type Stream struct {
	events []Event
	next   int
}

// Stream starts a fresh cursor over the events.
func (s *Scenario) Stream() *Stream {
	if s == nil {
		return &Stream{}
	}
	return &Stream{events: s.Events}
}

// Due returns the events with Tick <= tick not returned before.
func (st *Stream) Due(tick int) []Event {
	start := st.next
	for st.next < len(st.events) && st.events[st.next].Tick <= tick {
		st.next++
	}
	return st.events[start:st.next]
}

// Remaining is the number of events not yet due.
func (st *Stream) Remaining() int { return len(st.events) - st.next }
