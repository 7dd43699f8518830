// Package incident runs the incident lifecycle. The machine is the only
// writer of road-graph allowed flags.
package incident

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/ocx/trafficmesh/internal/invariant"
	"github.com/ocx/trafficmesh/internal/messaging"
	"github.com/ocx/trafficmesh/internal/metrics"
	"github.com/ocx/trafficmesh/internal/roadgraph"
	"github.com/ocx/trafficmesh/internal/routing"
)

// ControllerID is the sender id on incident broadcasts.
const ControllerID = "incident-controller"

var (
	ErrUnknownIncident   = errors.New("unknown incident")
	ErrDuplicateIncident = errors.New("incident already scheduled")
	ErrNoEdges           = errors.New("incident blocks no edges")
)

// ============================================================================
// STATES
// ============================================================================

// State of one incident record.
type State int

const (
	Inactive State = iota
	Active
	Resolved
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case Active:
		return "ACTIVE"
	case Resolved:
		return "RESOLVED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON records.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Resolving an incident that never started cancels it.
var validTransitions = map[State][]State{
	Inactive: {Active, Resolved},
	Active:   {Resolved},
}

// ============================================================================
// RECORDS
// ============================================================================

// Spec describes a scheduled incident. A zero Duration stays active until
// Resolve is called.
type Spec struct {
	ID       string             `json:"id" yaml:"id"`
	Edges    []roadgraph.EdgeID `json:"edges" yaml:"edges"`
	Start    int                `json:"start" yaml:"start"`
	Duration int                `json:"duration" yaml:"duration"`
}

// Record is the state of one incident.
type Record struct {
	Spec
	State       State `json:"state"`
	ActivatedAt int   `json:"activated_at"`
	ResolvedAt  int   `json:"resolved_at"`
	// Evicted is how many cached routes were set aside on activation.
	Evicted  int `json:"evicted"`
	Restored int `json:"restored"`

	backup []routing.CachedRoute
}

// Transition reports one state change applied by Advance.
type Transition struct {
	ID   string
	From State
	To   State
	Tick int
}

// Broadcaster is the part of the bus the machine needs.
type Broadcaster interface {
	Broadcast(e messaging.Envelope, origin orb.Point, radius float64) int
}

// EventFunc receives lifecycle events.
type EventFunc func(tick int, typ, id string, fields map[string]any)

// Machine owns every incident record.
type Machine struct {
	graph   *roadgraph.Graph
	planner *routing.Planner
	bus     Broadcaster
	radius  float64
	metrics *metrics.Metrics
	logger  *slog.Logger
	onEvent EventFunc

	mu      sync.Mutex
	records map[string]*Record
	order   []string
}

// NewMachine creates a machine broadcasting within radius of each incident.
func NewMachine(g *roadgraph.Graph, p *routing.Planner, bus Broadcaster, radius float64, m *metrics.Metrics) *Machine {
	return &Machine{
		graph:   g,
		planner: p,
		bus:     bus,
		radius:  radius,
		metrics: m,
		logger:  slog.Default().With("component", "incident-machine"),
		records: make(map[string]*Record),
	}
}

// OnEvent registers fn for "incident_triggered" and "incident_resolved".
func (m *Machine) OnEvent(fn EventFunc) { m.onEvent = fn }

// Schedule registers an incident. Only edge existence is validated; an
// empty ID gets a generated one, which is returned.
func (m *Machine) Schedule(spec Spec) (string, error) {
	if len(spec.Edges) == 0 {
		return "", ErrNoEdges
	}
	for _, id := range spec.Edges {
		if _, ok := m.graph.Edge(id); !ok {
			return "", fmt.Errorf("%w: %s", roadgraph.ErrUnknownEdge, id)
		}
	}
	if spec.ID == "" {
		spec.ID = "incident-" + uuid.NewString()[:8]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[spec.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateIncident, spec.ID)
	}
	spec.Edges = append([]roadgraph.EdgeID(nil), spec.Edges...)
	m.records[spec.ID] = &Record{Spec: spec, State: Inactive}
	m.order = append(m.order, spec.ID)
	m.logger.Info("incident scheduled", "id", spec.ID, "edges", len(spec.Edges), "start", spec.Start, "duration", spec.Duration)
	return spec.ID, nil
}

func (r *Record) transition(to State) error {
	for _, allowed := range validTransitions[r.State] {
		if allowed == to {
			r.State = to
			return nil
		}
	}
	return invariant.Violation("incident %s: %s -> %s", r.ID, r.State, to)
}

// Trigger activates an incident at tick. Triggering an active incident is a
// no-op; triggering a resolved one is an invariant violation.
func (m *Machine) Trigger(id string, tick int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	return m.trigger(r, tick)
}

func (m *Machine) trigger(r *Record, tick int) error {
	if r.State == Active {
		return nil
	}
	if err := r.transition(Active); err != nil {
		return err
	}
	r.ActivatedAt = tick

	for _, e := range r.Edges {
		if _, err := m.graph.SetAllowed(e, false); err != nil {
			return err
		}
	}
	r.backup = m.planner.EvictTraversing(r.Edges)
	r.Evicted = len(r.backup)

	recipients := 0
	if origin, ok := m.origin(r); ok {
		env := messaging.NewEnvelope(ControllerID, messaging.Inform, messaging.Content{
			messaging.KeyKind: messaging.KindIncident,
			"id":              r.ID,
			"edges":           edgeStrings(r.Edges),
		}, tick, messaging.Urgent())
		recipients = m.bus.Broadcast(env, origin, m.radius)
	}

	m.metrics.Incident(Active.String())
	m.logger.Info("incident triggered", "id", r.ID, "tick", tick, "evicted", r.Evicted, "recipients", recipients)
	m.emit(tick, "incident_triggered", r.ID, map[string]any{
		"edges":      edgeStrings(r.Edges),
		"evicted":    r.Evicted,
		"recipients": recipients,
	})
	return nil
}

// Resolve ends an incident at tick. Resolving a resolved incident is a
// no-op.
func (m *Machine) Resolve(id string, tick int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	return m.resolve(r, tick)
}

func (m *Machine) resolve(r *Record, tick int) error {
	if r.State == Resolved {
		return nil
	}
	wasActive := r.State == Active
	if err := r.transition(Resolved); err != nil {
		return err
	}
	r.ResolvedAt = tick
	if !wasActive {
		m.logger.Info("incident cancelled before activation", "id", r.ID, "tick", tick)
		return nil
	}

	// An edge shared with another active incident stays blocked.
	for _, e := range r.Edges {
		if m.heldByOther(r.ID, e) {
			continue
		}
		if _, err := m.graph.SetAllowed(e, true); err != nil {
			return err
		}
	}
	r.Restored = m.planner.Restore(r.backup)
	r.backup = nil

	recipients := 0
	if origin, ok := m.origin(r); ok {
		env := messaging.NewEnvelope(ControllerID, messaging.Inform, messaging.Content{
			messaging.KeyKind: messaging.KindIncidentResolved,
			"id":              r.ID,
			"edges":           edgeStrings(r.Edges),
		}, tick)
		recipients = m.bus.Broadcast(env, origin, m.radius)
	}

	m.metrics.Incident(Resolved.String())
	m.logger.Info("incident resolved", "id", r.ID, "tick", tick, "restored", r.Restored, "recipients", recipients)
	m.emit(tick, "incident_resolved", r.ID, map[string]any{
		"edges":      edgeStrings(r.Edges),
		"restored":   r.Restored,
		"duration":   tick - r.ActivatedAt,
		"recipients": recipients,
	})
	return nil
}

func (m *Machine) heldByOther(id string, edge roadgraph.EdgeID) bool {
	for _, other := range m.records {
		if other.ID == id || other.State != Active {
			continue
		}
		for _, e := range other.Edges {
			if e == edge {
				return true
			}
		}
	}
	return false
}

// Advance applies every transition due at tick, in scheduling order.
func (m *Machine) Advance(tick int) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Transition
	var errs []error
	for _, id := range m.order {
		r := m.records[id]
		switch {
		case r.State == Inactive && tick >= r.Start:
			if err := m.trigger(r, tick); err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, Transition{ID: id, From: Inactive, To: Active, Tick: tick})
		case r.State == Active && r.Duration > 0 && tick >= r.ActivatedAt+r.Duration:
			if err := m.resolve(r, tick); err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, Transition{ID: id, From: Active, To: Resolved, Tick: tick})
		}
	}
	return out, errors.Join(errs...)
}

// Get returns a copy of the record for id.
func (m *Machine) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return r.copy(), true
}

// Records returns every record, sorted by id.
func (m *Machine) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns how many records are in state s.
func (m *Machine) Count(s State) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.State == s {
			n++
		}
	}
	return n
}

func (r *Record) copy() Record {
	c := *r
	c.Edges = append([]roadgraph.EdgeID(nil), r.Edges...)
	c.backup = nil
	return c
}

// origin is the midpoint of the first edge, where broadcasts start.
func (m *Machine) origin(r *Record) (orb.Point, bool) {
	for _, id := range r.Edges {
		if e, ok := m.graph.Edge(id); ok {
			return m.graph.PointAlong(e, e.Length/2), true
		}
	}
	return orb.Point{}, false
}

func (m *Machine) emit(tick int, typ, id string, fields map[string]any) {
	if m.onEvent != nil {
		m.onEvent(tick, typ, id, fields)
	}
}

func edgeStrings(ids []roadgraph.EdgeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
