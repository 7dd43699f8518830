// Package bdi runs the perceive, deliberate, plan, execute cycle shared by
// every agent role. Roles contribute pure functions; the cycle itself is
// implemented once.
package bdi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ocx/trafficmesh/internal/invariant"
	"github.com/ocx/trafficmesh/internal/messaging"
)

// Phase is the position of an agent inside its cycle.
type Phase int

const (
	Idle Phase = iota
	Perceiving
	Deliberating
	Planning
	Executing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case Perceiving:
		return "PERCEIVING"
	case Deliberating:
		return "DELIBERATING"
	case Planning:
		return "PLANNING"
	case Executing:
		return "EXECUTING"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[Phase]Phase{
	Idle:         Perceiving,
	Perceiving:   Deliberating,
	Deliberating: Planning,
	Planning:     Executing,
	Executing:    Idle,
}

// Desire is a goal derived from beliefs for one cycle only.
type Desire struct {
	Name        string  `json:"name"`
	Priority    float64 `json:"priority"`
	Satisfiable bool    `json:"satisfiable"`
}

// IntentionKind is the closed set of actions an agent can commit to.
type IntentionKind string

const (
	IntentIdle IntentionKind = "IDLE"

	IntentFollowRoute      IntentionKind = "FOLLOW_ROUTE"
	IntentRecalculateRoute IntentionKind = "REQUEST_RECALCULATION"
	IntentDecelerate       IntentionKind = "DECELERATE"
	IntentStop             IntentionKind = "STOP"

	IntentAdjustPhase         IntentionKind = "ADJUST_PHASE"
	IntentBroadcastCongestion IntentionKind = "BROADCAST_CONGESTION"
	IntentCoordinateNeighbor  IntentionKind = "COORDINATE_NEIGHBOR"
	IntentEmergencyMode       IntentionKind = "ENTER_EMERGENCY_MODE"
	IntentRespondToCFP        IntentionKind = "RESPOND_TO_CFP"

	IntentBroadcastAlert  IntentionKind = "BROADCAST_ALERT"
	IntentCreateGreenWave IntentionKind = "CREATE_GREEN_WAVE"
	IntentDelegateViaCNP  IntentionKind = "DELEGATE_VIA_CNP"
	IntentRestoreNormal   IntentionKind = "RESTORE_NORMAL_FLOW"
)

// Intention is the single committed action of an agent.
type Intention struct {
	Kind   IntentionKind  `json:"kind"`
	Desire string         `json:"desire,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Since  int            `json:"since"`
}

// Role supplies the role-specific parts of the cycle.
type Role interface {
	Kind() messaging.Role
	// Perceive folds inbox envelopes and external state into beliefs.
	Perceive(ctx context.Context, b *Beliefs, inbox []messaging.Envelope, tick int) error
	// Deliberate derives this cycle's desires. It must not mutate b.
	Deliberate(b *Beliefs, tick int) []Desire
	// Materialize turns the chosen desire into an intention.
	Materialize(d Desire, b *Beliefs, tick int) Intention
	// Execute performs the intention. Messages may only be emitted here.
	Execute(ctx context.Context, in Intention, b *Beliefs, tick int) error
}

// Agent is one autonomous decision unit.
type Agent struct {
	ID   string
	role Role

	mu        sync.Mutex
	beliefs   *Beliefs
	desires   []Desire
	intention Intention
	phase     Phase
	trace     []Phase
	cycles    int
}

// NewAgent wraps role in a cycle.
func NewAgent(id string, role Role) *Agent {
	return &Agent{
		ID:        id,
		role:      role,
		beliefs:   NewBeliefs(),
		intention: Intention{Kind: IntentIdle},
	}
}

// Kind returns the agent's role.
func (a *Agent) Kind() messaging.Role { return a.role.Kind() }

// Role returns the role implementation.
func (a *Agent) Role() Role { return a.role }

func (a *Agent) enter(to Phase) error {
	if validTransitions[a.phase] != to {
		return invariant.Violation("agent %s: %s -> %s", a.ID, a.phase, to)
	}
	a.phase = to
	a.trace = append(a.trace, to)
	return nil
}

// Step runs one full cycle at tick. A perception failure is reported but the
// cycle continues on the beliefs already held; an execution failure is
// returned after the agent is back in IDLE.
func (a *Agent) Step(ctx context.Context, inbox []messaging.Envelope, tick int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.trace = a.trace[:0]
	if err := a.enter(Perceiving); err != nil {
		return err
	}
	var perceiveErr error
	if err := a.role.Perceive(ctx, a.beliefs, inbox, tick); err != nil {
		perceiveErr = fmt.Errorf("perceive: %w", err)
	}

	if err := a.enter(Deliberating); err != nil {
		return err
	}
	a.desires = a.role.Deliberate(a.beliefs, tick)

	if err := a.enter(Planning); err != nil {
		return err
	}
	if d, ok := Select(a.desires); ok {
		a.intention = a.role.Materialize(d, a.beliefs, tick)
		a.intention.Desire = d.Name
		a.intention.Since = tick
	} else {
		a.intention = Intention{Kind: IntentIdle, Since: tick}
	}

	if err := a.enter(Executing); err != nil {
		return err
	}
	var execErr error
	if a.intention.Kind != IntentIdle {
		if err := a.role.Execute(ctx, a.intention, a.beliefs, tick); err != nil {
			execErr = fmt.Errorf("execute %s: %w", a.intention.Kind, err)
		}
	}

	if err := a.enter(Idle); err != nil {
		return err
	}
	a.cycles++
	return errors.Join(perceiveErr, execErr)
}

// Select picks the highest-priority satisfiable desire. Ties go to the
// earlier desire.
func Select(desires []Desire) (Desire, bool) {
	var best Desire
	found := false
	for _, d := range desires {
		if !d.Satisfiable {
			continue
		}
		if !found || d.Priority > best.Priority {
			best, found = d, true
		}
	}
	return best, found
}

// Snapshot is a read-only view of an agent between cycles.
type Snapshot struct {
	ID        string         `json:"id"`
	Role      messaging.Role `json:"role"`
	Phase     string         `json:"phase"`
	Cycles    int            `json:"cycles"`
	Intention Intention      `json:"intention"`
	Desires   []Desire       `json:"desires"`
	Beliefs   []Belief       `json:"beliefs"`
}

// Snapshot copies the agent's state.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		ID:        a.ID,
		Role:      a.role.Kind(),
		Phase:     a.phase.String(),
		Cycles:    a.cycles,
		Intention: a.intention,
		Desires:   append([]Desire(nil), a.desires...),
		Beliefs:   a.beliefs.Snapshot(),
	}
}

// Trace returns the phases visited during the last Step.
func (a *Agent) Trace() []Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Phase(nil), a.trace...)
}

// Intention returns the current intention.
func (a *Agent) Intention() Intention {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.intention
}

// Phase returns the current cycle phase; IDLE between steps.
func (a *Agent) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Inspect runs fn with the agent's beliefs under its lock.
func (a *Agent) Inspect(fn func(*Beliefs)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.beliefs)
}
