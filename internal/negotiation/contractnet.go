// Package negotiation implements the initiator side of the Contract-Net
// protocol: call for proposals, collect bids, award at most one.
package negotiation

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ocx/trafficmesh/internal/invariant"
	"github.com/ocx/trafficmesh/internal/messaging"
)

// State of a conversation.
type State int

const (
	StateOpen State = iota
	StateEvaluating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateEvaluating:
		return "EVALUATING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[State][]State{
	StateOpen:       {StateEvaluating, StateClosed},
	StateEvaluating: {StateClosed},
}

// OutcomeKind classifies how a conversation closed.
type OutcomeKind string

const (
	OutcomeAwarded     OutcomeKind = "awarded"
	OutcomeNoProposals OutcomeKind = "no_proposals"
	OutcomeTimeout     OutcomeKind = "timeout"
)

// ValueKey is the content key a PROPOSE carries its bid under.
const ValueKey = "availability"

// Sender is the part of the bus the engine needs.
type Sender interface {
	Send(messaging.Envelope) error
}

// Config bounds a conversation in ticks.
type Config struct {
	// ResponseWindow is how long to wait before evaluating whatever
	// proposals arrived.
	ResponseWindow int
	// RoundBudget force-closes a conversation that is still open.
	RoundBudget int
}

// Proposal is one bid.
type Proposal struct {
	Sender  string
	Value   float64
	Arrival int
	Tick    int
}

// Outcome reports a closed conversation.
type Outcome struct {
	ConversationID string
	Winner         string // empty when nobody was awarded
	Kind           OutcomeKind
	Proposals      int
	Content        messaging.Content
	OpenedAt       int
	ClosedAt       int
}

type conversation struct {
	id           string
	content      messaging.Content
	participants map[string]bool
	replied      map[string]bool
	proposals    []Proposal
	state        State
	openedAt     int
}

func (c *conversation) transition(to State) error {
	for _, allowed := range validTransitions[c.state] {
		if allowed == to {
			c.state = to
			return nil
		}
	}
	return invariant.Violation("conversation %s: %s -> %s", c.id, c.state, to)
}

// Engine runs every conversation opened by one initiator.
type Engine struct {
	initiator string
	sender    Sender
	cfg       Config
	logger    *slog.Logger

	mu    sync.Mutex
	convs map[string]*conversation
	order []string
	seq   int
}

// NewEngine creates an engine for initiator.
func NewEngine(initiator string, sender Sender, cfg Config) *Engine {
	if cfg.ResponseWindow < 1 {
		cfg.ResponseWindow = 1
	}
	if cfg.RoundBudget < cfg.ResponseWindow {
		cfg.RoundBudget = cfg.ResponseWindow
	}
	return &Engine{
		initiator: initiator,
		sender:    sender,
		cfg:       cfg,
		logger:    slog.Default().With("component", "contract-net", "initiator", initiator),
		convs:     make(map[string]*conversation),
	}
}

// Open sends a CFP to every participant and returns the conversation id.
// Participants the bus does not know count as refusals. An empty participant
// list still opens a conversation; it closes without a winner on the next
// Advance.
func (e *Engine) Open(participants []string, content messaging.Content, tick int) string {
	c := &conversation{
		id:           uuid.NewString(),
		content:      content,
		participants: make(map[string]bool, len(participants)),
		replied:      make(map[string]bool),
		state:        StateOpen,
		openedAt:     tick,
	}

	for _, p := range participants {
		if p == e.initiator {
			continue
		}
		c.participants[p] = true
		cfp := messaging.NewEnvelope(e.initiator, messaging.CFP, content, tick,
			messaging.To(p),
			messaging.WithProtocol(messaging.ProtocolContractNet),
			messaging.InConversation(c.id),
		)
		if err := e.sender.Send(cfp); err != nil {
			e.logger.Warn("cfp not delivered", "participant", p, "error", err)
			c.replied[p] = true
		}
	}

	e.mu.Lock()
	e.convs[c.id] = c
	e.order = append(e.order, c.id)
	e.mu.Unlock()

	e.logger.Info("contract-net opened", "conversation", c.id, "participants", len(c.participants), "tick", tick)
	return c.id
}

// Collect records a PROPOSE or REFUSE. It reports whether env belonged to an
// open conversation of this engine.
func (e *Engine) Collect(env messaging.Envelope) bool {
	if env.Performative != messaging.Propose && env.Performative != messaging.Refuse {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.convs[env.ConversationID]
	if !ok || c.state != StateOpen || !c.participants[env.Sender] || c.replied[env.Sender] {
		return false
	}
	c.replied[env.Sender] = true
	if env.Performative == messaging.Refuse {
		return true
	}

	value, _ := env.Content().Float(ValueKey)
	e.seq++
	c.proposals = append(c.proposals, Proposal{
		Sender:  env.Sender,
		Value:   value,
		Arrival: e.seq,
		Tick:    env.CreatedAt,
	})
	return true
}

// Advance moves every conversation forward at tick and returns those that
// closed. Closed conversations are forgotten.
func (e *Engine) Advance(tick int) []Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	var outcomes []Outcome
	kept := e.order[:0]
	for _, id := range e.order {
		c := e.convs[id]
		if out, closed := e.advance(c, tick); closed {
			outcomes = append(outcomes, out)
			delete(e.convs, id)
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
	return outcomes
}

func (e *Engine) advance(c *conversation, tick int) (Outcome, bool) {
	rounds := tick - c.openedAt
	allReplied := len(c.replied) >= len(c.participants)
	out := Outcome{
		ConversationID: c.id,
		Content:        c.content,
		OpenedAt:       c.openedAt,
		ClosedAt:       tick,
	}

	if c.state == StateOpen {
		windowDone := rounds >= e.cfg.ResponseWindow
		if allReplied || (windowDone && len(c.proposals) > 0) {
			if err := c.transition(StateEvaluating); err != nil {
				return out, false
			}
		} else if rounds >= e.cfg.RoundBudget {
			_ = c.transition(StateClosed)
			out.Kind = OutcomeTimeout
			e.logger.Warn("contract-net timed out", "conversation", c.id, "rounds", rounds, "replies", len(c.replied))
			return out, true
		} else {
			return out, false
		}
	}

	// EVALUATING
	out.Proposals = len(c.proposals)
	if err := c.transition(StateClosed); err != nil {
		return out, false
	}
	if len(c.proposals) == 0 {
		out.Kind = OutcomeNoProposals
		e.logger.Info("contract-net closed without proposals", "conversation", c.id)
		return out, true
	}

	ranked := append([]Proposal(nil), c.proposals...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Value != ranked[j].Value {
			return ranked[i].Value > ranked[j].Value
		}
		return ranked[i].Arrival < ranked[j].Arrival
	})

	out.Kind = OutcomeAwarded
	out.Winner = ranked[0].Sender
	for i, p := range ranked {
		perf := messaging.RejectProposal
		if i == 0 {
			perf = messaging.AcceptProposal
		}
		env := messaging.NewEnvelope(e.initiator, perf, c.content, tick,
			messaging.To(p.Sender),
			messaging.WithProtocol(messaging.ProtocolContractNet),
			messaging.InConversation(c.id),
		)
		if err := e.sender.Send(env); err != nil {
			e.logger.Warn("award not delivered", "conversation", c.id, "participant", p.Sender, "performative", perf, "error", err)
		}
	}
	e.logger.Info("contract-net awarded", "conversation", c.id, "winner", out.Winner, "value", ranked[0].Value, "proposals", len(ranked))
	return out, true
}

// Active returns the number of open conversations.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.convs)
}

// State returns the state of an open conversation.
func (e *Engine) State(id string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[id]
	if !ok {
		return StateClosed, fmt.Errorf("conversation %s not open", id)
	}
	return c.state, nil
}
