// Package messaging carries typed envelopes between agents: addressed
// delivery, radius broadcast, priority inboxes and delivery counters.
package messaging

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
)

// Performative is the communicative act of an envelope.
type Performative int

const (
	Inform Performative = iota
	Request
	Propose
	AcceptProposal
	RejectProposal
	CFP
	Agree
	Refuse
)

var performativeNames = [...]string{
	Inform:         "INFORM",
	Request:        "REQUEST",
	Propose:        "PROPOSE",
	AcceptProposal: "ACCEPT_PROPOSAL",
	RejectProposal: "REJECT_PROPOSAL",
	CFP:            "CFP",
	Agree:          "AGREE",
	Refuse:         "REFUSE",
}

func (p Performative) String() string {
	if p < 0 || int(p) >= len(performativeNames) {
		return "UNKNOWN"
	}
	return performativeNames[p]
}

// Performatives lists every performative in declaration order.
func Performatives() []Performative {
	all := make([]Performative, len(performativeNames))
	for i := range all {
		all[i] = Performative(i)
	}
	return all
}

// ParsePerformative is the inverse of String.
func ParsePerformative(s string) (Performative, error) {
	for i, name := range performativeNames {
		if strings.EqualFold(name, s) {
			return Performative(i), nil
		}
	}
	return 0, fmt.Errorf("unknown performative %q", s)
}

func (p Performative) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Performative) UnmarshalText(b []byte) error {
	v, err := ParsePerformative(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Priority orders envelopes inside an inbox.
type Priority int

const (
	Normal Priority = iota
	// Emergency envelopes carry an incident or emergency marker and jump
	// ahead of every pending Normal envelope.
	Emergency
)

// Content keys and kinds shared by the agent roles.
const (
	KeyKind = "type"

	KindCongestion         = "congestion"
	KindIncident           = "incident"
	KindIncidentResolved   = "incident_resolved"
	KindSignalState        = "signal_state"
	KindNeighborState      = "neighbor_state"
	KindGreenWave          = "green_wave"
	KindAlert              = "alert"
	KindAllClear           = "all_clear"
	KindCrisisDirective    = "crisis_directive"
	KindPriorityDelegation = "priority_delegation"
	KindEmergencyVehicle   = "emergency_vehicle"

	ProtocolContractNet = "fipa-contract-net"
)

// Content is the key/value body of an envelope.
type Content map[string]any

// Kind returns the "type" entry.
func (c Content) Kind() string { return c.String(KeyKind) }

func (c Content) String(key string) string {
	s, _ := c[key].(string)
	return s
}

func (c Content) Float(key string) (float64, bool) {
	switch v := c[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (c Content) Int(key string) (int, bool) {
	switch v := c[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func (c Content) Bool(key string) bool {
	b, _ := c[key].(bool)
	return b
}

// Strings returns a copy of a string list entry. Lists decoded from YAML or
// JSON arrive as []any and are converted.
func (c Content) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Envelope is an immutable message. Build it with NewEnvelope; the content
// map is copied on the way in and on the way out.
type Envelope struct {
	ID             string
	Sender         string
	Receiver       string  // empty for broadcasts
	Radius         float64 // broadcast radius, zero for addressed sends
	Performative   Performative
	Protocol       string
	ConversationID string
	ReplyTo        string
	CreatedAt      int
	Priority       Priority

	content Content
}

// Option customises an envelope at construction.
type Option func(*Envelope)

// To addresses the envelope to one receiver.
func To(receiver string) Option { return func(e *Envelope) { e.Receiver = receiver } }

// WithProtocol tags the interaction protocol.
func WithProtocol(p string) Option { return func(e *Envelope) { e.Protocol = p } }

// InConversation binds the envelope to a conversation.
func InConversation(id string) Option { return func(e *Envelope) { e.ConversationID = id } }

// InReplyTo references the envelope being answered.
func InReplyTo(id string) Option { return func(e *Envelope) { e.ReplyTo = id } }

// Urgent marks the envelope Emergency.
func Urgent() Option { return func(e *Envelope) { e.Priority = Emergency } }

// NewEnvelope creates an envelope sent at tick.
func NewEnvelope(sender string, p Performative, content Content, tick int, opts ...Option) Envelope {
	e := Envelope{
		ID:           uuid.NewString(),
		Sender:       sender,
		Performative: p,
		CreatedAt:    tick,
		content:      maps.Clone(content),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Reply builds a response addressed to the sender in the same conversation.
func (e Envelope) Reply(sender string, p Performative, content Content, tick int) Envelope {
	return NewEnvelope(sender, p, content, tick,
		To(e.Sender),
		WithProtocol(e.Protocol),
		InConversation(e.ConversationID),
		InReplyTo(e.ID),
	)
}

// Content returns a copy of the body.
func (e Envelope) Content() Content { return maps.Clone(e.content) }

// Kind is shorthand for Content().Kind() without the copy.
func (e Envelope) Kind() string { return e.content.Kind() }

// IsBroadcast reports whether the envelope was sent by radius.
func (e Envelope) IsBroadcast() bool { return e.Receiver == "" }

type envelopeJSON struct {
	ID             string       `json:"id"`
	Sender         string       `json:"sender"`
	Receiver       string       `json:"receiver,omitempty"`
	Radius         float64      `json:"radius,omitempty"`
	Performative   Performative `json:"performative"`
	Protocol       string       `json:"protocol,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	ReplyTo        string       `json:"reply_to,omitempty"`
	CreatedAt      int          `json:"created_at"`
	Emergency      bool         `json:"emergency,omitempty"`
	Content        Content      `json:"content,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		ID:             e.ID,
		Sender:         e.Sender,
		Receiver:       e.Receiver,
		Radius:         e.Radius,
		Performative:   e.Performative,
		Protocol:       e.Protocol,
		ConversationID: e.ConversationID,
		ReplyTo:        e.ReplyTo,
		CreatedAt:      e.CreatedAt,
		Emergency:      e.Priority == Emergency,
		Content:        e.content,
	})
}
