package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/paulmach/orb"

	"github.com/ocx/trafficmesh/internal/metrics"
)

var (
	ErrUnknownReceiver = errors.New("unknown receiver")
	ErrNoReceiver      = errors.New("envelope has no receiver")
)

// inbox keeps two lanes per visibility stage. Envelopes sent during a tick
// are staged; Flip moves them to the ready lanes read by Drain.
type inbox struct {
	stagedUrgent, stagedNormal []Envelope
	readyUrgent, readyNormal   []Envelope
}

func (in *inbox) stage(e Envelope) {
	if e.Priority == Emergency {
		in.stagedUrgent = append(in.stagedUrgent, e)
		return
	}
	in.stagedNormal = append(in.stagedNormal, e)
}

// Stats is a snapshot of the bus counters. All counters are monotonic.
type Stats struct {
	Sent           uint64            `json:"sent"`
	Broadcasts     uint64            `json:"broadcasts"`
	Deliveries     uint64            `json:"deliveries"`
	UnknownTargets uint64            `json:"unknown_receivers"`
	ByPerformative map[string]uint64 `json:"by_performative"`
}

// Bus delivers envelopes between registered agents.
type Bus struct {
	dir     *Directory
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	inboxes map[string]*inbox
	stats   Stats
	tap     func(Envelope)
}

// NewBus creates a bus over dir. m may be nil.
func NewBus(dir *Directory, m *metrics.Metrics) *Bus {
	return &Bus{
		dir:     dir,
		metrics: m,
		logger:  slog.Default().With("component", "bus"),
		inboxes: make(map[string]*inbox),
		stats:   Stats{ByPerformative: make(map[string]uint64)},
	}
}

// Directory exposes the agent directory.
func (b *Bus) Directory() *Directory { return b.dir }

// SetTap installs a hook called once per accepted envelope.
func (b *Bus) SetTap(fn func(Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tap = fn
}

// Register adds an agent and its inbox.
func (b *Bus) Register(id string, role Role, pos orb.Point, global bool) error {
	if err := b.dir.register(Entry{ID: id, Role: role, Position: pos, Global: global}); err != nil {
		return err
	}
	b.mu.Lock()
	b.inboxes[id] = &inbox{}
	b.mu.Unlock()
	return nil
}

// Unregister removes an agent. Pending envelopes are dropped.
func (b *Bus) Unregister(id string) {
	b.dir.unregister(id)
	b.mu.Lock()
	delete(b.inboxes, id)
	b.mu.Unlock()
}

// Send delivers e to e.Receiver. An unknown receiver is reported and counted
// but never fatal.
func (b *Bus) Send(e Envelope) error {
	if e.Receiver == "" {
		return ErrNoReceiver
	}

	b.mu.Lock()
	in, ok := b.inboxes[e.Receiver]
	if !ok {
		b.stats.UnknownTargets++
		b.mu.Unlock()
		b.metrics.UnknownReceiver()
		b.logger.Warn("send to unknown receiver", "sender", e.Sender, "receiver", e.Receiver, "performative", e.Performative)
		return fmt.Errorf("%w: %s", ErrUnknownReceiver, e.Receiver)
	}
	in.stage(e)
	b.count(e, 1)
	tap := b.tap
	b.mu.Unlock()

	if tap != nil {
		tap(e)
	}
	return nil
}

// Broadcast delivers e to every agent within radius of origin, and to global
// listeners, except the sender. It returns the number of recipients.
func (b *Bus) Broadcast(e Envelope, origin orb.Point, radius float64) int {
	e.Receiver = ""
	e.Radius = radius
	targets := b.dir.Within(origin, radius, e.Sender)

	b.mu.Lock()
	delivered := 0
	for _, id := range targets {
		if in, ok := b.inboxes[id]; ok {
			in.stage(e)
			delivered++
		}
	}
	b.stats.Broadcasts++
	b.count(e, delivered)
	tap := b.tap
	b.mu.Unlock()

	if tap != nil {
		tap(e)
	}
	b.logger.Debug("broadcast", "sender", e.Sender, "kind", e.Kind(), "radius", radius, "recipients", delivered)
	return delivered
}

// count must be called with b.mu held.
func (b *Bus) count(e Envelope, deliveries int) {
	b.stats.Sent++
	b.stats.Deliveries += uint64(deliveries)
	b.stats.ByPerformative[e.Performative.String()]++
	b.metrics.Message(e.Performative.String())
}

// Flip makes everything staged so far visible. The engine calls it once at
// the start of every tick.
func (b *Bus) Flip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, in := range b.inboxes {
		in.readyUrgent = append(in.readyUrgent, in.stagedUrgent...)
		in.readyNormal = append(in.readyNormal, in.stagedNormal...)
		in.stagedUrgent = in.stagedUrgent[:0]
		in.stagedNormal = in.stagedNormal[:0]
	}
}

// Drain returns and clears the visible envelopes for id: Emergency first,
// FIFO within each priority.
func (b *Bus) Drain(id string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.inboxes[id]
	if !ok {
		return nil
	}
	out := make([]Envelope, 0, len(in.readyUrgent)+len(in.readyNormal))
	out = append(out, in.readyUrgent...)
	out = append(out, in.readyNormal...)
	in.readyUrgent = nil
	in.readyNormal = nil
	return out
}

// Pending returns how many envelopes are waiting for id, staged or ready.
func (b *Bus) Pending(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.inboxes[id]
	if !ok {
		return 0
	}
	return len(in.stagedUrgent) + len(in.stagedNormal) + len(in.readyUrgent) + len(in.readyNormal)
}

// Stats returns a snapshot of the counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.ByPerformative = make(map[string]uint64, len(b.stats.ByPerformative))
	for k, v := range b.stats.ByPerformative {
		s.ByPerformative[k] = v
	}
	return s
}
