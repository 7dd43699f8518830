package sim

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ocx/trafficmesh/internal/messaging"
	"github.com/ocx/trafficmesh/internal/metrics"
	"github.com/ocx/trafficmesh/internal/sink"
)

// collector is the agent.Observer of a run. It buffers the records of the
// current tick until the engine flushes them to the sink and keeps the
// counters the run summary is built from.
type collector struct {
	runID          string
	now            func() time.Time
	metrics        *metrics.Metrics
	logger         *slog.Logger
	recordMessages bool

	mu           sync.Mutex
	pending      []sink.Record
	failures     map[string]int
	events       map[string]int
	negotiations map[string]int
	tickMessages map[string]int
}

func newCollector(runID string, now func() time.Time, m *metrics.Metrics, logger *slog.Logger, recordMessages bool) *collector {
	return &collector{
		runID:          runID,
		now:            now,
		metrics:        m,
		logger:         logger,
		recordMessages: recordMessages,
		failures:       make(map[string]int),
		events:         make(map[string]int),
		negotiations:   make(map[string]int),
		tickMessages:   make(map[string]int),
	}
}

func (c *collector) Event(tick int, typ, agent string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[typ]++
	if typ == "negotiation_closed" {
		if outcome, ok := fields["outcome"].(string); ok {
			c.negotiations[outcome]++
		}
	}
	c.pending = append(c.pending, sink.Record{
		RunID:  c.runID,
		Kind:   sink.KindEvent,
		Type:   typ,
		Tick:   tick,
		Agent:  agent,
		Fields: fields,
		Time:   c.now(),
	})
}

func (c *collector) Failure(kind string, err error) {
	c.mu.Lock()
	c.failures[kind]++
	c.mu.Unlock()
	c.metrics.Failure(kind)
	c.logger.Debug("recoverable failure", "kind", kind, "error", err)
}

// message is the bus tap. It runs on the sending agent's goroutine.
func (c *collector) message(e messaging.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	perf := e.Performative.String()
	c.tickMessages[perf]++
	if !c.recordMessages {
		return
	}
	fields := map[string]any{
		"kind":      e.Kind(),
		"emergency": e.Priority == messaging.Emergency,
	}
	if e.IsBroadcast() {
		fields["radius"] = e.Radius
	} else {
		fields["receiver"] = e.Receiver
	}
	if e.ConversationID != "" {
		fields["conversation_id"] = e.ConversationID
		fields["protocol"] = e.Protocol
	}
	c.pending = append(c.pending, sink.Record{
		RunID:  c.runID,
		Kind:   sink.KindMessage,
		Type:   perf,
		Tick:   e.CreatedAt,
		Agent:  e.Sender,
		Fields: fields,
		Time:   c.now(),
	})
}

// flush hands over the buffered records and the per-performative message
// counts since the previous flush.
func (c *collector) flush() ([]sink.Record, map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	recs, msgs := c.pending, c.tickMessages
	c.pending = nil
	c.tickMessages = make(map[string]int)
	return recs, msgs
}

func (c *collector) counts() (failures, events, negotiations map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.failures), maps.Clone(c.events), maps.Clone(c.negotiations)
}
