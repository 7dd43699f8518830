package sim

import (
	"context"
	"maps"

	"github.com/ocx/trafficmesh/internal/agent"
	"github.com/ocx/trafficmesh/internal/incident"
	"github.com/ocx/trafficmesh/internal/messaging"
	"github.com/ocx/trafficmesh/internal/roadgraph"
	"github.com/ocx/trafficmesh/internal/routing"
	"github.com/ocx/trafficmesh/internal/sink"
)

// KPI is the per-tick record.
type KPI struct {
	Tick               int            `json:"tick"`
	ActiveAgents       int            `json:"active_agents"`
	Vehicles           int            `json:"vehicles"`
	Intersections      int            `json:"intersections"`
	Messages           map[string]int `json:"messages"`
	MessagesTotal      int            `json:"messages_total"`
	AverageQueue       float64        `json:"avg_queue"`
	MaxQueue           int            `json:"max_queue"`
	Arrived            int            `json:"arrived"`
	AverageTravelTicks float64        `json:"avg_travel_ticks"`
	ActiveIncidents    int            `json:"active_incidents"`
}

// Fields renders the KPI as a record body.
func (k KPI) Fields() map[string]any {
	return map[string]any{
		"active_agents":    k.ActiveAgents,
		"vehicles":         k.Vehicles,
		"intersections":    k.Intersections,
		"messages":         maps.Clone(k.Messages),
		"messages_total":   k.MessagesTotal,
		"avg_queue":        k.AverageQueue,
		"max_queue":        k.MaxQueue,
		"arrived":          k.Arrived,
		"avg_travel_ticks": k.AverageTravelTicks,
		"active_incidents": k.ActiveIncidents,
	}
}

func (e *Engine) kpi(tick int, messages map[string]int) KPI {
	e.mu.RLock()
	k := KPI{
		Tick:          tick,
		ActiveAgents:  len(e.agents),
		Vehicles:      len(e.vehicles),
		Intersections: len(e.intersections),
		Messages:      messages,
		Arrived:       e.arrived,
	}
	if e.arrived > 0 {
		k.AverageTravelTicks = float64(e.travelTotal) / float64(e.arrived)
	}
	nodes := make([]string, 0, len(e.intersections))
	for id := range e.intersections {
		nodes = append(nodes, id)
	}
	e.mu.RUnlock()

	for _, n := range messages {
		k.MessagesTotal += n
	}
	total := 0
	for _, id := range nodes {
		q := 0
		for _, n := range e.track.Queues(roadgraph.NodeID(id)) {
			q += n
		}
		e.metrics.Queue(id, q)
		total += q
		k.MaxQueue = max(k.MaxQueue, q)
	}
	if len(nodes) > 0 {
		k.AverageQueue = float64(total) / float64(len(nodes))
	}
	k.ActiveIncidents = e.incidents.Count(incident.Active)
	return k
}

// record flushes the tick's buffered records plus its KPI row. A sink
// failure is counted and logged; the run continues.
func (e *Engine) record(ctx context.Context, tick int) {
	recs, messages := e.obs.flush()
	k := e.kpi(tick, messages)
	recs = append(recs, sink.Record{
		RunID:  e.runID,
		Kind:   sink.KindTick,
		Tick:   tick,
		Fields: k.Fields(),
		Time:   e.now(),
	})

	e.mu.Lock()
	e.last = k
	e.mu.Unlock()
	e.metrics.Tick()
	e.updateAgentGauges()

	if err := e.sink.Write(ctx, recs); err != nil {
		e.obs.Failure(agent.FailSink, err)
		e.logger.Warn("sink write failed", "tick", tick, "records", len(recs), "error", err)
	}
}

func (e *Engine) updateAgentGauges() {
	dir := e.bus.Directory()
	for _, role := range messaging.Roles() {
		e.metrics.Agents(string(role), dir.Count(role))
	}
}

// ============================================================================
// REPORT
// ============================================================================

// VehicleCounts summarises the vehicle population of a run.
type VehicleCounts struct {
	Spawned   int `json:"spawned"`
	Emergency int `json:"emergency"`
	Arrived   int `json:"arrived"`
	Active    int `json:"active"`
}

// Report is the run summary.
type Report struct {
	RunID              string            `json:"run_id"`
	Ticks              int               `json:"ticks"`
	Vehicles           VehicleCounts     `json:"vehicles"`
	AverageTravelTicks float64           `json:"avg_travel_ticks"`
	MessagesSent       uint64            `json:"messages_sent"`
	Deliveries         uint64            `json:"deliveries"`
	Messages           map[string]uint64 `json:"messages"`
	Failures           map[string]int    `json:"failures"`
	Incidents          map[string]int    `json:"incidents"`
	Negotiations       map[string]int    `json:"negotiations"`
	Events             map[string]int    `json:"events"`
	Routing            routing.Stats     `json:"routing"`
}

// Report builds the summary so far. Every failure kind is present, zero
// when it never occurred. Cache misses come from the planner's counters.
func (e *Engine) Report() Report {
	failures, events, negotiations := e.obs.counts()
	stats := e.bus.Stats()
	rs := e.planner.Stats()

	e.mu.RLock()
	r := Report{
		RunID: e.runID,
		Ticks: e.tick,
		Vehicles: VehicleCounts{
			Spawned:   e.spawned,
			Emergency: e.emergencies,
			Arrived:   e.arrived,
			Active:    len(e.vehicles),
		},
	}
	if e.arrived > 0 {
		r.AverageTravelTicks = float64(e.travelTotal) / float64(e.arrived)
	}
	e.mu.RUnlock()

	r.MessagesSent = stats.Sent
	r.Deliveries = stats.Deliveries
	r.Messages = stats.ByPerformative
	r.Routing = rs
	r.Events = events
	r.Negotiations = negotiations

	r.Failures = make(map[string]int, len(agent.FailureKinds()))
	for _, kind := range agent.FailureKinds() {
		r.Failures[kind] = failures[kind]
	}
	r.Failures[agent.FailCacheMiss] += rs.Misses + rs.Stale

	r.Incidents = map[string]int{}
	for _, s := range []incident.State{incident.Inactive, incident.Active, incident.Resolved} {
		r.Incidents[s.String()] = e.incidents.Count(s)
	}
	return r
}

// TotalFailures sums every failure kind except cache misses, which are
// expected in normal operation.
func (r Report) TotalFailures() int {
	n := 0
	for kind, c := range r.Failures {
		if kind != agent.FailCacheMiss {
			n += c
		}
	}
	return n
}

// Fields renders the report as a record body.
func (r Report) Fields() map[string]any {
	return map[string]any{
		"ticks":            r.Ticks,
		"vehicles":         r.Vehicles,
		"avg_travel_ticks": r.AverageTravelTicks,
		"messages_sent":    r.MessagesSent,
		"deliveries":       r.Deliveries,
		"messages":         r.Messages,
		"failures":         r.Failures,
		"incidents":        r.Incidents,
		"negotiations":     r.Negotiations,
		"events":           r.Events,
		"routing":          r.Routing,
	}
}
