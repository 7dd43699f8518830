// Package sim is the simulation context: it owns the road network, the
// message bus, the shared planner, the positioning track, the incident
// machine and every agent, and advances them tick by tick.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/ocx/trafficmesh/internal/agent"
	"github.com/ocx/trafficmesh/internal/bdi"
	"github.com/ocx/trafficmesh/internal/config"
	"github.com/ocx/trafficmesh/internal/incident"
	"github.com/ocx/trafficmesh/internal/invariant"
	"github.com/ocx/trafficmesh/internal/kinematics"
	"github.com/ocx/trafficmesh/internal/messaging"
	"github.com/ocx/trafficmesh/internal/metrics"
	"github.com/ocx/trafficmesh/internal/roadgraph"
	"github.com/ocx/trafficmesh/internal/routing"
	"github.com/ocx/trafficmesh/internal/scenario"
	"github.com/ocx/trafficmesh/internal/signal"
	"github.com/ocx/trafficmesh/internal/sink"
)

var ErrClosed = errors.New("engine closed")

// ScenarioSender is the sender id of envelopes injected by scenario events.
const ScenarioSender = "scenario"

// Options carries the collaborators of a run. Every field is optional.
type Options struct {
	RunID    string
	Sink     sink.Sink
	Scenario *scenario.Scenario
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time

	// RecordMessages writes one record per accepted envelope.
	RecordMessages bool
}

// Engine is one run. Tick 0 is the state right after New; every Step
// advances one tick. Close must be called at teardown.
type Engine struct {
	cfg       *config.Config
	runID     string
	graph     *roadgraph.Graph
	bus       *messaging.Bus
	planner   *routing.Planner
	track     *kinematics.Track
	metrics   *metrics.Metrics
	incidents *incident.Machine
	stream    *scenario.Stream
	sink      sink.Sink
	obs       *collector
	env       *agent.Env
	crisis    *agent.CrisisManager
	rng       *rand.Rand
	now       func() time.Time
	logger    *slog.Logger

	mu            sync.RWMutex
	tick          int
	closed        bool
	agents        map[string]*bdi.Agent
	vehicles      map[string]*agent.Vehicle
	intersections map[string]*agent.Intersection
	seq           int
	spawned       int
	emergencies   int
	arrived       int
	travelTotal   int
	last          KPI
}

// New builds the network, the agents and the initial vehicle population.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Sink == nil {
		opts.Sink = sink.Discard{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.With("component", "sim", "run", opts.RunID)

	n := cfg.Network
	g, err := roadgraph.NewGrid(n.GridWidth, n.GridHeight, n.CellSize, n.FreeFlowSpeed)
	if err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}
	if opts.Scenario != nil {
		if err := opts.Scenario.Validate(g); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", opts.Scenario.Name, err)
		}
	}

	r := cfg.Routing
	planner, err := routing.NewPlanner(g, routing.Config{
		CacheSize:         r.CacheSize,
		HeuristicFactor:   r.HeuristicFactor,
		CongestionPenalty: r.CongestionPenalty,
		MinSpeedFactor:    r.MinSpeedFactor,
	}, opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}

	e := &Engine{
		cfg:           cfg,
		runID:         opts.RunID,
		graph:         g,
		bus:           messaging.NewBus(messaging.NewDirectory(), opts.Metrics),
		planner:       planner,
		track:         kinematics.NewTrack(g),
		metrics:       opts.Metrics,
		stream:        opts.Scenario.Stream(),
		sink:          opts.Sink,
		rng:           rand.New(rand.NewSource(cfg.Simulation.Seed)),
		now:           opts.Now,
		logger:        logger,
		agents:        make(map[string]*bdi.Agent),
		vehicles:      make(map[string]*agent.Vehicle),
		intersections: make(map[string]*agent.Intersection),
	}
	e.obs = newCollector(e.runID, e.now, e.metrics, logger, opts.RecordMessages)
	e.bus.SetTap(e.obs.message)
	e.env = &agent.Env{
		Bus:        e.bus,
		Graph:      g,
		Planner:    planner,
		Kinematics: e.track,
		Sensor:     e.track,
		Observer:   e.obs,
		Metrics:    e.metrics,
		Config:     cfg,
	}

	e.incidents = incident.NewMachine(g, planner, e.bus, cfg.Messaging.IncidentRadius, e.metrics)
	e.incidents.OnEvent(func(tick int, typ, id string, fields map[string]any) {
		fields = maps.Clone(fields)
		if fields == nil {
			fields = make(map[string]any)
		}
		fields["incident"] = id
		e.obs.Event(tick, typ, incident.ControllerID, fields)
	})

	if err := e.addCrisisManager(); err != nil {
		return nil, err
	}
	if err := e.addIntersections(); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.Vehicles.Count; i++ {
		if err := e.spawnRandom("", false, 0); err != nil {
			return nil, err
		}
	}
	e.obs.Event(0, "run_started", "", map[string]any{
		"grid":          fmt.Sprintf("%dx%d", n.GridWidth, n.GridHeight),
		"vehicles":      e.spawned,
		"intersections": len(e.intersections),
		"strategy":      cfg.Signal.Strategy,
		"workers":       cfg.Simulation.Workers,
	})
	e.updateAgentGauges()
	logger.Info("simulation ready",
		"nodes", len(g.Nodes()), "edges", len(g.Edges()),
		"intersections", len(e.intersections), "vehicles", e.spawned)
	return e, nil
}

func (e *Engine) addCrisisManager() error {
	if err := e.bus.Register(agent.CrisisManagerID, messaging.RoleCrisisManager, e.center(), true); err != nil {
		return err
	}
	e.crisis = agent.NewCrisisManager(e.env)
	e.agents[agent.CrisisManagerID] = bdi.NewAgent(agent.CrisisManagerID, e.crisis)
	return nil
}

func (e *Engine) addIntersections() error {
	sc := e.cfg.Signal
	l := sc.Learning
	learning := signal.LearningConfig{
		Alpha:        l.Alpha,
		Gamma:        l.Gamma,
		Epsilon:      l.Epsilon,
		EpsilonDecay: l.EpsilonDecay,
		EpsilonFloor: l.EpsilonFloor,
		BucketSize:   l.BucketSize,
		MaxBucket:    l.MaxBucket,
	}
	for i, node := range e.graph.Nodes() {
		if !node.Signalized {
			continue
		}
		strategy, err := signal.NewStrategy(sc.Strategy, sc.SwitchThreshold, sc.MaxPhaseTicks, learning, e.cfg.Simulation.Seed+int64(i))
		if err != nil {
			return err
		}
		x, err := agent.NewIntersection(node.ID, strategy, e.env)
		if err != nil {
			return err
		}
		id := string(node.ID)
		if err := e.bus.Register(id, messaging.RoleIntersection, node.Point, false); err != nil {
			return err
		}
		e.intersections[id] = x
		e.agents[id] = bdi.NewAgent(id, x)
	}
	return nil
}

func (e *Engine) center() orb.Point {
	var sum orb.Point
	nodes := e.graph.Nodes()
	for _, n := range nodes {
		sum[0] += n.Point[0]
		sum[1] += n.Point[1]
	}
	if len(nodes) == 0 {
		return sum
	}
	return orb.Point{sum[0] / float64(len(nodes)), sum[1] / float64(len(nodes))}
}

// ============================================================================
// VEHICLES
// ============================================================================

// Spawn adds a vehicle at origin heading for dest. An empty id is generated.
func (e *Engine) Spawn(id string, origin, dest roadgraph.NodeID, emergency bool) (string, error) {
	e.mu.RLock()
	tick := e.tick
	e.mu.RUnlock()
	return e.spawn(id, origin, dest, emergency, tick)
}

func (e *Engine) spawn(id string, origin, dest roadgraph.NodeID, emergency bool, tick int) (string, error) {
	from, ok := e.graph.Node(origin)
	if !ok {
		return "", fmt.Errorf("%w: %s", roadgraph.ErrUnknownNode, origin)
	}
	if _, ok := e.graph.Node(dest); !ok {
		return "", fmt.Errorf("%w: %s", roadgraph.ErrUnknownNode, dest)
	}
	if origin == dest {
		return "", fmt.Errorf("vehicle origin and destination are both %s", origin)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if id == "" {
		e.seq++
		id = fmt.Sprintf("v-%04d", e.seq)
	}
	if _, exists := e.agents[id]; exists {
		return "", fmt.Errorf("agent %s already exists", id)
	}
	if err := e.track.Add(id, origin); err != nil {
		return "", err
	}
	if err := e.bus.Register(id, messaging.RoleVehicle, from.Point, false); err != nil {
		e.track.Remove(id)
		return "", err
	}
	v := agent.NewVehicle(id, dest, emergency, tick, e.env)
	e.vehicles[id] = v
	e.agents[id] = bdi.NewAgent(id, v)
	e.spawned++
	if emergency {
		e.emergencies++
	}
	e.obs.Event(tick, "vehicle_spawned", id, map[string]any{
		"origin":      string(origin),
		"destination": string(dest),
		"emergency":   emergency,
	})
	return id, nil
}

// spawnRandom picks distinct endpoints from the seeded source. Unless forced,
// a vehicle is an emergency vehicle with probability EmergencyShare.
func (e *Engine) spawnRandom(id string, emergency bool, tick int) error {
	nodes := e.graph.Nodes()
	origin := nodes[e.rng.Intn(len(nodes))].ID
	dest := origin
	for dest == origin {
		dest = nodes[e.rng.Intn(len(nodes))].ID
	}
	if !emergency {
		emergency = e.rng.Float64() < e.cfg.Vehicles.EmergencyShare
	}
	_, err := e.spawn(id, origin, dest, emergency, tick)
	return err
}

// collectArrivals retires every vehicle that reached its destination.
func (e *Engine) collectArrivals(tick int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range slices.Sorted(maps.Keys(e.vehicles)) {
		v := e.vehicles[id]
		if ok, _ := v.Arrived(); !ok {
			continue
		}
		e.bus.Unregister(id)
		e.track.Remove(id)
		delete(e.vehicles, id)
		delete(e.agents, id)

		travel := v.TravelTicks()
		e.arrived++
		e.travelTotal += travel
		e.metrics.Trip(travel)
		e.obs.Event(tick, "vehicle_arrived", id, map[string]any{
			"travel_ticks":   travel,
			"recalculations": len(v.Recalculations()),
			"emergency":      v.Emergency(),
		})
	}
}

// ============================================================================
// SCENARIO
// ============================================================================

func (e *Engine) applyScenario(tick int) {
	for _, ev := range e.stream.Due(tick) {
		if err := e.apply(ev, tick); err != nil {
			e.obs.Failure(agent.FailScenario, err)
			e.logger.Warn("scenario event failed", "tick", tick, "kind", ev.Kind, "error", err)
		}
	}
}

func (e *Engine) apply(ev scenario.Event, tick int) error {
	switch ev.Kind {
	case scenario.BlockEdges:
		id, err := e.incidents.Schedule(incident.Spec{
			ID:       ev.Incident,
			Edges:    ev.EdgeIDs(),
			Start:    tick,
			Duration: ev.Duration,
		})
		if err != nil {
			return err
		}
		return e.incidents.Trigger(id, tick)

	case scenario.UnblockEdges:
		if ev.Incident != "" {
			return e.incidents.Resolve(ev.Incident, tick)
		}
		var errs []error
		for _, r := range e.incidents.Records() {
			if r.State != incident.Active || !overlaps(r.Edges, ev.EdgeIDs()) {
				continue
			}
			errs = append(errs, e.incidents.Resolve(r.ID, tick))
		}
		return errors.Join(errs...)

	case scenario.SpawnVehicle:
		if ev.Origin == "" || ev.Destination == "" {
			return e.spawnRandom(ev.Vehicle, ev.Emergency, tick)
		}
		_, err := e.spawn(ev.Vehicle, roadgraph.NodeID(ev.Origin), roadgraph.NodeID(ev.Destination), ev.Emergency, tick)
		return err

	case scenario.CrisisDirective:
		content := messaging.Content{messaging.KeyKind: messaging.KindCrisisDirective}
		if len(ev.Nodes) > 0 {
			content["nodes"] = slices.Clone(ev.Nodes)
		} else {
			content["from"], content["to"] = ev.From, ev.To
		}
		return e.bus.Send(messaging.NewEnvelope(ScenarioSender, messaging.Request, content, tick,
			messaging.To(agent.CrisisManagerID), messaging.Urgent()))
	}
	return fmt.Errorf("%w: %s", scenario.ErrUnknownKind, ev.Kind)
}

func overlaps(a, b []roadgraph.EdgeID) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

// ============================================================================
// TICK
// ============================================================================

// Step advances one tick: flip inboxes, apply due scenario events, advance
// incidents, run every agent cycle on the worker pool, move vehicles, retire
// arrivals and write the tick's records. Only context cancellation aborts a
// step; agent and sink failures are counted and the tick completes.
func (e *Engine) Step(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.tick++
	tick := e.tick
	e.mu.Unlock()

	e.bus.Flip()
	e.applyScenario(tick)
	if _, err := e.incidents.Advance(tick); err != nil {
		e.obs.Failure(agent.FailInvariant, err)
		e.logger.Error("incident advance failed", "tick", tick, "error", err)
	}

	if err := e.runAgents(ctx, tick); err != nil {
		return err
	}

	e.track.Advance(e.cfg.Simulation.TickSeconds)
	e.collectArrivals(tick)
	e.record(ctx, tick)
	return nil
}

// runAgents fans the agent cycles out over at most Workers goroutines and
// waits for all of them.
func (e *Engine) runAgents(ctx context.Context, tick int) error {
	e.mu.RLock()
	ids := slices.Sorted(maps.Keys(e.agents))
	agents := make([]*bdi.Agent, len(ids))
	for i, id := range ids {
		agents[i] = e.agents[id]
	}
	e.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(e.cfg.Simulation.Workers)
	for _, a := range agents {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := a.Step(ctx, e.bus.Drain(a.ID), tick); err != nil {
				e.agentFailure(a.ID, tick, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) agentFailure(id string, tick int, err error) {
	switch {
	case errors.Is(err, invariant.ErrViolation), errors.Is(err, routing.ErrNoPath):
		// Counted by the agent that raised it.
	case errors.Is(err, kinematics.ErrUnknownVehicle), errors.Is(err, kinematics.ErrRouteMismatch):
		e.obs.Failure(agent.FailKinematics, err)
	default:
		e.obs.Failure(agent.FailAgent, err)
	}
	e.logger.Warn("agent cycle failed", "agent", id, "tick", tick, "error", err)
}

// Run steps until the configured tick count is reached or ctx is done.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	for e.Tick() < e.cfg.Simulation.Ticks {
		if err := e.Step(ctx); err != nil {
			return e.Report(), err
		}
	}
	return e.Report(), nil
}

// Close writes the run summary and closes the sink. It is safe to call more
// than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	rep := e.Report()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recs, _ := e.obs.flush()
	recs = append(recs, sink.Record{
		RunID:  e.runID,
		Kind:   sink.KindSummary,
		Type:   "run_summary",
		Tick:   rep.Ticks,
		Fields: rep.Fields(),
		Time:   e.now(),
	})
	var errs []error
	if err := e.sink.Write(ctx, recs); err != nil {
		errs = append(errs, fmt.Errorf("write summary: %w", err))
	}
	if err := e.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sink: %w", err))
	}
	e.logger.Info("simulation closed", "ticks", rep.Ticks, "arrived", rep.Vehicles.Arrived, "failures", rep.TotalFailures())
	return errors.Join(errs...)
}

// ============================================================================
// ACCESSORS
// ============================================================================

func (e *Engine) RunID() string                { return e.runID }
func (e *Engine) Config() *config.Config       { return e.cfg }
func (e *Engine) Graph() *roadgraph.Graph      { return e.graph }
func (e *Engine) Bus() *messaging.Bus          { return e.bus }
func (e *Engine) Planner() *routing.Planner    { return e.planner }
func (e *Engine) Track() *kinematics.Track     { return e.track }
func (e *Engine) Metrics() *metrics.Metrics    { return e.metrics }
func (e *Engine) Incidents() *incident.Machine { return e.incidents }

// CrisisManager returns the single crisis manager role.
func (e *Engine) CrisisManager() *agent.CrisisManager { return e.crisis }

// Tick is the last completed tick.
func (e *Engine) Tick() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tick
}

// Agent returns a snapshot of one agent.
func (e *Engine) Agent(id string) (bdi.Snapshot, bool) {
	e.mu.RLock()
	a, ok := e.agents[id]
	e.mu.RUnlock()
	if !ok {
		return bdi.Snapshot{}, false
	}
	return a.Snapshot(), true
}

// Agents returns snapshots of every agent of role, or all agents when role
// is empty, sorted by id.
func (e *Engine) Agents(role messaging.Role) []bdi.Snapshot {
	e.mu.RLock()
	ids := slices.Sorted(maps.Keys(e.agents))
	agents := make([]*bdi.Agent, 0, len(ids))
	for _, id := range ids {
		if a := e.agents[id]; role == "" || a.Kind() == role {
			agents = append(agents, a)
		}
	}
	e.mu.RUnlock()

	out := make([]bdi.Snapshot, len(agents))
	for i, a := range agents {
		out[i] = a.Snapshot()
	}
	return out
}

// Vehicle returns the vehicle role for id while it is on the network.
func (e *Engine) Vehicle(id string) (*agent.Vehicle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vehicles[id]
	return v, ok
}

// Intersection returns the intersection role at node.
func (e *Engine) Intersection(node roadgraph.NodeID) (*agent.Intersection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.intersections[string(node)]
	return x, ok
}

// LastKPI is the KPI row of the last completed tick.
func (e *Engine) LastKPI() KPI {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}
