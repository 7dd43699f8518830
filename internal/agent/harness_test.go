package agent

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/ocx/trafficmesh/internal/bdi"
	"github.com/ocx/trafficmesh/internal/config"
	"github.com/ocx/trafficmesh/internal/kinematics"
	"github.com/ocx/trafficmesh/internal/messaging"
	"github.com/ocx/trafficmesh/internal/roadgraph"
	"github.com/ocx/trafficmesh/internal/routing"
	"github.com/ocx/trafficmesh/internal/signal"
)

type event struct {
	Tick   int
	Type   string
	Agent  string
	Fields map[string]any
}

type recorder struct {
	mu       sync.Mutex
	events   []event
	failures map[string]int
}

func (r *recorder) Event(tick int, typ, agent string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{Tick: tick, Type: typ, Agent: agent, Fields: fields})
}

func (r *recorder) Failure(kind string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures == nil {
		r.failures = make(map[string]int)
	}
	r.failures[kind]++
}

func (r *recorder) ofType(typ string) []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) failed(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[kind]
}

type fakeSensor struct {
	mu     sync.Mutex
	queues map[roadgraph.NodeID]map[signal.Direction]int
}

func (s *fakeSensor) set(node roadgraph.NodeID, q map[signal.Direction]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queues == nil {
		s.queues = make(map[roadgraph.NodeID]map[signal.Direction]int)
	}
	s.queues[node] = q
}

func (s *fakeSensor) Queues(node roadgraph.NodeID) map[signal.Direction]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[signal.Direction]int)
	for d, q := range s.queues[node] {
		out[d] = q
	}
	return out
}

type harness struct {
	env    *Env
	graph  *roadgraph.Graph
	bus    *messaging.Bus
	track  *kinematics.Track
	sensor *fakeSensor
	obs    *recorder
	agents map[string]*bdi.Agent
}

func newHarness(t *testing.T, w, h int) *harness {
	t.Helper()
	cfg := config.Default()
	g, err := roadgraph.NewGrid(w, h, cfg.Network.CellSize, cfg.Network.FreeFlowSpeed)
	require.NoError(t, err)
	planner, err := routing.NewPlanner(g, routing.DefaultConfig(), nil)
	require.NoError(t, err)

	hs := &harness{
		graph:  g,
		bus:    messaging.NewBus(messaging.NewDirectory(), nil),
		track:  kinematics.NewTrack(g),
		sensor: &fakeSensor{},
		obs:    &recorder{},
		agents: make(map[string]*bdi.Agent),
	}
	hs.env = &Env{
		Bus:        hs.bus,
		Graph:      g,
		Planner:    planner,
		Kinematics: hs.track,
		Sensor:     hs.sensor,
		Observer:   hs.obs,
		Config:     cfg,
	}
	return hs
}

func (h *harness) point(n roadgraph.NodeID) orb.Point {
	node, _ := h.graph.Node(n)
	return node.Point
}

func (h *harness) addVehicle(t *testing.T, id string, from, to roadgraph.NodeID, emergency bool) (*Vehicle, *bdi.Agent) {
	t.Helper()
	require.NoError(t, h.track.Add(id, from))
	require.NoError(t, h.bus.Register(id, messaging.RoleVehicle, h.point(from), false))
	v := NewVehicle(id, to, emergency, 0, h.env)
	a := bdi.NewAgent(id, v)
	h.agents[id] = a
	return v, a
}

func (h *harness) addIntersection(t *testing.T, node roadgraph.NodeID) (*Intersection, *bdi.Agent) {
	t.Helper()
	cfg := h.env.Config.Signal
	strategy, err := signal.NewStrategy(cfg.Strategy, cfg.SwitchThreshold, cfg.MaxPhaseTicks, signal.LearningConfig{}, 1)
	require.NoError(t, err)
	x, err := NewIntersection(node, strategy, h.env)
	require.NoError(t, err)
	require.NoError(t, h.bus.Register(string(node), messaging.RoleIntersection, h.point(node), false))
	a := bdi.NewAgent(string(node), x)
	h.agents[string(node)] = a
	return x, a
}

func (h *harness) addCrisis(t *testing.T) (*CrisisManager, *bdi.Agent) {
	t.Helper()
	require.NoError(t, h.bus.Register(CrisisManagerID, messaging.RoleCrisisManager, orb.Point{}, true))
	c := NewCrisisManager(h.env)
	a := bdi.NewAgent(CrisisManagerID, c)
	h.agents[CrisisManagerID] = a
	return c, a
}

// step runs one tick over every agent in id order.
func (h *harness) step(t *testing.T, tick int) {
	t.Helper()
	h.bus.Flip()
	ids := make([]string, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		require.NoError(t, h.agents[id].Step(context.Background(), h.bus.Drain(id), tick), "agent %s", id)
	}
}

func routeOf(a *bdi.Agent) (r routing.Route, ok bool) {
	a.Inspect(func(b *bdi.Beliefs) { r, ok = bdi.Value[routing.Route](b, BeliefRoute) })
	return r, ok
}

func n(x, y int) roadgraph.NodeID { return roadgraph.GridNodeID(x, y) }
