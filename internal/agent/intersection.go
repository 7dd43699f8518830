package agent

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/ocx/trafficmesh/internal/bdi"
	"github.com/ocx/trafficmesh/internal/invariant"
	"github.com/ocx/trafficmesh/internal/messaging"
	"github.com/ocx/trafficmesh/internal/roadgraph"
	"github.com/ocx/trafficmesh/internal/signal"
)

// Intersection beliefs.
const (
	BeliefQueues      bdi.BeliefKey = "QUEUE_LENGTHS"
	BeliefPhase       bdi.BeliefKey = "CURRENT_PHASE"
	BeliefPendingCFP  bdi.BeliefKey = "PENDING_CFP"
	BeliefEmergency   bdi.BeliefKey = "EMERGENCY_DIRECTIVE"
	neighborKeyPrefix               = "NEIGHBOR_STATE:"
)

// Intersection desires.
const (
	DesireMaximizeThroughput  = "MAXIMIZE_THROUGHPUT"
	DesireMinimizeWait        = "MINIMIZE_WAIT_TIME"
	DesireCoordinateNeighbors = "COORDINATE_WITH_NEIGHBORS"
	DesirePrioritizeEmergency = "PRIORITIZE_EMERGENCY"
	DesireRespondToCFP        = "RESPOND_TO_CFP"
)

func neighborKey(id string) bdi.BeliefKey { return bdi.BeliefKey(neighborKeyPrefix + id) }

// PhaseView is the signal state an intersection publishes.
type PhaseView struct {
	Phase      signal.Phase `json:"phase"`
	Next       signal.Phase `json:"next"`
	GreenAt    int          `json:"green_at"`
	LastChange int          `json:"last_change"`
}

// directive forces a green until a tick.
type directive struct {
	Phase  signal.Phase `json:"phase"`
	Until  int          `json:"until"`
	Source string       `json:"source"`
}

// neighborState is the last state a neighbor shared with us.
type neighborState struct {
	Phase     signal.Phase             `json:"phase"`
	ChangedAt int                      `json:"changed_at"`
	Queues    map[signal.Direction]int `json:"queues"`
	Point     orb.Point                `json:"point"`
	Tick      int                      `json:"tick"`
}

// Intersection is the role of one signalized node.
type Intersection struct {
	id       string
	node     *roadgraph.Node
	env      *Env
	strategy signal.Strategy

	phase         signal.Phase
	pendingGreen  signal.Phase
	yellowUntil   int
	lastChange    int
	changed       bool
	changes       []int
	lastBroadcast int
	lastSync      int
}

// NewIntersection creates the role for node, starting on NS green.
func NewIntersection(node roadgraph.NodeID, strategy signal.Strategy, env *Env) (*Intersection, error) {
	n, ok := env.Graph.Node(node)
	if !ok {
		return nil, roadgraph.ErrUnknownNode
	}
	if strategy == nil {
		return nil, errors.New("intersection needs a signal strategy")
	}
	never := math.MinInt32
	return &Intersection{
		id:            string(node),
		node:          n,
		env:           env,
		strategy:      strategy,
		phase:         signal.NSGreen,
		pendingGreen:  signal.NSGreen,
		lastBroadcast: never,
		lastSync:      never,
	}, nil
}

func (x *Intersection) Kind() messaging.Role { return messaging.RoleIntersection }

// Node is the graph node controlled.
func (x *Intersection) Node() roadgraph.NodeID { return x.node.ID }

// Strategy returns the signal policy in use.
func (x *Intersection) Strategy() signal.Strategy { return x.strategy }

// Changes returns the ticks at which phase changes were committed. Only
// safe between ticks.
func (x *Intersection) Changes() []int { return append([]int(nil), x.changes...) }

func (x *Intersection) view() PhaseView {
	next := x.phase
	if !x.phase.IsGreen() {
		next = x.pendingGreen
	}
	return PhaseView{Phase: x.phase, Next: next, GreenAt: x.yellowUntil, LastChange: x.lastChange}
}

// elapsed is the number of ticks since the last committed change.
func (x *Intersection) elapsed(tick int) int {
	if !x.changed {
		return tick
	}
	return tick - x.lastChange
}

func (x *Intersection) canChange(tick int) bool {
	return x.phase.IsGreen() && (!x.changed || x.elapsed(tick) >= x.env.Config.Signal.MinPhaseTicks)
}

// commit starts the transition to target. Attempts inside the minimum
// duration are refused as invariant violations.
func (x *Intersection) commit(target signal.Phase, reason string, tick int) error {
	if !target.IsGreen() || target == x.phase {
		return nil
	}
	if x.changed && x.elapsed(tick) < x.env.Config.Signal.MinPhaseTicks {
		err := invariant.Violation("intersection %s: phase change after %d ticks, minimum %d",
			x.id, x.elapsed(tick), x.env.Config.Signal.MinPhaseTicks)
		x.env.observer().Failure(FailInvariant, err)
		return err
	}
	if !x.phase.IsGreen() {
		err := invariant.Violation("intersection %s: phase change during %s", x.id, x.phase)
		x.env.observer().Failure(FailInvariant, err)
		return err
	}

	from := x.phase
	x.changed = true
	x.lastChange = tick
	x.changes = append(x.changes, tick)
	x.pendingGreen = target
	if yellow := x.env.Config.Signal.YellowTicks; yellow > 0 {
		x.phase = from.Yellow()
		x.yellowUntil = tick + yellow
	} else {
		x.phase = target
		x.yellowUntil = tick
	}

	x.env.Metrics.PhaseChange(x.id)
	x.env.observer().Event(tick, "phase_change", x.id, map[string]any{
		"from":   from.String(),
		"to":     target.String(),
		"reason": reason,
	})
	x.broadcastState(tick)
	return nil
}

func (x *Intersection) broadcastState(tick int) {
	v := x.view()
	env := messaging.NewEnvelope(x.id, messaging.Inform, messaging.Content{
		messaging.KeyKind: messaging.KindSignalState,
		"node":            x.id,
		"phase":           v.Phase.String(),
		"next":            v.Next.String(),
		"green_at":        v.GreenAt,
	}, tick)
	x.env.Bus.Broadcast(env, x.node.Point, x.env.Config.Messaging.SignalRadius)
}

// side returns the approach of this node that faces p.
func (x *Intersection) side(p orb.Point) signal.Direction {
	return signal.Approach(p, x.node.Point)
}

func (x *Intersection) Perceive(_ context.Context, b *bdi.Beliefs, inbox []messaging.Envelope, tick int) error {
	queues := x.env.Sensor.Queues(x.node.ID)
	b.Set(BeliefQueues, queues, tick)
	total := 0
	for _, q := range queues {
		total += q
	}
	x.env.Metrics.Queue(x.id, total)

	if !x.phase.IsGreen() && tick >= x.yellowUntil {
		x.phase = x.pendingGreen
	}

	pending, _ := bdi.Value[[]messaging.Envelope](b, BeliefPendingCFP)
	pending = append([]messaging.Envelope(nil), pending...)
	d, hasDirective := bdi.Value[directive](b, BeliefEmergency)

	for _, env := range inbox {
		c := env.Content()
		switch {
		case env.Performative == messaging.CFP:
			pending = append(pending, env)
		case env.Performative == messaging.AcceptProposal:
			phase, ok := CorridorPhase(x.env.Graph, x.node.ID, nodeIDs(c.Strings("nodes")))
			if !ok {
				continue
			}
			d = directive{Phase: phase, Until: tick + x.env.Config.Crisis.DelegationTicks, Source: env.Sender}
			hasDirective = true
		case env.Performative == messaging.Request && c.Kind() == messaging.KindGreenWave:
			phase, ok := signal.ParsePhase(c.String("phase"))
			if !ok || !phase.IsGreen() {
				continue
			}
			until, _ := c.Int("until")
			d = directive{Phase: phase, Until: until, Source: env.Sender}
			hasDirective = true
		case env.Performative == messaging.Inform && c.Kind() == messaging.KindNeighborState:
			phase, _ := signal.ParsePhase(c.String("phase"))
			changedAt, _ := c.Int("changed_at")
			ns := neighborState{Phase: phase, ChangedAt: changedAt, Tick: tick, Queues: make(map[signal.Direction]int, 4)}
			for _, dir := range signal.Directions() {
				if q, ok := c.Int("queue_" + dir.String()); ok {
					ns.Queues[dir] = q
				}
			}
			if n, ok := x.env.Graph.Node(roadgraph.NodeID(env.Sender)); ok {
				ns.Point = n.Point
			}
			b.Set(neighborKey(env.Sender), ns, tick)
		}
	}

	if hasDirective && tick >= d.Until {
		x.env.observer().Event(tick, "emergency_mode_ended", x.id, map[string]any{"phase": d.Phase.String()})
		b.Delete(BeliefEmergency)
	} else if hasDirective {
		b.Set(BeliefEmergency, d, tick)
	}
	if len(pending) > 0 {
		b.Set(BeliefPendingCFP, pending, tick)
	}
	b.Set(BeliefPhase, x.view(), tick)
	return nil
}

// neighbors returns fresh neighbor states keyed by the side they sit on.
func (x *Intersection) neighbors(b *bdi.Beliefs, tick int) map[signal.Direction]neighborState {
	out := make(map[signal.Direction]neighborState)
	for _, key := range b.Keys() {
		if !strings.HasPrefix(string(key), neighborKeyPrefix) {
			continue
		}
		ns, ok := bdi.Value[neighborState](b, key)
		if !ok || tick-ns.Tick > x.env.Config.Signal.NeighborStaleTicks {
			continue
		}
		out[x.side(ns.Point)] = ns
	}
	return out
}

func (x *Intersection) congested(b *bdi.Beliefs) []signal.Direction {
	queues, _ := bdi.Value[map[signal.Direction]int](b, BeliefQueues)
	var dirs []signal.Direction
	for _, d := range signal.Directions() {
		if queues[d] > x.env.Config.Signal.CongestionThreshold {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func (x *Intersection) Deliberate(b *bdi.Beliefs, tick int) []bdi.Desire {
	cfg := x.env.Config.Signal
	var desires []bdi.Desire

	d, emergency := bdi.Value[directive](b, BeliefEmergency)
	// Showing (or turning to) the forced green fulfils the directive, so the
	// hold leaves room for CFP replies and neighbour sync.
	if emergency && x.view().Next != d.Phase {
		desires = append(desires, bdi.Desire{
			Name:        DesirePrioritizeEmergency,
			Priority:    1,
			Satisfiable: x.canChange(tick),
		})
	}
	if b.Has(BeliefPendingCFP) {
		desires = append(desires, bdi.Desire{Name: DesireRespondToCFP, Priority: 0.95, Satisfiable: true})
	}
	if len(x.congested(b)) > 0 && tick-x.lastBroadcast >= cfg.BroadcastCooldown {
		desires = append(desires, bdi.Desire{Name: DesireMinimizeWait, Priority: 0.85, Satisfiable: true})
	}
	if tick-x.lastSync >= cfg.NeighborSyncInterval {
		desires = append(desires, bdi.Desire{Name: DesireCoordinateNeighbors, Priority: 0.82, Satisfiable: true})
	}
	if !emergency {
		queues, _ := bdi.Value[map[signal.Direction]int](b, BeliefQueues)
		total := 0
		for _, q := range queues {
			total += q
		}
		urgency := math.Min(0.3, float64(total)/float64(max(1, cfg.CongestionThreshold)*10))
		desires = append(desires, bdi.Desire{
			Name:        DesireMaximizeThroughput,
			Priority:    0.5 + urgency,
			Satisfiable: x.canChange(tick),
		})
	}
	return desires
}

func (x *Intersection) Materialize(d bdi.Desire, b *bdi.Beliefs, tick int) bdi.Intention {
	switch d.Name {
	case DesirePrioritizeEmergency:
		dir, _ := bdi.Value[directive](b, BeliefEmergency)
		return bdi.Intention{Kind: bdi.IntentEmergencyMode, Params: map[string]any{"phase": dir.Phase, "source": dir.Source}}
	case DesireRespondToCFP:
		return bdi.Intention{Kind: bdi.IntentRespondToCFP}
	case DesireMinimizeWait:
		return bdi.Intention{Kind: bdi.IntentBroadcastCongestion}
	case DesireCoordinateNeighbors:
		return bdi.Intention{Kind: bdi.IntentCoordinateNeighbor}
	default:
		return bdi.Intention{Kind: bdi.IntentAdjustPhase}
	}
}

func (x *Intersection) Execute(_ context.Context, in bdi.Intention, b *bdi.Beliefs, tick int) error {
	var err error
	switch in.Kind {
	case bdi.IntentEmergencyMode:
		phase, _ := in.Params["phase"].(signal.Phase)
		if x.view().Next != phase {
			err = x.commit(phase, "emergency", tick)
		}
	case bdi.IntentRespondToCFP:
		x.respond(b, tick)
	case bdi.IntentBroadcastCongestion:
		x.broadcastCongestion(b, tick)
	case bdi.IntentCoordinateNeighbor:
		x.coordinate(b, tick)
	case bdi.IntentAdjustPhase:
		err = x.adjust(b, tick)
	}
	b.Set(BeliefPhase, x.view(), tick)
	return err
}

// Availability is the share of spare capacity an intersection advertises in
// a Contract-Net proposal.
func Availability(totalQueue, threshold int) float64 {
	a := 1 - float64(totalQueue)/float64(max(1, threshold)*4)
	return math.Max(0, math.Min(1, a))
}

func (x *Intersection) respond(b *bdi.Beliefs, tick int) {
	pending, _ := bdi.Value[[]messaging.Envelope](b, BeliefPendingCFP)
	b.Delete(BeliefPendingCFP)

	queues, _ := bdi.Value[map[signal.Direction]int](b, BeliefQueues)
	total := 0
	for _, q := range queues {
		total += q
	}
	avail := Availability(total, x.env.Config.Signal.CongestionThreshold)
	for _, cfp := range pending {
		if avail > x.env.Config.Negotiation.MinAvailability {
			x.env.send(cfp.Reply(x.id, messaging.Propose, messaging.Content{
				messaging.KeyKind: messaging.KindPriorityDelegation,
				"availability":    avail,
				"queue":           total,
			}, tick))
			continue
		}
		x.env.send(cfp.Reply(x.id, messaging.Refuse, messaging.Content{
			messaging.KeyKind: messaging.KindPriorityDelegation,
			"reason":          "insufficient capacity",
		}, tick))
	}
}

func (x *Intersection) broadcastCongestion(b *bdi.Beliefs, tick int) {
	queues, _ := bdi.Value[map[signal.Direction]int](b, BeliefQueues)
	threshold := x.env.Config.Signal.CongestionThreshold
	dirs := x.congested(b)

	var edges []roadgraph.EdgeID
	worst := 0
	for _, e := range x.env.Graph.In(x.node.ID) {
		from, ok := x.env.Graph.Node(e.From)
		if !ok {
			continue
		}
		side := x.side(from.Point)
		for _, d := range dirs {
			if d == side {
				edges = append(edges, e.ID)
				worst = max(worst, queues[d])
			}
		}
	}
	x.lastBroadcast = tick
	if len(edges) == 0 {
		return
	}

	level := math.Min(1, float64(worst)/float64(max(1, threshold)*2))
	env := messaging.NewEnvelope(x.id, messaging.Inform, messaging.Content{
		messaging.KeyKind: messaging.KindCongestion,
		"node":            x.id,
		"edges":           edgeStrings(edges),
		"level":           level,
		"queue":           worst,
	}, tick)
	n := x.env.Bus.Broadcast(env, x.node.Point, x.env.Config.Messaging.BroadcastRadius)
	x.env.observer().Event(tick, "congestion_broadcast", x.id, map[string]any{
		"edges":      len(edges),
		"queue":      worst,
		"recipients": n,
	})
}

func (x *Intersection) coordinate(b *bdi.Beliefs, tick int) {
	x.lastSync = tick
	queues, _ := bdi.Value[map[signal.Direction]int](b, BeliefQueues)
	content := messaging.Content{
		messaging.KeyKind: messaging.KindNeighborState,
		"node":            x.id,
		"phase":           x.view().Next.String(),
		"changed_at":      x.lastChange,
	}
	for _, d := range signal.Directions() {
		content["queue_"+d.String()] = queues[d]
	}
	for _, n := range x.env.Graph.Neighbors(x.node.ID) {
		node, ok := x.env.Graph.Node(n)
		if !ok || !node.Signalized {
			continue
		}
		x.env.send(messaging.NewEnvelope(x.id, messaging.Inform, content, tick, messaging.To(string(n))))
	}
	x.broadcastState(tick)
}

// greenWave returns the green a platoon released by an upstream neighbor is
// due to need now.
func (x *Intersection) greenWave(neighbors map[signal.Direction]neighborState, queues map[signal.Direction]int, tick int) (signal.Phase, bool) {
	speed := x.env.Config.Signal.AverageSpeed
	if speed <= 0 {
		return 0, false
	}
	for _, side := range signal.Directions() {
		ns, ok := neighbors[side]
		if !ok || ns.Phase != signal.GreenFor(side) || queues[side] == 0 {
			continue
		}
		offset := int(planar.Distance(ns.Point, x.node.Point) / speed)
		if tick-ns.ChangedAt >= offset {
			return signal.GreenFor(side), true
		}
	}
	return 0, false
}

func (x *Intersection) adjust(b *bdi.Beliefs, tick int) error {
	if !x.canChange(tick) {
		return nil
	}
	queues, _ := bdi.Value[map[signal.Direction]int](b, BeliefQueues)
	neighbors := x.neighbors(b, tick)

	downstream := make(map[signal.Direction]float64, 4)
	for _, d := range signal.Directions() {
		if ns, ok := neighbors[d.Opposite()]; ok {
			downstream[d] = float64(ns.Queues[d])
		}
	}
	state := signal.State{
		Phase:      x.phase,
		Queues:     queues,
		Downstream: downstream,
		Elapsed:    x.elapsed(tick),
	}

	target := x.strategy.DecidePhase(state)
	reason := x.strategy.Name()
	if target == x.phase {
		if wave, ok := x.greenWave(neighbors, queues, tick); ok {
			target, reason = wave, "green_wave"
		}
	}
	return x.commit(target, reason, tick)
}

// CorridorPhase returns the green at node that serves traffic moving along
// path.
func CorridorPhase(g *roadgraph.Graph, node roadgraph.NodeID, path []roadgraph.NodeID) (signal.Phase, bool) {
	self, ok := g.Node(node)
	if !ok {
		return 0, false
	}
	for i, n := range path {
		if n != node {
			continue
		}
		var other roadgraph.NodeID
		switch {
		case i > 0:
			other = path[i-1]
		case i+1 < len(path):
			other = path[i+1]
		default:
			return 0, false
		}
		o, ok := g.Node(other)
		if !ok {
			return 0, false
		}
		return signal.GreenFor(signal.Approach(o.Point, self.Point)), true
	}
	return 0, false
}
