package agent

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/ocx/trafficmesh/internal/bdi"
	"github.com/ocx/trafficmesh/internal/invariant"
	"github.com/ocx/trafficmesh/internal/kinematics"
	"github.com/ocx/trafficmesh/internal/messaging"
	"github.com/ocx/trafficmesh/internal/roadgraph"
	"github.com/ocx/trafficmesh/internal/routing"
	"github.com/ocx/trafficmesh/internal/signal"
)

// Vehicle beliefs.
const (
	BeliefPosition      bdi.BeliefKey = "POSITION"
	BeliefDestination   bdi.BeliefKey = "DESTINATION"
	BeliefRoute         bdi.BeliefKey = "ROUTE"
	BeliefCongestion    bdi.BeliefKey = "CONGESTION_LEVEL"
	BeliefSignals       bdi.BeliefKey = "SIGNALS"
	BeliefPendingRecalc bdi.BeliefKey = "PENDING_RECALCULATION"
	BeliefLastRecalc    bdi.BeliefKey = "LAST_RECALCULATION"
	BeliefArrived       bdi.BeliefKey = "ARRIVED"
)

// Vehicle desires.
const (
	DesireReachDestination   = "REACH_DESTINATION"
	DesireMinimizeTravelTime = "MINIMIZE_TRAVEL_TIME"
	DesireAvoidCongestion    = "AVOID_CONGESTION"
	DesireStaySafe           = "STAY_SAFE"
)

type congestionMark struct {
	Level    float64 `json:"level"`
	Tick     int     `json:"tick"`
	Incident bool    `json:"incident"`
}

// signalView is what a vehicle last heard from an intersection.
type signalView struct {
	Phase   signal.Phase `json:"phase"`
	Next    signal.Phase `json:"next"`
	GreenAt int          `json:"green_at"`
}

func (s signalView) at(tick int) signal.Phase {
	if !s.Phase.IsGreen() && tick >= s.GreenAt {
		return s.Next
	}
	return s.Phase
}

type hazardLevel int

const (
	hazardNone hazardLevel = iota
	hazardSlow
	hazardStop
)

// Vehicle is the role of one car travelling to a destination.
type Vehicle struct {
	id        string
	env       *Env
	dest      roadgraph.NodeID
	emergency bool
	spawnedAt int

	arrived   bool
	arrivedAt int
	recalcs   []routing.Recalculation
}

// NewVehicle creates the role for a vehicle spawned at tick.
func NewVehicle(id string, dest roadgraph.NodeID, emergency bool, tick int, env *Env) *Vehicle {
	return &Vehicle{id: id, env: env, dest: dest, emergency: emergency, spawnedAt: tick}
}

func (v *Vehicle) Kind() messaging.Role { return messaging.RoleVehicle }

// Destination is where the vehicle is heading.
func (v *Vehicle) Destination() roadgraph.NodeID { return v.dest }

// Emergency reports whether the vehicle ignores signals.
func (v *Vehicle) Emergency() bool { return v.emergency }

// Arrived reports whether and when the trip completed.
func (v *Vehicle) Arrived() (bool, int) { return v.arrived, v.arrivedAt }

// TravelTicks is the trip duration, or -1 while travelling.
func (v *Vehicle) TravelTicks() int {
	if !v.arrived {
		return -1
	}
	return v.arrivedAt - v.spawnedAt
}

// Recalculations returns every recalculation attempt so far.
func (v *Vehicle) Recalculations() []routing.Recalculation {
	return slices.Clone(v.recalcs)
}

// ahead returns the index of the first route edge the vehicle has not yet
// entered.
func ahead(r routing.Route, loc kinematics.Location) int {
	if loc.Edge != "" {
		if i := slices.Index(r.Edges, loc.Edge); i >= 0 {
			return i + 1
		}
	}
	if i := slices.Index(r.Nodes, loc.Node); i >= 0 {
		return min(i, len(r.Edges))
	}
	return 0
}

func (v *Vehicle) Perceive(_ context.Context, b *bdi.Beliefs, inbox []messaging.Envelope, tick int) error {
	loc, posErr := v.env.Kinematics.Position(v.id)
	if posErr != nil {
		loc, _ = bdi.Value[kinematics.Location](b, BeliefPosition)
	} else {
		b.Set(BeliefPosition, loc, tick)
		v.env.Bus.Directory().UpdatePosition(v.id, loc.Point)
	}
	if !b.Has(BeliefDestination) {
		b.Set(BeliefDestination, v.dest, tick)
	}

	route, hasRoute := bdi.Value[routing.Route](b, BeliefRoute)
	idx := ahead(route, loc)
	marks, _ := bdi.Value[map[roadgraph.EdgeID]congestionMark](b, BeliefCongestion)
	marks = maps.Clone(marks)
	if marks == nil {
		marks = make(map[roadgraph.EdgeID]congestionMark)
	}
	signals, _ := bdi.Value[map[roadgraph.NodeID]signalView](b, BeliefSignals)
	signals = maps.Clone(signals)
	if signals == nil {
		signals = make(map[roadgraph.NodeID]signalView)
	}

	pending, _ := bdi.Value[routing.Reason](b, BeliefPendingRecalc)
	raise := func(r routing.Reason) {
		if pending == "" || r == routing.ReasonIncident {
			pending = r
		}
	}

	for _, env := range inbox {
		if env.Performative != messaging.Inform {
			continue
		}
		c := env.Content()
		switch c.Kind() {
		case messaging.KindCongestion:
			level, _ := c.Float("level")
			edges := edgeIDs(c.Strings("edges"))
			for _, e := range edges {
				if m, ok := marks[e]; ok && m.Incident {
					continue
				}
				marks[e] = congestionMark{Level: level, Tick: tick}
			}
			if hasRoute && route.TraversesAny(edges, idx) {
				raise(routing.ReasonCongestion)
			}
		case messaging.KindIncident, messaging.KindAlert:
			edges := edgeIDs(c.Strings("edges"))
			for _, e := range edges {
				marks[e] = congestionMark{Level: 1, Tick: tick, Incident: true}
			}
			if hasRoute && route.TraversesAny(edges, idx) {
				raise(routing.ReasonIncident)
			}
		case messaging.KindIncidentResolved, messaging.KindAllClear:
			for _, e := range edgeIDs(c.Strings("edges")) {
				delete(marks, e)
			}
		case messaging.KindSignalState:
			phase, ok := signal.ParsePhase(c.String("phase"))
			if !ok {
				continue
			}
			next, _ := signal.ParsePhase(c.String("next"))
			greenAt, _ := c.Int("green_at")
			signals[roadgraph.NodeID(c.String("node"))] = signalView{Phase: phase, Next: next, GreenAt: greenAt}
		}
	}

	ttl := v.env.Config.Vehicles.CongestionTTL
	for e, m := range marks {
		if !m.Incident && tick-m.Tick > ttl {
			delete(marks, e)
		}
	}

	// A blocked edge ahead is external state even when nobody told us.
	if hasRoute {
		for i := idx; i < len(route.Edges); i++ {
			if !v.env.Graph.Allowed(route.Edges[i]) {
				raise(routing.ReasonIncident)
				break
			}
		}
	}

	b.Set(BeliefCongestion, marks, tick)
	b.Set(BeliefSignals, signals, tick)
	if pending != "" {
		b.Set(BeliefPendingRecalc, pending, tick)
	}

	if posErr == nil && loc.Edge == "" && loc.Node == v.dest && !v.arrived {
		v.arrived, v.arrivedAt = true, tick
		b.Set(BeliefArrived, true, tick)
	}
	return posErr
}

func (v *Vehicle) hazard(b *bdi.Beliefs, loc kinematics.Location, tick int) hazardLevel {
	if loc.Edge == "" || loc.Node == v.dest {
		return hazardNone
	}
	stop := v.env.Config.Vehicles.StopDistance
	if loc.Remaining > 3*stop {
		return hazardNone
	}
	level := hazardSlow
	if loc.Remaining <= stop {
		level = hazardStop
	}

	if !v.emergency {
		signals, _ := bdi.Value[map[roadgraph.NodeID]signalView](b, BeliefSignals)
		if sv, ok := signals[loc.Node]; ok {
			e, _ := v.env.Graph.Edge(loc.Edge)
			from, _ := v.env.Graph.Node(e.From)
			to, _ := v.env.Graph.Node(e.To)
			if !sv.at(tick).Serves(signal.Approach(from.Point, to.Point)) {
				return level
			}
		}
	}

	route, ok := bdi.Value[routing.Route](b, BeliefRoute)
	if ok {
		idx := ahead(route, loc)
		if idx < len(route.Edges) && !v.env.Graph.Allowed(route.Edges[idx]) {
			return level
		}
	}
	return hazardNone
}

func (v *Vehicle) Deliberate(b *bdi.Beliefs, tick int) []bdi.Desire {
	if v.arrived {
		return nil
	}
	loc, ok := bdi.Value[kinematics.Location](b, BeliefPosition)
	if !ok {
		return nil
	}
	route, hasRoute := bdi.Value[routing.Route](b, BeliefRoute)

	var desires []bdi.Desire
	if !hasRoute {
		desires = append(desires, bdi.Desire{Name: DesireReachDestination, Priority: 1, Satisfiable: true})
	}
	if _, ok := bdi.Value[routing.Reason](b, BeliefPendingRecalc); ok {
		desires = append(desires, bdi.Desire{Name: DesireAvoidCongestion, Priority: 0.95, Satisfiable: true})
	}
	switch v.hazard(b, loc, tick) {
	case hazardStop:
		desires = append(desires, bdi.Desire{Name: DesireStaySafe, Priority: 0.9, Satisfiable: true})
	case hazardSlow:
		desires = append(desires, bdi.Desire{Name: DesireStaySafe, Priority: 0.85, Satisfiable: true})
	}
	if last, ok := bdi.Value[int](b, BeliefLastRecalc); ok && tick-last >= v.env.Config.Routing.RecalcInterval {
		desires = append(desires, bdi.Desire{Name: DesireMinimizeTravelTime, Priority: 0.8, Satisfiable: true})
	}
	if hasRoute {
		done := 0.0
		if n := len(route.Edges); n > 0 {
			done = float64(ahead(route, loc)) / float64(n)
		}
		desires = append(desires, bdi.Desire{Name: DesireReachDestination, Priority: 0.3 + 0.5*done, Satisfiable: true})
	}
	return desires
}

func (v *Vehicle) Materialize(d bdi.Desire, b *bdi.Beliefs, tick int) bdi.Intention {
	switch d.Name {
	case DesireAvoidCongestion:
		reason, _ := bdi.Value[routing.Reason](b, BeliefPendingRecalc)
		return bdi.Intention{Kind: bdi.IntentRecalculateRoute, Params: map[string]any{"reason": reason}}
	case DesireMinimizeTravelTime:
		return bdi.Intention{Kind: bdi.IntentRecalculateRoute, Params: map[string]any{"reason": routing.ReasonPeriodic}}
	case DesireStaySafe:
		loc, _ := bdi.Value[kinematics.Location](b, BeliefPosition)
		if v.hazard(b, loc, tick) == hazardStop {
			return bdi.Intention{Kind: bdi.IntentStop}
		}
		return bdi.Intention{Kind: bdi.IntentDecelerate}
	default:
		if !b.Has(BeliefRoute) {
			return bdi.Intention{Kind: bdi.IntentRecalculateRoute, Params: map[string]any{"reason": routing.ReasonNoRoute}}
		}
		return bdi.Intention{Kind: bdi.IntentFollowRoute}
	}
}

func (v *Vehicle) cruise(b *bdi.Beliefs) float64 {
	loc, _ := bdi.Value[kinematics.Location](b, BeliefPosition)
	if e, ok := v.env.Graph.Edge(loc.Edge); ok {
		return e.Speed
	}
	if route, ok := bdi.Value[routing.Route](b, BeliefRoute); ok {
		idx := ahead(route, loc)
		if idx < len(route.Edges) {
			if e, ok := v.env.Graph.Edge(route.Edges[idx]); ok {
				return e.Speed
			}
		}
	}
	return v.env.Config.Network.FreeFlowSpeed
}

func (v *Vehicle) Execute(_ context.Context, in bdi.Intention, b *bdi.Beliefs, tick int) error {
	switch in.Kind {
	case bdi.IntentFollowRoute:
		return v.env.Kinematics.SetTargetSpeed(v.id, v.cruise(b))
	case bdi.IntentDecelerate:
		return v.env.Kinematics.SetTargetSpeed(v.id, v.cruise(b)/2)
	case bdi.IntentStop:
		return v.env.Kinematics.SetTargetSpeed(v.id, 0)
	case bdi.IntentRecalculateRoute:
		reason, _ := in.Params["reason"].(routing.Reason)
		return v.recalculate(b, reason, tick)
	}
	return nil
}

func (v *Vehicle) congestionEstimate(b *bdi.Beliefs) routing.Congestion {
	marks, _ := bdi.Value[map[roadgraph.EdgeID]congestionMark](b, BeliefCongestion)
	if len(marks) == 0 {
		return nil
	}
	est := make(routing.Congestion, len(marks))
	for e, m := range marks {
		est[e] = m.Level
	}
	return est
}

func (v *Vehicle) recalculate(b *bdi.Beliefs, reason routing.Reason, tick int) error {
	loc, _ := bdi.Value[kinematics.Location](b, BeliefPosition)
	old, hadRoute := bdi.Value[routing.Route](b, BeliefRoute)
	var oldRemaining []roadgraph.EdgeID
	if hadRoute {
		oldRemaining = old.Edges[ahead(old, loc):]
	}

	b.Set(BeliefLastRecalc, tick, tick)
	b.Delete(BeliefPendingRecalc)

	rec := routing.Recalculation{
		Agent:    v.id,
		Tick:     tick,
		Reason:   reason,
		From:     loc.Node,
		OldEdges: len(oldRemaining),
	}
	defer func() {
		v.recalcs = append(v.recalcs, rec)
		v.env.Metrics.Recalculation(string(reason))
		v.env.observer().Event(tick, "route_recalculated", v.id, map[string]any{
			"reason":    string(reason),
			"from":      string(rec.From),
			"old_edges": rec.OldEdges,
			"new_edges": rec.NewEdges,
			"changed":   rec.Changed,
			"failed":    rec.Failed,
		})
	}()

	route, err := v.env.Planner.FindRoute(loc.Node, v.dest, routing.Options{
		TrafficAware: true,
		Congestion:   v.congestionEstimate(b),
	})
	if err != nil {
		rec.Failed = true
		if errors.Is(err, routing.ErrNoPath) {
			v.env.observer().Failure(FailNoPath, err)
			// Keep the old route and wait for the network to change.
			if !hadRoute {
				return v.env.Kinematics.SetTargetSpeed(v.id, 0)
			}
			return nil
		}
		if errors.Is(err, invariant.ErrViolation) {
			v.env.observer().Failure(FailInvariant, err)
		}
		return err
	}

	rec.NewEdges = len(route.Edges)
	rec.Changed = !slices.Equal(oldRemaining, route.Edges)
	b.Set(BeliefRoute, route, tick)
	if err := v.env.Kinematics.AssignRoute(v.id, route.Edges); err != nil {
		return err
	}

	if v.emergency && rec.Changed {
		for _, crisis := range v.env.Bus.Directory().ListAgents(messaging.RoleCrisisManager) {
			v.env.send(messaging.NewEnvelope(v.id, messaging.Inform, messaging.Content{
				messaging.KeyKind: messaging.KindEmergencyVehicle,
				"nodes":           nodeStrings(route.Nodes),
			}, tick, messaging.To(crisis), messaging.Urgent()))
		}
	}

	speed := v.cruise(b)
	if v.hazard(b, loc, tick) == hazardStop {
		speed = 0
	}
	return v.env.Kinematics.SetTargetSpeed(v.id, speed)
}
