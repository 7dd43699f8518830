package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/ocx/trafficmesh/internal/bdi"
	"github.com/ocx/trafficmesh/internal/messaging"
	"github.com/ocx/trafficmesh/internal/negotiation"
	"github.com/ocx/trafficmesh/internal/roadgraph"
	"github.com/ocx/trafficmesh/internal/routing"
)

// CrisisManagerID is the id the single crisis manager registers under.
const CrisisManagerID = "crisis-manager"

// Crisis manager beliefs.
const (
	BeliefIncidents         bdi.BeliefKey = "ACTIVE_INCIDENTS"
	BeliefGlobalCongestion  bdi.BeliefKey = "GLOBAL_CONGESTION_LEVEL"
	BeliefPendingWaves      bdi.BeliefKey = "PENDING_GREEN_WAVES"
	BeliefEmergencyVehicles bdi.BeliefKey = "EMERGENCY_VEHICLES"
	BeliefNegotiations      bdi.BeliefKey = "NEGOTIATIONS"
	BeliefOutcomes          bdi.BeliefKey = "NEGOTIATION_OUTCOMES"
)

// Crisis manager desires.
const (
	DesireResolveIncident  = "RESOLVE_INCIDENT"
	DesireMinimizeImpact   = "MINIMIZE_SYSTEM_IMPACT"
	DesireRestoreNormal    = "RESTORE_NORMAL_FLOW"
	DesireCloseNegotiation = "CLOSE_NEGOTIATIONS"
)

// Congestion levels aggregated from intersection reports.
const (
	CongestionLow      = "low"
	CongestionMedium   = "medium"
	CongestionHigh     = "high"
	CongestionCritical = "critical"
)

// IncidentView is the crisis manager's record of one incident.
type IncidentView struct {
	ID        string             `json:"id"`
	Edges     []roadgraph.EdgeID `json:"edges"`
	Since     int                `json:"since"`
	Corridor  []roadgraph.NodeID `json:"corridor,omitempty"`
	Alerted   bool               `json:"alerted"`
	Delegated bool               `json:"delegated"`
	Resolved  bool               `json:"resolved"`
}

// GlobalCongestion is the aggregated congestion picture.
type GlobalCongestion struct {
	Level   string         `json:"level"`
	Reports map[string]int `json:"reports"`
	Seen    map[string]int `json:"seen"`
}

type greenWave struct {
	Source string             `json:"source"`
	Nodes  []roadgraph.NodeID `json:"nodes"`
}

type emergencyTrack struct {
	Nodes    []roadgraph.NodeID       `json:"nodes"`
	Position orb.Point                `json:"position"`
	Issued   map[roadgraph.NodeID]int `json:"issued"`
}

// OutcomeView is a closed negotiation as remembered by the crisis manager.
type OutcomeView struct {
	Incident string                  `json:"incident"`
	Kind     negotiation.OutcomeKind `json:"kind"`
	Winner   string                  `json:"winner,omitempty"`
	Tick     int                     `json:"tick"`
}

// waveTarget is one intersection to force.
type waveTarget struct {
	Node  roadgraph.NodeID
	Phase string
}

// CrisisManager is the city-wide supervisor. It is the only role that
// opens Contract-Net conversations.
type CrisisManager struct {
	env    *Env
	engine *negotiation.Engine
}

// NewCrisisManager creates the supervisor role.
func NewCrisisManager(env *Env) *CrisisManager {
	return &CrisisManager{
		env: env,
		engine: negotiation.NewEngine(CrisisManagerID, env.Bus, negotiation.Config{
			ResponseWindow: env.Config.Negotiation.ResponseWindow,
			RoundBudget:    env.Config.Negotiation.RoundBudget,
		}),
	}
}

func (c *CrisisManager) Kind() messaging.Role { return messaging.RoleCrisisManager }

// Negotiations exposes the Contract-Net engine.
func (c *CrisisManager) Negotiations() *negotiation.Engine { return c.engine }

// ClassifyCongestion maps the worst reported queue to a level.
func ClassifyCongestion(queue float64, critical, high, medium float64) string {
	switch {
	case queue > critical:
		return CongestionCritical
	case queue > high:
		return CongestionHigh
	case queue > medium:
		return CongestionMedium
	default:
		return CongestionLow
	}
}

func (c *CrisisManager) incidents(b *bdi.Beliefs) map[string]IncidentView {
	m, _ := bdi.Value[map[string]IncidentView](b, BeliefIncidents)
	return maps.Clone(m)
}

func (c *CrisisManager) Perceive(_ context.Context, b *bdi.Beliefs, inbox []messaging.Envelope, tick int) error {
	incidents := c.incidents(b)
	if incidents == nil {
		incidents = make(map[string]IncidentView)
	}
	global, _ := bdi.Value[GlobalCongestion](b, BeliefGlobalCongestion)
	reports, seen := maps.Clone(global.Reports), maps.Clone(global.Seen)
	if reports == nil {
		reports, seen = make(map[string]int), make(map[string]int)
	}
	waves, _ := bdi.Value[[]greenWave](b, BeliefPendingWaves)
	waves = slices.Clone(waves)
	tracks, _ := bdi.Value[map[string]emergencyTrack](b, BeliefEmergencyVehicles)
	tracks = maps.Clone(tracks)
	if tracks == nil {
		tracks = make(map[string]emergencyTrack)
	}

	var errs []error
	for _, env := range inbox {
		if c.engine.Collect(env) {
			continue
		}
		content := env.Content()
		switch content.Kind() {
		case messaging.KindIncident:
			id := content.String("id")
			if _, known := incidents[id]; known || id == "" {
				continue
			}
			incidents[id] = IncidentView{ID: id, Edges: edgeIDs(content.Strings("edges")), Since: tick}
		case messaging.KindIncidentResolved:
			id := content.String("id")
			if inc, ok := incidents[id]; ok {
				inc.Resolved = true
				incidents[id] = inc
			}
		case messaging.KindCongestion:
			node := content.String("node")
			q, _ := content.Int("queue")
			reports[node], seen[node] = q, tick
		case messaging.KindCrisisDirective:
			nodes, err := c.directivePath(content)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			waves = append(waves, greenWave{Source: env.Sender, Nodes: nodes})
		case messaging.KindEmergencyVehicle:
			t := tracks[env.Sender]
			t.Nodes = nodeIDs(content.Strings("nodes"))
			t.Issued = maps.Clone(t.Issued)
			if t.Issued == nil {
				t.Issued = make(map[roadgraph.NodeID]int)
			}
			tracks[env.Sender] = t
		}
	}

	for id, t := range tracks {
		entry, ok := c.env.Bus.Directory().Lookup(id)
		if !ok {
			delete(tracks, id)
			continue
		}
		t.Position = entry.Position
		tracks[id] = t
	}

	ttl := c.env.Config.Vehicles.CongestionTTL
	worst := 0
	for node, at := range seen {
		if tick-at > ttl {
			delete(seen, node)
			delete(reports, node)
			continue
		}
		worst = max(worst, reports[node])
	}
	cc := c.env.Config.Crisis
	level := ClassifyCongestion(float64(worst), cc.CriticalQueue, cc.HighQueue, cc.MediumQueue)
	if level != global.Level && global.Level != "" {
		c.env.observer().Event(tick, "global_congestion", CrisisManagerID, map[string]any{
			"from": global.Level, "to": level, "worst_queue": worst,
		})
	}

	b.Set(BeliefIncidents, incidents, tick)
	b.Set(BeliefGlobalCongestion, GlobalCongestion{Level: level, Reports: reports, Seen: seen}, tick)
	b.Set(BeliefPendingWaves, waves, tick)
	b.Set(BeliefEmergencyVehicles, tracks, tick)
	return errors.Join(errs...)
}

// directivePath resolves a crisis directive to the path it targets: either
// an explicit node list or a planned route between two nodes.
func (c *CrisisManager) directivePath(content messaging.Content) ([]roadgraph.NodeID, error) {
	if nodes := content.Strings("nodes"); len(nodes) > 0 {
		return nodeIDs(nodes), nil
	}
	from, to := roadgraph.NodeID(content.String("from")), roadgraph.NodeID(content.String("to"))
	route, err := c.env.Planner.FindRoute(from, to, routing.Options{})
	if err != nil {
		if errors.Is(err, routing.ErrNoPath) {
			c.env.observer().Failure(FailNoPath, err)
		}
		return nil, fmt.Errorf("crisis directive %s -> %s: %w", from, to, err)
	}
	return route.Nodes, nil
}

// targets lists the registered intersections on path whose node lies within
// limit of origin. A non-positive limit covers the whole path.
func (c *CrisisManager) targets(path []roadgraph.NodeID, origin orb.Point, limit float64, skip func(roadgraph.NodeID) bool) []waveTarget {
	var out []waveTarget
	for _, n := range path {
		node, ok := c.env.Graph.Node(n)
		if !ok || !node.Signalized || (skip != nil && skip(n)) {
			continue
		}
		if limit > 0 && planar.Distance(origin, node.Point) > limit {
			continue
		}
		if _, ok := c.env.Bus.Directory().Lookup(string(n)); !ok {
			continue
		}
		phase, ok := CorridorPhase(c.env.Graph, n, path)
		if !ok {
			continue
		}
		out = append(out, waveTarget{Node: n, Phase: phase.String()})
	}
	return out
}

func (c *CrisisManager) dueEmergencyTargets(b *bdi.Beliefs, tick int) map[string][]waveTarget {
	tracks, _ := bdi.Value[map[string]emergencyTrack](b, BeliefEmergencyVehicles)
	out := make(map[string][]waveTarget)
	for id, t := range tracks {
		due := c.targets(t.Nodes, t.Position, c.env.Config.Crisis.GreenWaveCorridor, func(n roadgraph.NodeID) bool {
			return t.Issued[n] > tick
		})
		if len(due) > 0 {
			out[id] = due
		}
	}
	return out
}

func (c *CrisisManager) Deliberate(b *bdi.Beliefs, tick int) []bdi.Desire {
	var desires []bdi.Desire
	incidents, _ := bdi.Value[map[string]IncidentView](b, BeliefIncidents)

	var unalerted, undelegated, resolved bool
	for _, inc := range incidents {
		switch {
		case inc.Resolved:
			resolved = true
		case !inc.Alerted:
			unalerted = true
		case !inc.Delegated:
			undelegated = true
		}
	}
	if unalerted {
		desires = append(desires, bdi.Desire{Name: DesireResolveIncident, Priority: 1, Satisfiable: true})
	}
	if c.engine.Active() > 0 {
		desires = append(desires, bdi.Desire{Name: DesireCloseNegotiation, Priority: 0.95, Satisfiable: true})
	}
	if undelegated {
		desires = append(desires, bdi.Desire{Name: DesireMinimizeImpact, Priority: 0.9, Satisfiable: true})
	}
	waves, _ := bdi.Value[[]greenWave](b, BeliefPendingWaves)
	if len(waves) > 0 || len(c.dueEmergencyTargets(b, tick)) > 0 {
		desires = append(desires, bdi.Desire{Name: DesirePrioritizeEmergency, Priority: 0.85, Satisfiable: true})
	}
	if resolved {
		desires = append(desires, bdi.Desire{Name: DesireRestoreNormal, Priority: 0.6, Satisfiable: true})
	}
	return desires
}

func (c *CrisisManager) Materialize(d bdi.Desire, b *bdi.Beliefs, tick int) bdi.Intention {
	switch d.Name {
	case DesireResolveIncident:
		return bdi.Intention{Kind: bdi.IntentBroadcastAlert}
	case DesireCloseNegotiation:
		return bdi.Intention{Kind: bdi.IntentDelegateViaCNP, Params: map[string]any{"step": "close"}}
	case DesireMinimizeImpact:
		return bdi.Intention{Kind: bdi.IntentDelegateViaCNP, Params: map[string]any{"step": "open"}}
	case DesirePrioritizeEmergency:
		return bdi.Intention{Kind: bdi.IntentCreateGreenWave}
	default:
		return bdi.Intention{Kind: bdi.IntentRestoreNormal}
	}
}

func (c *CrisisManager) Execute(_ context.Context, in bdi.Intention, b *bdi.Beliefs, tick int) error {
	switch in.Kind {
	case bdi.IntentBroadcastAlert:
		c.alert(b, tick)
	case bdi.IntentDelegateViaCNP:
		if in.Params["step"] == "close" {
			c.closeNegotiations(b, tick)
			return nil
		}
		c.delegate(b, tick)
	case bdi.IntentCreateGreenWave:
		c.createGreenWaves(b, tick)
	case bdi.IntentRestoreNormal:
		c.restore(b, tick)
	}
	return nil
}

func sortedIncidents(m map[string]IncidentView) []IncidentView {
	out := make([]IncidentView, 0, len(m))
	for _, inc := range m {
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *CrisisManager) midpoint(edges []roadgraph.EdgeID) (orb.Point, bool) {
	for _, id := range edges {
		if e, ok := c.env.Graph.Edge(id); ok {
			return c.env.Graph.PointAlong(e, e.Length/2), true
		}
	}
	return orb.Point{}, false
}

func (c *CrisisManager) alert(b *bdi.Beliefs, tick int) {
	incidents := c.incidents(b)
	for _, inc := range sortedIncidents(incidents) {
		if inc.Alerted || inc.Resolved {
			continue
		}
		inc.Alerted = true
		inc.Corridor = c.corridor(inc)
		incidents[inc.ID] = inc

		origin, ok := c.midpoint(inc.Edges)
		if !ok {
			continue
		}
		env := messaging.NewEnvelope(CrisisManagerID, messaging.Inform, messaging.Content{
			messaging.KeyKind: messaging.KindAlert,
			"incident":        inc.ID,
			"edges":           edgeStrings(inc.Edges),
			"corridor":        nodeStrings(inc.Corridor),
		}, tick, messaging.Urgent())
		n := c.env.Bus.Broadcast(env, origin, c.env.Config.Messaging.IncidentRadius)
		c.env.observer().Event(tick, "alert_broadcast", CrisisManagerID, map[string]any{
			"incident":   inc.ID,
			"corridor":   len(inc.Corridor),
			"recipients": n,
		})
	}
	b.Set(BeliefIncidents, incidents, tick)
}

// corridor finds the detour around the first blocked edge.
func (c *CrisisManager) corridor(inc IncidentView) []roadgraph.NodeID {
	for _, id := range inc.Edges {
		e, ok := c.env.Graph.Edge(id)
		if !ok {
			continue
		}
		route, err := c.env.Planner.FindRoute(e.From, e.To, routing.Options{})
		if err != nil {
			c.env.observer().Failure(FailNoPath, err)
			return nil
		}
		return route.Nodes
	}
	return nil
}

func (c *CrisisManager) delegate(b *bdi.Beliefs, tick int) {
	incidents := c.incidents(b)
	convs, _ := bdi.Value[map[string]string](b, BeliefNegotiations)
	convs = maps.Clone(convs)
	if convs == nil {
		convs = make(map[string]string)
	}

	for _, inc := range sortedIncidents(incidents) {
		if !inc.Alerted || inc.Delegated || inc.Resolved {
			continue
		}
		inc.Delegated = true
		incidents[inc.ID] = inc

		var participants []string
		for _, t := range c.targets(inc.Corridor, orb.Point{}, 0, nil) {
			participants = append(participants, string(t.Node))
		}
		id := c.engine.Open(participants, messaging.Content{
			messaging.KeyKind: messaging.KindPriorityDelegation,
			"incident":        inc.ID,
			"nodes":           nodeStrings(inc.Corridor),
			"duration":        c.env.Config.Crisis.DelegationTicks,
		}, tick)
		convs[id] = inc.ID
		c.env.observer().Event(tick, "negotiation_opened", CrisisManagerID, map[string]any{
			"conversation": id,
			"incident":     inc.ID,
			"participants": len(participants),
		})
	}
	b.Set(BeliefIncidents, incidents, tick)
	b.Set(BeliefNegotiations, convs, tick)
}

func (c *CrisisManager) closeNegotiations(b *bdi.Beliefs, tick int) {
	outcomes := c.engine.Advance(tick)
	if len(outcomes) == 0 {
		return
	}
	convs, _ := bdi.Value[map[string]string](b, BeliefNegotiations)
	convs = maps.Clone(convs)
	history, _ := bdi.Value[[]OutcomeView](b, BeliefOutcomes)
	history = slices.Clone(history)

	for _, out := range outcomes {
		incident := convs[out.ConversationID]
		delete(convs, out.ConversationID)
		history = append(history, OutcomeView{Incident: incident, Kind: out.Kind, Winner: out.Winner, Tick: tick})

		c.env.Metrics.Negotiation(string(out.Kind))
		c.env.observer().Event(tick, "negotiation_closed", CrisisManagerID, map[string]any{
			"conversation": out.ConversationID,
			"incident":     incident,
			"outcome":      string(out.Kind),
			"winner":       out.Winner,
			"proposals":    out.Proposals,
		})
		if out.Kind == negotiation.OutcomeTimeout {
			c.env.observer().Failure(FailNegotiationTimeout,
				fmt.Errorf("conversation %s for incident %s exceeded its round budget", out.ConversationID, incident))
		}
	}
	b.Set(BeliefNegotiations, convs, tick)
	b.Set(BeliefOutcomes, history, tick)
}

func (c *CrisisManager) sendWave(source string, targets []waveTarget, until, tick int) {
	for _, t := range targets {
		c.env.send(messaging.NewEnvelope(CrisisManagerID, messaging.Request, messaging.Content{
			messaging.KeyKind: messaging.KindGreenWave,
			"node":            string(t.Node),
			"phase":           t.Phase,
			"until":           until,
			"source":          source,
		}, tick, messaging.To(string(t.Node)), messaging.Urgent()))
	}
	c.env.observer().Event(tick, "green_wave", CrisisManagerID, map[string]any{
		"source":        source,
		"intersections": len(targets),
		"until":         until,
	})
}

func (c *CrisisManager) createGreenWaves(b *bdi.Beliefs, tick int) {
	until := tick + c.env.Config.Crisis.GreenWaveTicks

	waves, _ := bdi.Value[[]greenWave](b, BeliefPendingWaves)
	for _, w := range waves {
		if len(w.Nodes) == 0 {
			continue
		}
		c.sendWave(w.Source, c.targets(w.Nodes, orb.Point{}, 0, nil), until, tick)
	}
	b.Set(BeliefPendingWaves, []greenWave(nil), tick)

	due := c.dueEmergencyTargets(b, tick)
	if len(due) == 0 {
		return
	}
	tracks, _ := bdi.Value[map[string]emergencyTrack](b, BeliefEmergencyVehicles)
	tracks = maps.Clone(tracks)
	ids := slices.Sorted(maps.Keys(due))
	for _, id := range ids {
		t := tracks[id]
		t.Issued = maps.Clone(t.Issued)
		if t.Issued == nil {
			t.Issued = make(map[roadgraph.NodeID]int)
		}
		for _, target := range due[id] {
			t.Issued[target.Node] = until
		}
		tracks[id] = t
		c.sendWave(id, due[id], until, tick)
	}
	b.Set(BeliefEmergencyVehicles, tracks, tick)
}

func (c *CrisisManager) restore(b *bdi.Beliefs, tick int) {
	incidents := c.incidents(b)
	for _, inc := range sortedIncidents(incidents) {
		if !inc.Resolved {
			continue
		}
		delete(incidents, inc.ID)
		origin, ok := c.midpoint(inc.Edges)
		if !ok {
			continue
		}
		env := messaging.NewEnvelope(CrisisManagerID, messaging.Inform, messaging.Content{
			messaging.KeyKind: messaging.KindAllClear,
			"incident":        inc.ID,
			"edges":           edgeStrings(inc.Edges),
		}, tick)
		c.env.Bus.Broadcast(env, origin, c.env.Config.Messaging.IncidentRadius)
		c.env.observer().Event(tick, "normal_flow_restored", CrisisManagerID, map[string]any{
			"incident": inc.ID,
			"duration": tick - inc.Since,
		})
	}
	b.Set(BeliefIncidents, incidents, tick)
}
