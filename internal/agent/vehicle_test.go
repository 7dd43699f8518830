package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/trafficmesh/internal/bdi"
	"github.com/ocx/trafficmesh/internal/messaging"
	"github.com/ocx/trafficmesh/internal/roadgraph"
	"github.com/ocx/trafficmesh/internal/routing"
)

func TestVehiclePlansOnFirstCycle(t *testing.T) {
	h := newHarness(t, 3, 3)
	v, a := h.addVehicle(t, "v1", n(0, 0), n(2, 0), false)

	h.step(t, 0)
	recs := v.Recalculations()
	require.Len(t, recs, 1)
	assert.Equal(t, routing.ReasonNoRoute, recs[0].Reason)
	assert.False(t, recs[0].Failed)
	assert.Equal(t, bdi.IntentRecalculateRoute, a.Intention().Kind)

	route, ok := routeOf(a)
	require.True(t, ok)
	assert.Equal(t, n(0, 0), route.Origin)
	assert.Equal(t, n(2, 0), route.Destination)

	h.step(t, 1)
	assert.Equal(t, bdi.IntentFollowRoute, a.Intention().Kind)
	assert.Len(t, v.Recalculations(), 1)
}

func TestVehicleReroutesOnCongestionWithinOneTick(t *testing.T) {
	h := newHarness(t, 3, 3)
	v, a := h.addVehicle(t, "v1", n(0, 0), n(2, 0), false)
	h.step(t, 0)

	congested := roadgraph.EdgeKey(n(1, 0), n(2, 0))
	route, _ := routeOf(a)
	require.True(t, route.Contains(congested))

	const sent = 1
	require.NoError(t, h.bus.Send(messaging.NewEnvelope("n_1_1", messaging.Inform, messaging.Content{
		messaging.KeyKind: messaging.KindCongestion,
		"edges":           []string{string(congested)},
		"level":           1.0,
	}, sent, messaging.To("v1"))))
	h.step(t, sent+1)

	recs := v.Recalculations()
	require.Len(t, recs, 2)
	last := recs[1]
	assert.Equal(t, routing.ReasonCongestion, last.Reason)
	assert.LessOrEqual(t, last.Tick, sent+1)
	assert.True(t, last.Changed)

	route, _ = routeOf(a)
	assert.False(t, route.Contains(congested))
	assert.Equal(t, n(2, 0), route.Destination)
}

func TestVehicleIgnoresCongestionOffRoute(t *testing.T) {
	h := newHarness(t, 3, 3)
	v, _ := h.addVehicle(t, "v1", n(0, 0), n(2, 0), false)
	h.step(t, 0)

	require.NoError(t, h.bus.Send(messaging.NewEnvelope("n_1_1", messaging.Inform, messaging.Content{
		messaging.KeyKind: messaging.KindCongestion,
		"edges":           []string{string(roadgraph.EdgeKey(n(1, 2), n(2, 2)))},
		"level":           1.0,
	}, 1, messaging.To("v1"))))
	h.step(t, 2)
	assert.Len(t, v.Recalculations(), 1)
}

func TestVehicleKeepsRouteWhenNoPath(t *testing.T) {
	h := newHarness(t, 3, 1)
	v, a := h.addVehicle(t, "v1", n(0, 0), n(2, 0), false)
	h.step(t, 0)
	before, _ := routeOf(a)

	blocked := roadgraph.EdgeKey(n(1, 0), n(2, 0))
	_, err := h.graph.SetAllowed(blocked, false)
	require.NoError(t, err)

	h.step(t, 1)
	recs := v.Recalculations()
	require.Len(t, recs, 2)
	assert.Equal(t, routing.ReasonIncident, recs[1].Reason)
	assert.True(t, recs[1].Failed)
	assert.Equal(t, 1, h.obs.failed(FailNoPath))

	after, _ := routeOf(a)
	assert.Equal(t, before.Edges, after.Edges)
}

func TestVehicleArrives(t *testing.T) {
	h := newHarness(t, 2, 1)
	v, a := h.addVehicle(t, "v1", n(0, 0), n(1, 0), false)

	for tick := 0; tick < 30; tick++ {
		h.step(t, tick)
		if ok, _ := v.Arrived(); ok {
			break
		}
		h.track.Advance(h.env.Config.Simulation.TickSeconds)
	}
	arrived, at := v.Arrived()
	require.True(t, arrived)
	assert.Equal(t, at, v.TravelTicks())
	assert.Positive(t, at)

	h.step(t, at+1)
	assert.Equal(t, bdi.IntentIdle, a.Intention().Kind)
}

func TestVehicleStopsForRedSignal(t *testing.T) {
	h := newHarness(t, 3, 3)
	v, a := h.addVehicle(t, "v1", n(0, 1), n(2, 1), false)
	h.step(t, 0)

	// Drive until close to the stop line of n_1_1.
	for i := 0; i < 100; i++ {
		loc, err := h.track.Position("v1")
		require.NoError(t, err)
		if loc.Edge != "" && loc.Remaining <= h.env.Config.Vehicles.StopDistance {
			break
		}
		h.track.Advance(0.1)
	}

	// n_1_1 shows NS green: the eastbound approach is red.
	require.NoError(t, h.bus.Send(messaging.NewEnvelope("n_1_1", messaging.Inform, messaging.Content{
		messaging.KeyKind: messaging.KindSignalState,
		"node":            "n_1_1",
		"phase":           "NS_GREEN",
		"next":            "NS_GREEN",
		"green_at":        0,
	}, 1, messaging.To("v1"))))
	h.step(t, 2)
	assert.Equal(t, bdi.IntentStop, a.Intention().Kind)
	assert.False(t, v.Emergency())
}

func TestEmergencyVehicleIgnoresSignals(t *testing.T) {
	h := newHarness(t, 3, 3)
	h.addCrisis(t)
	_, a := h.addVehicle(t, "ev1", n(0, 1), n(2, 1), true)
	h.step(t, 0)

	for i := 0; i < 100; i++ {
		loc, _ := h.track.Position("ev1")
		if loc.Edge != "" && loc.Remaining <= h.env.Config.Vehicles.StopDistance {
			break
		}
		h.track.Advance(0.1)
	}
	require.NoError(t, h.bus.Send(messaging.NewEnvelope("n_1_1", messaging.Inform, messaging.Content{
		messaging.KeyKind: messaging.KindSignalState,
		"node":            "n_1_1",
		"phase":           "NS_GREEN",
		"next":            "NS_GREEN",
	}, 1, messaging.To("ev1"))))
	h.step(t, 2)
	assert.NotEqual(t, bdi.IntentStop, a.Intention().Kind)
}
