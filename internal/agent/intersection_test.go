package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/trafficmesh/internal/bdi"
	"github.com/ocx/trafficmesh/internal/messaging"
	"github.com/ocx/trafficmesh/internal/roadgraph"
	"github.com/ocx/trafficmesh/internal/signal"
)

func TestPhaseChangesRespectMinimumDuration(t *testing.T) {
	h := newHarness(t, 3, 3)
	x, _ := h.addIntersection(t, n(1, 1))

	for tick := 0; tick < 300; tick++ {
		// Demand flips between the two axes every few ticks.
		if (tick/4)%2 == 0 {
			h.sensor.set(n(1, 1), map[signal.Direction]int{signal.East: 20, signal.West: 20})
		} else {
			h.sensor.set(n(1, 1), map[signal.Direction]int{signal.North: 20, signal.South: 20})
		}
		h.step(t, tick)
	}

	changes := x.Changes()
	require.Greater(t, len(changes), 2)
	for i := 1; i < len(changes); i++ {
		assert.GreaterOrEqual(t, changes[i]-changes[i-1], h.env.Config.Signal.MinPhaseTicks,
			"changes at %d and %d", changes[i-1], changes[i])
	}
	assert.Len(t, h.obs.ofType("phase_change"), len(changes))
}

func TestYellowPrecedesGreen(t *testing.T) {
	h := newHarness(t, 3, 3)
	_, a := h.addIntersection(t, n(1, 1))
	h.sensor.set(n(1, 1), map[signal.Direction]int{signal.East: 30})

	var phases []signal.Phase
	for tick := 0; tick < 8; tick++ {
		h.step(t, tick)
		a.Inspect(func(b *bdi.Beliefs) {
			v, _ := bdi.Value[PhaseView](b, BeliefPhase)
			phases = append(phases, v.Phase)
		})
	}
	first := 0
	for first < len(phases) && phases[first] == signal.NSGreen {
		first++
	}
	require.Less(t, first, len(phases))
	assert.Equal(t, signal.NSYellow, phases[first])
	assert.Equal(t, signal.EWGreen, phases[len(phases)-1])
}

func TestAvailability(t *testing.T) {
	tests := []struct {
		queue, threshold int
		want             float64
	}{
		{0, 10, 1},
		{20, 10, 0.5},
		{40, 10, 0},
		{80, 10, 0},
		{1, 0, 0.75},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Availability(tt.queue, tt.threshold), 1e-9, "queue %d", tt.queue)
	}
}

func TestIntersectionAnswersCFP(t *testing.T) {
	tests := []struct {
		name  string
		queue int
		want  messaging.Performative
	}{
		{"idle intersection proposes", 0, messaging.Propose},
		{"saturated intersection refuses", 40, messaging.Refuse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 3, 3)
			h.addIntersection(t, n(1, 1))
			require.NoError(t, h.bus.Register("initiator", messaging.RoleCrisisManager, h.point(n(1, 1)), false))
			h.sensor.set(n(1, 1), map[signal.Direction]int{signal.North: tt.queue})

			require.NoError(t, h.bus.Send(messaging.NewEnvelope("initiator", messaging.CFP, messaging.Content{
				messaging.KeyKind: messaging.KindPriorityDelegation,
			}, 0, messaging.To("n_1_1"), messaging.InConversation("conv-1"))))
			h.step(t, 1)
			h.bus.Flip()

			var replies []messaging.Envelope
			for _, e := range h.bus.Drain("initiator") {
				if e.ConversationID == "conv-1" {
					replies = append(replies, e)
				}
			}
			require.Len(t, replies, 1)
			assert.Equal(t, tt.want, replies[0].Performative)
		})
	}
}

func TestGreenWaveRequestForcesPhase(t *testing.T) {
	h := newHarness(t, 3, 3)
	x, a := h.addIntersection(t, n(1, 1))
	h.sensor.set(n(1, 1), map[signal.Direction]int{signal.North: 30, signal.South: 30})

	require.NoError(t, h.bus.Send(messaging.NewEnvelope(CrisisManagerID, messaging.Request, messaging.Content{
		messaging.KeyKind: messaging.KindGreenWave,
		"phase":           "EW_GREEN",
		"until":           50,
	}, 0, messaging.To("n_1_1"), messaging.Urgent())))

	h.step(t, 1)
	assert.Equal(t, bdi.IntentEmergencyMode, a.Intention().Kind)
	assert.Equal(t, []int{1}, x.Changes())

	for tick := 2; tick < 50; tick++ {
		h.step(t, tick)
	}
	assert.Equal(t, []int{1}, x.Changes(), "heavy NS demand must not override the directive")

	for tick := 50; tick < 60; tick++ {
		h.step(t, tick)
	}
	changes := x.Changes()
	require.Len(t, changes, 2)
	assert.GreaterOrEqual(t, changes[1], 50)
}

func TestIntersectionAnswersCFPDuringGreenWave(t *testing.T) {
	h := newHarness(t, 3, 3)
	x, a := h.addIntersection(t, n(1, 1))
	require.NoError(t, h.bus.Register("initiator", messaging.RoleCrisisManager, h.point(n(1, 1)), false))

	require.NoError(t, h.bus.Send(messaging.NewEnvelope(CrisisManagerID, messaging.Request, messaging.Content{
		messaging.KeyKind: messaging.KindGreenWave,
		"phase":           "EW_GREEN",
		"until":           60,
	}, 0, messaging.To("n_1_1"), messaging.Urgent())))
	h.step(t, 1)
	require.Equal(t, []int{1}, x.Changes())

	require.NoError(t, h.bus.Send(messaging.NewEnvelope("initiator", messaging.CFP, messaging.Content{
		messaging.KeyKind: messaging.KindPriorityDelegation,
	}, 1, messaging.To("n_1_1"), messaging.InConversation("conv-wave"))))
	h.step(t, 2)
	assert.Equal(t, bdi.IntentRespondToCFP, a.Intention().Kind)
	h.bus.Flip()

	var replies []messaging.Envelope
	for _, e := range h.bus.Drain("initiator") {
		if e.ConversationID == "conv-wave" {
			replies = append(replies, e)
		}
	}
	require.Len(t, replies, 1, "reply must arrive within the round budget")
	assert.Equal(t, messaging.Propose, replies[0].Performative)

	for tick := 3; tick < 60; tick++ {
		h.step(t, tick)
	}
	assert.Equal(t, []int{1}, x.Changes(), "answering the CFP must not break the hold")
}

func TestIntersectionBroadcastsCongestion(t *testing.T) {
	h := newHarness(t, 3, 3)
	h.addIntersection(t, n(1, 1))
	require.NoError(t, h.bus.Register("probe", messaging.RoleVehicle, h.point(n(0, 1)), false))
	h.sensor.set(n(1, 1), map[signal.Direction]int{signal.West: 12})

	h.step(t, 0)
	h.bus.Flip()

	var found bool
	for _, e := range h.bus.Drain("probe") {
		if e.Kind() != messaging.KindCongestion {
			continue
		}
		found = true
		c := e.Content()
		assert.Equal(t, []string{string(roadgraph.EdgeKey(n(0, 1), n(1, 1)))}, c.Strings("edges"))
		level, _ := c.Float("level")
		assert.InDelta(t, 0.6, level, 1e-9)
	}
	assert.True(t, found)
}

func TestNeighborStateExchange(t *testing.T) {
	h := newHarness(t, 3, 3)
	h.addIntersection(t, n(1, 1))
	_, east := h.addIntersection(t, n(2, 1))
	h.sensor.set(n(1, 1), map[signal.Direction]int{signal.West: 3})

	h.step(t, 0)
	h.step(t, 1)

	east.Inspect(func(b *bdi.Beliefs) {
		ns, ok := bdi.Value[neighborState](b, neighborKey("n_1_1"))
		require.True(t, ok)
		assert.Equal(t, 3, ns.Queues[signal.West])
		assert.Equal(t, h.point(n(1, 1)), ns.Point)
	})
}

func TestCorridorPhase(t *testing.T) {
	h := newHarness(t, 3, 3)
	tests := []struct {
		name string
		node roadgraph.NodeID
		path []roadgraph.NodeID
		want signal.Phase
		ok   bool
	}{
		{"east-west corridor", n(1, 1), []roadgraph.NodeID{n(0, 1), n(1, 1), n(2, 1)}, signal.EWGreen, true},
		{"north-south corridor", n(1, 1), []roadgraph.NodeID{n(1, 0), n(1, 1), n(1, 2)}, signal.NSGreen, true},
		{"first node uses next hop", n(1, 0), []roadgraph.NodeID{n(1, 0), n(1, 1)}, signal.NSGreen, true},
		{"node off path", n(2, 2), []roadgraph.NodeID{n(0, 1), n(1, 1)}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CorridorPhase(h.graph, tt.node, tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
