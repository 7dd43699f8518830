package signal

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApproach(t *testing.T) {
	tests := []struct {
		name     string
		from, to orb.Point
		want     Direction
	}{
		{"eastbound arrives from west", orb.Point{0, 0}, orb.Point{100, 0}, West},
		{"westbound arrives from east", orb.Point{100, 0}, orb.Point{0, 0}, East},
		{"northbound arrives from south", orb.Point{0, 0}, orb.Point{0, 100}, South},
		{"southbound arrives from north", orb.Point{0, 100}, orb.Point{0, 0}, North},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Approach(tt.from, tt.to))
		})
	}
}

func TestPhaseHelpers(t *testing.T) {
	assert.True(t, NSGreen.Serves(North))
	assert.False(t, NSGreen.Serves(East))
	assert.False(t, NSYellow.Serves(North))
	assert.Equal(t, EWGreen, NSGreen.Opposite())
	assert.Equal(t, NSYellow, NSGreen.Yellow())
	assert.Equal(t, EWGreen, GreenFor(West))

	p, ok := ParsePhase("EW_YELLOW")
	require.True(t, ok)
	assert.Equal(t, EWYellow, p)
}

func TestPressureSwitching(t *testing.T) {
	strat := &Pressure{SwitchThreshold: 5, MaxGreen: 90}

	tests := []struct {
		name  string
		state State
		want  Phase
	}{
		{
			name:  "keep when balanced",
			state: State{Phase: NSGreen, Queues: map[Direction]int{North: 4, East: 6}},
			want:  NSGreen,
		},
		{
			name:  "switch when other side exceeds threshold",
			state: State{Phase: NSGreen, Queues: map[Direction]int{North: 2, East: 5, West: 4}},
			want:  EWGreen,
		},
		{
			name: "downstream pressure holds current phase",
			state: State{
				Phase:      NSGreen,
				Queues:     map[Direction]int{North: 2, East: 5, West: 4},
				Downstream: map[Direction]float64{East: 4, West: 4},
			},
			want: NSGreen,
		},
		{
			name:  "max green forces a switch",
			state: State{Phase: EWGreen, Elapsed: 90, Queues: map[Direction]int{East: 10, South: 1}},
			want:  NSGreen,
		},
		{
			name:  "yellow is left alone",
			state: State{Phase: NSYellow, Queues: map[Direction]int{East: 50}},
			want:  NSYellow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, strat.DecidePhase(tt.state))
		})
	}
}

func testLearning() LearningConfig {
	return LearningConfig{
		Alpha: 0.1, Gamma: 0.9, Epsilon: 0.1, EpsilonDecay: 0.995, EpsilonFloor: 0.01,
		BucketSize: 3, MaxBucket: 5,
	}
}

func TestQLearningEpsilonDecaysToFloor(t *testing.T) {
	q := NewQLearning(testLearning(), 1)
	s := State{Phase: NSGreen, Queues: map[Direction]int{North: 3}}
	for i := 0; i < 2000; i++ {
		q.DecidePhase(s)
	}
	assert.InDelta(t, 0.01, q.Epsilon(), 1e-12)
}

func TestQLearningPenalisesQueues(t *testing.T) {
	cfg := testLearning()
	cfg.Epsilon, cfg.EpsilonFloor = 0, 0
	q := NewQLearning(cfg, 7)

	busy := State{Phase: NSGreen, Queues: map[Direction]int{East: 9}}
	first := q.DecidePhase(busy)
	q.DecidePhase(busy)

	assert.Less(t, q.Value(busy, first), 0.0)
	assert.Equal(t, 1, q.States())
}

func TestQLearningIsReproducible(t *testing.T) {
	run := func() []Phase {
		q := NewQLearning(testLearning(), 42)
		var out []Phase
		for i := 0; i < 200; i++ {
			s := State{Phase: actions[i%2], Queues: map[Direction]int{North: i % 7, East: (i * 3) % 11}}
			out = append(out, q.DecidePhase(s))
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestQLearningBuckets(t *testing.T) {
	q := NewQLearning(testLearning(), 1)
	a := q.encode(State{Phase: NSGreen, Queues: map[Direction]int{North: 100}})
	b := q.encode(State{Phase: NSGreen, Queues: map[Direction]int{North: 16}})
	assert.Equal(t, a, b, "queues past the last bucket collapse")
	assert.Equal(t, 5, a.ns)
}

func TestNewStrategy(t *testing.T) {
	s, err := NewStrategy("pressure", 5, 90, testLearning(), 1)
	require.NoError(t, err)
	assert.Equal(t, "pressure", s.Name())
	s, err = NewStrategy("qlearning", 5, 90, testLearning(), 1)
	require.NoError(t, err)
	assert.Equal(t, "qlearning", s.Name())
	_, err = NewStrategy("fixed", 5, 90, testLearning(), 1)
	assert.Error(t, err)
}
