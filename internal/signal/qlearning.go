package signal

import (
	"math"
	"math/rand"
)

// LearningConfig holds the tabular Q-learning constants.
type LearningConfig struct {
	Alpha        float64
	Gamma        float64
	Epsilon      float64
	EpsilonDecay float64
	EpsilonFloor float64
	BucketSize   int
	MaxBucket    int
}

type stateKey struct {
	ns, ew int
	phase  Phase
}

var actions = [2]Phase{NSGreen, EWGreen}

// QLearning learns which green to show from bucketed queue lengths. The
// reward of an action is the negative total queue seen on the next decision.
type QLearning struct {
	cfg     LearningConfig
	rng     *rand.Rand
	epsilon float64
	table   map[stateKey]*[2]float64

	prev       stateKey
	prevAction int
	hasPrev    bool
}

// NewQLearning creates a learner with its own seeded source.
func NewQLearning(cfg LearningConfig, seed int64) *QLearning {
	if cfg.BucketSize < 1 {
		cfg.BucketSize = 1
	}
	return &QLearning{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		epsilon: cfg.Epsilon,
		table:   make(map[stateKey]*[2]float64),
	}
}

func (q *QLearning) Name() string { return "qlearning" }

// Epsilon is the current exploration rate.
func (q *QLearning) Epsilon() float64 { return q.epsilon }

// States is the number of visited states.
func (q *QLearning) States() int { return len(q.table) }

// Value returns Q(state, action) for the state s encodes.
func (q *QLearning) Value(s State, action Phase) float64 {
	row, ok := q.table[q.encode(s)]
	if !ok {
		return 0
	}
	return row[actionIndex(action)]
}

func actionIndex(p Phase) int {
	if p == EWGreen || p == EWYellow {
		return 1
	}
	return 0
}

func (q *QLearning) bucket(n int) int {
	return min(n/q.cfg.BucketSize, q.cfg.MaxBucket)
}

func (q *QLearning) encode(s State) stateKey {
	return stateKey{
		ns:    q.bucket(s.Queues[North] + s.Queues[South]),
		ew:    q.bucket(s.Queues[East] + s.Queues[West]),
		phase: s.Phase,
	}
}

func (q *QLearning) row(k stateKey) *[2]float64 {
	r, ok := q.table[k]
	if !ok {
		r = &[2]float64{}
		q.table[k] = r
	}
	return r
}

func (q *QLearning) DecidePhase(s State) Phase {
	if !s.Phase.IsGreen() {
		return s.Phase
	}
	key := q.encode(s)
	row := q.row(key)

	if q.hasPrev {
		reward := -float64(s.TotalQueue())
		prevRow := q.row(q.prev)
		best := math.Max(row[0], row[1])
		old := prevRow[q.prevAction]
		prevRow[q.prevAction] = old + q.cfg.Alpha*(reward+q.cfg.Gamma*best-old)
	}

	var action int
	if q.rng.Float64() < q.epsilon {
		action = q.rng.Intn(len(actions))
	} else {
		action = actionIndex(s.Phase)
		if row[1-action] > row[action] {
			action = 1 - action
		}
	}
	q.epsilon = math.Max(q.cfg.EpsilonFloor, q.epsilon*q.cfg.EpsilonDecay)

	q.prev, q.prevAction, q.hasPrev = key, action, true
	return actions[action]
}
