package signal

import "fmt"

// NewStrategy builds a strategy by name. Every intersection gets its own
// instance; seed keeps learners reproducible.
func NewStrategy(name string, threshold float64, maxGreen int, learning LearningConfig, seed int64) (Strategy, error) {
	switch name {
	case "pressure":
		return &Pressure{SwitchThreshold: threshold, MaxGreen: maxGreen}, nil
	case "qlearning":
		return NewQLearning(learning, seed), nil
	default:
		return nil, fmt.Errorf("unknown signal strategy %q", name)
	}
}
