// Package signal models intersection signal state and the strategies that
// pick the next phase.
package signal

import (
	"github.com/paulmach/orb"
)

// Direction is the side of an intersection traffic arrives from.
type Direction int

const (
	North Direction = iota
	South
	East
	West
)

func (d Direction) String() string {
	switch d {
	case North:
		return "N"
	case South:
		return "S"
	case East:
		return "E"
	case West:
		return "W"
	default:
		return "?"
	}
}

// Opposite returns the approach facing d.
func (d Direction) Opposite() Direction {
	switch d {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	default:
		return East
	}
}

// Directions lists all approaches.
func Directions() []Direction { return []Direction{North, South, East, West} }

// ParseDirection accepts "N", "S", "E" or "W".
func ParseDirection(s string) (Direction, bool) {
	for _, d := range Directions() {
		if d.String() == s {
			return d, true
		}
	}
	return 0, false
}

// Approach returns the side of the intersection at `to` that a vehicle
// travelling from `from` arrives on.
func Approach(from, to orb.Point) Direction {
	dx, dy := to[0]-from[0], to[1]-from[1]
	if abs(dx) >= abs(dy) {
		if dx > 0 {
			return West
		}
		return East
	}
	if dy > 0 {
		return South
	}
	return North
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Phase is a signal phase. Yellow phases are transitions between greens.
type Phase int

const (
	NSGreen Phase = iota
	NSYellow
	EWGreen
	EWYellow
)

func (p Phase) String() string {
	switch p {
	case NSGreen:
		return "NS_GREEN"
	case NSYellow:
		return "NS_YELLOW"
	case EWGreen:
		return "EW_GREEN"
	case EWYellow:
		return "EW_YELLOW"
	default:
		return "UNKNOWN"
	}
}

// ParsePhase is the inverse of String.
func ParsePhase(s string) (Phase, bool) {
	for _, p := range []Phase{NSGreen, NSYellow, EWGreen, EWYellow} {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}

// IsGreen reports whether p lets traffic through.
func (p Phase) IsGreen() bool { return p == NSGreen || p == EWGreen }

// Serves reports whether traffic from d may proceed under p.
func (p Phase) Serves(d Direction) bool {
	switch p {
	case NSGreen:
		return d == North || d == South
	case EWGreen:
		return d == East || d == West
	}
	return false
}

// Opposite returns the other green.
func (p Phase) Opposite() Phase {
	if p == NSGreen || p == NSYellow {
		return EWGreen
	}
	return NSGreen
}

// Yellow returns the transition phase that ends p.
func (p Phase) Yellow() Phase {
	if p == NSGreen || p == NSYellow {
		return NSYellow
	}
	return EWYellow
}

// GreenFor returns the green that serves d.
func GreenFor(d Direction) Phase {
	if d == North || d == South {
		return NSGreen
	}
	return EWGreen
}

// State is what a strategy sees when deciding.
type State struct {
	Phase      Phase
	Queues     map[Direction]int
	Downstream map[Direction]float64
	// Elapsed is the number of ticks since the last committed change.
	Elapsed int
}

// TotalQueue sums the queues over every approach.
func (s State) TotalQueue() int {
	total := 0
	for _, q := range s.Queues {
		total += q
	}
	return total
}

// Strategy chooses the green an intersection should show. Returning the
// current phase means "keep".
type Strategy interface {
	Name() string
	DecidePhase(State) Phase
}
