package signal

// Pressure is a max-pressure controller: a phase's pressure is the sum over
// the approaches it serves of incoming queue minus downstream queue.
type Pressure struct {
	// SwitchThreshold is how much the other phase must exceed the current
	// one before switching.
	SwitchThreshold float64
	// MaxGreen forces a switch after this many ticks when the other phase
	// has any pressure. Zero disables it.
	MaxGreen int
}

func (p *Pressure) Name() string { return "pressure" }

// PhasePressure computes the pressure of a green phase.
func PhasePressure(s State, phase Phase) float64 {
	total := 0.0
	for _, d := range Directions() {
		if phase.Serves(d) {
			total += float64(s.Queues[d]) - s.Downstream[d]
		}
	}
	return total
}

func (p *Pressure) DecidePhase(s State) Phase {
	if !s.Phase.IsGreen() {
		return s.Phase
	}
	current := PhasePressure(s, s.Phase)
	other := PhasePressure(s, s.Phase.Opposite())

	if other-current > p.SwitchThreshold {
		return s.Phase.Opposite()
	}
	if p.MaxGreen > 0 && s.Elapsed >= p.MaxGreen && other > 0 {
		return s.Phase.Opposite()
	}
	return s.Phase
}
