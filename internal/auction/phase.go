package auction

// Phase tracks a batch's lifecycle position
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseCommit
	PhaseReveal
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "Uninitialized"
	case PhaseCommit:
		return "Commit"
	case PhaseReveal:
		return "Reveal"
	case PhaseSettled:
		return "Settled"
	}
	return "Unknown"
}

// CanTransitionTo validates phase transitions. Phases only move forward,
// one step at a time; Settled is terminal.
func (p Phase) CanTransitionTo(next Phase) bool {
	validTransitions := map[Phase][]Phase{
		PhaseUninitialized: {
			PhaseCommit,
		},
		PhaseCommit: {
			PhaseReveal,
		},
		PhaseReveal: {
			PhaseSettled,
		},
		PhaseSettled: {},
	}

	allowed, ok := validTransitions[p]
	if !ok {
		return false
	}

	for _, allowedPhase := range allowed {
		if next == allowedPhase {
			return true
		}
	}

	return false
}
