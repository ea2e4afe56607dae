package calls

type State string

const (
	StateInitiated State = "initiated"
	StateRinging   State = "ringing"
	StateAccepted  State = "accepted"
	StateActive    State = "active"
	StateEnded     State = "ended"
	StateDeclined  State = "declined"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// validTransitions defines which state transitions are allowed.
// Any non-terminal state may fail.
var validTransitions = map[State][]State{
	StateInitiated: {StateRinging, StateCancelled, StateFailed},
	StateRinging:   {StateAccepted, StateDeclined, StateCancelled, StateFailed},
	StateAccepted:  {StateActive, StateEnded, StateFailed},
	StateActive:    {StateEnded, StateFailed},
	StateEnded:     {},
	StateDeclined:  {},
	StateFailed:    {},
	StateCancelled: {},
}

// CanTransitionTo checks if a transition from current state to next state is valid.
func (s State) CanTransitionTo(next State) bool {
	for _, st := range validTransitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states with no outgoing transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateEnded, StateDeclined, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

func (s State) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Rank orders states by forward progress. All terminal states share the top rank.
// Unknown states rank -1.
func (s State) Rank() int {
	switch s {
	case StateInitiated:
		return 0
	case StateRinging:
		return 1
	case StateAccepted:
		return 2
	case StateActive:
		return 3
	case StateEnded, StateDeclined, StateFailed, StateCancelled:
		return 4
	default:
		return -1
	}
}

// NonTerminalStates lists states a participant can still be "in call" for.
func NonTerminalStates() []State {
	return []State{StateInitiated, StateRinging, StateAccepted, StateActive}
}

// TerminalStates lists states with no outgoing transitions.
func TerminalStates() []State {
	return []State{StateEnded, StateDeclined, StateFailed, StateCancelled}
}
