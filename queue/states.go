package queue

// State represents the lifecycle state of a queue item.
// Use the exported constants (StatePending, StateReserved, etc.) instead of
// raw strings to avoid typos.
type State string

const (
	// StatePending contains items waiting to be reserved (oldest first).
	StatePending State = "pending"
	// StateReserved contains items claimed by a worker, or left reserved after a failed attempt.
	StateReserved State = "reserved"
	// StateCompleted contains successfully processed items. Terminal.
	StateCompleted State = "completed"
	// StateFailed contains items that exhausted their attempts. Terminal.
	StateFailed State = "failed"
)

// AllStates lists every valid item state in a stable order.
var AllStates = []State{StatePending, StateReserved, StateCompleted, StateFailed}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// Terminal reports whether no further transition is allowed out of s.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	switch s {
	case string(StatePending):
		return StatePending, nil
	case string(StateReserved):
		return StateReserved, nil
	case string(StateCompleted):
		return StateCompleted, nil
	case string(StateFailed):
		return StateFailed, nil
	default:
		return "", ErrUnknownState
	}
}
