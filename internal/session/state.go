package session

// State is where a session is in its current turn.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingProvider State = "awaiting_provider"
	StateStreaming        State = "streaming"
	StateComplete         State = "complete"
	StateError            State = "error"
)

var transitions = map[State][]State{
	StateIdle:             {StateAwaitingProvider},
	StateAwaitingProvider: {StateStreaming, StateError, StateIdle},
	StateStreaming:        {StateComplete, StateError, StateIdle},
	StateComplete:         {StateIdle},
	StateError:            {StateIdle},
}

// CanTransition reports whether a session may move from s to next.
// Returning to idle without passing complete or error only happens when
// a turn is abandoned on disconnect.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Busy reports whether a turn is in flight.
func (s State) Busy() bool {
	return s == StateAwaitingProvider || s == StateStreaming
}
