package session

import "sync/atomic"

// CallState tracks where a call session is in its turn cycle.
type CallState int32

const (
	StateIdle CallState = iota
	StateListening
	StateThinking
	StateSpeaking
	StateInterrupted
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// StateMachine holds the current call state. Transitions are atomic and
// unconditional; callers decide legality.
type StateMachine struct {
	state atomic.Int32
}

func (m *StateMachine) Current() CallState {
	return CallState(m.state.Load())
}

// TransitionTo moves to next and returns the state it replaced.
func (m *StateMachine) TransitionTo(next CallState) CallState {
	return CallState(m.state.Swap(int32(next)))
}

// CompareAndTransition moves to next only from expected.
func (m *StateMachine) CompareAndTransition(expected, next CallState) bool {
	return m.state.CompareAndSwap(int32(expected), int32(next))
}
