package turn

import (
	"slices"
	"sync"
	"time"
)

// State is the lifecycle state of one conversational turn.
type State int

const (
	// StateIdle is the state of a turn that has not started.
	StateIdle State = iota

	// StateContextLoading fetches the hub topology for the start message.
	StateContextLoading

	// StateStreaming runs the send and receive activities.
	StateStreaming

	// StateDraining waits for in-flight tool calls and playback.
	StateDraining

	// StateClosed is terminal.
	StateClosed
)

// String returns the lower-case state name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateContextLoading:
		return "context_loading"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions lists the legal successor states.
var transitions = map[State][]State{
	StateIdle:           {StateContextLoading},
	StateContextLoading: {StateStreaming, StateClosed},
	StateStreaming:      {StateDraining},
	StateDraining:       {StateClosed},
}

// StateChange describes one transition.
type StateChange struct {
	TurnID string
	From   State
	To     State
	At     time.Time
	Reason string
}

// Listener observes state changes. Listeners are called synchronously, in
// registration order, with no lock held. They must not block.
type Listener interface {
	OnStateChange(StateChange)
}

// ListenerFunc adapts a function to [Listener].
type ListenerFunc func(StateChange)

// OnStateChange calls f.
func (f ListenerFunc) OnStateChange(c StateChange) { f(c) }

// InvalidTransitionError is returned by [StateMachine.Transition] for a move
// the transition table does not allow.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "turn: invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// StateMachine tracks the state of a single turn. Each turn gets a fresh
// machine. It is safe for concurrent use.
type StateMachine struct {
	turnID    string
	listeners []Listener
	now       func() time.Time

	mu    sync.Mutex
	state State
}

// NewStateMachine returns a machine in [StateIdle].
func NewStateMachine(turnID string, listeners ...Listener) *StateMachine {
	return &StateMachine{
		turnID:    turnID,
		listeners: listeners,
		now:       time.Now,
		state:     StateIdle,
	}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to to and notifies listeners.
func (m *StateMachine) Transition(to State, reason string) error {
	m.mu.Lock()
	from := m.state
	if !slices.Contains(transitions[from], to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	m.state = to
	m.mu.Unlock()

	change := StateChange{TurnID: m.turnID, From: from, To: to, At: m.now(), Reason: reason}
	for _, l := range m.listeners {
		l.OnStateChange(change)
	}
	return nil
}
