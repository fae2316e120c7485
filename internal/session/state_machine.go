package session

import "sync"

type State string

const (
	StateDisconnected         State = "DISCONNECTED"
	StateConnecting           State = "CONNECTING"
	StateAuthenticating       State = "AUTHENTICATING"
	StateFetchingInitialState State = "FETCHING_INITIAL_STATE"
	StateSubscribing          State = "SUBSCRIBING"
	StateLive                 State = "LIVE"
)

type Event string

const (
	EventDial              Event = "DIAL"
	EventConnected         Event = "CONNECTED"
	EventAuthenticated     Event = "AUTHENTICATED"
	EventInitialStateReady Event = "INITIAL_STATE_READY"
	EventSubscribed        Event = "SUBSCRIBED"
	EventDisconnected      Event = "DISCONNECTED"
)

// StateMachine tracks the connection lifecycle. Watchers get a channel that
// closes on the next transition.
type StateMachine struct {
	mu      sync.Mutex
	state   State
	changed chan struct{}
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateDisconnected, changed: make(chan struct{})}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := nextState(s.state, event)
	if next != s.state {
		s.state = next
		close(s.changed)
		s.changed = make(chan struct{})
	}
	return s.state
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StateMachine) Watch() (State, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.changed
}

func nextState(current State, event Event) State {
	if event == EventDisconnected {
		return StateDisconnected
	}
	switch current {
	case StateDisconnected:
		if event == EventDial {
			return StateConnecting
		}
	case StateConnecting:
		if event == EventConnected {
			return StateAuthenticating
		}
	case StateAuthenticating:
		if event == EventAuthenticated {
			return StateFetchingInitialState
		}
	case StateFetchingInitialState:
		if event == EventInitialStateReady {
			return StateSubscribing
		}
	case StateSubscribing:
		if event == EventSubscribed {
			return StateLive
		}
	}
	return current
}
