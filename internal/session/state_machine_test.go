package session

import "testing"

func TestStateMachineHappyPath(t *testing.T) {
	sm := NewStateMachine()
	steps := []struct {
		event Event
		want  State
	}{
		{EventDial, StateConnecting},
		{EventConnected, StateAuthenticating},
		{EventAuthenticated, StateFetchingInitialState},
		{EventInitialStateReady, StateSubscribing},
		{EventSubscribed, StateLive},
		{EventDisconnected, StateDisconnected},
	}
	for _, step := range steps {
		if got := sm.Apply(step.event); got != step.want {
			t.Fatalf("after %s expected %s, got %s", step.event, step.want, got)
		}
	}
}

func TestStateMachineIgnoresOutOfOrderEvents(t *testing.T) {
	sm := NewStateMachine()
	if got := sm.Apply(EventSubscribed); got != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}
	sm.Apply(EventDial)
	if got := sm.Apply(EventAuthenticated); got != StateConnecting {
		t.Fatalf("expected connecting, got %s", got)
	}
}

func TestStateMachineWatchClosesOnTransition(t *testing.T) {
	sm := NewStateMachine()
	state, ch := sm.Watch()
	if state != StateDisconnected {
		t.Fatalf("unexpected initial state %s", state)
	}
	sm.Apply(EventSubscribed)
	select {
	case <-ch:
		t.Fatalf("watch fired without a transition")
	default:
	}
	sm.Apply(EventDial)
	select {
	case <-ch:
	default:
		t.Fatalf("expected watch channel to close")
	}
}
