package capture

import "fmt"

type State string

type Event string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateValidating State = "validating"
	StateStopped    State = "stopped"
)

const (
	EventStart   Event = "start"
	EventTick    Event = "tick"
	EventRearm   Event = "rearm"
	EventAccept  Event = "accept"
	EventTimeout Event = "timeout"
	EventStop    Event = "stop"
	EventCancel  Event = "cancel"
	EventFail    Event = "fail"
)

// Active reports whether the state belongs to a running episode.
func (s State) Active() bool {
	return s == StateListening || s == StateValidating
}

// Transition applies event to current and returns the next state.
func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle, StateStopped:
		if event == EventStart {
			return StateListening, nil
		}
	case StateListening:
		switch event {
		case EventTick:
			return StateValidating, nil
		case EventTimeout, EventStop, EventCancel, EventFail:
			return StateStopped, nil
		}
	case StateValidating:
		switch event {
		case EventRearm:
			return StateListening, nil
		case EventAccept, EventTimeout, EventStop, EventCancel, EventFail:
			return StateStopped, nil
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
	return current, invalidTransition(current, event)
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
