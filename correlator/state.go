package correlator

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for an event the current state does not
// accept.
var ErrInvalidTransition = errors.New("invalid probe transition")

// State is the lifecycle position of a probe.
type State uint8

const (
	StateQueued State = iota
	StateDispatched
	StateRetrying
	StateMatched
	StateExpired
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDispatched:
		return "dispatched"
	case StateRetrying:
		return "retrying"
	case StateMatched:
		return "matched"
	case StateExpired:
		return "expired"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateMatched || s == StateExpired || s == StateCancelled
}

// Event drives a state transition.
type Event uint8

const (
	EventDispatch Event = iota // frame handed to the socket
	EventMatch                 // reply correlated
	EventRetry                 // deadline passed, attempts remain
	EventExpire                // deadline passed, attempts exhausted
	EventCancel                // session cancelled or timed out
)

func (e Event) String() string {
	switch e {
	case EventDispatch:
		return "dispatch"
	case EventMatch:
		return "match"
	case EventRetry:
		return "retry"
	case EventExpire:
		return "expire"
	case EventCancel:
		return "cancel"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

type edge struct {
	from State
	ev   Event
}

// transitions lists every legal edge. A late reply to an earlier attempt may
// still match a probe that is waiting to be resent.
var transitions = map[edge]State{
	{StateQueued, EventDispatch}:   StateDispatched,
	{StateQueued, EventCancel}:     StateCancelled,
	{StateDispatched, EventMatch}:  StateMatched,
	{StateDispatched, EventRetry}:  StateRetrying,
	{StateDispatched, EventExpire}: StateExpired,
	{StateDispatched, EventCancel}: StateCancelled,
	{StateRetrying, EventDispatch}: StateDispatched,
	{StateRetrying, EventMatch}:    StateMatched,
	{StateRetrying, EventExpire}:   StateExpired,
	{StateRetrying, EventCancel}:   StateCancelled,
}

// Transition returns the state reached from s on ev.
func Transition(s State, ev Event) (State, error) {
	next, ok := transitions[edge{s, ev}]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, ev)
	}
	return next, nil
}
