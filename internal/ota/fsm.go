package ota

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/DivinityQQ/iaq-monitor-server/internal/errcode"
)

// Transition events for the update lifecycle.
const (
	eventBegin    = "begin"
	eventValidate = "validate"
	eventFinish   = "finish"
	eventFail     = "fail"
	eventReset    = "reset"
)

// newMachine builds the lifecycle state machine:
//
//	idle → receiving → validating → {complete | error} → idle
//
// The terminal states are transient: once a terminal progress event has been
// published the machine resets to idle, with the last error and counters
// persisting for read-only inspection until the next begin.
func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventBegin, Src: []string{string(StateIdle)}, Dst: string(StateReceiving)},
			{Name: eventValidate, Src: []string{string(StateReceiving)}, Dst: string(StateValidating)},
			{Name: eventFinish, Src: []string{string(StateValidating)}, Dst: string(StateComplete)},
			{Name: eventFail, Src: []string{string(StateReceiving), string(StateValidating)}, Dst: string(StateError)},
			{Name: eventReset, Src: []string{string(StateComplete), string(StateError)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{},
	)
}

// fire drives a transition and maps illegal-transition errors onto the
// invalid_state code so callers see the domain taxonomy, not library types.
func fire(m *fsm.FSM, event string) error {
	err := m.Event(context.Background(), event)
	if err == nil {
		return nil
	}
	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		return errcode.Wrap(errcode.InvalidState, event, err)
	}
	return err
}
