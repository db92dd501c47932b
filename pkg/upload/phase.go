package upload

import (
	"context"

	"github.com/looplab/fsm"
)

// Phase is the position of an upload in its strictly linear sequence.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseRequesting   Phase = "requesting"
	PhaseErasing      Phase = "erasing"
	PhaseTransferring Phase = "transferring"
	PhaseCompleting   Phase = "completing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

const (
	eventRequest  = "request"
	eventErase    = "erase"
	eventTransfer = "transfer"
	eventComplete = "complete"
	eventSucceed  = "succeed"
	eventFail     = "fail"
	eventCancel   = "cancel"
)

var active = []string{
	string(PhaseRequesting),
	string(PhaseErasing),
	string(PhaseTransferring),
	string(PhaseCompleting),
}

func newPhaseMachine(onEnter func(Phase)) *fsm.FSM {
	events := fsm.Events{
		{Name: eventRequest, Src: []string{string(PhaseIdle)}, Dst: string(PhaseRequesting)},
		{Name: eventErase, Src: []string{string(PhaseRequesting)}, Dst: string(PhaseErasing)},
		{Name: eventTransfer, Src: []string{string(PhaseErasing)}, Dst: string(PhaseTransferring)},
		{Name: eventComplete, Src: []string{string(PhaseTransferring)}, Dst: string(PhaseCompleting)},
		{Name: eventSucceed, Src: []string{string(PhaseCompleting)}, Dst: string(PhaseCompleted)},
		{Name: eventFail, Src: active, Dst: string(PhaseFailed)},
		{Name: eventCancel, Src: append([]string{string(PhaseIdle)}, active...), Dst: string(PhaseCancelled)},
	}
	return fsm.NewFSM(string(PhaseIdle), events, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			onEnter(Phase(e.Dst))
		},
	})
}
