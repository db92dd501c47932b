package session

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// Phase is the connection lifecycle position.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseScanning     Phase = "scanning"
	PhaseConnecting   Phase = "connecting"
	PhaseIdentifying  Phase = "identifying"
	PhaseReady        Phase = "ready"
	PhaseDisconnected Phase = "disconnected"
)

const (
	eventScan          = "scan"
	eventScanDone      = "scan_done"
	eventConnect       = "connect"
	eventConnected     = "connected"
	eventIdentified    = "identified"
	eventConnectFailed = "connect_failed"
	eventDisconnected  = "disconnected"
)

func newStateMachine(onEnter func(from, to Phase)) *fsm.FSM {
	events := fsm.Events{
		{Name: eventScan, Src: []string{string(PhaseIdle), string(PhaseDisconnected)}, Dst: string(PhaseScanning)},
		{Name: eventScanDone, Src: []string{string(PhaseScanning)}, Dst: string(PhaseIdle)},
		{Name: eventConnect, Src: []string{string(PhaseIdle), string(PhaseScanning), string(PhaseDisconnected)}, Dst: string(PhaseConnecting)},
		{Name: eventConnected, Src: []string{string(PhaseConnecting)}, Dst: string(PhaseIdentifying)},
		{Name: eventIdentified, Src: []string{string(PhaseIdentifying)}, Dst: string(PhaseReady)},
		{Name: eventConnectFailed, Src: []string{string(PhaseConnecting)}, Dst: string(PhaseIdle)},
		{Name: eventDisconnected, Src: []string{string(PhaseConnecting), string(PhaseIdentifying), string(PhaseReady)}, Dst: string(PhaseDisconnected)},
	}
	callbacks := fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			onEnter(Phase(e.Src), Phase(e.Dst))
		},
	}
	return fsm.NewFSM(string(PhaseIdle), events, callbacks)
}

// isNoop reports whether err only says that the machine stayed where it was.
func isNoop(err error) bool {
	var noTransition fsm.NoTransitionError
	return errors.As(err, &noTransition)
}
