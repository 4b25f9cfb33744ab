package subsystem

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Acquisition lifecycle states for one subsystem.
const (
	StateIdle        = "idle"
	StateTriggered   = "triggered"
	StateConfiguring = "configuring"
	StateRunning     = "running"
)

// Events driving the lifecycle.
const (
	eventTrigger   = "trigger"
	eventConfigure = "configure"
	eventStart     = "start"
	eventFinish    = "finish"
	eventAbort     = "abort"
	eventStop      = "stop"
)

func newMachine(subsystem string, log *zap.SugaredLogger) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventTrigger, Src: []string{StateIdle}, Dst: StateTriggered},
			{Name: eventConfigure, Src: []string{StateTriggered}, Dst: StateConfiguring},
			{Name: eventStart, Src: []string{StateConfiguring}, Dst: StateRunning},
			{Name: eventFinish, Src: []string{StateRunning}, Dst: StateIdle},
			{Name: eventAbort, Src: []string{StateTriggered, StateConfiguring}, Dst: StateIdle},
			{Name: eventStop, Src: []string{StateTriggered, StateConfiguring, StateRunning}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugw("acquisition state changed",
					"subsystem", subsystem, "from", e.Src, "to", e.Dst)
			},
		},
	)
}
