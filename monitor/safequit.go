package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/xhd2015/dbgwatch/debug/common"
)

// SafeQuitDetachTimeout bounds the detach request of SafeQuit
var SafeQuitDetachTimeout = 5 * time.Second

// SafeQuit ends a run from whatever state the debuggee is in: a running debuggee is detached and
// left running (0), an exited one yields its exit code, any other launched state yields the raw state
// value, and a debuggee that was never launched yields 1.
func SafeQuit(ctx context.Context, s *DebugSession, sinks Sinks) ExitOutcome {
	defer sinks.Close()

	state := s.Engine.State()
	switch {
	case state == common.StateRunning:
		detachCtx, cancel := context.WithTimeout(ctx, SafeQuitDetachTimeout)
		defer cancel()
		if err := s.Engine.Detach(detachCtx); err != nil {
			s.Log.Error(err, "Failed to detach from running debuggee")
		}
		return ExitOutcome{Code: 0, Reason: ReasonSafeQuitDetached}
	case state == common.StateExited:
		return ExitOutcome{Code: s.Engine.ExitStatus(), Reason: ReasonSafeQuitPastRunning}
	case state.Launched():
		return ExitOutcome{Code: int(state), Reason: ReasonSafeQuitPastRunning}
	default:
		fmt.Fprint(s.Console(), NotLaunchedMessage)
		return ExitOutcome{Code: ExitCodeNotLaunched, Reason: ReasonSafeQuitNotLaunched}
	}
}
