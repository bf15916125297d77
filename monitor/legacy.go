package monitor

import (
	"context"
	"sync"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/xhd2015/dbgwatch/debug/common"
)

// RunLegacy is the threaded mode: the time-to-live guard starts right away, while the poll task
// waits for the debuggee to get a pid and then drains stdout steadily. The guard is cancelled when
// the poll ends; both are joined before the final state is mapped. States without a mapping, and a
// run cancelled before the debuggee started, end through SafeQuit.
func (m *Monitor) RunLegacy(ctx context.Context) ExitOutcome {
	engine := m.s.Engine

	watchdogEnabled := m.opts.DeadlockTimeout > 0
	ttlCtx, cancelTTL := context.WithCancel(ctx)
	defer cancelTTL()

	var started bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancelTTL()
		// a stop from the guard is terminal, so the wait also ends for a debuggee without a pid
		err := wait.PollUntilContextCancel(ctx, m.opts.PollInterval, false, func(context.Context) (bool, error) {
			return engine.PID() != 0 || engine.State().IsTerminal(), nil
		})
		if err != nil {
			return
		}
		started = true
		m.s.Log.V(1).Info("Debuggee started", "pid", engine.PID())
		m.pollStdout(ctx, watchdogEnabled)
	}()
	go func() {
		defer wg.Done()
		if _, err := RunWithCap(ttlCtx, engine, m.opts.TTL, m.s.Console(), m.s.Log); err != nil {
			m.s.Log.Error(err, "Time to live guard failed")
		}
	}()
	wg.Wait()

	if !started {
		return SafeQuit(context.Background(), m.s, m.sinks)
	}

	crash := m.opts.AppCrashExitCode
	switch state := engine.State(); {
	case state == common.StateExited:
		return ExitOutcome{Code: engine.ExitStatus(), Reason: ReasonExited}
	case state == common.StateStopped && !watchdogEnabled:
		return ExitOutcome{Code: crash, Reason: ReasonStopped}
	case state == common.StateCrashed:
		return ExitOutcome{Code: crash, Reason: ReasonCrashed}
	case state == common.StateDetached:
		return ExitOutcome{Code: crash, Reason: ReasonDetached}
	}
	return SafeQuit(context.Background(), m.s, m.sinks)
}

// pollStdout drains stdout once per poll interval until the debuggee stops running,
// then prints the marker of the final state and closes the sinks
func (m *Monitor) pollStdout(ctx context.Context, watchdogEnabled bool) {
	engine := m.s.Engine
	_ = wait.PollUntilContextCancel(ctx, m.opts.PollInterval, true, func(context.Context) (bool, error) {
		m.drain(common.Stdout)
		s := engine.State()
		return s != common.StateRunning && s != common.StateLaunching, nil
	})
	m.drain(common.Stdout)

	console := m.s.Console()
	switch state := engine.State(); {
	case state == common.StateExited:
		printMarker(console, MarkerExited)
	case state == common.StateStopped && !watchdogEnabled:
		printMarker(console, MarkerStopped)
	case state == common.StateCrashed:
		printMarker(console, MarkerCrashed)
	case state == common.StateDetached:
		printMarker(console, MarkerDetached)
	default:
		return
	}
	m.sinks.Close()
}
