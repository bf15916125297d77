package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/xhd2015/dbgwatch/debug/common"
)

// Options configure a monitoring run
type Options struct {
	// AppCrashExitCode is the exit code for stopped, crashed and detached debuggees
	AppCrashExitCode int
	// DeadlockTimeout arms the backtrace watchdog; <= 0 disables it
	DeadlockTimeout time.Duration
	// Heartbeat is the watchdog cadence after its first firing, DefaultHeartbeat when zero
	Heartbeat time.Duration
	// WaitTimeout bounds each listener wait, DefaultWaitTimeout when zero
	WaitTimeout time.Duration
	// TTL caps the run time in legacy mode; <= 0 means no cap
	TTL time.Duration
	// PollInterval is the steady drain period of legacy mode, one second when zero
	PollInterval time.Duration

	// Now is the clock, time.Now when nil
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Monitor follows one launched debuggee until its life ends
type Monitor struct {
	s     *DebugSession
	sinks Sinks
	opts  Options

	// the debuggee was interrupted by the watchdog and has not been seen running since
	diagnosticPending bool
}

func New(s *DebugSession, sinks Sinks, opts Options) *Monitor {
	return &Monitor{s: s, sinks: sinks, opts: opts.withDefaults()}
}

func (m *Monitor) drain(stream common.Stream) {
	if _, err := Drain(m.s.Engine, m.sinks.For(stream), stream); err != nil {
		m.s.Log.Error(err, "Output lost", "stream", stream.String())
	}
}

// Run is the event driven loop. Each iteration waits up to WaitTimeout for an event and drains the
// streams it names; without an event the state is polled. When the state is no longer running both
// streams are drained once more and a terminal state ends the run.
// Cancelling ctx ends the run through SafeQuit.
func (m *Monitor) Run(ctx context.Context) ExitOutcome {
	engine := m.s.Engine
	// the engine's own listener must not consume output notifications, or output can be reordered
	engine.Unsubscribe(engine.DefaultListener(), common.EventStdout|common.EventStderr)

	watchdog := NewWatchdog(m.opts.DeadlockTimeout, m.opts.Heartbeat, m.opts.Now())
	m.s.Log.V(1).Info("Monitoring debuggee", "watchdog", watchdog.Enabled(), "pid", engine.PID())

	for {
		if ctx.Err() != nil {
			m.drain(common.Stdout)
			m.drain(common.Stderr)
			return SafeQuit(context.Background(), m.s, m.sinks)
		}

		var state common.ProcessState
		ev, ok := m.s.Listener.WaitForEvent(m.opts.WaitTimeout)
		if ok && ev.IsProcessEvent() {
			if ev.Kind&common.EventStateChanged != 0 {
				state = ev.State
			} else {
				state = engine.State()
			}
			if ev.Kind&common.EventStdout != 0 {
				m.drain(common.Stdout)
			}
			if ev.Kind&common.EventStderr != 0 {
				m.drain(common.Stderr)
			}
		} else {
			state = engine.State()
		}
		now := m.opts.Now()

		if state == common.StateRunning {
			m.diagnosticPending = false
		} else {
			m.drain(common.Stdout)
			m.drain(common.Stderr)
		}

		if outcome, done := m.finish(ctx, state); done {
			return outcome
		}

		if state == common.StateRunning && watchdog.Due(now) {
			m.diagnosticPending = true
			if err := watchdog.Fire(ctx, m.s, now); err != nil {
				m.s.Log.Error(err, "Watchdog could not resume the debuggee")
				m.diagnosticPending = false
			}
		}
	}
}

// finish maps a terminal state to the run's outcome, printing the marker and closing the sinks
func (m *Monitor) finish(ctx context.Context, state common.ProcessState) (ExitOutcome, bool) {
	console := m.s.Console()
	crash := m.opts.AppCrashExitCode

	switch state {
	case common.StateExited:
		printMarker(console, MarkerExited)
		m.sinks.Close()
		return ExitOutcome{Code: m.s.Engine.ExitStatus(), Reason: ReasonExited}, true
	case common.StateStopped:
		if m.diagnosticPending {
			return ExitOutcome{}, false
		}
		printMarker(console, MarkerStopped)
		m.printBacktrace(ctx)
		m.sinks.Close()
		return ExitOutcome{Code: crash, Reason: ReasonStopped}, true
	case common.StateCrashed:
		printMarker(console, MarkerCrashed)
		m.printBacktrace(ctx)
		m.sinks.Close()
		return ExitOutcome{Code: crash, Reason: ReasonCrashed}, true
	case common.StateDetached:
		printMarker(console, MarkerDetached)
		m.sinks.Close()
		return ExitOutcome{Code: crash, Reason: ReasonDetached}, true
	}
	return ExitOutcome{}, false
}

func (m *Monitor) printBacktrace(ctx context.Context) {
	bt, err := m.s.Engine.Backtrace(ctx, false)
	if err != nil {
		m.s.Log.Error(err, "Failed to capture backtrace")
	}
	if bt != "" {
		fmt.Fprint(m.s.Console(), bt)
	}
}
