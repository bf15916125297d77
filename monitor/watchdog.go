package monitor

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/xhd2015/dbgwatch/debug/common"
)

const (
	// DefaultHeartbeat is the cadence of every backtrace after the first
	DefaultHeartbeat = 5 * time.Second

	haltPollInterval = 50 * time.Millisecond
	haltTimeout      = 2 * time.Second
)

// Watchdog prints a backtrace of all threads whenever the debuggee is still running past its deadline
type Watchdog struct {
	heartbeat time.Duration
	deadline  time.Time
	enabled   bool
}

// NewWatchdog arms the first deadline at start+timeout. timeout <= 0 disables the watchdog for good.
func NewWatchdog(timeout, heartbeat time.Duration, start time.Time) *Watchdog {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	w := &Watchdog{heartbeat: heartbeat, enabled: timeout > 0}
	if w.enabled {
		w.deadline = start.Add(timeout)
	}
	return w
}

func (w *Watchdog) Enabled() bool {
	return w.enabled
}

func (w *Watchdog) Deadline() time.Time {
	return w.deadline
}

// Due reports whether the deadline passed
func (w *Watchdog) Due(now time.Time) bool {
	return w.enabled && !now.Before(w.deadline)
}

// Fire interrupts the debuggee, prints a backtrace of every thread, resumes it and moves the deadline
// to now+heartbeat. It never stops the debuggee for good. A non-nil error means it was not resumed.
func (w *Watchdog) Fire(ctx context.Context, s *DebugSession, now time.Time) error {
	w.deadline = now.Add(w.heartbeat)
	console := s.Console()
	printMarker(console, MarkerBacktraceTimeout)

	if err := s.Engine.Interrupt(ctx); err != nil {
		// not interrupted, so it is still running
		s.Log.Error(err, "Failed to interrupt debuggee for backtrace")
		return nil
	}

	err := wait.PollUntilContextTimeout(ctx, haltPollInterval, haltTimeout, true, func(context.Context) (bool, error) {
		return s.Engine.State() != common.StateRunning, nil
	})
	if err != nil {
		s.Log.V(1).Info("Debuggee did not report a halt before the backtrace", "error", err.Error())
	}

	bt, err := s.Engine.Backtrace(ctx, true)
	if err != nil {
		s.Log.Error(err, "Failed to capture backtrace")
	}
	if bt != "" {
		fmt.Fprint(console, bt)
	}

	if err := s.Engine.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume after backtrace: %w", err)
	}
	return nil
}
