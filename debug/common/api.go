package common

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrDeviceLocked is returned by Launch when the target device refuses to start the app because it is locked
	ErrDeviceLocked = errors.New("device locked")

	// ErrNotConnected is returned when an operation needs a connected target
	ErrNotConnected = errors.New("not connected to a debug target")

	// ErrClientClosed is returned when using an engine whose connection is gone
	ErrClientClosed = errors.New("client is closed")
)

// lockedMarker is the text debug servers put into launch errors for a locked device
const lockedMarker = ": Locked"

// IsDeviceLocked reports whether a launch error means the device is locked.
// Engines that can tell return ErrDeviceLocked; the text match covers the ones that only report a message.
func IsDeviceLocked(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrDeviceLocked) || strings.Contains(err.Error(), lockedMarker)
}

// Stream names one of the debuggee's output streams
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// LaunchInfo describes how the debuggee is started
type LaunchInfo struct {
	// Program is the path of the application on the target
	Program string
	Args    []string
	// Env entries in KEY=VALUE form, appended to the target's environment
	Env []string
	// Listener receives the events generated by the launch
	Listener *Listener
}

// Engine is the debug engine driving exactly one remote debuggee.
// Both the DAP and the headless delve backends implement it.
type Engine interface {
	// Subscribe registers a listener for the given event classes.
	// Events broadcast before a listener subscribes are not delivered to it.
	Subscribe(l *Listener, mask EventKind)

	// Unsubscribe removes event classes from a listener's subscription
	Unsubscribe(l *Listener, mask EventKind)

	// ConnectRemote starts connecting to the remote debug server at url.
	// Reaching StateConnected is reported asynchronously through the listener.
	ConnectRemote(ctx context.Context, l *Listener, url string) error

	// Launch starts the debuggee and returns once the debug server accepted or rejected the launch
	Launch(ctx context.Context, info *LaunchInfo) error

	// State returns the last known state of the debuggee
	State() ProcessState

	// ExitStatus returns the debuggee's exit code, valid once State is StateExited
	ExitStatus() int

	// PID returns the debuggee's process id, 0 until it is known
	PID() int

	// ReadOutput returns up to max bytes of buffered output for the stream, nil when nothing is buffered
	ReadOutput(s Stream, max int) []byte

	// Interrupt asks the debuggee to stop without killing it
	Interrupt(ctx context.Context) error

	// Resume continues a stopped debuggee
	Resume(ctx context.Context) error

	// Stop requests the debuggee to stop, used by the time-to-live cap
	Stop(ctx context.Context) error

	// Detach leaves the debuggee running and ends the debug session
	Detach(ctx context.Context) error

	// Backtrace renders the call stacks of the current thread, or of every thread when all is set
	Backtrace(ctx context.Context, all bool) (string, error)

	// DefaultListener is the engine's own listener, the one that consumes events nobody else claims
	DefaultListener() *Listener

	// Close closes the connection to the debug server
	Close() error
}
