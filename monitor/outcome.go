package monitor

import (
	"fmt"
	"io"
)

// Exit codes with a fixed meaning for the calling tool
const (
	ExitCodeDeviceLocked = 254
	// DefaultAppCrashExitCode is used for stopped, crashed and detached debuggees unless configured otherwise
	DefaultAppCrashExitCode = 254
	ExitCodeNotLaunched     = 1
	ExitCodeFailure         = 1
)

// Markers written to the console before the matching outcome
const (
	MarkerExited           = "PROCESS_EXITED"
	MarkerStopped          = "PROCESS_STOPPED"
	MarkerCrashed          = "PROCESS_CRASHED"
	MarkerDetached         = "PROCESS_DETACHED"
	MarkerBacktraceTimeout = "PRINT_BACKTRACE_TIMEOUT"

	DeviceLockedMessage = "\nDevice Locked\n"
	NotLaunchedMessage  = "\nApplication has not been launched\n"
)

// Reason tells why a run ended
type Reason int

const (
	ReasonExited Reason = iota
	ReasonDeviceLocked
	ReasonStopped
	ReasonCrashed
	ReasonDetached
	ReasonSafeQuitDetached
	ReasonSafeQuitPastRunning
	ReasonSafeQuitNotLaunched
	ReasonConnectFailed
	ReasonLaunchFailed
)

var reasonNames = [...]string{
	ReasonExited:              "exited",
	ReasonDeviceLocked:        "device-locked",
	ReasonStopped:             "stopped",
	ReasonCrashed:             "crashed",
	ReasonDetached:            "detached",
	ReasonSafeQuitDetached:    "safequit-detached",
	ReasonSafeQuitPastRunning: "safequit-past-running",
	ReasonSafeQuitNotLaunched: "safequit-not-launched",
	ReasonConnectFailed:       "connect-failed",
	ReasonLaunchFailed:        "launch-failed",
}

func (r Reason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// ExitOutcome is the single result of a run. The driver terminates the host process with Code.
type ExitOutcome struct {
	Code   int
	Reason Reason
}

func (o ExitOutcome) String() string {
	return fmt.Sprintf("%s (exit code %d)", o.Reason, o.Code)
}

func printMarker(w io.Writer, marker string) {
	fmt.Fprintf(w, "\n%s\n", marker)
}
