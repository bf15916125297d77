package common

import "fmt"

// ProcessState is the debuggee state as reported by the debug engine.
// The numeric values are part of the exit code contract: safequit exits with them.
type ProcessState int

const (
	StateInvalid ProcessState = iota
	StateUnloaded
	StateConnected
	StateAttaching
	StateLaunching
	StateStopped
	StateRunning
	StateStepping
	StateCrashed
	StateDetached
	StateExited
	StateSuspended
)

var stateNames = map[ProcessState]string{
	StateInvalid:   "invalid",
	StateUnloaded:  "unloaded",
	StateConnected: "connected",
	StateAttaching: "attaching",
	StateLaunching: "launching",
	StateStopped:   "stopped",
	StateRunning:   "running",
	StateStepping:  "stepping",
	StateCrashed:   "crashed",
	StateDetached:  "detached",
	StateExited:    "exited",
	StateSuspended: "suspended",
}

func (s ProcessState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsTerminal reports whether monitoring may end in this state
func (s ProcessState) IsTerminal() bool {
	switch s {
	case StateStopped, StateCrashed, StateDetached, StateExited:
		return true
	}
	return false
}

// Launched reports whether the debuggee got at least as far as being stopped or running
func (s ProcessState) Launched() bool {
	return s >= StateStopped
}
