package monitor

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/shlex"

	"github.com/xhd2015/dbgwatch/debug/common"
)

// LaunchEnv makes the debuggee mirror NSLog, CFLog and os_log output to stderr and print dyld statistics
var LaunchEnv = []string{
	"OS_ACTIVITY_DT_MODE=enable",
	"DYLD_PRINT_STATISTICS_DETAILS=1",
	"DYLD_PRINT_TO_STDERR=YES",
}

// LaunchOutcome is what the launch call reported
type LaunchOutcome struct {
	// Locked is set when the device refused to start the app because it is locked
	Locked bool
	// Err is any other launch error. Monitoring goes on: the engine reports the resulting state.
	Err error
}

// ExitOutcome returns the outcome that ends the run without monitoring, if any
func (o LaunchOutcome) ExitOutcome() (ExitOutcome, bool) {
	if o.Locked {
		return ExitOutcome{Code: ExitCodeDeviceLocked, Reason: ReasonDeviceLocked}, true
	}
	return ExitOutcome{}, false
}

// LaunchArgs builds the debuggee argument list. Tokens after the first "--" of command come first,
// then the configured extra arguments. Both use shell quoting rules.
func LaunchArgs(command, extraArgs string) ([]string, error) {
	var args []string
	if _, rest, found := strings.Cut(command, "--"); found {
		tokens, err := shlex.Split(rest)
		if err != nil {
			return nil, fmt.Errorf("failed to parse arguments %q: %w", rest, err)
		}
		args = append(args, tokens...)
	}
	extra, err := shlex.Split(extraArgs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse arguments %q: %w", extraArgs, err)
	}
	return append(args, extra...), nil
}

// Launch starts appPath on the connected target with the session listener attached.
// The returned error means nothing was sent to the engine.
func Launch(ctx context.Context, s *DebugSession, appPath, command, extraArgs string) (LaunchOutcome, error) {
	args, err := LaunchArgs(command, extraArgs)
	if err != nil {
		return LaunchOutcome{}, err
	}

	info := &common.LaunchInfo{
		Program:  appPath,
		Args:     args,
		Env:      append([]string(nil), LaunchEnv...),
		Listener: s.Listener,
	}
	s.Log.V(1).Info("Launching debuggee", "app", appPath, "args", args)

	err = s.Engine.Launch(ctx, info)
	if common.IsDeviceLocked(err) {
		fmt.Fprint(s.Console(), DeviceLockedMessage)
		s.Log.Info("Device is locked, not monitoring", "error", err.Error())
		return LaunchOutcome{Locked: true, Err: err}, nil
	}
	if err != nil {
		fmt.Fprintln(s.Console(), err.Error())
		s.Log.Error(err, "Launch reported an error, monitoring goes on")
		return LaunchOutcome{Err: err}, nil
	}
	return LaunchOutcome{}, nil
}
