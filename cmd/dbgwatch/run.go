package main

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/xhd2015/dbgwatch/config"
	"github.com/xhd2015/dbgwatch/debug"
	"github.com/xhd2015/dbgwatch/monitor"
)

type mode int

const (
	modeAutoexit mode = iota
	modeWaitfor
	modeSafequit
)

func (m mode) String() string {
	switch m {
	case modeAutoexit:
		return "autoexit"
	case modeWaitfor:
		return "waitfor"
	default:
		return "safequit"
	}
}

// run drives one session from connect to its outcome. An error means no outcome was reached.
func run(ctx context.Context, m mode, cfg config.Config, console io.Writer, log logr.Logger) (monitor.ExitOutcome, error) {
	engine, err := debug.NewEngine(cfg.Engine, log.WithName(cfg.Engine))
	if err != nil {
		return monitor.ExitOutcome{}, err
	}
	s, err := monitor.Connect(ctx, engine, cfg.ConnectURL, log, monitor.ConnectOptions{
		Timeout: cfg.ConnectTimeoutDuration(),
		Console: console,
	})
	if err != nil {
		engine.Close()
		return monitor.ExitOutcome{}, err
	}
	defer s.Close()

	if m == modeSafequit {
		return monitor.SafeQuit(ctx, s, monitor.Sinks{}), nil
	}

	// legacy mode appends to the output file, event mode starts it over
	sinks, err := openSinks(cfg, s.Console(), m == modeWaitfor, log)
	if err != nil {
		return monitor.ExitOutcome{}, err
	}

	launched, err := monitor.Launch(ctx, s, cfg.DeviceApp, cfg.Command, cfg.Args)
	if err != nil {
		sinks.Close()
		return monitor.ExitOutcome{}, err
	}
	if outcome, done := launched.ExitOutcome(); done {
		sinks.Close()
		return outcome, nil
	}

	mon := monitor.New(s, sinks, monitor.Options{
		AppCrashExitCode: cfg.ExitCodeAppCrash,
		DeadlockTimeout:  cfg.DeadlockTimeout(),
		TTL:              cfg.TTL(),
	})
	if m == modeWaitfor {
		return mon.RunLegacy(ctx), nil
	}
	return mon.Run(ctx), nil
}

// openSinks opens the configured files. Without a path a stream goes to the console, through
// the same writer as the markers so their order is kept.
func openSinks(cfg config.Config, console io.Writer, appendMode bool, log logr.Logger) (monitor.Sinks, error) {
	open := func(name, path string) (*monitor.Sink, error) {
		if path == "" {
			return monitor.NewSink(name, console, nil, log), nil
		}
		return monitor.OpenFileSink(name, path, appendMode, log)
	}
	out, err := open("stdout", cfg.OutputPath)
	if err != nil {
		return monitor.Sinks{}, err
	}
	errSink, err := open("stderr", cfg.ErrorPath)
	if err != nil {
		out.Close()
		return monitor.Sinks{}, fmt.Errorf("failed to set up stderr: %w", err)
	}
	return monitor.Sinks{Out: out, Err: errSink}, nil
}
