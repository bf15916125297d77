package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/xhd2015/dbgwatch/debug/common"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	// DefaultWaitTimeout bounds each listener wait of the connect handshake and the monitor loop
	DefaultWaitTimeout = time.Second
)

// ErrConnectTimeout is returned when the target does not reach the connected state in time
var ErrConnectTimeout = errors.New("timed out waiting for the debug target to connect")

// ConnectError is a failure to bring the session to the connected state
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// DebugSession ties together the one listener and the one engine of a run
type DebugSession struct {
	Engine   common.Engine
	Listener *common.Listener
	Log      logr.Logger

	console *lockedWriter
}

// lockedWriter serialises console writes coming from concurrent tasks
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// NewSession wraps an engine and a listener that is already subscribed to it
func NewSession(engine common.Engine, l *common.Listener, console io.Writer, log logr.Logger) *DebugSession {
	return &DebugSession{
		Engine:   engine,
		Listener: l,
		Log:      log,
		console:  &lockedWriter{w: console},
	}
}

// Console is where markers, backtraces and user-facing messages go
func (s *DebugSession) Console() io.Writer {
	return s.console
}

// Close releases the listener and the engine connection
func (s *DebugSession) Close() error {
	s.Listener.Close()
	return s.Engine.Close()
}

// ConnectOptions tune the connect handshake
type ConnectOptions struct {
	// Timeout bounds the whole handshake, DefaultConnectTimeout when zero
	Timeout time.Duration
	// WaitTimeout bounds each listener wait, DefaultWaitTimeout when zero
	WaitTimeout time.Duration
	Console     io.Writer
}

// Connect subscribes a fresh listener to every process event class, then connects the engine to url
// and waits for the connected state. Events seen while waiting, other than the connected event itself,
// are put back on the listener so later consumers still observe them.
func Connect(ctx context.Context, engine common.Engine, url string, log logr.Logger, opts ConnectOptions) (*DebugSession, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultConnectTimeout
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.Console == nil {
		opts.Console = io.Discard
	}

	l := common.NewListener(context.Background(), "dbgwatch")
	engine.Subscribe(l, common.EventAll)

	connectCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	fail := func(err error) (*DebugSession, error) {
		engine.Unsubscribe(l, common.EventAll)
		l.Close()
		if connectCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, opts.Timeout, err)
		}
		return nil, &ConnectError{URL: url, Err: err}
	}

	log.V(1).Info("Connecting to debug target", "url", url)
	if err := engine.ConnectRemote(connectCtx, l, url); err != nil {
		return fail(err)
	}

	var replay []common.Event
	state := common.StateInvalid
	for state != common.StateConnected {
		if err := connectCtx.Err(); err != nil {
			return fail(err)
		}
		ev, ok := l.WaitForEvent(opts.WaitTimeout)
		if !ok {
			state = common.StateInvalid
			continue
		}
		if ev.Kind&common.EventStateChanged != 0 {
			state = ev.State
			if state == common.StateConnected && ev.Kind == common.EventStateChanged {
				continue
			}
		}
		replay = append(replay, ev)
	}

	for _, ev := range replay {
		l.AddEvent(ev)
	}
	log.V(1).Info("Connected to debug target", "url", url, "replayed", len(replay))
	return NewSession(engine, l, opts.Console, log), nil
}
