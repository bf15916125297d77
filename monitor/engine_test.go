package monitor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/xhd2015/dbgwatch/debug/common"
)

// scriptedEngine is an in-memory engine whose state and output are driven by the test
type scriptedEngine struct {
	common.Broadcaster

	mu         sync.Mutex
	state      common.ProcessState
	exitStatus int
	pid        int
	stdout     bytes.Buffer
	stderr     bytes.Buffer

	launchErr  error
	launchInfo *common.LaunchInfo

	interrupts int
	resumes    int
	stops      int
	detaches   int
	backtraces []bool

	// hooks run after the matching call changed the state
	onInterrupt func()
	onResume    func()
	onStop      func()
	// detachHangs makes Detach wait for its context, like an adapter that never answers disconnect
	detachHangs bool

	def *common.Listener
}

func newScriptedEngine() *scriptedEngine {
	e := &scriptedEngine{def: common.NewListener(context.Background(), "default")}
	e.Subscribe(e.def, common.EventAll)
	return e
}

func (e *scriptedEngine) setState(s common.ProcessState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.Broadcast(common.Event{Kind: common.EventStateChanged, State: s})
}

// setStateQuietly changes the state without broadcasting, like an engine that lost the event
func (e *scriptedEngine) setStateQuietly(s common.ProcessState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// clearPID forgets the pid, like an engine that never saw the process event
func (e *scriptedEngine) clearPID() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pid = 0
}

func (e *scriptedEngine) exit(code int) {
	e.mu.Lock()
	e.exitStatus = code
	e.mu.Unlock()
	e.setState(common.StateExited)
}

// emit buffers output and announces it unless silent
func (e *scriptedEngine) emit(stream common.Stream, text string, silent bool) {
	e.mu.Lock()
	kind := common.EventStdout
	if stream == common.Stderr {
		e.stderr.WriteString(text)
		kind = common.EventStderr
	} else {
		e.stdout.WriteString(text)
	}
	state := e.state
	e.mu.Unlock()
	if !silent {
		e.Broadcast(common.Event{Kind: kind, State: state})
	}
}

func (e *scriptedEngine) ConnectRemote(ctx context.Context, l *common.Listener, url string) error {
	e.setState(common.StateConnected)
	return nil
}

func (e *scriptedEngine) Launch(ctx context.Context, info *common.LaunchInfo) error {
	e.mu.Lock()
	e.launchInfo = info
	err := e.launchErr
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pid = 99
	e.mu.Unlock()
	e.setState(common.StateLaunching)
	e.setState(common.StateRunning)
	return nil
}

func (e *scriptedEngine) State() common.ProcessState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *scriptedEngine) ExitStatus() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitStatus
}

func (e *scriptedEngine) PID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid
}

func (e *scriptedEngine) ReadOutput(s common.Stream, max int) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := &e.stdout
	if s == common.Stderr {
		buf = &e.stderr
	}
	if buf.Len() == 0 {
		return nil
	}
	return append([]byte(nil), buf.Next(max)...)
}

func (e *scriptedEngine) Interrupt(ctx context.Context) error {
	e.mu.Lock()
	e.interrupts++
	hook := e.onInterrupt
	e.mu.Unlock()
	e.setState(common.StateStopped)
	if hook != nil {
		hook()
	}
	return nil
}

func (e *scriptedEngine) Resume(ctx context.Context) error {
	e.mu.Lock()
	e.resumes++
	hook := e.onResume
	e.mu.Unlock()
	e.setState(common.StateRunning)
	if hook != nil {
		hook()
	}
	return nil
}

func (e *scriptedEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stops++
	hook := e.onStop
	e.mu.Unlock()
	e.setState(common.StateStopped)
	if hook != nil {
		hook()
	}
	return nil
}

func (e *scriptedEngine) Detach(ctx context.Context) error {
	e.mu.Lock()
	e.detaches++
	hang := e.detachHangs
	e.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	e.setState(common.StateDetached)
	return nil
}

func (e *scriptedEngine) Backtrace(ctx context.Context, all bool) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backtraces = append(e.backtraces, all)
	if all {
		return "* thread #1\n* thread #2\n", nil
	}
	return "* thread #1\n", nil
}

func (e *scriptedEngine) DefaultListener() *common.Listener {
	return e.def
}

func (e *scriptedEngine) Close() error {
	e.def.Close()
	return nil
}

func (e *scriptedEngine) counts() (interrupts, resumes, stops, detaches int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interrupts, e.resumes, e.stops, e.detaches
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of legacy mode
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// closeCounter counts Close calls
type closeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *closeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type harness struct {
	engine   *scriptedEngine
	session  *DebugSession
	console  *syncBuffer
	out      *syncBuffer
	errOut   *syncBuffer
	outClose *closeCounter
	errClose *closeCounter
	sinks    Sinks
}

// newHarness returns a connected and launched session over a scripted engine
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		engine:   newScriptedEngine(),
		console:  &syncBuffer{},
		out:      &syncBuffer{},
		errOut:   &syncBuffer{},
		outClose: &closeCounter{},
		errClose: &closeCounter{},
	}
	t.Cleanup(func() { h.engine.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Connect(ctx, h.engine, "connect://device:1", logr.Discard(), ConnectOptions{Console: h.console, WaitTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Listener.Close)
	h.session = s

	outcome, err := Launch(ctx, s, "/private/var/app/Demo.app", "", "")
	if err != nil || outcome.Locked {
		t.Fatalf("launch: %v %+v", err, outcome)
	}
	h.sinks = Sinks{
		Out: NewSink("stdout", h.out, h.outClose, logr.Discard()),
		Err: NewSink("stderr", h.errOut, h.errClose, logr.Discard()),
	}
	return h
}

func (h *harness) markers() []string {
	var found []string
	for _, line := range strings.Split(h.console.String(), "\n") {
		if strings.HasPrefix(line, "PROCESS_") || line == MarkerBacktraceTimeout {
			found = append(found, line)
		}
	}
	return found
}

// steppingClock advances by step on every reading
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *steppingClock) peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
