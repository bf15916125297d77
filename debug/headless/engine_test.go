package headless

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"testing"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/dbgwatch/debug/common"
)

// fakeDelve answers the subset of RPCServer the engine uses, over delve's jsonrpc codec
type fakeDelve struct {
	mu         sync.Mutex
	state      api.DebuggerState
	stateErr   string
	restartErr string
	restarts   [][]string
	detached   bool

	stops chan api.DebuggerState
	done  chan struct{}
}

func (f *fakeDelve) State(in rpc2.StateIn, out *rpc2.StateOut) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != "" {
		return errors.New(f.stateErr)
	}
	st := f.state
	out.State = &st
	return nil
}

func (f *fakeDelve) Restart(in rpc2.RestartIn, out *rpc2.RestartOut) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restartErr != "" {
		return errors.New(f.restartErr)
	}
	f.restarts = append(f.restarts, in.NewArgs)
	return nil
}

func (f *fakeDelve) Command(cmd api.DebuggerCommand, out *rpc2.CommandOut) error {
	switch cmd.Name {
	case api.Continue:
		f.mu.Lock()
		f.state.Running = true
		f.mu.Unlock()
		select {
		case st := <-f.stops:
			f.mu.Lock()
			f.state = st
			f.mu.Unlock()
			out.State = st
		case <-f.done:
			return errors.New("server shutting down")
		}
	case api.Halt:
		f.mu.Lock()
		f.state.Running = false
		st := f.state
		f.mu.Unlock()
		select {
		case f.stops <- st:
		default:
		}
		out.State = st
	default:
		return errors.New("unsupported command " + cmd.Name)
	}
	return nil
}

func (f *fakeDelve) Detach(in rpc2.DetachIn, out *rpc2.DetachOut) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = true
	return nil
}

func (f *fakeDelve) ListGoroutines(in rpc2.ListGoroutinesIn, out *rpc2.ListGoroutinesOut) error {
	out.Goroutines = []*api.Goroutine{{ID: 1}, {ID: 7}}
	return nil
}

func (f *fakeDelve) Stacktrace(in rpc2.StacktraceIn, out *rpc2.StacktraceOut) error {
	out.Locations = []api.Stackframe{
		{Location: api.Location{File: "/src/main.go", Line: 10, Function: &api.Function{Name_: "main.main"}}},
	}
	return nil
}

func (f *fakeDelve) finish(st api.DebuggerState) {
	f.stops <- st
}

func (f *fakeDelve) setStateErr(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateErr = msg
}

func startFakeDelve(t *testing.T, f *fakeDelve) string {
	t.Helper()
	f.stops = make(chan api.DebuggerState)
	f.done = make(chan struct{})
	f.state.Pid = 42

	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("RPCServer", f))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			go srv.ServeCodec(jsonrpc.NewServerCodec(c))
		}
	}()
	t.Cleanup(func() {
		close(f.done)
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func waitForState(t *testing.T, l *common.Listener, want common.ProcessState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, ok := l.WaitForEvent(time.Second)
		if ok && ev.Kind&common.EventStateChanged != 0 && ev.State == want {
			return
		}
	}
	t.Fatalf("state %s not observed", want)
}

func newLaunchedEngine(t *testing.T, addr string) (*Engine, *common.Listener) {
	t.Helper()
	e := NewEngine(logr.Discard())
	e.PollInterval = 20 * time.Millisecond
	t.Cleanup(func() { e.Close() })

	l := common.NewListener(context.Background(), "test")
	t.Cleanup(l.Close)
	e.Subscribe(l, common.EventAll)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.ConnectRemote(ctx, l, "connect://"+addr))
	waitForState(t, l, common.StateConnected)
	require.NoError(t, e.Launch(ctx, &common.LaunchInfo{Program: "/bin/app", Args: []string{"-x", "1"}, Listener: l}))
	waitForState(t, l, common.StateRunning)
	return e, l
}

func TestEngineRunsToExit(t *testing.T) {
	f := &fakeDelve{}
	addr := startFakeDelve(t, f)
	e, l := newLaunchedEngine(t, addr)

	f.finish(api.DebuggerState{Pid: 42, Exited: true, ExitStatus: 3})
	waitForState(t, l, common.StateExited)

	assert.Equal(t, 3, e.ExitStatus())
	assert.Equal(t, 42, e.PID())
	f.mu.Lock()
	assert.Equal(t, [][]string{{"-x", "1"}}, f.restarts)
	f.mu.Unlock()
	assert.Nil(t, e.ReadOutput(common.Stdout, 1024))
}

func TestEngineExitReportedByStateError(t *testing.T) {
	f := &fakeDelve{}
	addr := startFakeDelve(t, f)
	e, l := newLaunchedEngine(t, addr)

	f.setStateErr("Process 42 has exited with status 5")
	waitForState(t, l, common.StateExited)
	assert.Equal(t, 5, e.ExitStatus())
}

func TestEnginePanicIsCrashed(t *testing.T) {
	f := &fakeDelve{}
	addr := startFakeDelve(t, f)
	e, l := newLaunchedEngine(t, addr)

	f.finish(api.DebuggerState{
		Pid:           42,
		CurrentThread: &api.Thread{ID: 1, Breakpoint: &api.Breakpoint{Name: unrecoveredPanicBreakpoint}},
	})
	waitForState(t, l, common.StateCrashed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bt, err := e.Backtrace(ctx, true)
	require.NoError(t, err)
	assert.Contains(t, bt, "* goroutine #1\n")
	assert.Contains(t, bt, "* goroutine #7\n")
	assert.Contains(t, bt, "frame #0: main.main at /src/main.go:10")

	bt, err = e.Backtrace(ctx, false)
	require.NoError(t, err)
	assert.Contains(t, bt, "* current goroutine\n")
}

func TestEngineHaltResumeDetach(t *testing.T) {
	f := &fakeDelve{}
	addr := startFakeDelve(t, f)
	e, l := newLaunchedEngine(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// let the continue reach the server before halting
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.state.Running
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Interrupt(ctx))
	waitForState(t, l, common.StateStopped)

	require.NoError(t, e.Resume(ctx))
	assert.Equal(t, common.StateRunning, e.State())

	require.NoError(t, e.Detach(ctx))
	assert.Equal(t, common.StateDetached, e.State())
	f.mu.Lock()
	assert.True(t, f.detached)
	f.mu.Unlock()
}

func TestEngineRestartLocked(t *testing.T) {
	f := &fakeDelve{restartErr: "could not launch process: Locked"}
	addr := startFakeDelve(t, f)

	e := NewEngine(logr.Discard())
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.ConnectRemote(ctx, nil, addr))

	err := e.Launch(ctx, &common.LaunchInfo{Program: "/bin/app"})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrDeviceLocked)
	assert.Equal(t, common.StateConnected, e.State())
}

func TestServerAddress(t *testing.T) {
	for in, want := range map[string]string{
		"connect://127.0.0.1:2345": "127.0.0.1:2345",
		"tcp://localhost:1":        "localhost:1",
		"localhost:40000":          "localhost:40000",
	} {
		got, err := serverAddress(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"http://x:1", "nohost", "connect://onlyhost"} {
		_, err := serverAddress(in)
		assert.Error(t, err, in)
	}
}

func connectEngine(t *testing.T, addr string) (*Engine, *common.Listener) {
	t.Helper()
	e := NewEngine(logr.Discard())
	e.PollInterval = 20 * time.Millisecond
	t.Cleanup(func() { e.Close() })

	l := common.NewListener(context.Background(), "test")
	t.Cleanup(l.Close)
	e.Subscribe(l, common.EventAll)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.ConnectRemote(ctx, l, "connect://"+addr))
	waitForState(t, l, common.StateConnected)
	return e, l
}

func TestConnectAdoptsRunningTarget(t *testing.T) {
	f := &fakeDelve{state: api.DebuggerState{Running: true}}
	addr := startFakeDelve(t, f)
	e, l := connectEngine(t, addr)

	waitForState(t, l, common.StateRunning)
	assert.Equal(t, 42, e.PID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Detach(ctx))
	f.mu.Lock()
	assert.True(t, f.detached)
	f.mu.Unlock()
}

func TestConnectAdoptsExitedTarget(t *testing.T) {
	f := &fakeDelve{stateErr: "Process 42 has exited with status 6"}
	addr := startFakeDelve(t, f)
	e, l := connectEngine(t, addr)

	waitForState(t, l, common.StateExited)
	assert.Equal(t, 6, e.ExitStatus())
}

func TestConnectLeavesHaltedTargetConnected(t *testing.T) {
	f := &fakeDelve{}
	addr := startFakeDelve(t, f)
	e, _ := connectEngine(t, addr)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, common.StateConnected, e.State())
}
