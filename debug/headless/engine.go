package headless

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/xhd2015/dbgwatch/debug/common"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	backtraceDepth      = 50
)

var _ common.Engine = (*Engine)(nil)

// delve reports a finished target through State errors like "Process 42 has exited with status 3"
var exitedPattern = regexp.MustCompile(`has exited with status (-?\d+)`)

// Engine drives one debuggee through a Delve headless server (--headless --api-version=2).
// Delve has no event stream, so a poller turns State snapshots into state-changed events.
type Engine struct {
	common.Broadcaster

	// PollInterval is how often the poller asks for the target state
	PollInterval time.Duration

	log    logr.Logger
	ctx    context.Context
	cancel context.CancelFunc

	client *Client

	mu         sync.Mutex
	state      common.ProcessState
	exitStatus int
	pid        int
	// set when the target was told to continue and no running snapshot was seen yet;
	// halted snapshots taken in that window predate the continue and are ignored
	awaitingRun bool
	// counts continues; a halted reply to an older continue is stale
	runGen uint64

	pollOnce        sync.Once
	defaultListener *common.Listener
}

// NewEngine creates a headless delve engine
func NewEngine(log logr.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		PollInterval: defaultPollInterval,
		log:          log.WithName("headless"),
		ctx:          ctx,
		cancel:       cancel,
	}
	e.defaultListener = common.NewListener(ctx, "headless-default")
	e.Subscribe(e.defaultListener, common.EventAll)
	go func() {
		for ctx.Err() == nil {
			if ev, ok := e.defaultListener.WaitForEvent(time.Second); ok {
				e.log.V(2).Info("Default listener event", "event", ev.String())
			}
		}
	}()
	return e
}

func (e *Engine) DefaultListener() *common.Listener {
	return e.defaultListener
}

func (e *Engine) getClient() (*Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, common.ErrNotConnected
	}
	return e.client, nil
}

// ConnectRemote connects to the delve server and checks it answers State
func (e *Engine) ConnectRemote(ctx context.Context, l *common.Listener, url string) error {
	if l != nil && e.Subscribed(l)&common.EventStateChanged == 0 {
		e.Subscribe(l, common.EventStateChanged)
	}

	client := NewClient(e.log)
	if err := client.Connect(ctx, url); err != nil {
		return fmt.Errorf("failed to connect to remote debugger: %w", err)
	}
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()

	out, err := sendRequest[rpc2.StateOut](ctx, client, RPCState, rpc2.StateIn{NonBlocking: true})
	if err != nil && exitedPattern.FindStringSubmatch(err.Error()) == nil {
		return fmt.Errorf("failed to get debugger state: %w", err)
	}

	e.setState(common.StateConnected)
	if err != nil {
		e.handleStateError(err)
	} else {
		e.adoptState(out.State)
	}
	e.pollOnce.Do(func() { go e.poll() })
	return nil
}

// adoptState takes over a target found running or exited at connect time, so a session that
// only inspects it (safequit) sees its real state. A halted target is a server waiting for
// its first continue and stays Connected.
func (e *Engine) adoptState(st *api.DebuggerState) {
	if st == nil {
		return
	}
	e.mu.Lock()
	e.pid = st.Pid
	if st.Exited {
		e.exitStatus = st.ExitStatus
	}
	e.mu.Unlock()

	switch {
	case st.Exited:
		e.setState(common.StateExited)
	case st.Running:
		e.setState(common.StateRunning)
	}
}

// Launch restarts the target with the new arguments and lets it run
func (e *Engine) Launch(ctx context.Context, info *common.LaunchInfo) error {
	client, err := e.getClient()
	if err != nil {
		return err
	}
	if info.Listener != nil && e.Subscribed(info.Listener) == 0 {
		e.Subscribe(info.Listener, common.EventAll)
	}
	if len(info.Env) > 0 {
		e.log.Info("Delve headless servers do not accept environment overrides, ignoring them", "env", info.Env)
	}

	e.setState(common.StateLaunching)
	_, err = sendRequest[rpc2.RestartOut](ctx, client, RPCRestart, rpc2.RestartIn{
		ResetArgs: true,
		NewArgs:   info.Args,
	})
	if err != nil {
		if common.IsDeviceLocked(err) {
			e.setState(common.StateConnected)
			return fmt.Errorf("%w: %s", common.ErrDeviceLocked, err.Error())
		}
		e.setState(common.StateDetached)
		return fmt.Errorf("failed to launch %s: %w", info.Program, err)
	}

	e.continueAsync()
	return nil
}

// continueAsync sends continue without waiting for the target to stop again.
// The reply arrives when the target halts or exits and is applied as a state snapshot.
func (e *Engine) continueAsync() {
	client, err := e.getClient()
	if err != nil {
		return
	}
	e.mu.Lock()
	e.awaitingRun = true
	e.runGen++
	gen := e.runGen
	e.mu.Unlock()
	e.setState(common.StateRunning)

	go func() {
		out, err := sendRequest[rpc2.CommandOut](e.ctx, client, RPCCommand, api.DebuggerCommand{Name: api.Continue})
		if err != nil {
			e.handleStateError(err)
			return
		}
		e.mu.Lock()
		stale := gen != e.runGen
		e.mu.Unlock()
		if stale && !out.State.Exited {
			return
		}
		e.applyState(&out.State, true)
	}()
}

func (e *Engine) poll() {
	_ = wait.PollUntilContextCancel(e.ctx, e.PollInterval, false, func(ctx context.Context) (bool, error) {
		client, err := e.getClient()
		if err != nil {
			return false, nil
		}
		if client.IsClosed() {
			e.endSession()
			return true, nil
		}
		out, err := sendRequest[rpc2.StateOut](ctx, client, RPCState, rpc2.StateIn{NonBlocking: true})
		if err != nil {
			e.handleStateError(err)
		} else {
			e.applyState(out.State, false)
		}
		s := e.State()
		return s == common.StateExited || s == common.StateDetached, nil
	})
}

func (e *Engine) handleStateError(err error) {
	if m := exitedPattern.FindStringSubmatch(err.Error()); m != nil {
		status, _ := strconv.Atoi(m[1])
		e.mu.Lock()
		e.exitStatus = status
		e.mu.Unlock()
		e.setState(common.StateExited)
		return
	}
	if errors.Is(err, common.ErrClientClosed) {
		e.endSession()
		return
	}
	if e.ctx.Err() == nil {
		e.log.Error(err, "Failed to get debugger state")
	}
}

// applyState maps a delve snapshot onto the process state.
// authoritative snapshots come from the reply of a continue or halt command.
func (e *Engine) applyState(st *api.DebuggerState, authoritative bool) {
	if st == nil {
		return
	}
	e.mu.Lock()
	if st.Pid != 0 {
		e.pid = st.Pid
	}
	current := e.state
	if current == common.StateExited || current == common.StateDetached {
		e.mu.Unlock()
		return
	}
	switch {
	case st.Exited:
		e.exitStatus = st.ExitStatus
	case st.Running:
		e.awaitingRun = false
	}
	ignoreHalt := e.awaitingRun && !authoritative
	if authoritative {
		e.awaitingRun = false
	}
	e.mu.Unlock()

	switch {
	case st.Exited:
		e.setState(common.StateExited)
	case st.Running:
		if current.Launched() {
			e.setState(common.StateRunning)
		}
	default:
		// halted before launch is the server waiting for us, not a stop
		if ignoreHalt || !current.Launched() {
			return
		}
		if crashed(st) {
			e.setState(common.StateCrashed)
		} else {
			e.setState(common.StateStopped)
		}
	}
}

func crashed(st *api.DebuggerState) bool {
	if st.CurrentThread == nil || st.CurrentThread.Breakpoint == nil {
		return false
	}
	switch st.CurrentThread.Breakpoint.Name {
	case unrecoveredPanicBreakpoint, fatalThrowBreakpoint:
		return true
	}
	return false
}

func (e *Engine) endSession() {
	s := e.State()
	if s == common.StateExited || s == common.StateDetached {
		return
	}
	if !s.Launched() && s != common.StateLaunching {
		return
	}
	e.setState(common.StateDetached)
}

func (e *Engine) setState(s common.ProcessState) {
	e.mu.Lock()
	if e.state == s {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = s
	e.mu.Unlock()

	e.log.V(1).Info("Process state changed", "from", prev.String(), "to", s.String())
	e.Broadcast(common.Event{Kind: common.EventStateChanged, State: s})
}

func (e *Engine) State() common.ProcessState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) ExitStatus() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitStatus
}

func (e *Engine) PID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid
}

// ReadOutput always returns nil: delve leaves the target's stdio with the server process
func (e *Engine) ReadOutput(common.Stream, int) []byte {
	return nil
}

// Interrupt halts the target
func (e *Engine) Interrupt(ctx context.Context) error {
	client, err := e.getClient()
	if err != nil {
		return err
	}
	out, err := sendRequest[rpc2.CommandOut](ctx, client, RPCCommand, api.DebuggerCommand{Name: api.Halt})
	if err != nil {
		return fmt.Errorf("failed to halt: %w", err)
	}
	e.applyState(&out.State, true)
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	return e.Interrupt(ctx)
}

// Resume continues a halted target
func (e *Engine) Resume(ctx context.Context) error {
	if _, err := e.getClient(); err != nil {
		return err
	}
	e.continueAsync()
	return nil
}

// Detach leaves the target running and closes the connection
func (e *Engine) Detach(ctx context.Context) error {
	client, err := e.getClient()
	if err != nil {
		return err
	}
	if _, err := sendRequest[rpc2.DetachOut](ctx, client, RPCDetach, rpc2.DetachIn{Kill: false}); err != nil {
		return fmt.Errorf("failed to detach: %w", err)
	}
	e.setState(common.StateDetached)
	return client.Close()
}

// Backtrace renders the selected goroutine, or every goroutine when all is set
func (e *Engine) Backtrace(ctx context.Context, all bool) (string, error) {
	client, err := e.getClient()
	if err != nil {
		return "", err
	}

	// -1 selects the current goroutine
	ids := []int64{-1}
	if all {
		out, err := sendRequest[rpc2.ListGoroutinesOut](ctx, client, RPCListGoroutines, rpc2.ListGoroutinesIn{})
		if err != nil {
			return "", fmt.Errorf("failed to list goroutines: %w", err)
		}
		ids = ids[:0]
		for _, g := range out.Goroutines {
			if g != nil {
				ids = append(ids, g.ID)
			}
		}
	}

	var sb strings.Builder
	for _, id := range ids {
		out, err := sendRequest[rpc2.StacktraceOut](ctx, client, RPCStacktrace, rpc2.StacktraceIn{Id: id, Depth: backtraceDepth})
		if err != nil {
			return sb.String(), fmt.Errorf("failed to get stacktrace of goroutine %d: %w", id, err)
		}
		if id == -1 {
			sb.WriteString("* current goroutine\n")
		} else {
			fmt.Fprintf(&sb, "* goroutine #%d\n", id)
		}
		for i, f := range out.Locations {
			name := "???"
			if f.Function != nil {
				name = f.Function.Name()
			}
			fmt.Fprintf(&sb, "    frame #%d: %s at %s:%d\n", i, name, f.File, f.Line)
		}
	}
	return sb.String(), nil
}

func (e *Engine) Close() error {
	e.cancel()
	e.defaultListener.Close()
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client != nil {
		return client.Close()
	}
	return nil
}
