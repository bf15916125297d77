package dap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/xhd2015/dbgwatch/debug/common"
)

const (
	// how long Launch waits for the adapter's initialized event before sending configurationDone anyway
	initializedWait = 5 * time.Second
	backtraceLevels = 50
)

var _ common.Engine = (*Engine)(nil)

// Engine drives one debuggee through a Debug Adapter Protocol server
type Engine struct {
	common.Broadcaster

	log    logr.Logger
	ctx    context.Context
	cancel context.CancelFunc

	client *Client

	mu         sync.Mutex
	state      common.ProcessState
	exitStatus int
	pid        int
	threadID   int
	stdout     bytes.Buffer
	stderr     bytes.Buffer

	initializedOnce sync.Once
	initialized     chan struct{}

	defaultListener *common.Listener
}

// NewEngine creates a DAP engine. The engine's default listener is subscribed to every event class
// and drained in the background until Close.
func NewEngine(log logr.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:         log.WithName("dap"),
		ctx:         ctx,
		cancel:      cancel,
		initialized: make(chan struct{}),
	}
	e.defaultListener = common.NewListener(ctx, "dap-default")
	e.Subscribe(e.defaultListener, common.EventAll)
	go e.consumeDefault()
	return e
}

func (e *Engine) consumeDefault() {
	for e.ctx.Err() == nil {
		ev, ok := e.defaultListener.WaitForEvent(time.Second)
		if ok {
			e.log.V(2).Info("Default listener event", "event", ev.String())
		}
	}
}

// DefaultListener returns the engine's own listener
func (e *Engine) DefaultListener() *common.Listener {
	return e.defaultListener
}

// ConnectRemote dials the adapter and performs the initialize handshake.
// StateConnected is broadcast once the adapter accepted the initialize request.
func (e *Engine) ConnectRemote(ctx context.Context, l *common.Listener, url string) error {
	if l != nil && e.Subscribed(l)&common.EventStateChanged == 0 {
		e.Subscribe(l, common.EventStateChanged)
	}

	client := NewClient(e.log, e.handleEvent, e.handleClose)
	if err := client.Connect(ctx, url); err != nil {
		return err
	}
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()

	req := &dap.InitializeRequest{
		Request: client.newRequest("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:        "dbgwatch",
			ClientName:      "dbgwatch",
			AdapterID:       "dbgwatch",
			Locale:          "en-US",
			LinesStartAt1:   true,
			ColumnsStartAt1: true,
			PathFormat:      "path",
		},
	}
	if _, err := client.send(ctx, req); err != nil {
		return fmt.Errorf("failed to initialize debug adapter: %w", err)
	}

	e.setState(common.StateConnected)
	return nil
}

func (e *Engine) getClient() (*Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, common.ErrNotConnected
	}
	return e.client, nil
}

// Launch sends launch followed by configurationDone
func (e *Engine) Launch(ctx context.Context, info *common.LaunchInfo) error {
	client, err := e.getClient()
	if err != nil {
		return err
	}
	if info.Listener != nil && e.Subscribed(info.Listener) == 0 {
		e.Subscribe(info.Listener, common.EventAll)
	}

	env := make(map[string]string, len(info.Env))
	for _, kv := range info.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	args := map[string]interface{}{
		"request":     "launch",
		"mode":        "exec",
		"program":     info.Program,
		"args":        info.Args,
		"env":         env,
		"stopOnEntry": false,
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal launch arguments: %w", err)
	}

	e.setState(common.StateLaunching)
	_, err = client.send(ctx, &dap.LaunchRequest{
		Request:   client.newRequest("launch"),
		Arguments: argsJSON,
	})
	if err != nil {
		var respErr *ResponseError
		if errors.As(err, &respErr) && common.IsDeviceLocked(respErr) {
			e.setState(common.StateConnected)
			return fmt.Errorf("%w: %s", common.ErrDeviceLocked, respErr.Message)
		}
		// nothing will ever run, so the session is over
		e.setState(common.StateDetached)
		return fmt.Errorf("failed to launch %s: %w", info.Program, err)
	}

	select {
	case <-e.initialized:
	case <-time.After(initializedWait):
		e.log.V(1).Info("No initialized event from adapter, sending configurationDone anyway")
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := client.send(ctx, &dap.ConfigurationDoneRequest{Request: client.newRequest("configurationDone")}); err != nil {
		e.setState(common.StateDetached)
		return fmt.Errorf("failed to finish configuration: %w", err)
	}

	e.mu.Lock()
	launching := e.state == common.StateLaunching
	e.mu.Unlock()
	if launching {
		e.setState(common.StateRunning)
	}
	return nil
}

func (e *Engine) handleEvent(msg dap.Message) {
	switch ev := msg.(type) {
	case *dap.InitializedEvent:
		e.initializedOnce.Do(func() { close(e.initialized) })
	case *dap.ProcessEvent:
		e.mu.Lock()
		e.pid = ev.Body.SystemProcessId
		launching := e.state == common.StateLaunching
		e.mu.Unlock()
		if launching {
			e.setState(common.StateRunning)
		}
	case *dap.ContinuedEvent:
		e.setState(common.StateRunning)
	case *dap.StoppedEvent:
		e.mu.Lock()
		if ev.Body.ThreadId != 0 {
			e.threadID = ev.Body.ThreadId
		}
		e.mu.Unlock()
		if ev.Body.Reason == "exception" {
			e.setState(common.StateCrashed)
		} else {
			e.setState(common.StateStopped)
		}
	case *dap.ExitedEvent:
		e.mu.Lock()
		e.exitStatus = ev.Body.ExitCode
		e.mu.Unlock()
		e.setState(common.StateExited)
	case *dap.TerminatedEvent:
		e.endSession()
	case *dap.OutputEvent:
		e.handleOutput(ev)
	default:
		e.log.V(2).Info("Ignoring DAP event", "type", fmt.Sprintf("%T", msg))
	}
}

func (e *Engine) handleOutput(ev *dap.OutputEvent) {
	var kind common.EventKind
	e.mu.Lock()
	switch ev.Body.Category {
	case "stdout":
		e.stdout.WriteString(ev.Body.Output)
		kind = common.EventStdout
	case "stderr":
		e.stderr.WriteString(ev.Body.Output)
		kind = common.EventStderr
	}
	state := e.state
	e.mu.Unlock()

	if kind == 0 {
		e.log.V(1).Info("Adapter output", "category", ev.Body.Category, "output", strings.TrimRight(ev.Body.Output, "\n"))
		return
	}
	e.Broadcast(common.Event{Kind: kind, State: state})
}

func (e *Engine) handleClose(err error) {
	if err != nil {
		e.log.Error(err, "Connection to debug adapter lost")
	}
	e.endSession()
}

// endSession marks the debuggee detached unless it already exited
func (e *Engine) endSession() {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state == common.StateExited || state == common.StateDetached || !state.Launched() && state != common.StateLaunching {
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

// ReadOutput takes up to max buffered bytes of the stream
func (e *Engine) ReadOutput(s common.Stream, max int) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := &e.stdout
	if s == common.Stderr {
		buf = &e.stderr
	}
	if buf.Len() == 0 {
		return nil
	}
	chunk := buf.Next(max)
	out := make([]byte, len(chunk))
	copy(out, chunk)
	return out
}

// currentThread returns the last stopped thread, falling back to the first thread the adapter reports
func (e *Engine) currentThread(ctx context.Context, client *Client) (int, error) {
	e.mu.Lock()
	id := e.threadID
	e.mu.Unlock()
	if id != 0 {
		return id, nil
	}
	threads, err := e.threads(ctx, client)
	if err != nil {
		return 0, err
	}
	if len(threads) == 0 {
		return 0, fmt.Errorf("debug adapter reported no threads")
	}
	return threads[0].Id, nil
}

func (e *Engine) threads(ctx context.Context, client *Client) ([]dap.Thread, error) {
	resp, err := client.send(ctx, &dap.ThreadsRequest{Request: client.newRequest("threads")})
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	threadsResp, ok := resp.(*dap.ThreadsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return threadsResp.Body.Threads, nil
}

// Interrupt pauses the debuggee
func (e *Engine) Interrupt(ctx context.Context) error {
	client, err := e.getClient()
	if err != nil {
		return err
	}
	threadID, err := e.currentThread(ctx, client)
	if err != nil {
		return err
	}
	_, err = client.send(ctx, &dap.PauseRequest{
		Request:   client.newRequest("pause"),
		Arguments: dap.PauseArguments{ThreadId: threadID},
	})
	if err != nil {
		return fmt.Errorf("failed to pause: %w", err)
	}
	return nil
}

// Stop is a pause; the adapter reports the resulting state with a stopped event
func (e *Engine) Stop(ctx context.Context) error {
	return e.Interrupt(ctx)
}

// Resume continues every thread of the debuggee
func (e *Engine) Resume(ctx context.Context) error {
	client, err := e.getClient()
	if err != nil {
		return err
	}
	threadID, err := e.currentThread(ctx, client)
	if err != nil {
		return err
	}
	_, err = client.send(ctx, &dap.ContinueRequest{
		Request:   client.newRequest("continue"),
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	})
	if err != nil {
		return fmt.Errorf("failed to continue: %w", err)
	}
	e.setState(common.StateRunning)
	return nil
}

// Detach disconnects without terminating the debuggee
func (e *Engine) Detach(ctx context.Context) error {
	client, err := e.getClient()
	if err != nil {
		return err
	}
	_, err = client.send(ctx, &dap.DisconnectRequest{
		Request:   client.newRequest("disconnect"),
		Arguments: &dap.DisconnectArguments{TerminateDebuggee: false},
	})
	if err != nil {
		return fmt.Errorf("failed to detach: %w", err)
	}
	e.setState(common.StateDetached)
	return nil
}

// Backtrace renders the stack of the current thread, or of all threads
func (e *Engine) Backtrace(ctx context.Context, all bool) (string, error) {
	client, err := e.getClient()
	if err != nil {
		return "", err
	}
	threads, err := e.threads(ctx, client)
	if err != nil {
		return "", err
	}
	if !all {
		current, err := e.currentThread(ctx, client)
		if err != nil {
			return "", err
		}
		var selected []dap.Thread
		for _, t := range threads {
			if t.Id == current {
				selected = append(selected, t)
			}
		}
		if len(selected) == 0 {
			selected = []dap.Thread{{Id: current}}
		}
		threads = selected
	}

	var sb strings.Builder
	for _, t := range threads {
		resp, err := client.send(ctx, &dap.StackTraceRequest{
			Request:   client.newRequest("stackTrace"),
			Arguments: dap.StackTraceArguments{ThreadId: t.Id, Levels: backtraceLevels},
		})
		if err != nil {
			return sb.String(), fmt.Errorf("failed to get stack trace of thread %d: %w", t.Id, err)
		}
		stackResp, ok := resp.(*dap.StackTraceResponse)
		if !ok {
			return sb.String(), fmt.Errorf("unexpected response type: %T", resp)
		}
		fmt.Fprintf(&sb, "* thread #%d, name = '%s'\n", t.Id, t.Name)
		for i, f := range stackResp.Body.StackFrames {
			fmt.Fprintf(&sb, "    frame #%d: %s", i, f.Name)
			if f.Source != nil && f.Source.Path != "" {
				fmt.Fprintf(&sb, " at %s:%d", f.Source.Path, f.Line)
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String(), nil
}

// Close ends the background consumer and the adapter connection
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
