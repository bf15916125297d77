// Package daptest provides a scripted Debug Adapter Protocol server for tests.
package daptest

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/google/go-dap"
)

// Step is one message the adapter sends after configurationDone, Delay after the previous step
type Step struct {
	Delay   time.Duration
	Message dap.Message
}

// Adapter is a fake debug adapter serving one client connection at a time
type Adapter struct {
	// LaunchError makes the launch request fail with this message
	LaunchError string
	// PID is reported in the process event
	PID int
	// Script runs once configurationDone was answered
	Script []Step
	// Threads and Frames answer threads and stackTrace requests
	Threads []dap.Thread
	Frames  []dap.StackFrame

	ln net.Listener

	mu       sync.Mutex
	commands []string
	conns    []net.Conn
	wg       sync.WaitGroup
}

// Start listens on a random local port and returns the address to connect to
func (a *Adapter) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	a.ln = ln
	a.wg.Add(1)
	go a.accept()
	return ln.Addr().String(), nil
}

// Close stops the listener and drops open connections
func (a *Adapter) Close() {
	if a.ln != nil {
		a.ln.Close()
	}
	a.mu.Lock()
	for _, c := range a.conns {
		c.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// Commands returns the request commands received so far, in order
func (a *Adapter) Commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.commands...)
}

// Count returns how many requests with the command were received
func (a *Adapter) Count(command string) int {
	n := 0
	for _, c := range a.Commands() {
		if c == command {
			n++
		}
	}
	return n
}

func (a *Adapter) accept() {
	defer a.wg.Done()
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return
		}
		a.mu.Lock()
		a.conns = append(a.conns, conn)
		a.mu.Unlock()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.serve(conn)
		}()
	}
}

type session struct {
	conn    net.Conn
	writeMu sync.Mutex
	closed  chan struct{}
}

func (s *session) send(msg dap.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = dap.WriteProtocolMessage(s.conn, msg)
}

func (a *Adapter) serve(conn net.Conn) {
	defer conn.Close()
	s := &session{conn: conn, closed: make(chan struct{})}
	defer close(s.closed)

	reader := bufio.NewReader(conn)
	for {
		msg, err := dap.ReadProtocolMessage(reader)
		if err != nil {
			return
		}
		req, ok := msg.(dap.RequestMessage)
		if !ok {
			continue
		}
		r := req.GetRequest()
		a.mu.Lock()
		a.commands = append(a.commands, r.Command)
		a.mu.Unlock()

		switch msg.(type) {
		case *dap.InitializeRequest:
			s.send(&dap.InitializeResponse{Response: response(r, true), Body: dap.Capabilities{SupportsConfigurationDoneRequest: true}})
		case *dap.LaunchRequest:
			if a.LaunchError != "" {
				resp := response(r, false)
				resp.Message = "launch failed"
				s.send(&dap.ErrorResponse{Response: resp, Body: dap.ErrorResponseBody{Error: &dap.ErrorMessage{Id: 3000, Format: a.LaunchError}}})
				continue
			}
			s.send(&dap.LaunchResponse{Response: response(r, true)})
			s.send(&dap.InitializedEvent{Event: event("initialized")})
		case *dap.ConfigurationDoneRequest:
			s.send(&dap.ConfigurationDoneResponse{Response: response(r, true)})
			s.send(Process(a.PID))
			go a.runScript(s)
		case *dap.PauseRequest:
			s.send(&dap.PauseResponse{Response: response(r, true)})
			s.send(Stopped("pause", a.firstThread()))
		case *dap.ContinueRequest:
			s.send(&dap.ContinueResponse{Response: response(r, true), Body: dap.ContinueResponseBody{AllThreadsContinued: true}})
			s.send(&dap.ContinuedEvent{Event: event("continued"), Body: dap.ContinuedEventBody{ThreadId: a.firstThread(), AllThreadsContinued: true}})
		case *dap.ThreadsRequest:
			s.send(&dap.ThreadsResponse{Response: response(r, true), Body: dap.ThreadsResponseBody{Threads: a.Threads}})
		case *dap.StackTraceRequest:
			s.send(&dap.StackTraceResponse{Response: response(r, true), Body: dap.StackTraceResponseBody{StackFrames: a.Frames, TotalFrames: len(a.Frames)}})
		case *dap.DisconnectRequest:
			s.send(&dap.DisconnectResponse{Response: response(r, true)})
			return
		default:
			resp := response(r, false)
			resp.Message = "unsupported request " + r.Command
			s.send(&dap.ErrorResponse{Response: resp})
		}
	}
}

func (a *Adapter) runScript(s *session) {
	for _, step := range a.Script {
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-s.closed:
				return
			}
		}
		select {
		case <-s.closed:
			return
		default:
		}
		s.send(step.Message)
	}
}

func (a *Adapter) firstThread() int {
	if len(a.Threads) > 0 {
		return a.Threads[0].Id
	}
	return 1
}

func response(r *dap.Request, success bool) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         r.Command,
		RequestSeq:      r.Seq,
		Success:         success,
	}
}

func event(name string) dap.Event {
	return dap.Event{ProtocolMessage: dap.ProtocolMessage{Type: "event"}, Event: name}
}

// Output builds an output event for the category (stdout, stderr, console)
func Output(category, text string) dap.Message {
	return &dap.OutputEvent{Event: event("output"), Body: dap.OutputEventBody{Category: category, Output: text}}
}

// Exited builds an exited event with the exit code
func Exited(code int) dap.Message {
	return &dap.ExitedEvent{Event: event("exited"), Body: dap.ExitedEventBody{ExitCode: code}}
}

// Terminated builds a terminated event
func Terminated() dap.Message {
	return &dap.TerminatedEvent{Event: event("terminated")}
}

// Stopped builds a stopped event for the thread
func Stopped(reason string, threadID int) dap.Message {
	return &dap.StoppedEvent{Event: event("stopped"), Body: dap.StoppedEventBody{Reason: reason, ThreadId: threadID, AllThreadsStopped: true}}
}

// Process builds a process event announcing the debuggee's pid
func Process(pid int) dap.Message {
	return &dap.ProcessEvent{Event: event("process"), Body: dap.ProcessEventBody{Name: "debuggee", SystemProcessId: pid, StartMethod: "launch"}}
}
