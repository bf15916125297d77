package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/xhd2015/dbgwatch/debug/common"
)

// Client represents a DAP client that talks to a debug adapter over TCP.
// One goroutine reads every message; responses are routed to the waiting request by sequence number
// and events are handed to the event callback in arrival order.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	seq     atomic.Int64

	pendingMu sync.Mutex
	pending   map[int]chan dap.Message

	onEvent func(dap.Message)
	onClose func(error)

	closed atomic.Bool
	done   chan struct{}
	log    logr.Logger
}

// NewClient creates a new DAP client. onEvent is called from the read goroutine for every event,
// onClose once when the connection ends.
func NewClient(log logr.Logger, onEvent func(dap.Message), onClose func(error)) *Client {
	return &Client{
		pending: make(map[int]chan dap.Message),
		onEvent: onEvent,
		onClose: onClose,
		done:    make(chan struct{}),
		log:     log,
	}
}

// dialAddress accepts "host:port", "tcp://host:port" and lldb style "connect://host:port"
func dialAddress(rawURL string) (string, error) {
	if !strings.Contains(rawURL, "://") {
		if _, _, err := net.SplitHostPort(rawURL); err != nil {
			return "", fmt.Errorf("invalid connect address %q: %w", rawURL, err)
		}
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid connect url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "tcp", "connect":
	default:
		return "", fmt.Errorf("unsupported connect scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		return "", fmt.Errorf("connect url %q has no port", rawURL)
	}
	return u.Host, nil
}

// Connect dials the debug adapter, retrying with exponential backoff until ctx is done
func (c *Client) Connect(ctx context.Context, rawURL string) error {
	addr, err := dialAddress(rawURL)
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
	conn, err := backoff.RetryNotifyWithData(
		func() (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		backoff.WithContext(b, ctx),
		func(err error, delay time.Duration) {
			c.log.V(1).Info("Debug adapter not reachable yet, retrying", "address", addr, "delay", delay, "error", err.Error())
		},
	)
	if err != nil {
		return fmt.Errorf("failed to connect to debug adapter at %s: %w", addr, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	go c.readLoop()

	c.log.V(1).Info("Connected to debug adapter", "address", addr)
	return nil
}

// Close closes the connection to the debug adapter
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsClosed returns whether the client is closed
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// Done is closed when the read loop has exited
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	var loopErr error
	defer func() {
		c.closed.Store(true)
		c.failPending()
		close(c.done)
		if c.onClose != nil {
			c.onClose(loopErr)
		}
	}()

	for {
		msg, err := dap.ReadProtocolMessage(c.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.IsClosed() {
				c.log.Error(err, "Failed to read DAP message")
				loopErr = err
			}
			return
		}

		switch m := msg.(type) {
		case dap.ResponseMessage:
			resp := m.GetResponse()
			c.pendingMu.Lock()
			ch, ok := c.pending[resp.RequestSeq]
			delete(c.pending, resp.RequestSeq)
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			} else {
				c.log.V(1).Info("Dropping response with no pending request", "requestSeq", resp.RequestSeq, "command", resp.Command)
			}
		case dap.EventMessage:
			if c.onEvent != nil {
				c.onEvent(msg)
			}
		default:
			c.log.V(1).Info("Ignoring DAP message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}

// newRequest creates a new DAP request with a unique sequence number
func (c *Client) newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  int(c.seq.Add(1)),
			Type: "request",
		},
		Command: command,
	}
}

// send writes the request and waits for its response.
// A response with success=false is turned into an error carrying the adapter's message.
func (c *Client) send(ctx context.Context, req dap.RequestMessage) (dap.Message, error) {
	if c.IsClosed() || c.conn == nil {
		return nil, common.ErrClientClosed
	}

	request := req.GetRequest()
	respCh := make(chan dap.Message, 1)
	c.pendingMu.Lock()
	c.pending[request.Seq] = respCh
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err := dap.WriteProtocolMessage(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, request.Seq)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("failed to send %s request: %w", request.Command, err)
	}

	var resp dap.Message
	var ok bool
	select {
	case resp, ok = <-respCh:
	case <-c.done:
		// registered after the read loop drained the pending map
		select {
		case resp, ok = <-respCh:
		default:
		}
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, request.Seq)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("%s request: %w", request.Command, ctx.Err())
	}
	if !ok {
		return nil, fmt.Errorf("connection closed while waiting for %s response: %w", request.Command, common.ErrClientClosed)
	}
	if r, isResp := resp.(dap.ResponseMessage); isResp && !r.GetResponse().Success {
		return resp, &ResponseError{Command: request.Command, Message: responseMessage(resp)}
	}
	return resp, nil
}

// ResponseError is a request the adapter answered with success=false
type ResponseError struct {
	Command string
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

func responseMessage(resp dap.Message) string {
	if errResp, ok := resp.(*dap.ErrorResponse); ok && errResp.Body.Error != nil && errResp.Body.Error.Format != "" {
		return errResp.Body.Error.Format
	}
	if r, ok := resp.(dap.ResponseMessage); ok {
		return r.GetResponse().Message
	}
	return ""
}
