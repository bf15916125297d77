package headless

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/xhd2015/dbgwatch/debug/common"
)

// Simplified request structure for JSON-RPC
type jsonRPCRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	Id     int           `json:"id"`
}

// Simplified response structure for JSON-RPC.
// Delve's jsonrpc codec reports errors as a plain string.
type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  interface{}     `json:"error,omitempty"`
	Id     int             `json:"id"`
}

// Client represents a headless client that communicates with a Delve headless server.
// Responses are matched to requests by id, so a blocking command does not hold up other calls.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	seq     atomic.Int64

	pendingMu sync.Mutex
	pending   map[int]chan jsonRPCResponse

	closed atomic.Bool
	done   chan struct{}
	log    logr.Logger
}

// NewClient creates a new headless client
func NewClient(log logr.Logger) *Client {
	return &Client{
		pending: make(map[int]chan jsonRPCResponse),
		done:    make(chan struct{}),
		log:     log,
	}
}

// serverAddress strips the connect:// or tcp:// scheme from a connect url
func serverAddress(rawURL string) (string, error) {
	addr := rawURL
	for _, scheme := range []string{"connect://", "tcp://"} {
		addr = strings.TrimPrefix(addr, scheme)
	}
	if strings.Contains(addr, "://") {
		return "", fmt.Errorf("unsupported connect url %q", rawURL)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("invalid connect address %q: %w", rawURL, err)
	}
	return addr, nil
}

// Connect connects to a headless server, retrying until ctx is done
func (c *Client) Connect(ctx context.Context, rawURL string) error {
	addr, err := serverAddress(rawURL)
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
			// Set connection timeout to 10 seconds
			timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			var d net.Dialer
			return d.DialContext(timeoutCtx, "tcp", addr)
		},
		backoff.WithContext(b, ctx),
		func(err error, delay time.Duration) {
			c.log.V(1).Info("Delve server not reachable yet, retrying", "address", addr, "delay", delay, "error", err.Error())
		},
	)
	if err != nil {
		return fmt.Errorf("failed to connect to headless server: %w", err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	go c.readLoop()

	c.log.V(1).Info("Connected to Delve server", "address", addr)
	return nil
}

// Close closes the connection to the headless server
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

func (c *Client) readLoop() {
	defer func() {
		c.closed.Store(true)
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		close(c.done)
	}()

	dec := json.NewDecoder(c.reader)
	for {
		var resp jsonRPCResponse
		if err := dec.Decode(&resp); err != nil {
			if !errors.Is(err, io.EOF) && !c.IsClosed() {
				c.log.Error(err, "Failed to read Delve response")
			}
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.Id]
		delete(c.pending, resp.Id)
		c.pendingMu.Unlock()
		if !ok {
			c.log.V(1).Info("Dropping response with no pending request", "id", resp.Id)
			continue
		}
		ch <- resp
	}
}

func sendRequest[T any](ctx context.Context, c *Client, method RPCMethod, params interface{}) (T, error) {
	var result T
	if c.IsClosed() || c.conn == nil {
		return result, common.ErrClientClosed
	}

	id := int(c.seq.Add(1))
	req := jsonRPCRequest{
		Method: string(method),
		Params: []interface{}{params},
		Id:     id,
	}
	requestBytes, err := json.Marshal(req)
	if err != nil {
		return result, fmt.Errorf("failed to marshal request: %w", err)
	}
	c.log.V(2).Info("Sending request to Delve", "request", string(requestBytes))
	requestBytes = append(requestBytes, '\n')

	respCh := make(chan jsonRPCResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	_, err = c.conn.Write(requestBytes)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return result, fmt.Errorf("failed to send request: %w", err)
	}

	var resp jsonRPCResponse
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
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return result, fmt.Errorf("%s: %w", method, ctx.Err())
	}
	if !ok {
		return result, fmt.Errorf("connection closed while waiting for %s: %w", method, common.ErrClientClosed)
	}

	if resp.Error != nil {
		return result, fmt.Errorf("error from Delve: %v", resp.Error)
	}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return result, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return result, nil
}
