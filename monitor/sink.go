package monitor

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-logr/logr"

	"github.com/xhd2015/dbgwatch/debug/common"
)

// Sink is a destination for one captured stream.
// A write failure disables the sink; later writes are dropped so the other sink keeps working.
type Sink struct {
	name   string
	log    logr.Logger
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer

	closed   bool
	disabled bool
}

// NewSink wraps w. closer, when not nil, is closed once by Close; inherited std streams pass nil.
func NewSink(name string, w io.Writer, closer io.Closer, log logr.Logger) *Sink {
	return &Sink{name: name, w: w, closer: closer, log: log}
}

// OpenFileSink opens path for the sink, appending to it or truncating it
func OpenFileSink(name, path string, appendMode bool, log logr.Logger) (*Sink, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s output %s: %w", name, path, err)
	}
	return NewSink(name, f, f, log), nil
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.disabled {
		return len(p), nil
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.disabled = true
		s.log.Error(err, "Disabling output sink after write failure", "sink", s.name)
		return n, fmt.Errorf("failed to write %s output: %w", s.name, err)
	}
	return n, nil
}

// Close closes the sink. Only the first call has an effect.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sinks are the destinations of the debuggee's stdout and stderr
type Sinks struct {
	Out *Sink
	Err *Sink
}

// For returns the sink of a stream
func (s Sinks) For(stream common.Stream) *Sink {
	if stream == common.Stderr {
		return s.Err
	}
	return s.Out
}

// Close closes both sinks; safe to call on every exit path
func (s Sinks) Close() {
	for _, sink := range []*Sink{s.Out, s.Err} {
		if sink == nil {
			continue
		}
		if err := sink.Close(); err != nil {
			sink.log.Error(err, "Failed to close output sink", "sink", sink.name)
		}
	}
}
