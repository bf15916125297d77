package common

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallnest/chanx"
)

// EventKind is a bitmask of broadcast classes
type EventKind uint32

const (
	EventStateChanged EventKind = 1 << iota
	EventStdout
	EventStderr

	EventAll = EventStateChanged | EventStdout | EventStderr
)

func (k EventKind) String() string {
	var parts []string
	if k&EventStateChanged != 0 {
		parts = append(parts, "state-changed")
	}
	if k&EventStdout != 0 {
		parts = append(parts, "stdout")
	}
	if k&EventStderr != 0 {
		parts = append(parts, "stderr")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Event is a process notification. State is the process state at the time the event was broadcast.
type Event struct {
	Kind  EventKind
	State ProcessState
}

// IsProcessEvent reports whether the event carries any process broadcast class
func (e Event) IsProcessEvent() bool {
	return e.Kind&EventAll != 0
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.State)
}

// Listener is a single subscription point for process events.
// The queue is unbounded so a slow consumer never makes the engine drop events.
type Listener struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	events *chanx.UnboundedChan[Event]
}

// NewListener creates a listener whose queue lives until ctx is done or Close is called
func NewListener(ctx context.Context, name string) *Listener {
	ctx, cancel := context.WithCancel(ctx)
	return &Listener{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		events: chanx.NewUnboundedChan[Event](ctx, 16),
	}
}

func (l *Listener) Name() string {
	return l.name
}

// WaitForEvent waits up to timeout for the next event
func (l *Listener) WaitForEvent(timeout time.Duration) (Event, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-l.events.Out:
		return ev, ok
	case <-timer.C:
		return Event{}, false
	case <-l.ctx.Done():
		return Event{}, false
	}
}

// AddEvent appends an event to the back of the queue
func (l *Listener) AddEvent(ev Event) {
	select {
	case l.events.In <- ev:
	case <-l.ctx.Done():
	}
}

// Pending returns the number of queued events
func (l *Listener) Pending() int {
	return l.events.Len()
}

// Close releases the queue; waiting callers return with no event
func (l *Listener) Close() {
	l.cancel()
}

// Broadcaster fans events out to subscribed listeners.
// Engines embed it to implement Subscribe and Unsubscribe.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*Listener]EventKind
}

func (b *Broadcaster) Subscribe(l *Listener, mask EventKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[*Listener]EventKind)
	}
	b.subs[l] |= mask
}

func (b *Broadcaster) Unsubscribe(l *Listener, mask EventKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.subs[l] &^ mask
	if remaining == 0 {
		delete(b.subs, l)
		return
	}
	b.subs[l] = remaining
}

// Broadcast posts the event to every listener subscribed to at least one of its classes.
// Each listener only sees the classes it subscribed to.
func (b *Broadcaster) Broadcast(ev Event) {
	b.mu.Lock()
	targets := make(map[*Listener]EventKind, len(b.subs))
	for l, mask := range b.subs {
		if kind := ev.Kind & mask; kind != 0 {
			targets[l] = kind
		}
	}
	b.mu.Unlock()

	for l, kind := range targets {
		l.AddEvent(Event{Kind: kind, State: ev.State})
	}
}

// Subscribed returns the classes a listener is subscribed to
func (b *Broadcaster) Subscribed(l *Listener) EventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[l]
}
