// Package events carries lifecycle events from the model manager and the
// service supervisor to observability sinks. Publishing is fire-and-forget:
// a sink must never block or fail the caller.
package events

import (
	"sync"
	"time"
)

// Event represents a lifecycle event.
// Minimal and stable: name + subject and optional fields via key/values.
type Event struct {
	Name    string         `json:"name"`
	Subject string         `json:"subject"`
	Time    time.Time      `json:"time"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Publisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// Noop is the default; it drops events.
type Noop struct{}

func (Noop) Publish(Event) {}

// OrNoop returns p, or Noop when p is nil.
func OrNoop(p Publisher) Publisher {
	if p == nil {
		return Noop{}
	}
	return p
}

// Multi fans an event out to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}

// Async decouples the caller from a slow sink with a bounded buffer.
// Events are dropped when the buffer is full.
type Async struct {
	next    Publisher
	ch      chan Event
	mu      sync.Mutex
	dropped uint64
	done    chan struct{}
	once    sync.Once
}

// NewAsync starts a goroutine forwarding events to next.
func NewAsync(next Publisher, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{next: OrNoop(next), ch: make(chan Event, buffer), done: make(chan struct{})}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.ch {
		a.next.Publish(e)
	}
}

func (a *Async) Publish(e Event) {
	defer func() {
		// Publish after Close must not panic.
		if recover() != nil {
			a.countDrop()
		}
	}()
	select {
	case a.ch <- e:
	default:
		a.countDrop()
	}
}

func (a *Async) countDrop() {
	a.mu.Lock()
	a.dropped++
	a.mu.Unlock()
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close stops accepting events and waits for the buffer to drain.
func (a *Async) Close() {
	a.once.Do(func() { close(a.ch) })
	<-a.done
}
