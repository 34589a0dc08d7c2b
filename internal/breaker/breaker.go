// Package breaker implements a per-dependency circuit breaker with the usual
// closed, open and half-open states. The open to half-open transition is
// observed lazily on the next call; no background timer is involved.
package breaker

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State of a breaker.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultThreshold = 5
	DefaultCooldown  = 60 * time.Second
)

// Config encapsulates the tunables of one breaker.
type Config struct {
	Name      string
	Threshold int
	Cooldown  time.Duration
	Clock     clock.Clock
	// OnStateChange is called after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	State       State
	Failures    int
	LastFailure time.Time
	NextRetry   time.Time
}

// Breaker gates calls to a failing dependency.
type Breaker struct {
	mu        sync.Mutex
	name      string
	threshold int
	cooldown  time.Duration
	clk       clock.Clock
	onChange  func(name string, from, to State)

	state       State
	failures    int
	lastFailure time.Time
	nextRetry   time.Time
	// trial is set while the single half-open probe call is outstanding.
	trial bool
}

// New constructs a closed breaker, applying defaults for unset fields.
func New(cfg Config) *Breaker {
	b := &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		clk:       cfg.Clock,
		onChange:  cfg.OnStateChange,
		state:     Closed,
	}
	if b.threshold <= 0 {
		b.threshold = DefaultThreshold
	}
	if b.cooldown <= 0 {
		b.cooldown = DefaultCooldown
	}
	if b.clk == nil {
		b.clk = clock.New()
	}
	return b
}

// errPanicked is recorded as the outcome of an operation that panicked.
var errPanicked = errors.New("operation panicked")

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker is open, and records its outcome.
// An open breaker fails fast with an error satisfying IsOpen, without calling fn.
// A panic in fn counts as a failure and is propagated.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	recorded := false
	defer func() {
		if !recorded {
			b.record(errPanicked)
		}
	}()
	err := fn()
	recorded = true
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	var from State
	changed := false
	switch b.state {
	case Open:
		if b.clk.Now().Before(b.nextRetry) {
			err := openError{name: b.name, retryAt: b.nextRetry}
			b.mu.Unlock()
			return err
		}
		from, changed = b.state, true
		b.state = HalfOpen
		b.trial = true
	case HalfOpen:
		if b.trial {
			err := openError{name: b.name, retryAt: b.nextRetry}
			b.mu.Unlock()
			return err
		}
		b.trial = true
	}
	to := b.state
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state
	if from == HalfOpen {
		b.trial = false
	}
	if err == nil {
		// A late success from a call admitted before the breaker opened does not close it.
		if from != Open {
			b.failures = 0
			b.state = Closed
		}
	} else {
		b.failures++
		b.lastFailure = b.clk.Now()
		if from == HalfOpen || (from == Closed && b.failures >= b.threshold) {
			b.state = Open
			b.nextRetry = b.lastFailure.Add(b.cooldown)
		}
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// State returns the current state without triggering the lazy half-open transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{State: b.state, Failures: b.failures, LastFailure: b.lastFailure, NextRetry: b.nextRetry}
}

// Reset forces the breaker closed with a zero failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.trial = false
	b.nextRetry = time.Time{}
	b.mu.Unlock()
	if from != Closed {
		b.notify(from, Closed)
	}
}

// openError signals that the breaker refused the call.
type openError struct {
	name    string
	retryAt time.Time
}

func (e openError) Error() string { return "circuit open: " + e.name }

func (e openError) StatusCode() int { return http.StatusServiceUnavailable }

// IsOpen reports whether err is a circuit-open refusal.
func IsOpen(err error) bool {
	var oe openError
	return errors.As(err, &oe)
}

// RetryAt returns when an open breaker becomes eligible for a trial call.
func RetryAt(err error) (time.Time, bool) {
	var oe openError
	if errors.As(err, &oe) {
		return oe.retryAt, true
	}
	return time.Time{}, false
}
