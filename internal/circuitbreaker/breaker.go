// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/mbd888/autonomy/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// entry tracks per-key circuit state.
type entry struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker is a per-key circuit breaker. Keys open after threshold
// consecutive failures; after openDuration one trial request is let through.
type Breaker struct {
	name         string
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	clock        func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a breaker. name labels its metrics.
func New(name string, threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		name:         name,
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		clock:        time.Now,
	}
}

// WithClock replaces the time source (for testing).
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// OnTransition sets a callback invoked synchronously, under the breaker
// lock, on every state change. It must not call back into the breaker.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) *Breaker {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
	return b
}

// Allow reports whether a request to key may proceed. An open circuit
// whose openDuration has elapsed moves to half-open and admits one trial request.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.clock().Sub(e.openedAt) >= b.openDuration {
			b.transition(e, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit for key and clears its failures.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	b.transition(e, key, StateClosed)
	delete(b.entries, key)
}

// RecordFailure counts a failure. A failed trial reopens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++

	switch {
	case e.state == StateHalfOpen,
		e.state == StateClosed && e.failures >= b.threshold:
		e.openedAt = b.clock()
		b.transition(e, key, StateOpen)
	}
}

// Forget drops all state for key.
func (b *Breaker) Forget(key string) {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// transition changes state and fires the callback. Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	metrics.CircuitTransitionsTotal.WithLabelValues(b.name, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		b.onTransition(key, from, to)
	}
}
