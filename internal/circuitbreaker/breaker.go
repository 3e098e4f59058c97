// Package circuitbreaker stops calling a dependency that keeps failing.
//
// Every key is an independent circuit. After threshold consecutive failures
// the circuit opens and Allow rejects calls. Once the cool-down has passed a
// single probe is admitted, and its outcome closes or reopens the circuit.
// A probe that never reports back is replaced after another cool-down.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is reported by callers that were refused by an open circuit.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is the position of one circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudproof",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	cbState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fraudproof",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state by key (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(cbStateTransitions, cbState)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probedAt time.Time
}

// Breaker holds one circuit per key.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	onTransition func(key string, from, to State)
	now          func() time.Time
}

// New creates a breaker that opens a circuit after threshold consecutive
// failures and keeps it open for openDuration before probing. Non-positive
// values fall back to 5 failures and 30 seconds.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// OnTransition sets a callback run asynchronously on every state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may go ahead. An open circuit whose
// cool-down has elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	now := b.now()
	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) < b.openDuration {
			return false
		}
		b.transition(c, key, StateHalfOpen)
		c.probedAt = now
		return true
	case StateHalfOpen:
		if now.Sub(c.probedAt) < b.openDuration {
			return false
		}
		c.probedAt = now
		return true
	default:
		return true
	}
}

// RecordSuccess clears key's failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	if c.state == StateHalfOpen {
		b.transition(c, key, StateClosed)
	}
}

// RecordFailure counts a failed call. It opens the circuit at the threshold
// and reopens it when a probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	switch {
	case c.state == StateHalfOpen,
		c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = b.now()
		b.transition(c, key, StateOpen)
	}
}

// State returns key's state. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	return b.Snapshot(key).State
}

// Status describes one circuit for health reporting.
type Status struct {
	State    State
	Failures int
	// RetryAt is when an open circuit admits its probe. Zero unless open.
	RetryAt time.Time
}

// String renders the status for health details, e.g. "open (3 failures,
// probing in 12s)".
func (s Status) String() string {
	switch {
	case s.State == StateOpen:
		wait := max(time.Until(s.RetryAt).Round(time.Second), 0)
		return fmt.Sprintf("open (%d failures, probing in %s)", s.Failures, wait)
	case s.State == StateClosed && s.Failures > 0:
		return fmt.Sprintf("closed (%d recent failures)", s.Failures)
	}
	return s.State.String()
}

// Snapshot returns key's status without admitting a probe.
func (b *Breaker) Snapshot(key string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return Status{State: StateClosed}
	}
	st := Status{State: c.state, Failures: c.failures}
	if c.state == StateOpen {
		st.RetryAt = c.openedAt.Add(b.openDuration)
	}
	return st
}

// transition must be called with b.mu held.
func (b *Breaker) transition(c *circuit, key string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	cbStateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	cbState.WithLabelValues(key).Set(float64(to))
	if fn := b.onTransition; fn != nil {
		go fn(key, from, to)
	}
}
