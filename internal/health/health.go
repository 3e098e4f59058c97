// Package health runs named dependency checks for the /health endpoint.
//
// Checks are critical unless registered with Optional. A failing critical
// check makes the service unhealthy; a failing optional one only degrades
// it. The ledger is optional because scores are recorded without it.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 3 * time.Second

// Overall service states.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status is the result of one check.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
	Latency  int64  `json:"latencyMs"`
}

// Report aggregates one run of every check.
type Report struct {
	State  string   `json:"status"`
	Checks []Status `json:"checks"`
}

// Healthy reports whether every critical check passed.
func (r Report) Healthy() bool { return r.State != StateUnhealthy }

// Checker inspects one dependency.
type Checker func(ctx context.Context) Status

// Option configures a registered check.
type Option func(*check)

// Optional marks a check whose failure degrades but does not fail the service.
func Optional() Option {
	return func(c *check) { c.critical = false }
}

type check struct {
	name     string
	run      Checker
	critical bool
}

// Registry holds the registered checks.
type Registry struct {
	mu      sync.RWMutex
	checks  []check
	timeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout sets the per-check deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a check. It is critical unless Optional is given.
func (r *Registry) Register(name string, run Checker, opts ...Option) {
	c := check{name: name, run: run, critical: true}
	for _, opt := range opts {
		opt(&c)
	}
	r.mu.Lock()
	r.checks = append(r.checks, c)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently, each under its own deadline, and
// returns the results in registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checks := append([]check(nil), r.checks...)
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			st := c.run(cctx)
			st.Latency = time.Since(start).Milliseconds()
			st.Critical = c.critical
			if st.Name == "" {
				st.Name = c.name
			}
			statuses[i] = st
		})
	}
	wg.Wait()

	rep := Report{State: StateHealthy, Checks: statuses}
	for _, st := range statuses {
		switch {
		case st.Healthy:
		case st.Critical:
			rep.State = StateUnhealthy
		case rep.State == StateHealthy:
			rep.State = StateDegraded
		}
	}
	return rep
}

// Pinger is anything that can report connectivity, such as an audit store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a pinger's connectivity under name.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// BlockNumberer is the slice of an RPC client the chain check needs.
type BlockNumberer interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// ChainChecker reports the ledger RPC head block.
func ChainChecker(client BlockNumberer) Checker {
	return func(ctx context.Context) Status {
		n, err := client.BlockNumber(ctx)
		if err != nil {
			return Status{Name: "chain", Detail: err.Error()}
		}
		return Status{Name: "chain", Healthy: true, Detail: fmt.Sprintf("block %d", n)}
	}
}

// ModelsChecker fails when no scoring model is loaded.
func ModelsChecker(count func() int) Checker {
	return func(context.Context) Status {
		n := count()
		if n == 0 {
			return Status{Name: "models", Detail: "no models loaded"}
		}
		return Status{Name: "models", Healthy: true, Detail: fmt.Sprintf("%d loaded", n)}
	}
}
