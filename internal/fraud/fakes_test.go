package fraud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fraudproof/fraudproof/internal/anchor"
	"github.com/fraudproof/fraudproof/internal/features"
	"github.com/fraudproof/fraudproof/internal/inference"
	"github.com/fraudproof/fraudproof/internal/realtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeScorer scores a record with its "score" field; domain "unknown" fails.
type fakeScorer struct{}

func (fakeScorer) Score(_ context.Context, raw features.Record, domain string) inference.Result {
	if _, ok := features.ParseDomain(domain); !ok {
		err := fmt.Errorf("%w: %q", inference.ErrUnknownDomain, domain)
		return inference.Result{Domain: domain, Error: err.Error(), Err: err}
	}
	score, _ := raw.Number("score")
	return inference.Result{Domain: domain, Success: true, Score: int(score), ModelVersion: domain + "-v1"}
}

type fakeAnchorer struct {
	mu   sync.Mutex
	jobs []anchor.Job
	err  error
}

func (f *fakeAnchorer) Enqueue(_ context.Context, job anchor.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeAnchorer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeReader struct {
	events map[string]*anchor.ChainEvent
	err    error
	calls  atomic.Int32
}

func (f *fakeReader) Read(_ context.Context, txHash string) (*anchor.ChainEvent, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.events[txHash], nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []realtime.EventType
}

func (f *fakePublisher) Publish(t realtime.EventType, _ map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, t)
}

func (f *fakePublisher) types() []realtime.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.EventType(nil), f.events...)
}

var errEnqueue = errors.New("anchor: queue full")
