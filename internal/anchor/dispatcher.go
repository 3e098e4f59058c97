package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fraudproof/fraudproof/internal/audit"
	"github.com/fraudproof/fraudproof/internal/idgen"
	"github.com/fraudproof/fraudproof/internal/metrics"
	"github.com/fraudproof/fraudproof/internal/traces"
)

// ChainWriter is the part of Writer the dispatcher and reconciler need.
type ChainWriter interface {
	Submit(ctx context.Context, score int, modelVersion, reference string) (*WriteResult, error)
	Confirm(ctx context.Context, txHash string) (*WriteResult, error)
	CheckReceipt(ctx context.Context, txHash string) (*WriteResult, error)
}

var _ ChainWriter = (*Writer)(nil)

// Job asks for one audit record to be anchored.
type Job struct {
	Reference    string
	Score        int
	ModelVersion string
}

// Notifier receives every anchor event the dispatcher or reconciler appends.
type Notifier func(ev *audit.AnchorEvent)

// Dispatcher anchors jobs on a fixed pool of workers so the confirmation
// wait never runs on a scoring request.
type Dispatcher struct {
	writer  ChainWriter
	store   audit.Store
	queue   chan Job
	workers int
	notify  Notifier
	logger  *slog.Logger

	mu    sync.Mutex
	owned map[string]struct{} // queued or in flight

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given pool and queue sizes.
func NewDispatcher(writer ChainWriter, store audit.Store, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		writer:  writer,
		store:   store,
		queue:   make(chan Job, queueSize),
		workers: workers,
		logger:  logger,
		owned:   make(map[string]struct{}),
		stop:    make(chan struct{}),
	}
}

// WithNotifier registers fn to observe appended anchor events.
func (d *Dispatcher) WithNotifier(fn Notifier) *Dispatcher {
	d.notify = fn
	return d
}

// Enqueue records a pending anchor and hands the job to a worker. When the
// queue is full the anchor is recorded as failed and ErrQueueFull returned.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) error {
	if err := appendEvent(ctx, d.store, d.notify, &audit.AnchorEvent{
		Reference: job.Reference,
		Status:    audit.AnchorPending,
	}); err != nil {
		return err
	}

	d.claim(job.Reference)
	select {
	case d.queue <- job:
		metrics.AnchorQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
	}
	d.release(job.Reference)

	metrics.AnchorsTotal.WithLabelValues(string(audit.AnchorFailed)).Inc()
	if err := appendEvent(ctx, d.store, d.notify, &audit.AnchorEvent{
		Reference: job.Reference,
		Status:    audit.AnchorFailed,
		Error:     ErrQueueFull.Error(),
	}); err != nil {
		d.logger.Error("failed to record anchor failure", "reference", job.Reference, "error", err)
	}
	return ErrQueueFull
}

// Owns reports whether reference is queued or being processed by this
// dispatcher. The reconciler leaves owned anchors alone.
func (d *Dispatcher) Owns(reference string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.owned[reference]
	return ok
}

func (d *Dispatcher) claim(reference string) {
	d.mu.Lock()
	d.owned[reference] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) release(reference string) {
	d.mu.Lock()
	delete(d.owned, reference)
	d.mu.Unlock()
}

// Depth returns the number of queued jobs.
func (d *Dispatcher) Depth() int {
	return len(d.queue)
}

// Start launches the workers. They exit when ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	d.logger.Info("anchor dispatcher started", "workers", d.workers, "queue", cap(d.queue))
}

// Stop signals the workers and waits for in-flight jobs to return. Jobs
// still queued stay pending.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case job := <-d.queue:
			metrics.AnchorQueueDepth.Set(float64(len(d.queue)))
			d.safeProcess(ctx, job)
		}
	}
}

func (d *Dispatcher) safeProcess(ctx context.Context, job Job) {
	defer d.release(job.Reference)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in anchor worker", "reference", job.Reference, "panic", fmt.Sprint(r))
		}
	}()
	d.process(ctx, job)
}

func (d *Dispatcher) process(ctx context.Context, job Job) {
	// Events must be recorded even when shutdown cancels the wait.
	storeCtx := context.WithoutCancel(ctx)

	ctx, span := traces.StartSpan(ctx, "anchor.process", traces.Reference(job.Reference), traces.ModelVersion(job.ModelVersion))
	defer span.End()

	// The reconciler may have settled the anchor while the job waited.
	latest, err := d.store.LatestAnchor(storeCtx, job.Reference)
	switch {
	case err == nil && latest.Status.Terminal():
		d.logger.Info("anchor already settled, not submitting", "reference", job.Reference, "status", latest.Status)
		span.SetAttributes(traces.AnchorStatus(string(latest.Status)))
		return
	case err != nil && !errors.Is(err, audit.ErrNotFound):
		d.logger.Warn("failed to read anchor status", "reference", job.Reference, "error", err)
	}

	sub, err := d.writer.Submit(ctx, job.Score, job.ModelVersion, job.Reference)
	if err != nil {
		d.logger.Warn("anchor submit failed", "reference", job.Reference, "error", err)
		d.fail(storeCtx, job.Reference, "", err)
		return
	}

	span.SetAttributes(traces.TxHash(sub.TxHash), traces.AnchorStatus(string(audit.AnchorSubmitted)))
	if err := appendEvent(storeCtx, d.store, d.notify, &audit.AnchorEvent{
		Reference: job.Reference,
		Status:    audit.AnchorSubmitted,
		TxHash:    sub.TxHash,
		Nonce:     sub.Nonce,
	}); err != nil {
		d.logger.Error("failed to record submitted anchor", "reference", job.Reference, "tx", sub.TxHash, "error", err)
	}

	started := time.Now()
	conf, err := d.writer.Confirm(ctx, sub.TxHash)
	switch {
	case err == nil:
		metrics.AnchorConfirmDuration.Observe(time.Since(started).Seconds())
		span.SetAttributes(traces.AnchorStatus(string(audit.AnchorConfirmed)))
		confirm(storeCtx, d.store, d.notify, d.logger, job.Reference, sub, conf)
	case errors.Is(err, ErrReverted):
		d.logger.Warn("anchor reverted", "reference", job.Reference, "tx", sub.TxHash)
		span.SetAttributes(traces.AnchorStatus(string(audit.AnchorFailed)))
		d.fail(storeCtx, job.Reference, sub.TxHash, err)
	default:
		// Left as submitted; the reconciler polls the receipt later.
		d.logger.Warn("anchor confirmation pending", "reference", job.Reference, "tx", sub.TxHash, "error", err)
	}
}

func (d *Dispatcher) fail(ctx context.Context, reference, txHash string, cause error) {
	fail(ctx, d.store, d.notify, d.logger, reference, txHash, cause)
}

func confirm(ctx context.Context, store audit.Store, notify Notifier, logger *slog.Logger, reference string, sub, conf *WriteResult) {
	metrics.AnchorsTotal.WithLabelValues(string(audit.AnchorConfirmed)).Inc()
	if err := appendEvent(ctx, store, notify, &audit.AnchorEvent{
		Reference:   reference,
		Status:      audit.AnchorConfirmed,
		TxHash:      conf.TxHash,
		Nonce:       sub.Nonce,
		BlockNumber: conf.BlockNumber,
		GasUsed:     conf.GasUsed,
	}); err != nil {
		logger.Error("failed to record confirmed anchor", "reference", reference, "tx", conf.TxHash, "error", err)
		return
	}
	logger.Info("anchor confirmed", "reference", reference, "tx", conf.TxHash, "block", conf.BlockNumber, "gasUsed", conf.GasUsed)
}

func fail(ctx context.Context, store audit.Store, notify Notifier, logger *slog.Logger, reference, txHash string, cause error) {
	metrics.AnchorsTotal.WithLabelValues(string(audit.AnchorFailed)).Inc()
	if err := appendEvent(ctx, store, notify, &audit.AnchorEvent{
		Reference: reference,
		Status:    audit.AnchorFailed,
		TxHash:    txHash,
		Error:     cause.Error(),
	}); err != nil {
		logger.Error("failed to record anchor failure", "reference", reference, "error", err)
	}
}

func appendEvent(ctx context.Context, store audit.Store, notify Notifier, ev *audit.AnchorEvent) error {
	if ev.ID == "" {
		ev.ID = idgen.Ordered("anc_")
	}
	if err := store.AppendAnchor(ctx, ev); err != nil {
		return err
	}
	if notify != nil {
		notify(ev)
	}
	return nil
}
