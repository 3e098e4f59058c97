package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fraudproof/fraudproof/internal/audit"
)

const reconcileBatch = 100

// Reconciler periodically finishes anchors left behind by the dispatcher:
// submitted transactions are settled from their receipt and pending jobs
// that never reached a worker are marked failed. It never resubmits, and it
// skips anchors the dispatcher still owns.
type Reconciler struct {
	writer      ChainWriter
	store       audit.Store
	interval    time.Duration
	staleAfter  time.Duration
	settleAfter time.Duration
	owns        func(reference string) bool
	notify      Notifier
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
	running    atomic.Bool
	now        func() time.Time
}

// NewReconciler creates a reconciler. Pending events older than staleAfter
// are considered abandoned. Submitted events are left to the worker waiting
// on them for DefaultConfirmTimeout plus one poll; see WithSettleAfter.
func NewReconciler(writer ChainWriter, store audit.Store, staleAfter time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		writer:      writer,
		store:       store,
		interval:    30 * time.Second,
		staleAfter:  staleAfter,
		settleAfter: DefaultConfirmTimeout + ConfirmationPollInterval,
		logger:      logger,
		stop:        make(chan struct{}),
		now:         time.Now,
	}
}

// WithSettleAfter sets how old a submitted event must be before the
// reconciler checks its receipt. It should exceed the writer's confirm
// timeout.
func (r *Reconciler) WithSettleAfter(d time.Duration) *Reconciler {
	r.settleAfter = d
	return r
}

// WithOwner skips references for which owns returns true, such as those
// queued on or processed by a Dispatcher.
func (r *Reconciler) WithOwner(owns func(reference string) bool) *Reconciler {
	r.owns = owns
	return r
}

// WithInterval sets the tick interval.
func (r *Reconciler) WithInterval(d time.Duration) *Reconciler {
	r.interval = d
	return r
}

// WithNotifier registers fn to observe appended anchor events.
func (r *Reconciler) WithNotifier(fn Notifier) *Reconciler {
	r.notify = fn
	return r
}

// Running reports whether the reconcile loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start runs the reconcile loop until ctx is done or Stop is called. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	r.safeReconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeReconcile(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Reconciler) safeReconcile(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in anchor reconciler", "panic", fmt.Sprint(rec))
		}
	}()
	r.Reconcile(ctx)
}

// Reconcile runs one pass.
func (r *Reconciler) Reconcile(ctx context.Context) {
	r.settleSubmitted(ctx)
	r.expirePending(ctx)
}

func (r *Reconciler) settleSubmitted(ctx context.Context) {
	submitted, err := r.store.ListByAnchorStatus(ctx, audit.AnchorSubmitted, reconcileBatch)
	if err != nil {
		r.logger.Warn("failed to list submitted anchors", "error", err)
		return
	}

	cutoff := r.now().Add(-r.settleAfter)
	for _, ev := range submitted {
		if ev.CreatedAt.After(cutoff) || r.owned(ev.Reference) {
			continue
		}
		res, err := r.writer.CheckReceipt(ctx, ev.TxHash)
		switch {
		case errors.Is(err, ErrReverted), errors.Is(err, ErrInvalidTxHash):
			fail(ctx, r.store, r.notify, r.logger, ev.Reference, ev.TxHash, err)
		case err != nil:
			r.logger.Warn("receipt check failed", "reference", ev.Reference, "tx", ev.TxHash, "error", err)
		case res == nil:
			r.logger.Debug("anchor still unmined", "reference", ev.Reference, "tx", ev.TxHash)
		default:
			confirm(ctx, r.store, r.notify, r.logger, ev.Reference, &WriteResult{Nonce: ev.Nonce}, res)
		}
	}
}

func (r *Reconciler) expirePending(ctx context.Context) {
	if r.staleAfter <= 0 {
		return
	}
	pending, err := r.store.ListByAnchorStatus(ctx, audit.AnchorPending, reconcileBatch)
	if err != nil {
		r.logger.Warn("failed to list pending anchors", "error", err)
		return
	}

	cutoff := r.now().Add(-r.staleAfter)
	for _, ev := range pending {
		if ev.CreatedAt.After(cutoff) || r.owned(ev.Reference) {
			continue
		}
		r.logger.Warn("abandoning stale pending anchor", "reference", ev.Reference, "since", ev.CreatedAt)
		fail(ctx, r.store, r.notify, r.logger, ev.Reference, "", errors.New("anchor: never submitted"))
	}
}

func (r *Reconciler) owned(reference string) bool {
	return r.owns != nil && r.owns(reference)
}
