package anchor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraudproof/fraudproof/internal/audit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedRecord(t *testing.T, store audit.Store, ref string, score int) {
	t.Helper()
	require.NoError(t, store.Insert(context.Background(), &audit.Record{
		Reference: ref, Domain: "ethereum", Score: score, ModelVersion: "eth-v1",
	}))
}

func statuses(t *testing.T, store audit.Store, ref string) []audit.AnchorStatus {
	t.Helper()
	history, err := store.AnchorHistory(context.Background(), ref)
	require.NoError(t, err)
	out := make([]audit.AnchorStatus, 0, len(history))
	for _, ev := range history {
		out = append(out, ev.Status)
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []audit.AnchorEvent
}

func (l *eventLog) notify(ev *audit.AnchorEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *ev)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func TestDispatcher_AnchorsOffThePath(t *testing.T) {
	chain := newFakeChain(t)
	store := audit.NewMemoryStore()
	seedRecord(t, store, "ref-1", 91)

	var seen eventLog
	d := NewDispatcher(newTestWriter(t, chain), store, 2, 8, discardLogger()).WithNotifier(seen.notify)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Enqueue(ctx, Job{Reference: "ref-1", Score: 91, ModelVersion: "eth-v1"}))

	require.Eventually(t, func() bool {
		ev, err := store.LatestAnchor(ctx, "ref-1")
		return err == nil && ev.Status == audit.AnchorConfirmed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []audit.AnchorStatus{audit.AnchorPending, audit.AnchorSubmitted, audit.AnchorConfirmed},
		statuses(t, store, "ref-1"))

	latest, err := store.LatestAnchor(ctx, "ref-1")
	require.NoError(t, err)
	assert.True(t, IsTxHash(latest.TxHash))
	assert.Equal(t, testGasUsed, latest.GasUsed)
	assert.NotZero(t, latest.BlockNumber)
	assert.Equal(t, 3, seen.len())
}

func TestDispatcher_SubmitFailureRecordsFailed(t *testing.T) {
	chain := newFakeChain(t)
	chain.nonceErr = assert.AnError
	store := audit.NewMemoryStore()
	seedRecord(t, store, "ref-1", 70)

	d := NewDispatcher(newTestWriter(t, chain), store, 1, 4, discardLogger())
	ctx := context.Background()
	d.process(ctx, Job{Reference: "ref-1", Score: 70, ModelVersion: "eth-v1"})

	latest, err := store.LatestAnchor(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, audit.AnchorFailed, latest.Status)
	assert.Contains(t, latest.Error, "nonce")
}

func TestDispatcher_RevertRecordsFailedWithHash(t *testing.T) {
	chain := newFakeChain(t)
	chain.revert = true
	store := audit.NewMemoryStore()
	seedRecord(t, store, "ref-1", 70)

	d := NewDispatcher(newTestWriter(t, chain), store, 1, 4, discardLogger())
	d.process(context.Background(), Job{Reference: "ref-1", Score: 70, ModelVersion: "eth-v1"})

	assert.Equal(t, []audit.AnchorStatus{audit.AnchorSubmitted, audit.AnchorFailed}, statuses(t, store, "ref-1"))
	latest, err := store.LatestAnchor(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.True(t, IsTxHash(latest.TxHash))
}

func TestDispatcher_TimeoutLeavesSubmitted(t *testing.T) {
	chain := newFakeChain(t)
	chain.mine = false
	store := audit.NewMemoryStore()
	seedRecord(t, store, "ref-1", 70)

	_, hexKey := testKey(t)
	w, err := NewWriter(chain, chain.contract, WriterConfig{
		PrivateKey: hexKey, ChainID: testChainID, ConfirmTimeout: 20 * time.Millisecond,
	}, WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	d := NewDispatcher(w, store, 1, 4, discardLogger())
	d.process(context.Background(), Job{Reference: "ref-1", Score: 70, ModelVersion: "eth-v1"})

	assert.Equal(t, []audit.AnchorStatus{audit.AnchorSubmitted}, statuses(t, store, "ref-1"))
	assert.Equal(t, 1, chain.sentCount())
}

func TestDispatcher_SkipsSettledJob(t *testing.T) {
	chain := newFakeChain(t)
	store := audit.NewMemoryStore()
	ctx := context.Background()
	seedRecord(t, store, "ref-1", 70)
	require.NoError(t, store.AppendAnchor(ctx, &audit.AnchorEvent{ID: "p1", Reference: "ref-1", Status: audit.AnchorPending}))
	require.NoError(t, store.AppendAnchor(ctx, &audit.AnchorEvent{ID: "f1", Reference: "ref-1", Status: audit.AnchorFailed, Error: "anchor: never submitted"}))

	d := NewDispatcher(newTestWriter(t, chain), store, 1, 4, discardLogger())
	d.process(ctx, Job{Reference: "ref-1", Score: 70, ModelVersion: "eth-v1"})

	assert.Equal(t, []audit.AnchorStatus{audit.AnchorPending, audit.AnchorFailed}, statuses(t, store, "ref-1"))
	assert.Zero(t, chain.sentCount())
}

func TestDispatcher_OwnsUntilProcessed(t *testing.T) {
	store := audit.NewMemoryStore()
	seedRecord(t, store, "a", 80)
	seedRecord(t, store, "b", 80)
	d := NewDispatcher(newTestWriter(t, newFakeChain(t)), store, 1, 1, discardLogger())
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, Job{Reference: "a", Score: 80}))
	assert.True(t, d.Owns("a"))
	assert.ErrorIs(t, d.Enqueue(ctx, Job{Reference: "b", Score: 80}), ErrQueueFull)
	assert.False(t, d.Owns("b"))

	d.Start(ctx)
	defer d.Stop()
	require.Eventually(t, func() bool { return !d.Owns("a") }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_QueueFull(t *testing.T) {
	store := audit.NewMemoryStore()
	seedRecord(t, store, "a", 80)
	seedRecord(t, store, "b", 80)

	// Not started, so the single slot stays occupied.
	d := NewDispatcher(nil, store, 1, 1, discardLogger())
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, Job{Reference: "a", Score: 80}))
	assert.Equal(t, 1, d.Depth())

	err := d.Enqueue(ctx, Job{Reference: "b", Score: 80})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, []audit.AnchorStatus{audit.AnchorPending, audit.AnchorFailed}, statuses(t, store, "b"))
}

func TestDispatcher_EnqueueUnknownRecord(t *testing.T) {
	d := NewDispatcher(nil, audit.NewMemoryStore(), 1, 1, discardLogger())
	err := d.Enqueue(context.Background(), Job{Reference: "missing", Score: 80})
	assert.ErrorIs(t, err, audit.ErrNotFound)
	assert.Zero(t, d.Depth())
}

type panicWriter struct{ ChainWriter }

func (panicWriter) Submit(context.Context, int, string, string) (*WriteResult, error) {
	panic("boom")
}

func TestDispatcher_RecoversWorkerPanic(t *testing.T) {
	store := audit.NewMemoryStore()
	seedRecord(t, store, "ref", 80)
	d := NewDispatcher(panicWriter{}, store, 1, 1, discardLogger())

	assert.NotPanics(t, func() {
		d.safeProcess(context.Background(), Job{Reference: "ref", Score: 80})
	})
}

func TestDispatcher_StopIsIdempotent(t *testing.T) {
	d := NewDispatcher(nil, audit.NewMemoryStore(), 2, 1, discardLogger())
	d.Start(context.Background())
	d.Stop()
	d.Stop()
}
