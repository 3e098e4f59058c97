package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraudproof/fraudproof/internal/pagination"
)

// runStoreSuite checks the behaviour every Store backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("insert and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := &Record{
			Reference:    "veh_001",
			Domain:       "vehicle",
			Score:        87,
			ModelVersion: "vehicle-rf-2024.1",
			Snapshot:     map[string]any{"AccidentArea": "Urban", "Age": 34.0},
		}
		require.NoError(t, s.Insert(ctx, rec))
		assert.False(t, rec.CreatedAt.IsZero())

		got, err := s.Get(ctx, "veh_001")
		require.NoError(t, err)
		assert.Equal(t, rec.Reference, got.Reference)
		assert.Equal(t, 87, got.Score)
		assert.Equal(t, "vehicle-rf-2024.1", got.ModelVersion)
		assert.Equal(t, "Urban", got.Snapshot["AccidentArea"])
		assert.Equal(t, 34.0, got.Snapshot["Age"])
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

		_, err = s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate reference rejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, &Record{Reference: "dup", Domain: "bank", Score: 10, ModelVersion: "v1"}))
		err := s.Insert(ctx, &Record{Reference: "dup", Domain: "bank", Score: 99, ModelVersion: "v2"})
		assert.ErrorIs(t, err, ErrDuplicateReference)

		got, err := s.Get(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, 10, got.Score)
		assert.Equal(t, "v1", got.ModelVersion)
	})

	t.Run("concurrent duplicate inserts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wins, dups atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.Insert(ctx, &Record{Reference: "race", Domain: "ethereum", Score: i, ModelVersion: "v1"})
				switch {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, ErrDuplicateReference):
					dups.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(15), dups.Load())
	})

	t.Run("invalid records", func(t *testing.T) {
		s := newStore(t)
		for _, r := range []*Record{
			{Domain: "bank", Score: 1},
			{Reference: "x", Score: 1},
			{Reference: "x", Domain: "bank", Score: 101},
			{Reference: "x", Domain: "bank", Score: -1},
		} {
			assert.ErrorIs(t, s.Insert(context.Background(), r), ErrInvalid)
		}
	})

	t.Run("list recent paginates newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		// Two pairs share a timestamp to exercise the reference tiebreak.
		seed := []struct {
			ref    string
			domain string
			offset time.Duration
		}{
			{"a", "vehicle", 0},
			{"b", "bank", time.Second},
			{"c", "vehicle", time.Second},
			{"d", "ecommerce", 2 * time.Second},
			{"e", "vehicle", 3 * time.Second},
			{"f", "vehicle", 3 * time.Second},
			{"g", "bank", 4 * time.Second},
		}
		for _, sd := range seed {
			require.NoError(t, s.Insert(ctx, &Record{
				Reference: sd.ref, Domain: sd.domain, Score: 50, ModelVersion: "v1",
				CreatedAt: base.Add(sd.offset),
			}))
		}

		var (
			got    []string
			cursor *pagination.Cursor
		)
		for page := 0; page < 10; page++ {
			items, err := s.ListRecent(ctx, ListOptions{Limit: 3 + 1, After: cursor})
			require.NoError(t, err)
			items, next, more := pagination.ComputePage(items, 3, func(r *Record) (time.Time, string) {
				return r.CreatedAt, r.Reference
			})
			for _, r := range items {
				got = append(got, r.Reference)
			}
			if !more {
				break
			}
			cursor, err = pagination.Decode(next)
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"g", "f", "e", "d", "c", "b", "a"}, got)

		vehicles, err := s.ListRecent(ctx, ListOptions{Domain: "vehicle"})
		require.NoError(t, err)
		var refs []string
		for _, r := range vehicles {
			refs = append(refs, r.Reference)
		}
		assert.Equal(t, []string{"f", "e", "c", "a"}, refs)

		counts, err := s.CountByDomain(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"vehicle": 4, "bank": 2, "ecommerce": 1}, counts)
	})

	t.Run("anchor lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.AppendAnchor(ctx, &AnchorEvent{ID: "ev0", Reference: "missing", Status: AnchorPending})
		assert.ErrorIs(t, err, ErrNotFound)

		for _, ref := range []string{"r1", "r2", "r3"} {
			require.NoError(t, s.Insert(ctx, &Record{Reference: ref, Domain: "ethereum", Score: 90, ModelVersion: "v1"}))
		}
		_, err = s.LatestAnchor(ctx, "r1")
		assert.ErrorIs(t, err, ErrNotFound)

		appendEv := func(id, ref string, st AnchorStatus, txHash string) *AnchorEvent {
			e := &AnchorEvent{ID: id, Reference: ref, Status: st, TxHash: txHash}
			require.NoError(t, s.AppendAnchor(ctx, e))
			require.NotZero(t, e.Seq)
			return e
		}
		appendEv("e1", "r1", AnchorPending, "")
		appendEv("e2", "r2", AnchorPending, "")
		appendEv("e3", "r1", AnchorSubmitted, "0xaaa")
		appendEv("e4", "r2", AnchorSubmitted, "0xbbb")
		confirmed := &AnchorEvent{ID: "e5", Reference: "r1", Status: AnchorConfirmed, TxHash: "0xaaa", BlockNumber: 42, GasUsed: 51234}
		require.NoError(t, s.AppendAnchor(ctx, confirmed))
		appendEv("e6", "r3", AnchorSkipped, "")

		latest, err := s.LatestAnchor(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, AnchorConfirmed, latest.Status)
		assert.Equal(t, uint64(42), latest.BlockNumber)
		assert.Equal(t, uint64(51234), latest.GasUsed)
		assert.Equal(t, "0xaaa", latest.TxHash)

		history, err := s.AnchorHistory(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, []AnchorStatus{AnchorPending, AnchorSubmitted, AnchorConfirmed},
			[]AnchorStatus{history[0].Status, history[1].Status, history[2].Status})
		assert.Less(t, history[0].Seq, history[2].Seq)

		many, err := s.LatestAnchors(ctx, []string{"r1", "r2", "r3", "none"})
		require.NoError(t, err)
		assert.Len(t, many, 3)
		assert.Equal(t, AnchorSubmitted, many["r2"].Status)
		assert.Equal(t, AnchorSkipped, many["r3"].Status)

		submitted, err := s.ListByAnchorStatus(ctx, AnchorSubmitted, 10)
		require.NoError(t, err)
		require.Len(t, submitted, 1)
		assert.Equal(t, "r2", submitted[0].Reference)
		assert.Equal(t, "0xbbb", submitted[0].TxHash)

		pending, err := s.ListByAnchorStatus(ctx, AnchorPending, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		assert.ErrorIs(t, s.AppendAnchor(ctx, &AnchorEvent{ID: "bad", Reference: "r1", Status: "lost"}), ErrInvalid)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(context.Background()))
	})
}

func uniqueName(t *testing.T) string {
	return fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())
}
