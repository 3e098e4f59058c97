package fraud

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fraudproof/fraudproof/internal/anchor"
	"github.com/fraudproof/fraudproof/internal/audit"
	"github.com/fraudproof/fraudproof/internal/pagination"
)

// DashboardQuery selects one dashboard page.
type DashboardQuery struct {
	Domain string
	Limit  int
	Cursor string
}

// DashboardEntry is one record with its anchoring state and, for the
// newest anchored records, the decoded ledger event.
type DashboardEntry struct {
	Record     *audit.Record      `json:"record"`
	Anchor     *audit.AnchorEvent `json:"anchor,omitempty"`
	Chain      *anchor.ChainEvent `json:"chain,omitempty"`
	ChainError string             `json:"chainError,omitempty"`
}

// Dashboard is a newest-first page of records plus per-domain totals.
type Dashboard struct {
	Entries    []*DashboardEntry `json:"entries"`
	Counts     map[string]int    `json:"counts"`
	NextCursor string            `json:"nextCursor,omitempty"`
	HasMore    bool              `json:"hasMore"`
}

// Dashboard lists recent records. Ledger lookups are limited to the first
// DashboardLookups entries carrying a transaction hash and run concurrently.
func (s *Service) Dashboard(ctx context.Context, q DashboardQuery) (*Dashboard, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	limit = min(limit, pagination.MaxLimit)

	opts := audit.ListOptions{Domain: q.Domain, Limit: limit + 1}
	if q.Cursor != "" {
		c, err := pagination.Decode(q.Cursor)
		if err != nil {
			return nil, err
		}
		opts.After = c
	}

	records, err := s.store.ListRecent(ctx, opts)
	if err != nil {
		return nil, err
	}
	records, next, more := pagination.ComputePage(records, limit, func(r *audit.Record) (time.Time, string) {
		return r.CreatedAt, r.Reference
	})

	refs := make([]string, len(records))
	for i, r := range records {
		refs[i] = r.Reference
	}
	anchors, err := s.store.LatestAnchors(ctx, refs)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountByDomain(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]*DashboardEntry, len(records))
	for i, r := range records {
		entries[i] = &DashboardEntry{Record: r, Anchor: anchors[r.Reference]}
	}
	s.attachChainEvents(ctx, entries)

	return &Dashboard{Entries: entries, Counts: counts, NextCursor: next, HasMore: more}, nil
}

func (s *Service) attachChainEvents(ctx context.Context, entries []*DashboardEntry) {
	if s.reader == nil {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.DashboardLookups)
	lookups := 0
	for _, e := range entries {
		if lookups == s.cfg.DashboardLookups {
			break
		}
		if e.Anchor == nil || !anchor.IsTxHash(e.Anchor.TxHash) {
			continue
		}
		lookups++
		g.Go(func() error {
			ev, err := s.reader.Read(gctx, e.Anchor.TxHash)
			if err != nil {
				e.ChainError = err.Error()
				return nil
			}
			e.Chain = ev
			return nil
		})
	}
	_ = g.Wait()
}
