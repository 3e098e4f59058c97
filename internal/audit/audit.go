// Package audit is the correlation store: scored records keyed by a unique
// reference, plus the append-only log of anchoring events for each record.
//
// Records are never updated. A second insert with the same reference is
// rejected with ErrDuplicateReference rather than overwriting the first, and
// anchoring progress is expressed by appending events, with the latest event
// giving the current status.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fraudproof/fraudproof/internal/pagination"
)

var (
	ErrDuplicateReference = errors.New("audit: duplicate reference")
	ErrNotFound           = errors.New("audit: not found")
	ErrInvalid            = errors.New("audit: invalid record")
)

// Record is one persisted scoring event.
type Record struct {
	Reference    string         `json:"reference"`
	Domain       string         `json:"domain"`
	Score        int            `json:"fraudScore"`
	ModelVersion string         `json:"modelVersion"`
	Snapshot     map[string]any `json:"snapshot,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Validate checks the fields every backend relies on.
func (r *Record) Validate() error {
	switch {
	case r.Reference == "":
		return fmt.Errorf("%w: reference is required", ErrInvalid)
	case len(r.Reference) > 255:
		return fmt.Errorf("%w: reference longer than 255 characters", ErrInvalid)
	case r.Domain == "":
		return fmt.Errorf("%w: domain is required", ErrInvalid)
	case r.Score < 0 || r.Score > 100:
		return fmt.Errorf("%w: score %d outside 0..100", ErrInvalid, r.Score)
	}
	return nil
}

// AnchorStatus is the anchoring state of a record.
type AnchorStatus string

const (
	AnchorPending   AnchorStatus = "pending"
	AnchorSubmitted AnchorStatus = "submitted"
	AnchorConfirmed AnchorStatus = "confirmed"
	AnchorFailed    AnchorStatus = "failed"
	AnchorSkipped   AnchorStatus = "skipped"
)

// Terminal reports whether no further events are expected.
func (s AnchorStatus) Terminal() bool {
	return s == AnchorConfirmed || s == AnchorFailed || s == AnchorSkipped
}

// AnchorEvent is one step of a record's anchoring lifecycle.
type AnchorEvent struct {
	ID          string       `json:"id"`
	Seq         int64        `json:"seq"`
	Reference   string       `json:"reference"`
	Status      AnchorStatus `json:"status"`
	TxHash      string       `json:"txHash,omitempty"`
	Nonce       uint64       `json:"nonce,omitempty"`
	BlockNumber uint64       `json:"blockNumber,omitempty"`
	GasUsed     uint64       `json:"gasUsed,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ListOptions selects a newest-first page of records.
type ListOptions struct {
	Domain string
	Limit  int
	// After continues from a previous page.
	After *pagination.Cursor
}

// Store persists records and anchor events.
type Store interface {
	// Insert stores r if its reference is new and returns
	// ErrDuplicateReference otherwise. The check and the write are atomic.
	Insert(ctx context.Context, r *Record) error
	Get(ctx context.Context, reference string) (*Record, error)
	// ListRecent returns records newest first.
	ListRecent(ctx context.Context, opts ListOptions) ([]*Record, error)
	// CountByDomain returns the number of records per domain.
	CountByDomain(ctx context.Context) (map[string]int, error)

	// AppendAnchor adds an event to a record's anchor log and assigns its Seq.
	AppendAnchor(ctx context.Context, e *AnchorEvent) error
	// LatestAnchor returns the most recent event for reference or ErrNotFound.
	LatestAnchor(ctx context.Context, reference string) (*AnchorEvent, error)
	// LatestAnchors returns the most recent event for each reference that has one.
	LatestAnchors(ctx context.Context, references []string) (map[string]*AnchorEvent, error)
	// AnchorHistory returns every event for reference, oldest first.
	AnchorHistory(ctx context.Context, reference string) ([]*AnchorEvent, error)
	// ListByAnchorStatus returns the latest events currently in status,
	// oldest first.
	ListByAnchorStatus(ctx context.Context, status AnchorStatus, limit int) ([]*AnchorEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

func validateEvent(e *AnchorEvent) error {
	if e.Reference == "" {
		return fmt.Errorf("%w: anchor event without reference", ErrInvalid)
	}
	switch e.Status {
	case AnchorPending, AnchorSubmitted, AnchorConfirmed, AnchorFailed, AnchorSkipped:
		return nil
	}
	return fmt.Errorf("%w: unknown anchor status %q", ErrInvalid, e.Status)
}

// now is truncated to the precision every backend can store.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// before reports whether a sorts after the cursor position in newest-first
// order, i.e. belongs on the next page.
func before(createdAt time.Time, reference string, c *pagination.Cursor) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return reference < c.Key
	}
	return createdAt.Before(c.CreatedAt)
}
