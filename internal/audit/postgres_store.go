package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore persists records in PostgreSQL. The schema is managed by the
// goose migrations in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	snapshot, err := marshalSnapshot(r.Snapshot)
	if err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_records (reference, domain, fraud_score, model_version, snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.Reference, r.Domain, r.Score, r.ModelVersion, snapshot, r.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pgUniqueViolation {
		return ErrDuplicateReference
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, reference string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT reference, domain, fraud_score, model_version, snapshot, created_at
		FROM audit_records WHERE reference = $1`, reference)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRecent(ctx context.Context, opts ListOptions) ([]*Record, error) {
	var (
		afterTime sql.NullTime
		afterKey  string
	)
	if opts.After != nil {
		afterTime = sql.NullTime{Time: opts.After.CreatedAt, Valid: true}
		afterKey = opts.After.Key
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT reference, domain, fraud_score, model_version, snapshot, created_at
		FROM audit_records
		WHERE ($1 = '' OR domain = $1)
		  AND ($2::timestamptz IS NULL OR (created_at, reference) < ($2::timestamptz, $3))
		ORDER BY created_at DESC, reference DESC
		LIMIT $4`, opts.Domain, afterTime, afterKey, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountByDomain(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT domain, COUNT(*) FROM audit_records GROUP BY domain`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			domain string
			n      int
		)
		if err := rows.Scan(&domain, &n); err != nil {
			return nil, err
		}
		counts[domain] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) AppendAnchor(ctx context.Context, e *AnchorEvent) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO anchor_events (id, reference, status, tx_hash, nonce, block_number, gas_used, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq`,
		e.ID, e.Reference, string(e.Status), nullString(e.TxHash), int64(e.Nonce),
		int64(e.BlockNumber), int64(e.GasUsed), nullString(e.Error), e.CreatedAt,
	).Scan(&e.Seq)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pgForeignKeyViolation {
		return ErrNotFound
	}
	return err
}

const anchorColumns = `seq, id, reference, status, tx_hash, nonce, block_number, gas_used, error, created_at`

func (p *PostgresStore) LatestAnchor(ctx context.Context, reference string) (*AnchorEvent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+anchorColumns+`
		FROM anchor_events WHERE reference = $1
		ORDER BY seq DESC LIMIT 1`, reference)
	e, err := scanAnchor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) LatestAnchors(ctx context.Context, references []string) (map[string]*AnchorEvent, error) {
	out := make(map[string]*AnchorEvent, len(references))
	if len(references) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ON (reference) `+anchorColumns+`
		FROM anchor_events WHERE reference = ANY($1)
		ORDER BY reference, seq DESC`, pq.Array(references))
	if err != nil {
		return nil, err
	}
	events, err := scanAnchors(rows)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		out[e.Reference] = e
	}
	return out, nil
}

func (p *PostgresStore) AnchorHistory(ctx context.Context, reference string) ([]*AnchorEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+anchorColumns+`
		FROM anchor_events WHERE reference = $1
		ORDER BY seq`, reference)
	if err != nil {
		return nil, err
	}
	return scanAnchors(rows)
}

func (p *PostgresStore) ListByAnchorStatus(ctx context.Context, status AnchorStatus, limit int) ([]*AnchorEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+anchorColumns+` FROM (
			SELECT DISTINCT ON (reference) `+anchorColumns+`
			FROM anchor_events
			ORDER BY reference, seq DESC
		) latest
		WHERE status = $1
		ORDER BY seq
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return scanAnchors(rows)
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Close is a no-op; the caller owns the *sql.DB.
func (p *PostgresStore) Close() error { return nil }

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*Record, error) {
	r := &Record{}
	var snapshot []byte
	if err := sc.Scan(&r.Reference, &r.Domain, &r.Score, &r.ModelVersion, &snapshot, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	if err := unmarshalSnapshot(snapshot, &r.Snapshot); err != nil {
		return nil, err
	}
	return r, nil
}

func scanAnchor(sc scanner) (*AnchorEvent, error) {
	e := &AnchorEvent{}
	var (
		status                string
		txHash, errMsg        sql.NullString
		nonce, block, gasUsed sql.NullInt64
		createdAt             time.Time
	)
	err := sc.Scan(&e.Seq, &e.ID, &e.Reference, &status, &txHash, &nonce, &block, &gasUsed, &errMsg, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Status = AnchorStatus(status)
	e.TxHash = txHash.String
	e.Error = errMsg.String
	e.Nonce = uint64(nonce.Int64)
	e.BlockNumber = uint64(block.Int64)
	e.GasUsed = uint64(gasUsed.Int64)
	e.CreatedAt = createdAt.UTC()
	return e, nil
}

func scanAnchors(rows *sql.Rows) ([]*AnchorEvent, error) {
	defer func() { _ = rows.Close() }()
	var result []*AnchorEvent
	for rows.Next() {
		e, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func marshalSnapshot(s map[string]any) ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrInvalid, err)
	}
	return b, nil
}

func unmarshalSnapshot(b []byte, dst *map[string]any) error {
	if len(b) == 0 || string(b) == "{}" {
		return nil
	}
	return json.Unmarshal(b, dst)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
