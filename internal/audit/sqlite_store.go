package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sql/sqlite.sql
var sqliteSchema string

// SQLiteStore persists records in a single SQLite file. Timestamps are
// stored as Unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path not specified")
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer keeps SQLITE_BUSY out of concurrent inserts.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, r *Record) error {
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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (reference, domain, fraud_score, model_version, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (reference) DO NOTHING`,
		r.Reference, r.Domain, r.Score, r.ModelVersion, string(snapshot), r.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateReference
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, reference string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT reference, domain, fraud_score, model_version, snapshot, created_at
		FROM audit_records WHERE reference = ?`, reference)
	r, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) ListRecent(ctx context.Context, opts ListOptions) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	if opts.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, opts.Domain)
	}
	if opts.After != nil {
		where = append(where, "(created_at < ? OR (created_at = ? AND reference < ?))")
		at := opts.After.CreatedAt.UnixMicro()
		args = append(args, at, at, opts.After.Key)
	}
	query := `SELECT reference, domain, fraud_score, model_version, snapshot, created_at FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, reference DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) CountByDomain(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain, COUNT(*) FROM audit_records GROUP BY domain`)
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

func (s *SQLiteStore) AppendAnchor(ctx context.Context, e *AnchorEvent) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO anchor_events (id, reference, status, tx_hash, nonce, block_number, gas_used, error, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM audit_records WHERE reference = ?)`,
		e.ID, e.Reference, string(e.Status), nullString(e.TxHash), int64(e.Nonce),
		int64(e.BlockNumber), int64(e.GasUsed), nullString(e.Error), e.CreatedAt.UnixMicro(),
		e.Reference,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	e.Seq, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) LatestAnchor(ctx context.Context, reference string) (*AnchorEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+anchorColumns+` FROM anchor_events
		WHERE reference = ? ORDER BY seq DESC LIMIT 1`, reference)
	e, err := scanSQLiteAnchor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) LatestAnchors(ctx context.Context, references []string) (map[string]*AnchorEvent, error) {
	out := make(map[string]*AnchorEvent, len(references))
	if len(references) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(references)), ",")
	args := make([]any, len(references))
	for i, r := range references {
		args[i] = r
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+anchorColumns+` FROM anchor_events
		WHERE seq IN (
			SELECT MAX(seq) FROM anchor_events
			WHERE reference IN (`+placeholders+`)
			GROUP BY reference
		)`, args...)
	if err != nil {
		return nil, err
	}
	events, err := scanSQLiteAnchors(rows)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		out[e.Reference] = e
	}
	return out, nil
}

func (s *SQLiteStore) AnchorHistory(ctx context.Context, reference string) ([]*AnchorEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+anchorColumns+` FROM anchor_events
		WHERE reference = ? ORDER BY seq`, reference)
	if err != nil {
		return nil, err
	}
	return scanSQLiteAnchors(rows)
}

func (s *SQLiteStore) ListByAnchorStatus(ctx context.Context, status AnchorStatus, limit int) ([]*AnchorEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+anchorColumns+` FROM anchor_events
		WHERE seq IN (SELECT MAX(seq) FROM anchor_events GROUP BY reference)
		  AND status = ?
		ORDER BY seq
		LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return scanSQLiteAnchors(rows)
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

func scanSQLiteRecord(sc scanner) (*Record, error) {
	r := &Record{}
	var (
		snapshot  string
		createdAt int64
	)
	if err := sc.Scan(&r.Reference, &r.Domain, &r.Score, &r.ModelVersion, &snapshot, &createdAt); err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMicro(createdAt).UTC()
	if err := unmarshalSnapshot([]byte(snapshot), &r.Snapshot); err != nil {
		return nil, err
	}
	return r, nil
}

func scanSQLiteAnchor(sc scanner) (*AnchorEvent, error) {
	e := &AnchorEvent{}
	var (
		status                string
		txHash, errMsg        sql.NullString
		nonce, block, gasUsed sql.NullInt64
		createdAt             int64
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
	e.CreatedAt = time.UnixMicro(createdAt).UTC()
	return e, nil
}

func scanSQLiteAnchors(rows *sql.Rows) ([]*AnchorEvent, error) {
	defer func() { _ = rows.Close() }()
	var result []*AnchorEvent
	for rows.Next() {
		e, err := scanSQLiteAnchor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
