//go:build integration

package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraudproof/fraudproof/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db := testutil.PGContainer(t)

	runStoreSuite(t, func(t *testing.T) Store {
		testutil.Truncate(t, db)
		return NewPostgresStore(db)
	})
}

func TestPostgresStore_AppendOnly(t *testing.T) {
	db := testutil.PGContainer(t)
	testutil.Truncate(t, db)
	s := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, &Record{Reference: "r", Domain: "bank", Score: 1, ModelVersion: "v1"}))
	_, err := db.ExecContext(ctx, `UPDATE audit_records SET fraud_score = 2 WHERE reference = 'r'`)
	assert.ErrorContains(t, err, "append-only")

	var score int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT fraud_score FROM audit_records WHERE reference = 'r'`).Scan(&score))
	assert.Equal(t, 1, score)
}
