package audit

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping redis store tests")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewRedisStore(context.Background(), url)
		require.NoError(t, err)
		s.WithPrefix("fraudproof_test:" + uniqueName(t) + ":")
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRedisStore_InsertFailureLeavesNoRecord(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping redis store tests")
	}
	ctx := context.Background()
	s, err := NewRedisStore(ctx, url)
	require.NoError(t, err)
	s.WithPrefix("fraudproof_test:" + uniqueName(t) + ":")
	t.Cleanup(func() { _ = s.Close() })

	// A string where the domain count hash belongs makes HINCRBY fail.
	require.NoError(t, s.rdb.Set(ctx, s.countsKey(), "x", 0).Err())

	rec := &Record{Reference: "ref-1", Domain: "bank", Score: 40, ModelVersion: "bank-v1"}
	require.Error(t, s.Insert(ctx, rec))

	_, err = s.Get(ctx, "ref-1")
	require.ErrorIs(t, err, ErrNotFound)
	recent, err := s.ListRecent(ctx, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, recent)

	require.NoError(t, s.rdb.Del(ctx, s.countsKey()).Err())
	require.NoError(t, s.Insert(ctx, rec))
	counts, err := s.CountByDomain(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"bank": 1}, counts)
	recent, err = s.ListRecent(ctx, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.ErrorIs(t, s.Insert(ctx, rec), ErrDuplicateReference)
}
