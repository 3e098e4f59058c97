package fraud

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraudproof/fraudproof/internal/anchor"
	"github.com/fraudproof/fraudproof/internal/audit"
)

var (
	txA = common.HexToHash("0xa1").Hex()
	txB = common.HexToHash("0xb2").Hex()
)

func seed(t *testing.T, env *testEnv, ref string, score int, events ...audit.AnchorEvent) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.Insert(ctx, &audit.Record{Reference: ref, Domain: "ethereum", Score: score, ModelVersion: "eth-v1"}))
	for i := range events {
		ev := events[i]
		ev.Reference = ref
		if ev.ID == "" {
			ev.ID = ref + "-" + string(ev.Status)
		}
		require.NoError(t, env.store.AppendAnchor(ctx, &ev))
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name   string
		events []audit.AnchorEvent
		chain  *anchor.ChainEvent
		want   VerificationStatus
	}{
		{
			name: "never anchored",
			want: VerificationNotAnchored,
		},
		{
			name:   "skipped",
			events: []audit.AnchorEvent{{Status: audit.AnchorSkipped}},
			want:   VerificationNotAnchored,
		},
		{
			name:   "failed",
			events: []audit.AnchorEvent{{Status: audit.AnchorPending}, {Status: audit.AnchorFailed}},
			want:   VerificationNotAnchored,
		},
		{
			name:   "pending",
			events: []audit.AnchorEvent{{Status: audit.AnchorPending}},
			want:   VerificationPending,
		},
		{
			name:   "submitted and unmined",
			events: []audit.AnchorEvent{{Status: audit.AnchorSubmitted, TxHash: txA}},
			want:   VerificationPending,
		},
		{
			name:   "submitted and already mined",
			events: []audit.AnchorEvent{{Status: audit.AnchorSubmitted, TxHash: txA}},
			chain:  &anchor.ChainEvent{TxHash: txA, Score: 90, ModelVersion: "eth-v1", Reference: "ref"},
			want:   VerificationVerified,
		},
		{
			name:   "confirmed and matching",
			events: []audit.AnchorEvent{{Status: audit.AnchorConfirmed, TxHash: txA}},
			chain:  &anchor.ChainEvent{TxHash: txA, Score: 90, ModelVersion: "eth-v1", Reference: "ref"},
			want:   VerificationVerified,
		},
		{
			name:   "confirmed but missing on chain",
			events: []audit.AnchorEvent{{Status: audit.AnchorConfirmed, TxHash: txA}},
			want:   VerificationNotFoundOnChain,
		},
		{
			name:   "confirmed with a different score",
			events: []audit.AnchorEvent{{Status: audit.AnchorConfirmed, TxHash: txA}},
			chain:  &anchor.ChainEvent{TxHash: txA, Score: 12, ModelVersion: "eth-v1", Reference: "ref"},
			want:   VerificationMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			seed(t, env, "ref", 90, tt.events...)
			env.reader.events = map[string]*anchor.ChainEvent{}
			if tt.chain != nil {
				env.reader.events[tt.chain.TxHash] = tt.chain
			}

			v, err := env.svc.Verify(context.Background(), "ref")
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Status)
			assert.Equal(t, "ref", v.Record.Reference)
			if tt.want == VerificationMismatch {
				require.Len(t, v.Mismatches, 1)
				assert.Contains(t, v.Mismatches[0], "fraudScore")
			}
			if tt.want == VerificationVerified {
				assert.Equal(t, tt.chain, v.Chain)
			}
		})
	}
}

func TestVerify_Errors(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Verify(context.Background(), "missing")
	assert.ErrorIs(t, err, audit.ErrNotFound)

	seed(t, env, "ref", 90, audit.AnchorEvent{Status: audit.AnchorConfirmed, TxHash: txB})
	env.reader.err = anchor.ErrRPCConnection
	_, err = env.svc.Verify(context.Background(), "ref")
	assert.ErrorIs(t, err, anchor.ErrRPCConnection)

	noLedger := NewService(fakeScorer{}, env.store, DefaultConfig(), discardLogger())
	_, err = noLedger.Verify(context.Background(), "ref")
	assert.ErrorIs(t, err, anchor.ErrUnavailable)
}

func TestCompare(t *testing.T) {
	rec := &audit.Record{Reference: "r", Score: 50, ModelVersion: "v1"}
	assert.Empty(t, compare(rec, &anchor.ChainEvent{Reference: "r", Score: 50, ModelVersion: "v1"}))
	assert.Len(t, compare(rec, &anchor.ChainEvent{Reference: "x", Score: 51, ModelVersion: "v2"}), 3)
}
