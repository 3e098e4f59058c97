package fraud

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraudproof/fraudproof/internal/audit"
)

const vehicleCSV = "\ufeffPolicyNumber,AccidentArea,Sex,Age,FraudFound_P,score\n" +
	"1,Urban,Male,34,0,10\n" +
	"2,Rural,Female,51,1,90\n" +
	"3,Urban,Female,22,1,85\n" +
	"4,Urban,Male,,0,5\n" +
	"5,Rural,Male,40,1,95\n" +
	"6,Urban,Male,30,1,70\n" +
	"7,Urban,Male,29,1,75\n" +
	"8,Urban,Male,60,1,80\n"

func writeSamples(t *testing.T, dir, domain, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain+"_test_data.csv"), []byte(body), 0o600))
}

func TestReadSamples(t *testing.T) {
	set, err := readSamples(strings.NewReader(vehicleCSV), "FraudFound_P")
	require.NoError(t, err)
	assert.Len(t, set.fraud, 6)
	assert.Len(t, set.nonFraud, 2)

	first := set.nonFraud[0]
	assert.Equal(t, 1.0, first["PolicyNumber"])
	assert.Equal(t, "Urban", first["AccidentArea"])
	assert.Equal(t, 34.0, first["Age"])
	assert.NotContains(t, first, "FraudFound_P")

	_, hasAge := set.nonFraud[1]["Age"]
	assert.False(t, hasAge, "empty cells are omitted")
}

func TestReadSamples_MissingLabel(t *testing.T) {
	_, err := readSamples(strings.NewReader("a,b\n1,2\n"), "fraud_bool")
	assert.ErrorContains(t, err, "fraud_bool")
}

func TestParseLabel(t *testing.T) {
	l, err := ParseLabel(" Fraud ")
	require.NoError(t, err)
	assert.Equal(t, LabelFraud, l)
	l, err = ParseLabel("non-fraud")
	require.NoError(t, err)
	assert.Equal(t, LabelNonFraud, l)
	_, err = ParseLabel("maybe")
	assert.ErrorIs(t, err, ErrInvalidLabel)
}

func TestTestRun(t *testing.T) {
	env := newTestEnv(t)
	writeSamples(t, env.svc.samples.dir, "vehicle", vehicleCSV)
	ctx := context.Background()

	results, err := env.svc.TestRun(ctx, TestRunRequest{Domain: "vehicle", Label: "fraud"})
	require.NoError(t, err)
	assert.Len(t, results, 5, "at most five rows per run")

	for _, r := range results {
		assert.True(t, strings.HasPrefix(r.Reference, "test_"))
		assert.True(t, r.Success)
		assert.Equal(t, LabelFraud, r.ExpectedLabel)
		assert.GreaterOrEqual(t, r.Score, 70)

		rec, err := env.store.Get(ctx, r.Reference)
		require.NoError(t, err)
		assert.NotContains(t, rec.Snapshot, "FraudFound_P")

		ev, err := env.store.LatestAnchor(ctx, r.Reference)
		require.NoError(t, err)
		assert.Equal(t, audit.AnchorSkipped, ev.Status)
		assert.Equal(t, "test run", ev.Error)
	}
	assert.Zero(t, env.anchors.count(), "sample runs are never anchored")

	results, err = env.svc.TestRun(ctx, TestRunRequest{Domain: "vehicle", Label: "non-fraud"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestTestRun_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.TestRun(ctx, TestRunRequest{Domain: "vehicle", Label: "fraud"})
	assert.ErrorIs(t, err, ErrNoSamples)

	_, err = env.svc.TestRun(ctx, TestRunRequest{Domain: "vehicle", Label: "both"})
	assert.ErrorIs(t, err, ErrInvalidLabel)

	_, err = env.svc.TestRun(ctx, TestRunRequest{Domain: "crypto", Label: "fraud"})
	assert.ErrorIs(t, err, ErrScoringFailed)

	writeSamples(t, env.svc.samples.dir, "bank", "income,fraud_bool\n0.5,0\n")
	_, err = env.svc.TestRun(ctx, TestRunRequest{Domain: "bank", Label: "fraud"})
	assert.ErrorIs(t, err, ErrNoSamples)
}
