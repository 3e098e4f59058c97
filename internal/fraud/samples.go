package fraud

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fraudproof/fraudproof/internal/features"
	"github.com/fraudproof/fraudproof/internal/idgen"
	"github.com/fraudproof/fraudproof/internal/logging"
)

// Label selects which ground-truth class a sample run draws from.
type Label string

const (
	LabelFraud    Label = "fraud"
	LabelNonFraud Label = "non-fraud"
)

// ParseLabel validates a label.
func ParseLabel(s string) (Label, error) {
	switch Label(strings.ToLower(strings.TrimSpace(s))) {
	case LabelFraud:
		return LabelFraud, nil
	case LabelNonFraud:
		return LabelNonFraud, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLabel, s)
}

// TestRunRequest asks for labelled sample rows to be scored.
type TestRunRequest struct {
	Domain string `json:"domain" binding:"required"`
	Label  string `json:"label" binding:"required"`
}

// TestResult is the score given to one labelled sample row.
type TestResult struct {
	Reference     string `json:"reference"`
	Domain        string `json:"domain"`
	Success       bool   `json:"success"`
	Score         int    `json:"fraudScore"`
	Error         string `json:"error,omitempty"`
	ModelVersion  string `json:"modelVersion,omitempty"`
	ExpectedLabel Label  `json:"expectedLabel"`
}

// TestRun scores up to SampleRows random rows of the domain's sample file
// whose label matches. Rows are recorded under a test_ reference and never
// anchored.
func (s *Service) TestRun(ctx context.Context, req TestRunRequest) ([]TestResult, error) {
	domain, ok := features.ParseDomain(req.Domain)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrScoringFailed, req.Domain)
	}
	label, err := ParseLabel(req.Label)
	if err != nil {
		return nil, err
	}

	set, err := s.samples.load(domain)
	if err != nil {
		return nil, err
	}
	rows := set.pick(label == LabelFraud, s.cfg.SampleRows)
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no %s rows for %s", ErrNoSamples, label, domain)
	}

	results := make([]TestResult, 0, len(rows))
	for _, row := range rows {
		ref := idgen.WithPrefix("test_")
		rowCtx := logging.WithReference(ctx, ref)
		resp, err := s.score(rowCtx, ScoreRequest{Reference: ref, Domain: string(domain), Fields: row}, false)
		if err != nil && !errors.Is(err, ErrScoringFailed) {
			return nil, err
		}
		if err != nil {
			logging.L(rowCtx).Warn("sample row failed to score", "domain", domain, "error", resp.Error)
		}
		results = append(results, TestResult{
			Reference:     ref,
			Domain:        string(domain),
			Success:       resp.Success,
			Score:         resp.Score,
			Error:         resp.Error,
			ModelVersion:  resp.ModelVersion,
			ExpectedLabel: label,
		})
	}
	return results, nil
}

// sampleSet is one domain's labelled rows with the label column removed.
type sampleSet struct {
	fraud    []features.Record
	nonFraud []features.Record
}

func (s *sampleSet) pick(fraud bool, n int) []features.Record {
	pool := s.nonFraud
	if fraud {
		pool = s.fraud
	}
	idx := rand.Perm(len(pool))
	if len(idx) > n {
		idx = idx[:n]
	}
	out := make([]features.Record, len(idx))
	for i, j := range idx {
		out[i] = pool[j].Clone()
	}
	return out
}

// sampleCache loads each domain's sample file at most once.
type sampleCache struct {
	dir  string
	mu   sync.Mutex
	sets map[features.Domain]*sampleSet
}

func newSampleCache(dir string) *sampleCache {
	return &sampleCache{dir: dir, sets: make(map[features.Domain]*sampleSet)}
}

func (c *sampleCache) load(domain features.Domain) (*sampleSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if set, ok := c.sets[domain]; ok {
		return set, nil
	}
	tr, ok := features.Builtin(domain)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSamples, domain)
	}

	path := filepath.Join(c.dir, string(domain)+"_test_data.csv")
	f, err := os.Open(path) // #nosec G304 -- path built from configured sample dir and a known domain
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoSamples, path)
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	set, err := readSamples(f, tr.LabelField())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c.sets[domain] = set
	return set, nil
}

// readSamples parses a CSV with a header row. Numeric cells become float64,
// everything else stays a string; empty cells are omitted.
func readSamples(r io.Reader, labelField string) (*sampleSet, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header = append([]string(nil), header...)
	labelCol := -1
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if header[i] == labelField {
			labelCol = i
		}
	}
	if labelCol < 0 {
		return nil, fmt.Errorf("label column %q missing", labelField)
	}

	set := &sampleSet{}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		rec := make(features.Record, len(row))
		for i, cell := range row {
			if i == labelCol || i >= len(header) {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			if f, err := strconv.ParseFloat(cell, 64); err == nil {
				rec[header[i]] = f
			} else {
				rec[header[i]] = cell
			}
		}

		if isFraud(row[labelCol]) {
			set.fraud = append(set.fraud, rec)
		} else {
			set.nonFraud = append(set.nonFraud, rec)
		}
	}
	return set, nil
}

func isFraud(cell string) bool {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "1", "1.0", "true", "yes":
		return true
	}
	return false
}
