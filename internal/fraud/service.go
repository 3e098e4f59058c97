// Package fraud ties scoring, the audit log and ledger anchoring together.
//
// A score request is transformed, classified and calibrated synchronously,
// persisted as an audit record, and then handed to the anchor dispatcher.
// The response never waits for the ledger: its anchor status starts as
// pending and is settled in the background.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fraudproof/fraudproof/internal/anchor"
	"github.com/fraudproof/fraudproof/internal/audit"
	"github.com/fraudproof/fraudproof/internal/features"
	"github.com/fraudproof/fraudproof/internal/idgen"
	"github.com/fraudproof/fraudproof/internal/inference"
	"github.com/fraudproof/fraudproof/internal/logging"
	"github.com/fraudproof/fraudproof/internal/realtime"
	"github.com/fraudproof/fraudproof/internal/traces"
)

var (
	ErrScoringFailed = errors.New("fraud: scoring failed")
	ErrInvalidLabel  = errors.New("fraud: label must be fraud or non-fraud")
	ErrNoSamples     = errors.New("fraud: no sample data")
)

// Scorer produces a calibrated score for one raw record.
type Scorer interface {
	Score(ctx context.Context, raw features.Record, domain string) inference.Result
}

// Anchorer queues a record for ledger anchoring.
type Anchorer interface {
	Enqueue(ctx context.Context, job anchor.Job) error
}

// ChainReader reads an anchored score back from the ledger.
type ChainReader interface {
	Read(ctx context.Context, txHash string) (*anchor.ChainEvent, error)
}

// Publisher streams events to live clients.
type Publisher interface {
	Publish(eventType realtime.EventType, data map[string]interface{})
}

// Config tunes the service.
type Config struct {
	// AnchorMinScore is the lowest score that is anchored.
	AnchorMinScore int
	// DashboardLookups bounds the chain reads made per dashboard page.
	DashboardLookups int
	// SampleDir holds <domain>_test_data.csv files for labelled runs.
	SampleDir string
	// SampleRows is how many rows one labelled run scores.
	SampleRows int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AnchorMinScore:   50,
		DashboardLookups: 5,
		SampleDir:        "data/test_data",
		SampleRows:       5,
	}
}

// Service orchestrates scoring, persistence and anchoring.
type Service struct {
	scorer    Scorer
	store     audit.Store
	anchors   Anchorer
	reader    ChainReader
	publisher Publisher
	samples   *sampleCache
	cfg       Config
	logger    *slog.Logger
}

// NewService creates a service with anchoring disabled.
func NewService(scorer Scorer, store audit.Store, cfg Config, logger *slog.Logger) *Service {
	if cfg.DashboardLookups <= 0 {
		cfg.DashboardLookups = 5
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = 5
	}
	return &Service{
		scorer:  scorer,
		store:   store,
		samples: newSampleCache(cfg.SampleDir),
		cfg:     cfg,
		logger:  logger,
	}
}

// WithAnchoring enables anchoring through a and chain reads through r.
func (s *Service) WithAnchoring(a Anchorer, r ChainReader) *Service {
	s.anchors = a
	s.reader = r
	return s
}

// WithPublisher streams score and anchor events to p.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// AnchoringEnabled reports whether scores are sent to the ledger.
func (s *Service) AnchoringEnabled() bool {
	return s.anchors != nil
}

// ScoreRequest asks for one record to be scored and recorded.
type ScoreRequest struct {
	// Reference is the caller's unique transaction id; generated when empty.
	Reference string          `json:"reference"`
	Domain    string          `json:"domain" binding:"required"`
	Fields    features.Record `json:"fields" binding:"required"`
}

// AnchorState is the anchoring status reported with a score.
type AnchorState struct {
	Status audit.AnchorStatus `json:"status"`
	TxHash string             `json:"txHash,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// ScoreResponse is the outcome of a score request.
type ScoreResponse struct {
	Reference    string      `json:"reference"`
	Domain       string      `json:"domain"`
	Success      bool        `json:"success"`
	Score        int         `json:"fraudScore"`
	Error        string      `json:"error,omitempty"`
	ModelVersion string      `json:"modelVersion,omitempty"`
	Anchor       AnchorState `json:"anchor"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Score scores req, persists the audit record and queues it for anchoring.
// A scoring failure returns the unsuccessful response with ErrScoringFailed
// and persists nothing; a duplicate reference returns
// audit.ErrDuplicateReference.
func (s *Service) Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error) {
	if req.Reference == "" {
		req.Reference = idgen.New()
	}
	ctx = logging.WithReference(ctx, req.Reference)
	ctx, span := traces.StartSpan(ctx, "fraud.Score", traces.Domain(req.Domain), traces.Reference(req.Reference))
	defer span.End()

	return s.score(ctx, req, true)
}

func (s *Service) score(ctx context.Context, req ScoreRequest, anchorable bool) (*ScoreResponse, error) {
	res := s.scorer.Score(ctx, req.Fields, req.Domain)
	resp := &ScoreResponse{
		Reference:    req.Reference,
		Domain:       req.Domain,
		Success:      res.Success,
		Score:        res.Score,
		Error:        res.Error,
		ModelVersion: res.ModelVersion,
	}
	if !res.Success {
		return resp, fmt.Errorf("%w: %w", ErrScoringFailed, res.Err)
	}

	rec := &audit.Record{
		Reference:    req.Reference,
		Domain:       req.Domain,
		Score:        res.Score,
		ModelVersion: res.ModelVersion,
		Snapshot:     map[string]any(req.Fields.Clone()),
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	resp.CreatedAt = rec.CreatedAt

	s.publish(realtime.EventScoreRecorded, map[string]interface{}{
		"reference":    rec.Reference,
		"domain":       rec.Domain,
		"score":        rec.Score,
		"modelVersion": rec.ModelVersion,
	})

	resp.Anchor = s.anchor(ctx, rec, anchorable)
	return resp, nil
}

// anchor queues rec or records why it was skipped. Failures here never
// invalidate the persisted score.
func (s *Service) anchor(ctx context.Context, rec *audit.Record, anchorable bool) AnchorState {
	var reason string
	switch {
	case !anchorable:
		reason = "test run"
	case s.anchors == nil:
		reason = "anchoring disabled"
	case rec.Score < s.cfg.AnchorMinScore:
		reason = fmt.Sprintf("score below %d", s.cfg.AnchorMinScore)
	}

	if reason != "" {
		ev := &audit.AnchorEvent{ID: idgen.Ordered("anc_"), Reference: rec.Reference, Status: audit.AnchorSkipped, Error: reason}
		if err := s.store.AppendAnchor(ctx, ev); err != nil {
			logging.L(ctx).Error("failed to record skipped anchor", "error", err)
		} else {
			s.PublishAnchor(ev)
		}
		return AnchorState{Status: audit.AnchorSkipped, Error: reason}
	}

	err := s.anchors.Enqueue(ctx, anchor.Job{
		Reference:    rec.Reference,
		Score:        rec.Score,
		ModelVersion: rec.ModelVersion,
	})
	if err != nil {
		logging.L(ctx).Warn("anchoring unavailable", "error", err)
		return AnchorState{Status: audit.AnchorFailed, Error: err.Error()}
	}
	return AnchorState{Status: audit.AnchorPending}
}

// PublishAnchor streams an anchor lifecycle event. It is the dispatcher's
// and reconciler's notifier.
func (s *Service) PublishAnchor(ev *audit.AnchorEvent) {
	data := map[string]interface{}{
		"reference": ev.Reference,
		"status":    string(ev.Status),
	}
	if ev.TxHash != "" {
		data["txHash"] = ev.TxHash
	}
	if ev.BlockNumber != 0 {
		data["blockNumber"] = ev.BlockNumber
		data["gasUsed"] = ev.GasUsed
	}
	if ev.Error != "" {
		data["error"] = ev.Error
	}
	s.publish(realtime.AnchorEventType(string(ev.Status)), data)
}

func (s *Service) publish(t realtime.EventType, data map[string]interface{}) {
	if s.publisher != nil {
		s.publisher.Publish(t, data)
	}
}

// RecordView is a stored record with its anchoring history.
type RecordView struct {
	Record  *audit.Record        `json:"record"`
	Anchor  *audit.AnchorEvent   `json:"anchor,omitempty"`
	History []*audit.AnchorEvent `json:"history,omitempty"`
}

// Get returns a stored record and its anchor history.
func (s *Service) Get(ctx context.Context, reference string) (*RecordView, error) {
	rec, err := s.store.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	history, err := s.store.AnchorHistory(ctx, reference)
	if err != nil {
		return nil, err
	}
	view := &RecordView{Record: rec, History: history}
	if len(history) > 0 {
		view.Anchor = history[len(history)-1]
	}
	return view, nil
}

// ReadChain returns the ledger event for txHash, or nil when there is none.
func (s *Service) ReadChain(ctx context.Context, txHash string) (*anchor.ChainEvent, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("%w: no ledger configured", anchor.ErrUnavailable)
	}
	return s.reader.Read(ctx, txHash)
}
