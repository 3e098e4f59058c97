package inference

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fraudproof/fraudproof/internal/features"
	"github.com/fraudproof/fraudproof/internal/logging"
	"github.com/fraudproof/fraudproof/internal/metrics"
	"github.com/fraudproof/fraudproof/internal/traces"
)

// Adapter runs transform, classifier and calibrator for one record.
type Adapter struct {
	registry *Registry
	logger   *slog.Logger
}

// NewAdapter creates an adapter over a loaded registry.
func NewAdapter(registry *Registry, logger *slog.Logger) *Adapter {
	metrics.LoadedModels.Set(float64(registry.Len()))
	return &Adapter{registry: registry, logger: logger}
}

// Registry returns the adapter's registry.
func (a *Adapter) Registry() *Registry { return a.registry }

// Score transforms raw for domain and returns the calibrated score. It never
// panics and never returns an error: a failed call has Success false,
// Score 0 and a diagnostic in Error.
func (a *Adapter) Score(ctx context.Context, raw features.Record, domain string) Result {
	ctx, span := traces.StartSpan(ctx, "inference.Score", traces.Domain(domain))
	defer span.End()

	start := time.Now()
	res := Result{Domain: domain}

	model, ok := a.registry.Lookup(domain)
	if !ok {
		return a.fail(ctx, res, fmt.Errorf("%w %q", ErrUnknownDomain, domain))
	}
	res.ModelVersion = model.version
	span.SetAttributes(traces.ModelVersion(model.version))

	vec, err := transform(model, raw)
	if err != nil {
		return a.fail(ctx, res, err)
	}
	res.Features = vec
	if err := checkAligned(vec, model.expected); err != nil {
		return a.fail(ctx, res, err)
	}

	rawScore, err := predict(model.classifier, vec.Values)
	if err != nil {
		return a.fail(ctx, res, err)
	}

	res.Success = true
	res.RawScore = rawScore
	res.Score = model.calibrator.Calibrate(rawScore)

	metrics.ScoringDuration.WithLabelValues(domain).Observe(time.Since(start).Seconds())
	metrics.ScoringRequestsTotal.WithLabelValues(domain, OutcomeSuccess).Inc()
	metrics.FraudScores.WithLabelValues(domain).Observe(float64(res.Score))
	span.SetAttributes(traces.Score(res.Score))
	return res
}

func (a *Adapter) fail(ctx context.Context, res Result, err error) Result {
	outcome := outcomeOf(err)
	label := res.Domain
	if outcome == OutcomeUnknownDomain {
		label = "unknown"
	}
	metrics.ScoringRequestsTotal.WithLabelValues(label, outcome).Inc()
	logging.L(ctx).Warn("scoring failed", "domain", res.Domain, "outcome", outcome, "error", err)

	res.Success = false
	res.Score = 0
	res.RawScore = 0
	res.Err = err
	res.Error = err.Error()
	return res
}

func transform(m *Model, raw features.Record) (vec features.Vector, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTransform, r)
		}
	}()
	return m.transformer.Transform(raw, m.expected), nil
}

func predict(clf Classifier, x []float64) (out float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrClassifier, r)
		}
	}()
	out, err = clf.Predict(x)
	if err != nil {
		if outcomeOf(err) == OutcomeClassifierError {
			err = fmt.Errorf("%w: %w", ErrClassifier, err)
		}
		return 0, err
	}
	return out, nil
}

// checkAligned enforces that the vector matches the model input exactly,
// name for name.
func checkAligned(v features.Vector, expected []string) error {
	if v.Len() != len(expected) || len(v.Values) != len(expected) {
		return fmt.Errorf("%w: got %d features, want %d", ErrFeatureMismatch, v.Len(), len(expected))
	}
	for i, name := range expected {
		if v.Names[i] != name {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrFeatureMismatch, i, v.Names[i], name)
		}
	}
	return nil
}
