// Package inference holds the loaded fraud classifiers and scores raw records
// against them.
//
// A Registry is built once at startup from a model manifest and is read-only
// afterwards, so one Adapter can serve any number of concurrent requests
// without locking. Scoring never returns an error to the caller: failures
// come back as an unsuccessful Result with score 0 and a diagnostic.
package inference

import (
	"errors"

	"github.com/fraudproof/fraudproof/internal/features"
)

var (
	ErrUnknownDomain   = errors.New("inference: unknown domain")
	ErrTransform       = errors.New("inference: feature transform failed")
	ErrFeatureMismatch = errors.New("inference: feature vector does not match model input")
	ErrClassifier      = errors.New("inference: classifier failed")
)

// Outcome labels used for metrics and logs.
const (
	OutcomeSuccess         = "success"
	OutcomeUnknownDomain   = "unknown_domain"
	OutcomeTransformError  = "transform_error"
	OutcomeFeatureMismatch = "feature_mismatch"
	OutcomeClassifierError = "classifier_error"
)

// Request is the scoring boundary input.
type Request struct {
	Domain string          `json:"domain" binding:"required"`
	Fields features.Record `json:"fields" binding:"required"`
}

// Result is the scoring boundary output.
type Result struct {
	Domain       string  `json:"domain"`
	Success      bool    `json:"success"`
	Score        int     `json:"score"`
	Error        string  `json:"error,omitempty"`
	ModelVersion string  `json:"modelVersion,omitempty"`
	RawScore     float64 `json:"rawScore"`

	// Features is the aligned vector the classifier saw.
	Features features.Vector `json:"-"`
	// Err is the typed failure behind Error.
	Err error `json:"-"`
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrUnknownDomain):
		return OutcomeUnknownDomain
	case errors.Is(err, ErrFeatureMismatch):
		return OutcomeFeatureMismatch
	case errors.Is(err, ErrTransform):
		return OutcomeTransformError
	default:
		return OutcomeClassifierError
	}
}
