// Package scoring maps raw classifier output onto the bounded 0-100 fraud score.
package scoring

import (
	"fmt"
	"math"
)

// Mode selects how a classifier's raw output is read.
type Mode string

const (
	// ModeProbabilistic reads the raw output as a fraud probability in [0,1].
	ModeProbabilistic Mode = "probabilistic"
	// ModeBinary reads the raw output as a hard 0/1 label.
	ModeBinary Mode = "binary"
)

// ParseMode validates a configured calibration mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeProbabilistic, ModeBinary:
		return Mode(s), nil
	case "":
		return "", fmt.Errorf("scoring: calibration mode is required")
	}
	return "", fmt.Errorf("scoring: unknown calibration mode %q", s)
}

const (
	MinScore = 0
	MaxScore = 100

	lowerKnee = 0.75 // maps to 50
	upperKnee = 0.85 // maps to 80

	// binaryThreshold is the cut point for classifiers that emit a
	// probability but are deployed in binary mode.
	binaryThreshold = 0.5

	// ceilTolerance absorbs float noise so 65.00000000000001 stays 65.
	ceilTolerance = 1e-9
)

// Calibrator turns raw classifier output into a FraudScore.
type Calibrator struct {
	mode Mode
}

// NewCalibrator returns a calibrator for mode.
func NewCalibrator(mode Mode) Calibrator {
	return Calibrator{mode: mode}
}

// Mode returns the calibrator's raw-score regime.
func (c Calibrator) Mode() Mode { return c.mode }

// Calibrate maps raw onto [0,100]. NaN maps to 0.
func (c Calibrator) Calibrate(raw float64) int {
	if c.mode == ModeBinary {
		return Binary(raw)
	}
	return Probabilistic(raw)
}

// Binary returns 100 for a positive label and 0 otherwise.
func Binary(label float64) int {
	if label >= binaryThreshold {
		return MaxScore
	}
	return MinScore
}

// Probabilistic applies the three-segment piecewise-linear map:
//
//	p < 0.75         -> (p/0.75)*50
//	0.75 <= p < 0.85 -> 50 + ((p-0.75)/0.10)*30
//	p >= 0.85        -> 80 + ((p-0.85)/0.15)*20
//
// The result is rounded up and clamped to [0,100].
func Probabilistic(p float64) int {
	if math.IsNaN(p) {
		return MinScore
	}
	var s float64
	switch {
	case p < lowerKnee:
		s = (p / lowerKnee) * 50
	case p < upperKnee:
		s = 50 + ((p-lowerKnee)/(upperKnee-lowerKnee))*30
	default:
		s = 80 + ((p-upperKnee)/(1-upperKnee))*20
	}
	s = math.Ceil(s - ceilTolerance)
	if s <= MinScore {
		return MinScore
	}
	if s >= MaxScore {
		return MaxScore
	}
	return int(s)
}
