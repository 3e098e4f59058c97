package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Classifier is an already-fitted predictor. It is treated as a black box
// that maps an aligned feature vector onto a raw score.
type Classifier interface {
	// Predict returns the raw output for one aligned row: a fraud
	// probability in [0,1], or a 0/1 label for label-emitting models.
	Predict(x []float64) (float64, error)
	// NumFeatures is the input width the classifier was fitted on.
	NumFeatures() int
}

// Artifact kinds.
const (
	KindLogistic = "logistic"
	KindForest   = "forest"
)

// Artifact is the portable export of a fitted classifier. Features carries
// the ordered column list the model was fitted on.
type Artifact struct {
	Kind     string          `json:"kind" yaml:"kind"`
	Features []string        `json:"features" yaml:"features"`
	Logistic *LogisticParams `json:"logistic,omitempty" yaml:"logistic,omitempty"`
	Forest   *ForestParams   `json:"forest,omitempty" yaml:"forest,omitempty"`
}

// LogisticParams are the coefficients of a fitted logistic regression.
type LogisticParams struct {
	Coefficients []float64 `json:"coefficients" yaml:"coefficients"`
	Intercept    float64   `json:"intercept" yaml:"intercept"`
}

// ForestParams hold an ensemble of decision trees. The prediction is the
// mean of the leaf values reached in each tree.
type ForestParams struct {
	Trees []Tree `json:"trees" yaml:"trees"`
	// Vote switches the ensemble to majority voting, emitting a 0/1 label
	// instead of a mean probability.
	Vote bool `json:"vote,omitempty" yaml:"vote,omitempty"`
}

// Tree is a flattened binary decision tree. Node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
}

// Node is a split when Feature >= 0 and a leaf otherwise. Rows with
// x[Feature] <= Threshold go Left.
type Node struct {
	Feature   int     `json:"feature" yaml:"feature"`
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Left      int     `json:"left,omitempty" yaml:"left,omitempty"`
	Right     int     `json:"right,omitempty" yaml:"right,omitempty"`
	Value     float64 `json:"value,omitempty" yaml:"value,omitempty"`
}

// LoadArtifact reads an artifact file. .yaml and .yml files are decoded as
// YAML, anything else as JSON.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	var a Artifact
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &a)
	default:
		err = json.Unmarshal(data, &a)
	}
	if err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", filepath.Base(path), err)
	}
	return &a, nil
}

// Classifier builds the predictor described by the artifact for an input
// of width columns.
func (a *Artifact) Classifier(width int) (Classifier, error) {
	if width <= 0 {
		return nil, errors.New("artifact has no feature columns")
	}
	switch a.Kind {
	case KindLogistic:
		if a.Logistic == nil {
			return nil, errors.New("logistic artifact has no coefficients")
		}
		return newLogistic(*a.Logistic, width)
	case KindForest:
		if a.Forest == nil {
			return nil, errors.New("forest artifact has no trees")
		}
		return newForest(*a.Forest, width)
	}
	return nil, fmt.Errorf("unknown artifact kind %q", a.Kind)
}

type logistic struct {
	coef      []float64
	intercept float64
}

func newLogistic(p LogisticParams, width int) (*logistic, error) {
	if len(p.Coefficients) != width {
		return nil, fmt.Errorf("%w: %d coefficients for %d features", ErrFeatureMismatch, len(p.Coefficients), width)
	}
	return &logistic{coef: p.Coefficients, intercept: p.Intercept}, nil
}

func (l *logistic) NumFeatures() int { return len(l.coef) }

func (l *logistic) Predict(x []float64) (float64, error) {
	if len(x) != len(l.coef) {
		return 0, fmt.Errorf("%w: got %d features, model expects %d", ErrFeatureMismatch, len(x), len(l.coef))
	}
	z := l.intercept
	for i, c := range l.coef {
		z += c * x[i]
	}
	return 1 / (1 + math.Exp(-z)), nil
}

type forest struct {
	trees []Tree
	vote  bool
	width int
}

// newForest validates every tree so Predict can walk nodes without bounds
// checks failing at request time. Children must point forward, which rules
// out cycles.
func newForest(p ForestParams, width int) (*forest, error) {
	if len(p.Trees) == 0 {
		return nil, errors.New("forest artifact has no trees")
	}
	for ti, t := range p.Trees {
		if len(t.Nodes) == 0 {
			return nil, fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Feature < 0 {
				continue
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return nil, fmt.Errorf("tree %d node %d has invalid children", ti, ni)
			}
			if n.Feature >= width {
				return nil, fmt.Errorf("%w: tree %d splits on column %d of %d", ErrFeatureMismatch, ti, n.Feature, width)
			}
		}
	}
	return &forest{trees: p.Trees, vote: p.Vote, width: width}, nil
}

func (f *forest) NumFeatures() int { return f.width }

func (f *forest) Predict(x []float64) (float64, error) {
	if len(x) != f.width {
		return 0, fmt.Errorf("%w: got %d features, model expects %d", ErrFeatureMismatch, len(x), f.width)
	}
	var sum, votes float64
	for _, t := range f.trees {
		v := t.leaf(x)
		sum += v
		if v >= 0.5 {
			votes++
		}
	}
	n := float64(len(f.trees))
	if f.vote {
		if votes*2 > n {
			return 1, nil
		}
		return 0, nil
	}
	return sum / n, nil
}

func (t Tree) leaf(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}
