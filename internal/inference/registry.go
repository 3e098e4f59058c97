package inference

import (
	"fmt"
	"slices"

	"github.com/fraudproof/fraudproof/internal/features"
	"github.com/fraudproof/fraudproof/internal/scoring"
)

// Model binds one domain's transformer, fitted classifier, expected feature
// list and calibration mode. It is immutable once built.
type Model struct {
	transformer features.Transformer
	classifier  Classifier
	calibrator  scoring.Calibrator
	version     string
	kind        string
	expected    []string
}

// NewModel validates that the classifier input width matches expected and
// that expected has no duplicate names.
func NewModel(tr features.Transformer, clf Classifier, mode scoring.Mode, version string, expected []string) (*Model, error) {
	if tr == nil || clf == nil {
		return nil, fmt.Errorf("model %q: transformer and classifier are required", version)
	}
	if clf.NumFeatures() != len(expected) {
		return nil, fmt.Errorf("%w: %s model takes %d inputs but lists %d features",
			ErrFeatureMismatch, tr.Domain(), clf.NumFeatures(), len(expected))
	}
	seen := make(map[string]bool, len(expected))
	for _, name := range expected {
		if seen[name] {
			return nil, fmt.Errorf("%s model lists feature %q twice", tr.Domain(), name)
		}
		if name == tr.LabelField() {
			return nil, fmt.Errorf("%s model lists label field %q as a feature", tr.Domain(), name)
		}
		seen[name] = true
	}
	return &Model{
		transformer: tr,
		classifier:  clf,
		calibrator:  scoring.NewCalibrator(mode),
		version:     version,
		expected:    slices.Clone(expected),
	}, nil
}

func (m *Model) Domain() features.Domain           { return m.transformer.Domain() }
func (m *Model) Version() string                   { return m.version }
func (m *Model) Calibration() scoring.Mode         { return m.calibrator.Mode() }
func (m *Model) Transformer() features.Transformer { return m.transformer }

// Expected returns a copy of the model's ordered input columns.
func (m *Model) Expected() []string { return slices.Clone(m.expected) }

// Info describes a registered model for listings.
type Info struct {
	Domain        string   `json:"domain" yaml:"domain"`
	Version       string   `json:"version" yaml:"version"`
	Kind          string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Calibration   string   `json:"calibration" yaml:"calibration"`
	LabelField    string   `json:"labelField" yaml:"label_field"`
	FeatureCount  int      `json:"featureCount" yaml:"feature_count"`
	Features      []string `json:"features,omitempty" yaml:"features,omitempty"`
	TablesVersion string   `json:"tablesVersion" yaml:"tables_version"`
}

// Info returns a listing of the model.
func (m *Model) Info(withFeatures bool) Info {
	info := Info{
		Domain:        string(m.Domain()),
		Version:       m.version,
		Kind:          m.kind,
		Calibration:   string(m.calibrator.Mode()),
		LabelField:    m.transformer.LabelField(),
		FeatureCount:  len(m.expected),
		TablesVersion: features.TablesVersion,
	}
	if withFeatures {
		info.Features = m.Expected()
	}
	return info
}

// Registry maps domain tags to models. Adding a domain is a registration,
// not a code branch.
type Registry struct {
	models map[features.Domain]*Model
	order  []features.Domain
}

// NewRegistry builds a read-only registry. Registering a domain twice is an
// error.
func NewRegistry(models ...*Model) (*Registry, error) {
	r := &Registry{models: make(map[features.Domain]*Model, len(models))}
	for _, m := range models {
		d := m.Domain()
		if _, dup := r.models[d]; dup {
			return nil, fmt.Errorf("domain %s registered twice", d)
		}
		r.models[d] = m
		r.order = append(r.order, d)
	}
	slices.Sort(r.order)
	return r, nil
}

// Lookup resolves a domain tag.
func (r *Registry) Lookup(domain string) (*Model, bool) {
	m, ok := r.models[features.Domain(domain)]
	return m, ok
}

// Domains returns registered domains in sorted order.
func (r *Registry) Domains() []features.Domain { return slices.Clone(r.order) }

// Len returns the number of registered models.
func (r *Registry) Len() int { return len(r.order) }

// Infos lists every registered model in domain order.
func (r *Registry) Infos(withFeatures bool) []Info {
	out := make([]Info, 0, len(r.order))
	for _, d := range r.order {
		out = append(out, r.models[d].Info(withFeatures))
	}
	return out
}
