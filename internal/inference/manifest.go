package inference

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/fraudproof/fraudproof/internal/features"
	"github.com/fraudproof/fraudproof/internal/scoring"
)

// Manifest declares which fitted artifact serves each domain and how its
// output is calibrated.
//
//	tables_version: "2024.1"
//	models:
//	  vehicle:
//	    artifact: vehicle.json
//	    version: vehicle-rf-2024.1
//	    calibration: probabilistic
type Manifest struct {
	TablesVersion string               `yaml:"tables_version"`
	Models        map[string]ModelSpec `yaml:"models"`

	dir string
}

// ModelSpec configures one domain.
type ModelSpec struct {
	// Artifact is resolved relative to the manifest file.
	Artifact    string `yaml:"artifact"`
	Version     string `yaml:"version"`
	Calibration string `yaml:"calibration"`
	// Features overrides the column list carried by the artifact.
	Features []string `yaml:"features,omitempty"`
}

// LoadManifest parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest against the compiled-in domains and tables.
func (m *Manifest) Validate() error {
	if m.TablesVersion != "" && m.TablesVersion != features.TablesVersion {
		return fmt.Errorf("manifest built for tables %s, binary has %s", m.TablesVersion, features.TablesVersion)
	}
	for name, spec := range m.Models {
		if _, ok := features.ParseDomain(name); !ok {
			return fmt.Errorf("manifest: %w %q", ErrUnknownDomain, name)
		}
		if spec.Artifact == "" {
			return fmt.Errorf("manifest: %s has no artifact", name)
		}
		if spec.Version == "" {
			return fmt.Errorf("manifest: %s has no version", name)
		}
		if _, err := scoring.ParseMode(spec.Calibration); err != nil {
			return fmt.Errorf("manifest: %s: %w", name, err)
		}
	}
	return nil
}

// Build loads every artifact and returns the registry. A domain whose
// artifact file does not exist is left unregistered and logged; any other
// load failure aborts startup.
func (m *Manifest) Build(logger *slog.Logger) (*Registry, error) {
	names := make([]string, 0, len(m.Models))
	for name := range m.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	var models []*Model
	for _, name := range names {
		model, err := m.load(name)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("model artifact missing, domain disabled", "domain", name, "artifact", m.Models[name].Artifact)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s model: %w", name, err)
		}
		logger.Info("model loaded",
			"domain", name,
			"version", model.Version(),
			"calibration", model.Calibration(),
			"features", len(model.expected),
		)
		models = append(models, model)
	}
	return NewRegistry(models...)
}

func (m *Manifest) load(name string) (*Model, error) {
	spec := m.Models[name]
	domain, _ := features.ParseDomain(name)
	tr, _ := features.Builtin(domain)

	path := spec.Artifact
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.dir, path)
	}
	art, err := LoadArtifact(path)
	if err != nil {
		return nil, err
	}

	expected := art.Features
	if len(spec.Features) > 0 {
		expected = spec.Features
	}
	clf, err := art.Classifier(len(expected))
	if err != nil {
		return nil, err
	}
	mode, _ := scoring.ParseMode(spec.Calibration)
	model, err := NewModel(tr, clf, mode, spec.Version, expected)
	if err != nil {
		return nil, err
	}
	model.kind = art.Kind
	return model, nil
}
