// Package calibration loads externally trained model artifacts and exposes
// them as predictors for the ingestion pipeline.
package calibration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnsupportedKind is returned for artifacts this service cannot evaluate.
var ErrUnsupportedKind = errors.New("calibration: unsupported model kind")

// Artifact is the on-disk descriptor of a trained model. JSON artifacts
// parse through the same YAML decoder.
type Artifact struct {
	Kind         string    `yaml:"kind"`
	Intercept    float64   `yaml:"intercept"`
	Coefficients []float64 `yaml:"coefficients"`
	Features     []string  `yaml:"features"`
}

// LinearModel evaluates intercept + sum(coefficient * feature).
type LinearModel struct {
	intercept    float64
	coefficients []float64
	features     []string
}

// Predict evaluates the model.
func (m *LinearModel) Predict(features []float64) (float64, error) {
	if len(features) != len(m.coefficients) {
		return 0, fmt.Errorf("calibration: expected %d features, got %d", len(m.coefficients), len(features))
	}
	out := m.intercept
	for i, c := range m.coefficients {
		out += c * features[i]
	}
	return out, nil
}

// Features returns the input column names declared by the artifact.
func (m *LinearModel) Features() []string {
	return m.features
}

// ParseArtifact decodes an artifact body into a model.
func ParseArtifact(data []byte) (*LinearModel, error) {
	var a Artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("calibration: decode artifact: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(a.Kind)) {
	case "linear", "":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, a.Kind)
	}
	if len(a.Coefficients) == 0 {
		return nil, errors.New("calibration: artifact has no coefficients")
	}
	if len(a.Features) > 0 && len(a.Features) != len(a.Coefficients) {
		return nil, errors.New("calibration: features and coefficients differ in length")
	}
	return &LinearModel{
		intercept:    a.Intercept,
		coefficients: append([]float64(nil), a.Coefficients...),
		features:     append([]string(nil), a.Features...),
	}, nil
}

// ReadArtifact loads an artifact file.
func ReadArtifact(path string) (*LinearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseArtifact(data)
}

// cleanName rejects names that escape the models directory.
func cleanName(filename string) (string, error) {
	name := filepath.Base(filepath.Clean(filename))
	if name == "." || name == string(filepath.Separator) || name != filename {
		return "", fmt.Errorf("calibration: invalid artifact name %q", filename)
	}
	return name, nil
}
