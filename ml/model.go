// Package ml implements the ML Signal Service: model artifact loading,
// feature extraction over candle windows, and the cached signal evaluation
// the engine gates on.
package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/gridsense/tradingcore/core"
)

// LogisticModel is a binary logistic-regression classifier loaded from a
// JSON artifact. The feature-vector layout is the contract between trainer
// and runtime; the model itself is opaque to the rest of the pipeline
// behind core.PredictBinary.
type LogisticModel struct {
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
}

// LoadModel reads a model artifact from disk. A missing or unreadable file
// wraps core.ErrArtifactMissing so startup code can treat it as fatal.
func LoadModel(path string) (*LogisticModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, core.ErrArtifactMissing)
	}

	var model LogisticModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("parse model %s: %v: %w", path, err, core.ErrArtifactMissing)
	}
	if len(model.Weights) == 0 {
		return nil, fmt.Errorf("model %s has no weights: %w", path, core.ErrArtifactMissing)
	}
	return &model, nil
}

// PredictProba scores a feature vector into a two-class probability pair.
func (m *LogisticModel) PredictProba(features []float64) (p0, p1 float64, err error) {
	if len(features) != len(m.Weights) {
		return 0, 0, fmt.Errorf("feature vector has %d values, model expects %d", len(features), len(m.Weights))
	}

	z := m.Intercept
	for i, w := range m.Weights {
		z += w * features[i]
	}

	p1 = 1.0 / (1.0 + math.Exp(-z))
	return 1 - p1, p1, nil
}

var _ core.PredictBinary = (*LogisticModel)(nil)
