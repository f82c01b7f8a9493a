package drift

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

// normalizeWithFloor converts bin counts to proportions, floors every bin at
// epsilon so log and ratio terms stay finite, and renormalizes to unit mass.
func normalizeWithFloor(h models.Histogram, epsilon float64) ([]float64, error) {
	total := h.Total()
	if total <= 0 {
		return nil, errors.ErrEmptyHistogram
	}

	out := make([]float64, len(h))
	sum := 0.0
	for i, c := range h {
		p := c / total
		if p < epsilon {
			p = epsilon
		}
		out[i] = p
		sum += p
	}
	for i := range out {
		out[i] /= sum
	}
	return out, nil
}

// PSI computes the population stability index between a baseline and a
// current histogram: Σ (actual_i − baseline_i) · ln(actual_i / baseline_i).
func PSI(baseline, current models.Histogram, epsilon float64) (float64, error) {
	if len(baseline) != len(current) {
		return 0, errors.NewDriftError(errors.CodeInvalidInput, "Histogram bin counts do not match")
	}

	b, err := normalizeWithFloor(baseline, epsilon)
	if err != nil {
		return 0, err
	}
	a, err := normalizeWithFloor(current, epsilon)
	if err != nil {
		return 0, err
	}

	psi := 0.0
	for i := range a {
		psi += (a[i] - b[i]) * math.Log(a[i]/b[i])
	}
	return psi, nil
}

// JSDivergence computes the Jensen–Shannon divergence between the two
// histograms after the same epsilon flooring. Natural-log base, so the value
// lies in [0, ln 2].
func JSDivergence(baseline, current models.Histogram, epsilon float64) (float64, error) {
	if len(baseline) != len(current) {
		return 0, errors.NewDriftError(errors.CodeInvalidInput, "Histogram bin counts do not match")
	}

	b, err := normalizeWithFloor(baseline, epsilon)
	if err != nil {
		return 0, err
	}
	a, err := normalizeWithFloor(current, epsilon)
	if err != nil {
		return 0, err
	}

	return stat.JensenShannon(a, b), nil
}

// Thresholds holds the lower bound of each severity band for one statistic.
type Thresholds struct {
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// Classify maps a statistic value onto its severity band.
func (t Thresholds) Classify(value float64) models.DriftSeverity {
	switch {
	case value >= t.Critical:
		return models.DriftSeverityCritical
	case value >= t.High:
		return models.DriftSeverityHigh
	case value >= t.Medium:
		return models.DriftSeverityMedium
	default:
		return models.DriftSeverityNone
	}
}
