package models

import "time"

// DriftSeverity classifies how far a label distribution has shifted from its
// baseline.
type DriftSeverity string

const (
	DriftSeverityNone     DriftSeverity = "none"
	DriftSeverityMedium   DriftSeverity = "medium"
	DriftSeverityHigh     DriftSeverity = "high"
	DriftSeverityCritical DriftSeverity = "critical"
)

// Rank orders severities from none (0) to critical (3).
func (s DriftSeverity) Rank() int {
	switch s {
	case DriftSeverityMedium:
		return 1
	case DriftSeverityHigh:
		return 2
	case DriftSeverityCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s DriftSeverity) AtLeast(other DriftSeverity) bool {
	return s.Rank() >= other.Rank()
}

// WorseSeverity returns the more severe of a and b.
func WorseSeverity(a, b DriftSeverity) DriftSeverity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Histogram holds per-bin observation counts over the scoring range [0,1].
type Histogram []float64

// Total returns the histogram mass.
func (h Histogram) Total() float64 {
	var sum float64
	for _, c := range h {
		sum += c
	}
	return sum
}

// Clone returns a copy of the histogram.
func (h Histogram) Clone() Histogram {
	if h == nil {
		return nil
	}
	out := make(Histogram, len(h))
	copy(out, h)
	return out
}

// DriftCheckResult is one scored drift window for a (tenant, label, language)
// stream. Results are append-only.
type DriftCheckResult struct {
	TenantID     string        `json:"tenant_id"`
	Label        string        `json:"label"`
	Language     string        `json:"language"`
	WindowID     string        `json:"window_id"`
	SampleCount  int           `json:"sample_count"`
	PSI          float64       `json:"psi"`
	JSDivergence float64       `json:"js_divergence"`
	Severity     DriftSeverity `json:"severity"`
	ComputedAt   time.Time     `json:"computed_at"`
}

// LabelFeedback is one downstream observation of a prediction, delivered
// asynchronously by the labeling collaborator. ActualOutcome is nil until
// ground truth arrives.
type LabelFeedback struct {
	TenantID       string    `json:"tenant_id"`
	Label          string    `json:"label"`
	Language       string    `json:"language"`
	PredictedScore float64   `json:"predicted_score"`
	ActualOutcome  *float64  `json:"actual_outcome,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
}
