package models

import "time"

// ExperimentMode selects how a candidate model is evaluated against the
// active one.
type ExperimentMode string

const (
	// ExperimentModeShadow scores the candidate on mirrored traffic and
	// discards its output. Zero user exposure.
	ExperimentModeShadow ExperimentMode = "shadow"
	// ExperimentModeInterleaved splits live traffic between control and
	// variant via Thompson sampling.
	ExperimentModeInterleaved ExperimentMode = "interleaved"
)

// Valid reports whether m is a known mode.
func (m ExperimentMode) Valid() bool {
	return m == ExperimentModeShadow || m == ExperimentModeInterleaved
}

// Arm identifies one side of an experiment.
type Arm string

const (
	ArmControl Arm = "control"
	ArmVariant Arm = "variant"
)

// ArmStats holds one arm's Beta posterior for Thompson sampling plus Welford
// accumulators for accuracy and latency. Alpha and Beta start at 1 (uniform
// prior).
type ArmStats struct {
	VersionID     string  `json:"version_id"`
	Alpha         float64 `json:"alpha"`
	Beta          float64 `json:"beta"`
	Pulls         int64   `json:"pulls"`
	Rewards       float64 `json:"rewards"`
	AccuracyCount int64   `json:"accuracy_count"`
	AccuracyMean  float64 `json:"accuracy_mean"`
	AccuracyM2    float64 `json:"accuracy_m2"`
	LatencyCount  int64   `json:"latency_count"`
	LatencyMean   float64 `json:"latency_mean_ms"`
	LatencyM2     float64 `json:"latency_m2"`
}

// NewArmStats returns arm statistics with a uniform Beta(1,1) prior.
func NewArmStats(versionID string) ArmStats {
	return ArmStats{VersionID: versionID, Alpha: 1, Beta: 1}
}

// Observe folds one outcome into the posterior and the running moments.
// Reward is expected in [0,1]. A negative latency is ignored.
func (a *ArmStats) Observe(reward, latencyMs float64) {
	a.Pulls++
	a.Rewards += reward
	a.Alpha += reward
	a.Beta += 1 - reward

	a.AccuracyCount++
	delta := reward - a.AccuracyMean
	a.AccuracyMean += delta / float64(a.AccuracyCount)
	a.AccuracyM2 += delta * (reward - a.AccuracyMean)

	a.ObserveLatency(latencyMs)
}

// ObserveLatency folds one latency measurement into the running moments
// without touching the posterior. A negative latency is ignored.
func (a *ArmStats) ObserveLatency(latencyMs float64) {
	if latencyMs < 0 {
		return
	}
	a.LatencyCount++
	d := latencyMs - a.LatencyMean
	a.LatencyMean += d / float64(a.LatencyCount)
	a.LatencyM2 += d * (latencyMs - a.LatencyMean)
}

// AccuracyVariance returns the sample variance of observed rewards.
func (a *ArmStats) AccuracyVariance() float64 {
	if a.AccuracyCount < 2 {
		return 0
	}
	return a.AccuracyM2 / float64(a.AccuracyCount-1)
}

// PosteriorMean returns the Beta posterior mean reward.
func (a *ArmStats) PosteriorMean() float64 {
	return a.Alpha / (a.Alpha + a.Beta)
}

// Experiment is one shadow or interleaved comparison of a variant version
// against a control version for a tenant's label stream. Winner stays empty
// until the significance test passes with both arms at the minimum sample
// size.
type Experiment struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Label          string         `json:"label"`
	Mode           ExperimentMode `json:"mode"`
	ControlVersion string         `json:"control_version"`
	VariantVersion string         `json:"variant_version"`
	Control        ArmStats       `json:"control"`
	Variant        ArmStats       `json:"variant"`
	MinSampleSize  int64          `json:"min_sample_size"`
	Confidence     float64        `json:"confidence"`
	Agreements     int64          `json:"agreements"`
	Disagreements  int64          `json:"disagreements"`
	ShadowDropped  int64          `json:"shadow_dropped"`
	Seed           int64          `json:"seed"`
	PValue         float64        `json:"p_value"`
	Winner         string         `json:"winner,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	ConcludedAt    *time.Time     `json:"concluded_at,omitempty"`
}

// Concluded reports whether the experiment has finished.
func (e *Experiment) Concluded() bool {
	return e.ConcludedAt != nil
}

// Arm returns the statistics for the named arm, nil if unknown.
func (e *Experiment) Arm(arm Arm) *ArmStats {
	switch arm {
	case ArmControl:
		return &e.Control
	case ArmVariant:
		return &e.Variant
	}
	return nil
}

// AgreementRate returns the shadow-mode share of mirrored requests where both
// versions agreed.
func (e *Experiment) AgreementRate() float64 {
	total := e.Agreements + e.Disagreements
	if total == 0 {
		return 0
	}
	return float64(e.Agreements) / float64(total)
}

// Clone returns a copy safe to hand across goroutines.
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}
	out := *e
	if e.ConcludedAt != nil {
		t := *e.ConcludedAt
		out.ConcludedAt = &t
	}
	return &out
}

// OutcomeSample is one observed reward for an experiment arm, reported by the
// serving layer or the labeling collaborator.
type OutcomeSample struct {
	ExperimentID string    `json:"experiment_id"`
	Arm          Arm       `json:"arm"`
	Reward       float64   `json:"reward"`
	LatencyMs    float64   `json:"latency_ms"`
	ObservedAt   time.Time `json:"observed_at"`
}
