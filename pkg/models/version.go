package models

import "time"

// Guardrails carries the safety and cost floors a model version enforces on
// any configuration that resolves to it. Merged configurations that violate a
// guardrail are rejected, never clamped.
type Guardrails struct {
	MinFairnessScore        float64 `json:"min_fairness_score"`
	MinPrivacyRedactionRate float64 `json:"min_privacy_redaction_rate"`
	MaxCostPerRequest       float64 `json:"max_cost_per_request"`
}

// ModelVersion is one published model configuration. Versions are immutable
// once published; a configuration change always creates a new version.
type ModelVersion struct {
	ID             string     `json:"id"`
	Provider       string     `json:"provider"`
	PromptVersion  string     `json:"prompt_version"`
	CostPerRequest float64    `json:"cost_per_request"`
	Guardrails     Guardrails `json:"guardrails"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Overlay is a partial per-tenant configuration document. A nil field
// inherits the global default for that dimension.
type Overlay struct {
	FairnessThreshold    *float64           `json:"fairness_threshold,omitempty"`
	PrivacyRedactionRate *float64           `json:"privacy_redaction_rate,omitempty"`
	CostCapPerRequest    *float64           `json:"cost_cap_per_request,omitempty"`
	ScoreWeights         map[string]float64 `json:"score_weights,omitempty"`
	FallbackVersion      *string            `json:"fallback_version,omitempty"`
}

// TenantOverride binds a tenant to a base model version plus a partial
// overlay. Snapshot holds the previous override for one-step rollback and is
// replaced on every validated update.
type TenantOverride struct {
	TenantID    string          `json:"tenant_id"`
	BaseVersion string          `json:"base_version"`
	Overlay     Overlay         `json:"overlay"`
	Snapshot    *TenantOverride `json:"snapshot,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the override, including the snapshot chain.
func (o *TenantOverride) Clone() *TenantOverride {
	if o == nil {
		return nil
	}
	out := *o
	out.Overlay = o.Overlay.Clone()
	out.Snapshot = o.Snapshot.Clone()
	return &out
}

// Clone returns a deep copy of the overlay.
func (ov Overlay) Clone() Overlay {
	out := ov
	if ov.FairnessThreshold != nil {
		v := *ov.FairnessThreshold
		out.FairnessThreshold = &v
	}
	if ov.PrivacyRedactionRate != nil {
		v := *ov.PrivacyRedactionRate
		out.PrivacyRedactionRate = &v
	}
	if ov.CostCapPerRequest != nil {
		v := *ov.CostCapPerRequest
		out.CostCapPerRequest = &v
	}
	if ov.ScoreWeights != nil {
		out.ScoreWeights = make(map[string]float64, len(ov.ScoreWeights))
		for k, v := range ov.ScoreWeights {
			out.ScoreWeights[k] = v
		}
	}
	if ov.FallbackVersion != nil {
		v := *ov.FallbackVersion
		out.FallbackVersion = &v
	}
	return out
}

// Empty reports whether the overlay overrides nothing.
func (ov Overlay) Empty() bool {
	return ov.FairnessThreshold == nil &&
		ov.PrivacyRedactionRate == nil &&
		ov.CostCapPerRequest == nil &&
		len(ov.ScoreWeights) == 0 &&
		ov.FallbackVersion == nil
}

// EffectiveConfig is the fully merged, guardrail-valid configuration returned
// by registry resolution. Downgraded is set when the budget enforcer has
// autoswitched the tenant onto its fallback version.
type EffectiveConfig struct {
	TenantID             string             `json:"tenant_id"`
	VersionID            string             `json:"version_id"`
	Provider             string             `json:"provider"`
	PromptVersion        string             `json:"prompt_version"`
	FairnessThreshold    float64            `json:"fairness_threshold"`
	PrivacyRedactionRate float64            `json:"privacy_redaction_rate"`
	CostCapPerRequest    float64            `json:"cost_cap_per_request"`
	CostPerRequest       float64            `json:"cost_per_request"`
	ScoreWeights         map[string]float64 `json:"score_weights,omitempty"`
	FallbackVersion      string             `json:"fallback_version,omitempty"`
	Downgraded           bool               `json:"downgraded"`
	ResolvedAt           time.Time          `json:"resolved_at"`
}

// Clone returns a deep copy of the effective config.
func (c *EffectiveConfig) Clone() *EffectiveConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.ScoreWeights != nil {
		out.ScoreWeights = make(map[string]float64, len(c.ScoreWeights))
		for k, v := range c.ScoreWeights {
			out.ScoreWeights[k] = v
		}
	}
	return &out
}
