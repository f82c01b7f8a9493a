package models

import "time"

// InferenceRequest is the request context the serving layer hands over when
// asking which version should answer. The control plane never sees the
// scoring result, only the routing inputs.
type InferenceRequest struct {
	TenantID   string `json:"tenant_id"`
	RequestKey string `json:"request_key"`
	Text       string `json:"text,omitempty"`
	Label      string `json:"label,omitempty"`
	Language   string `json:"language,omitempty"`
}

// RouteDecision is the control plane's answer: which version serves this
// request and under which effective configuration. Bucket is the stable
// traffic bucket in [0,100) the request key hashed to; -1 when no rollout is
// in flight. ExperimentID and Arm are set when an interleaved experiment
// assigned the serving version.
type RouteDecision struct {
	TenantID     string           `json:"tenant_id"`
	RequestKey   string           `json:"request_key"`
	VersionID    string           `json:"version_id"`
	Bucket       int              `json:"bucket"`
	RolloutID    string           `json:"rollout_id,omitempty"`
	Phase        RolloutPhase     `json:"phase,omitempty"`
	ExperimentID string           `json:"experiment_id,omitempty"`
	Arm          Arm              `json:"arm,omitempty"`
	Config       *EffectiveConfig `json:"config,omitempty"`
	DecidedAt    time.Time        `json:"decided_at"`
}
