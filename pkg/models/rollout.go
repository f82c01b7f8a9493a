package models

import "time"

// RolloutPhase is the state of a canary rollout.
type RolloutPhase string

const (
	RolloutPhaseInit      RolloutPhase = "init"
	RolloutPhase10        RolloutPhase = "phase10"
	RolloutPhase50        RolloutPhase = "phase50"
	RolloutPhase100       RolloutPhase = "phase100"
	RolloutPhaseCompleted RolloutPhase = "completed"
	RolloutPhaseAborted   RolloutPhase = "aborted"
)

// Terminal reports whether the phase admits no further transitions.
func (p RolloutPhase) Terminal() bool {
	return p == RolloutPhaseCompleted || p == RolloutPhaseAborted
}

// Percentage returns the share of traffic routed to the candidate version
// while the rollout sits in this phase.
func (p RolloutPhase) Percentage() int {
	switch p {
	case RolloutPhase10:
		return 10
	case RolloutPhase50:
		return 50
	case RolloutPhase100, RolloutPhaseCompleted:
		return 100
	default:
		return 0
	}
}

// Next returns the phase an advancing rollout moves to. ok is false for
// terminal phases.
func (p RolloutPhase) Next() (next RolloutPhase, ok bool) {
	switch p {
	case RolloutPhaseInit:
		return RolloutPhase10, true
	case RolloutPhase10:
		return RolloutPhase50, true
	case RolloutPhase50:
		return RolloutPhase100, true
	case RolloutPhase100:
		return RolloutPhaseCompleted, true
	default:
		return p, false
	}
}

// Valid reports whether p is a known phase value.
func (p RolloutPhase) Valid() bool {
	switch p {
	case RolloutPhaseInit, RolloutPhase10, RolloutPhase50, RolloutPhase100,
		RolloutPhaseCompleted, RolloutPhaseAborted:
		return true
	}
	return false
}

// PhaseTransition records one phase entry in a rollout's lifetime.
type PhaseTransition struct {
	Phase RolloutPhase `json:"phase"`
	At    time.Time    `json:"at"`
}

// Rollout tracks one canary promotion of a tenant from one model version to
// another. RoutingSalt is fixed at creation so a request key maps to the same
// traffic bucket for the rollout's whole lifetime. Terminal rollouts are
// never mutated again.
type Rollout struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	FromVersion    string            `json:"from_version"`
	ToVersion      string            `json:"to_version"`
	Phase          RolloutPhase      `json:"phase"`
	RoutingSalt    string            `json:"routing_salt"`
	StartedAt      time.Time         `json:"started_at"`
	PhaseStartedAt time.Time         `json:"phase_started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	AbortReason    string            `json:"abort_reason,omitempty"`
	Transitions    []PhaseTransition `json:"transitions,omitempty"`
}

// RecordTransition appends the current phase to the transition history.
func (r *Rollout) RecordTransition(at time.Time) {
	r.Transitions = append(r.Transitions, PhaseTransition{Phase: r.Phase, At: at})
}

// Clone returns a copy safe to hand across goroutines.
func (r *Rollout) Clone() *Rollout {
	if r == nil {
		return nil
	}
	out := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if len(r.Transitions) > 0 {
		out.Transitions = append([]PhaseTransition(nil), r.Transitions...)
	}
	return &out
}
