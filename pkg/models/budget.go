package models

import "time"

// AutoswitchState says whether a tenant is being served its configured model
// or has been forced onto the cheaper fallback.
type AutoswitchState string

const (
	AutoswitchNormal     AutoswitchState = "normal"
	AutoswitchDowngraded AutoswitchState = "downgraded"
)

// BudgetLedger accumulates cost and latency for one tenant within one billing
// period. Cost and request counters only grow within a period; the period
// boundary resets them and clears any downgrade.
type BudgetLedger struct {
	TenantID      string          `json:"tenant_id"`
	PeriodID      string          `json:"period_id"`
	CostUnits     float64         `json:"cost_units"`
	RequestCount  int64           `json:"request_count"`
	LatencyEMA    float64         `json:"latency_ema_ms"`
	LatencyP95    float64         `json:"latency_p95_ms"`
	LimitUnits    float64         `json:"limit_units"`
	State         AutoswitchState `json:"state"`
	DowngradedAt  *time.Time      `json:"downgraded_at,omitempty"`
	CooldownUntil *time.Time      `json:"cooldown_until,omitempty"`
	LastThreshold float64         `json:"last_threshold"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SpendRatio returns cumulative cost as a fraction of the period limit.
func (l *BudgetLedger) SpendRatio() float64 {
	if l.LimitUnits <= 0 {
		return 0
	}
	return l.CostUnits / l.LimitUnits
}

// Downgraded reports whether the autoswitch is engaged.
func (l *BudgetLedger) Downgraded() bool {
	return l.State == AutoswitchDowngraded
}

// InCooldown reports whether switch decisions are currently suppressed.
func (l *BudgetLedger) InCooldown(now time.Time) bool {
	return l.CooldownUntil != nil && now.Before(*l.CooldownUntil)
}

// Clone returns a copy safe to hand across goroutines.
func (l *BudgetLedger) Clone() *BudgetLedger {
	if l == nil {
		return nil
	}
	out := *l
	if l.DowngradedAt != nil {
		t := *l.DowngradedAt
		out.DowngradedAt = &t
	}
	if l.CooldownUntil != nil {
		t := *l.CooldownUntil
		out.CooldownUntil = &t
	}
	return &out
}

// BudgetPolicy is the operator-set spending limit for a tenant. A zero
// Period falls back to the globally configured billing period.
type BudgetPolicy struct {
	TenantID   string        `json:"tenant_id"`
	LimitUnits float64       `json:"limit_units"`
	Period     time.Duration `json:"period,omitempty"`
}

// BillingSample is one per-request cost and latency observation from the
// serving layer.
type BillingSample struct {
	TenantID   string    `json:"tenant_id"`
	CostUnits  float64   `json:"cost_units"`
	LatencyMs  float64   `json:"latency_ms"`
	ObservedAt time.Time `json:"observed_at"`
}

// BudgetForecast projects a tenant's spend to the end of the current billing
// period from the observed accrual rate.
type BudgetForecast struct {
	TenantID          string     `json:"tenant_id"`
	PeriodID          string     `json:"period_id"`
	CurrentCost       float64    `json:"current_cost"`
	ProjectedCost     float64    `json:"projected_cost"`
	LimitUnits        float64    `json:"limit_units"`
	WillExceed        bool       `json:"will_exceed"`
	ProjectedBreachAt *time.Time `json:"projected_breach_at,omitempty"`
	SampleCount       int        `json:"sample_count"`
	GeneratedAt       time.Time  `json:"generated_at"`
}
