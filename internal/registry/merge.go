package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

// defaultScoreWeights is the platform-level scoring blend used when the
// tenant overlay does not supply one.
var defaultScoreWeights = map[string]float64{
	"accuracy": 0.5,
	"latency":  0.25,
	"cost":     0.25,
}

// mergeEffective layers the tenant overlay over the version's guardrail
// floors and the platform defaults, field by field. The overlay wins whenever
// a field is present; absent fields inherit the layer below.
func mergeEffective(tenantID string, version *models.ModelVersion, overlay models.Overlay, now time.Time) *models.EffectiveConfig {
	cfg := &models.EffectiveConfig{
		TenantID:             tenantID,
		VersionID:            version.ID,
		Provider:             version.Provider,
		PromptVersion:        version.PromptVersion,
		FairnessThreshold:    version.Guardrails.MinFairnessScore,
		PrivacyRedactionRate: version.Guardrails.MinPrivacyRedactionRate,
		CostCapPerRequest:    version.Guardrails.MaxCostPerRequest,
		CostPerRequest:       version.CostPerRequest,
		ScoreWeights:         copyWeights(defaultScoreWeights),
		ResolvedAt:           now,
	}

	if overlay.FairnessThreshold != nil {
		cfg.FairnessThreshold = *overlay.FairnessThreshold
	}
	if overlay.PrivacyRedactionRate != nil {
		cfg.PrivacyRedactionRate = *overlay.PrivacyRedactionRate
	}
	if overlay.CostCapPerRequest != nil {
		cfg.CostCapPerRequest = *overlay.CostCapPerRequest
	}
	if overlay.ScoreWeights != nil {
		cfg.ScoreWeights = copyWeights(overlay.ScoreWeights)
	}
	if overlay.FallbackVersion != nil {
		cfg.FallbackVersion = *overlay.FallbackVersion
	}

	return cfg
}

// validateEffective checks the merged config against the version's
// guardrails. Returns nil when the config is valid; violations are collected
// per field so the caller can name the offender.
func validateEffective(cfg *models.EffectiveConfig, version *models.ModelVersion) *errors.ValidationErrors {
	ve := errors.NewValidationErrors()
	g := version.Guardrails

	if cfg.FairnessThreshold < g.MinFairnessScore {
		ve.Add("fairness_threshold", errors.CodeGuardrailViolation,
			fmt.Sprintf("below version minimum %.4f", g.MinFairnessScore), cfg.FairnessThreshold)
	}
	if cfg.PrivacyRedactionRate < g.MinPrivacyRedactionRate {
		ve.Add("privacy_redaction_rate", errors.CodeGuardrailViolation,
			fmt.Sprintf("below version minimum %.4f", g.MinPrivacyRedactionRate), cfg.PrivacyRedactionRate)
	}
	if cfg.CostCapPerRequest > g.MaxCostPerRequest {
		ve.Add("cost_cap_per_request", errors.CodeGuardrailViolation,
			fmt.Sprintf("above version maximum %.6f", g.MaxCostPerRequest), cfg.CostCapPerRequest)
	}
	if cfg.CostCapPerRequest < version.CostPerRequest {
		ve.Add("cost_cap_per_request", errors.CodeGuardrailViolation,
			fmt.Sprintf("below the version's own cost per request %.6f", version.CostPerRequest), cfg.CostCapPerRequest)
	}
	if len(cfg.ScoreWeights) == 0 {
		ve.Add("score_weights", errors.CodeMissingField, "must not be empty", nil)
	}
	for name, w := range cfg.ScoreWeights {
		if w < 0 {
			ve.Add("score_weights", errors.CodeOutOfRange,
				fmt.Sprintf("weight %q must be non-negative", name), w)
		}
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// validationError converts collected field violations into a single AppError
// whose details name every offending field.
func validationError(code, message string, cause error, ve *errors.ValidationErrors) *errors.AppError {
	details := make([]string, 0, len(ve.Errors))
	for _, d := range ve.Errors {
		details = append(details, d.Field+": "+d.Message)
	}
	return errors.NewValidationError(code, message).
		WithCause(cause).
		WithDetails(strings.Join(details, "; ")).
		WithContext("violations", ve.Errors)
}

func guardrailError(ve *errors.ValidationErrors) *errors.AppError {
	return validationError(errors.CodeGuardrailViolation,
		"Merged configuration violates guardrails", errors.ErrGuardrailViolation, ve)
}

func copyWeights(weights map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(weights))
	for k, v := range weights {
		out[k] = v
	}
	return out
}
