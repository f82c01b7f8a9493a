package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// Registry errors
	ErrGuardrailViolation = errors.New("merged configuration violates a guardrail")
	ErrUnknownVersion     = errors.New("model version not found")
	ErrDuplicateVersion   = errors.New("model version already exists")
	ErrVersionInactive    = errors.New("model version is not active")
	ErrNoSnapshot         = errors.New("no rollback snapshot available")
	ErrTenantNotFound     = errors.New("tenant not found")

	// Rollout errors
	ErrRolloutInProgress = errors.New("rollout already in progress for tenant")
	ErrRolloutNotFound   = errors.New("no rollout found for tenant")

	// Drift errors
	ErrInsufficientSamples = errors.New("window below minimum sample count")
	ErrNoBaseline          = errors.New("no baseline distribution configured")
	ErrEmptyHistogram      = errors.New("histogram has no mass")

	// Budget errors
	ErrLedgerNotFound = errors.New("budget ledger not found")
	ErrInvalidLimit   = errors.New("budget limit must be positive")

	// Experiment errors
	ErrExperimentInProgress = errors.New("experiment already running for tenant and label")
	ErrExperimentNotFound   = errors.New("experiment not found")
	ErrExperimentConcluded  = errors.New("experiment already concluded")
	ErrUnknownArm           = errors.New("unknown experiment arm")

	// Storage errors
	ErrStorageConnectionFailed = errors.New("storage connection failed")
	ErrDataNotFound            = errors.New("data not found")

	// Scheduling errors
	ErrLoopStopped = errors.New("background loop already stopped")

	// Network errors
	ErrUnavailable = errors.New("service unavailable")
)

// ErrorType buckets errors for HTTP status mapping and logging.
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeRegistry      ErrorType = "registry"
	ErrorTypeRollout       ErrorType = "rollout"
	ErrorTypeDrift         ErrorType = "drift"
	ErrorTypeBudget        ErrorType = "budget"
	ErrorTypeExperiment    ErrorType = "experiment"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeNetwork       ErrorType = "network"
	ErrorTypeRateLimit     ErrorType = "rate_limit"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeInternal      ErrorType = "internal"
)

// AppError is the structured error carried across the API and storage layers.
// Its JSON form is the body of every error response.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Retryable  bool                   `json:"retryable"`
	HTTPStatus int                    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches two AppErrors on type and code so errors.Is works across
// independently constructed instances.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithContext attaches a key/value pair for structured logging.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails sets the free-form detail string.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause attaches the underlying cause without changing the message.
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// NewAppError builds an error of the given type with the type's default
// HTTP status.
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		Retryable:  false,
		HTTPStatus: getDefaultHTTPStatus(errType),
	}
}

// WrapError annotates an underlying error, classifying retryability from
// the cause.
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		Cause:      err,
		Retryable:  isRetryable(err),
		HTTPStatus: getDefaultHTTPStatus(errType),
	}
}

// NewValidationError reports rejected input.
func NewValidationError(code, message string) *AppError {
	return NewAppError(ErrorTypeValidation, code, message)
}

// NewRegistryError reports a model registry failure.
func NewRegistryError(code, message string) *AppError {
	return NewAppError(ErrorTypeRegistry, code, message)
}

// NewRolloutError reports a rollout orchestration failure.
func NewRolloutError(code, message string) *AppError {
	return NewAppError(ErrorTypeRollout, code, message)
}

// NewDriftError reports a drift computation failure.
func NewDriftError(code, message string) *AppError {
	return NewAppError(ErrorTypeDrift, code, message)
}

// NewBudgetError reports a budget enforcement failure.
func NewBudgetError(code, message string) *AppError {
	return NewAppError(ErrorTypeBudget, code, message)
}

// NewExperimentError reports an experiment lifecycle failure.
func NewExperimentError(code, message string) *AppError {
	return NewAppError(ErrorTypeExperiment, code, message)
}

// NewConflictError forces a 409 status regardless of the type's default.
func NewConflictError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		Retryable:  false,
		HTTPStatus: 409,
	}
}

// NewNotFoundError forces a 404 status regardless of the type's default.
func NewNotFoundError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		Retryable:  false,
		HTTPStatus: 404,
	}
}

// NewStorageError reports a persistence failure.
func NewStorageError(code, message string) *AppError {
	return NewAppError(ErrorTypeStorage, code, message)
}

// NewNetworkError reports a transport failure. Network errors are always
// retryable.
func NewNetworkError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeNetwork,
		Code:       code,
		Message:    message,
		Retryable:  true,
		HTTPStatus: 503,
	}
}

// NewRateLimitError reports an exhausted request quota.
func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeRateLimit,
		Code:       CodeRateLimitExceeded,
		Message:    message,
		Retryable:  true,
		HTTPStatus: 429,
	}
}

// NewInternalError reports an unexpected failure the caller cannot act on.
func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeInternalError,
		Message:    message,
		Retryable:  false,
		HTTPStatus: 500,
	}
}

func getDefaultHTTPStatus(errType ErrorType) int {
	switch errType {
	case ErrorTypeValidation:
		return 400
	case ErrorTypeRegistry:
		return 404
	case ErrorTypeRollout, ErrorTypeExperiment:
		return 409
	case ErrorTypeDrift, ErrorTypeBudget:
		return 422
	case ErrorTypeRateLimit:
		return 429
	case ErrorTypeNetwork:
		return 503
	case ErrorTypeStorage, ErrorTypeConfiguration, ErrorTypeInternal:
		return 500
	default:
		return 500
	}
}

// isRetryable classifies the cause of a wrapped error. Connection-level
// failures and driver timeouts are safe to retry; domain errors are not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStorageConnectionFailed) || errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ValidationErrorDetail pins a validation failure to a single field.
type ValidationErrorDetail struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
}

// ValidationErrors collects per-field failures so a request is validated
// fully before being rejected.
type ValidationErrors struct {
	Message string                  `json:"message"`
	Errors  []ValidationErrorDetail `json:"errors"`
}

func (ve *ValidationErrors) Error() string {
	return ve.Message
}

// Add records a failure for one field.
func (ve *ValidationErrors) Add(field, code, message string, value interface{}) {
	ve.Errors = append(ve.Errors, ValidationErrorDetail{
		Field:   field,
		Value:   value,
		Message: message,
		Code:    code,
	})
}

// HasErrors reports whether any field failed.
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// NewValidationErrors returns an empty collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Message: "Validation failed",
		Errors:  make([]ValidationErrorDetail, 0),
	}
}

// Stable error codes surfaced in API responses and logs.
const (
	// Validation error codes
	CodeInvalidInput       = "INVALID_INPUT"
	CodeMissingField       = "MISSING_FIELD"
	CodeInvalidFormat      = "INVALID_FORMAT"
	CodeOutOfRange         = "OUT_OF_RANGE"
	CodeGuardrailViolation = "GUARDRAIL_VIOLATION"

	// Registry error codes
	CodeUnknownVersion   = "UNKNOWN_VERSION"
	CodeDuplicateVersion = "DUPLICATE_VERSION"
	CodeVersionInactive  = "VERSION_INACTIVE"
	CodeVersionInUse     = "VERSION_IN_USE"
	CodeNoSnapshot       = "NO_SNAPSHOT"
	CodeTenantNotFound   = "TENANT_NOT_FOUND"

	// Rollout error codes
	CodeRolloutInProgress = "ROLLOUT_IN_PROGRESS"
	CodeRolloutNotFound   = "ROLLOUT_NOT_FOUND"

	// Drift error codes
	CodeInsufficientSamples = "INSUFFICIENT_SAMPLES"
	CodeNoBaseline          = "NO_BASELINE"
	CodeEmptyHistogram      = "EMPTY_HISTOGRAM"

	// Budget error codes
	CodeLedgerNotFound  = "LEDGER_NOT_FOUND"
	CodeNoFallbackModel = "NO_FALLBACK_MODEL"
	CodeInvalidLimit    = "INVALID_LIMIT"

	// Experiment error codes
	CodeExperimentInProgress = "EXPERIMENT_IN_PROGRESS"
	CodeExperimentNotFound   = "EXPERIMENT_NOT_FOUND"
	CodeExperimentConcluded  = "EXPERIMENT_CONCLUDED"
	CodeUnknownArm           = "UNKNOWN_ARM"

	// Storage error codes
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeDataNotFound     = "DATA_NOT_FOUND"
	CodeWriteFailed      = "WRITE_FAILED"
	CodeReadFailed       = "READ_FAILED"

	// Scheduling error codes
	CodeTickDeadlineExceeded = "TICK_DEADLINE_EXCEEDED"

	// Rate limiting error codes
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

	// Internal error codes
	CodeInternalError = "INTERNAL_ERROR"
)
