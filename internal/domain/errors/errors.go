package errors

import (
	"errors"
	"fmt"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeIntegrity   ErrorType = "integrity"
	ErrorTypeConcurrency ErrorType = "concurrency"
	ErrorTypePolicy      ErrorType = "policy"
	ErrorTypeRun         ErrorType = "run"
)

// Taxonomy codes. These strings are part of the external contract and are
// reported verbatim to callers.
const (
	CodeChainDivergence              = "CHAIN_DIVERGENCE"
	CodeEvidenceTampered             = "EVIDENCE_TAMPERED"
	CodeConcurrentSequenceConflict   = "CONCURRENT_SEQUENCE_CONFLICT"
	CodeSubmissionLocked             = "SUBMISSION_LOCKED"
	CodeCancellationWindowExpired    = "CANCELLATION_WINDOW_EXPIRED"
	CodeInsufficientRole             = "INSUFFICIENT_ROLE"
	CodeSegregationOfDutiesViolation = "SEGREGATION_OF_DUTIES_VIOLATION"
	CodeNoActiveSession              = "NO_ACTIVE_SESSION"
	CodeActionDenied                 = "ACTION_DENIED"
	CodeRuleCheckFailed              = "RULE_CHECK_FAILED"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: 400,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: 404,
	}
}

func NewConflictError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: 500,
	}
}

// NewChainDivergenceError reports the first sequence at which recomputation
// disagrees with the stored chain.
func NewChainDivergenceError(organizationID string, sequence int64, expected, actual string) *AppError {
	return &AppError{
		Type:       ErrorTypeIntegrity,
		Code:       CodeChainDivergence,
		Message:    fmt.Sprintf("hash chain diverges at sequence %d", sequence),
		StatusCode: 409,
		Details: map[string]interface{}{
			"organization_id": organizationID,
			"sequence_number": sequence,
			"expected_hash":   expected,
			"actual_hash":     actual,
		},
	}
}

func NewEvidenceTamperedError(evidenceID, expected, actual string) *AppError {
	return &AppError{
		Type:       ErrorTypeIntegrity,
		Code:       CodeEvidenceTampered,
		Message:    fmt.Sprintf("evidence %s content hash mismatch", evidenceID),
		StatusCode: 409,
		Details: map[string]interface{}{
			"evidence_id":   evidenceID,
			"expected_hash": expected,
			"actual_hash":   actual,
		},
	}
}

// NewConcurrentSequenceConflictError is the only retryable error in the
// taxonomy.
func NewConcurrentSequenceConflictError(organizationID string, sequence int64) *AppError {
	return &AppError{
		Type:       ErrorTypeConcurrency,
		Code:       CodeConcurrentSequenceConflict,
		Message:    fmt.Sprintf("sequence %d already allocated for organization %s", sequence, organizationID),
		Retryable:  true,
		StatusCode: 409,
		Details: map[string]interface{}{
			"organization_id": organizationID,
			"sequence_number": sequence,
		},
	}
}

func NewPolicyError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypePolicy,
		Code:       code,
		Message:    message,
		StatusCode: 403,
	}
}

func NewSubmissionLockedError(submissionID string) *AppError {
	return NewPolicyError(CodeSubmissionLocked,
		fmt.Sprintf("submission %s is locked; issue a credit note instead", submissionID)).
		WithDetails(map[string]interface{}{"submission_id": submissionID})
}

func NewCancellationWindowExpiredError(submissionID string, expiredAt string) *AppError {
	return NewPolicyError(CodeCancellationWindowExpired,
		fmt.Sprintf("cancellation window for submission %s closed at %s", submissionID, expiredAt)).
		WithDetails(map[string]interface{}{"submission_id": submissionID, "lock_expires_at": expiredAt})
}

func NewInsufficientRoleError(actorID, role, required string) *AppError {
	return NewPolicyError(CodeInsufficientRole,
		fmt.Sprintf("actor %s with role %s requires role %s", actorID, role, required)).
		WithDetails(map[string]interface{}{"actor_id": actorID, "role": role, "required_role": required})
}

func NewSegregationOfDutiesError(actorID, resourceID string) *AppError {
	return NewPolicyError(CodeSegregationOfDutiesViolation,
		fmt.Sprintf("actor %s created %s and cannot verify it", actorID, resourceID)).
		WithDetails(map[string]interface{}{"actor_id": actorID, "resource_id": resourceID})
}

func NewNoActiveSessionError(actorID string) *AppError {
	return NewPolicyError(CodeNoActiveSession,
		fmt.Sprintf("auditor %s has no active session", actorID)).
		WithDetails(map[string]interface{}{"actor_id": actorID})
}

func NewActionDeniedError(actorID, action, resourceType string) *AppError {
	return NewPolicyError(CodeActionDenied,
		fmt.Sprintf("action %s on %s denied for actor %s", action, resourceType, actorID)).
		WithDetails(map[string]interface{}{"actor_id": actorID, "action": action, "resource_type": resourceType})
}

func NewRuleCheckFailedError(runID, check string, cause error) *AppError {
	return (&AppError{
		Type:       ErrorTypeRun,
		Code:       CodeRuleCheckFailed,
		Message:    fmt.Sprintf("rule check %s failed for run %s", check, runID),
		StatusCode: 422,
		Details:    map[string]interface{}{"audit_run_id": runID, "check": check},
	}).WithCause(cause)
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// HasCode checks if an error carries the given taxonomy code
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}

// CodeOf returns the taxonomy code of err, or "" for foreign errors
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
