// Package errors provides centralized error definitions and error handling utilities
// for the loopguard codebase. It defines the error taxonomy shared by every
// component of the loop core: admission errors, integrity violations, and
// semantic errors for malformed input.
//
// # Error Types
//
// Admission errors are expected outcomes of the admission checks (cap exceeded,
// checkpoint pending, delusion block). They are never retried by the core and
// carry the counters that produced the denial:
//
//	err := errors.NewAdmissionError(errors.ReasonCapExceeded, 3, 3)
//
// Integrity errors are programming-contract violations: reusing a loop index,
// resolving a checkpoint twice, writing a delegation edge past the ceiling.
// They indicate a caller that bypassed the admission checks:
//
//	err := errors.NewIntegrityError("resolve checkpoint", errors.ErrCheckpointResolved)
//
// Semantic errors (NotFoundError, ValidationError) describe bad lookups and
// malformed requests.
//
// # Usage
//
//	if errors.IsAdmission(err) { ... }   // report to caller, HTTP 429
//	if errors.IsIntegrity(err) { ... }   // hard failure, HTTP 409
//
//	var adm *errors.AdmissionError
//	if errors.As(err, &adm) {
//	    fmt.Println(adm.Reason, adm.Current, adm.Limit)
//	}
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Lookup sentinel errors
var (
	// ErrTaskNotFound indicates that no records exist for a task.
	ErrTaskNotFound = New("task not found")
	// ErrAttemptNotFound indicates that a loop attempt could not be found.
	ErrAttemptNotFound = New("loop attempt not found")
	// ErrCheckpointNotFound indicates that a checkpoint could not be found.
	ErrCheckpointNotFound = New("checkpoint not found")
)

// Invariant sentinel errors. These are always wrapped in an IntegrityError.
var (
	// ErrLoopIndexReused indicates an attempt to append a loop attempt whose
	// index is not strictly greater than every existing index for the task.
	ErrLoopIndexReused = New("loop index already used")
	// ErrOutcomeFinal indicates an attempt to change the outcome of a loop
	// attempt that is no longer pending.
	ErrOutcomeFinal = New("loop attempt outcome already final")
	// ErrCheckpointResolved indicates a resolve call against a checkpoint
	// that is already approved or rejected.
	ErrCheckpointResolved = New("checkpoint already resolved")
	// ErrDepthExceeded indicates a delegation edge whose depth is above the
	// configured ceiling.
	ErrDepthExceeded = New("delegation depth exceeds ceiling")
	// ErrDuplicateRecord indicates a record id that already exists.
	ErrDuplicateRecord = New("record already exists")
	// ErrAttemptPending indicates a new loop submitted while the task's
	// previous attempt has not reported an outcome.
	ErrAttemptPending = New("previous loop attempt still executing")
)

// General sentinel errors
var (
	// ErrInvalidPlan indicates that a plan has no steps or malformed steps.
	ErrInvalidPlan = New("invalid plan")
	// ErrInvalidInput indicates that input validation failed. Every
	// ValidationError wraps it.
	ErrInvalidInput = New("invalid input")
)

// Admission reasons reported to callers.
const (
	ReasonCapExceeded        = "cap_exceeded"
	ReasonDepthExceeded      = "depth_exceeded"
	ReasonCheckpointPending  = "checkpoint_pending"
	ReasonCheckpointRejected = "checkpoint_rejected"
	ReasonDelusionBlock      = "delusion_block"
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// LoopError is the base interface for all loopguard errors.
type LoopError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

type baseError struct {
	message    string
	cause      error
	severity   Severity
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error      { return e.cause }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) IsUserFacing() bool { return e.userFacing }

// -----------------------------------------------------------------------------
// Admission Errors
// -----------------------------------------------------------------------------

// AdmissionError is a denial from an admission check. It is an expected
// outcome, not a fault: callers surface it with its counters.
type AdmissionError struct {
	baseError
	Reason  string
	Current int
	Limit   int
}

// NewAdmissionError creates an AdmissionError for the given reason and counters.
func NewAdmissionError(reason string, current, limit int) *AdmissionError {
	return &AdmissionError{
		baseError: baseError{
			message:    "admission denied",
			severity:   SeverityInfo,
			userFacing: true,
		},
		Reason:  reason,
		Current: current,
		Limit:   limit,
	}
}

// Error returns the formatted error message.
func (e *AdmissionError) Error() string {
	if e.Limit > 0 || e.Current > 0 {
		return fmt.Sprintf("admission denied: %s (current=%d, limit=%d)", e.Reason, e.Current, e.Limit)
	}
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// -----------------------------------------------------------------------------
// Integrity Errors
// -----------------------------------------------------------------------------

// IntegrityError reports a violation of an immutable invariant, such as
// reusing a loop index or double-resolving a checkpoint.
type IntegrityError struct {
	baseError
	Op string
}

// NewIntegrityError wraps cause as an integrity violation raised by op.
func NewIntegrityError(op string, cause error) *IntegrityError {
	return &IntegrityError{
		baseError: baseError{
			message:    "integrity violation",
			cause:      cause,
			severity:   SeverityCritical,
			userFacing: true,
		},
		Op: op,
	}
}

// Error returns the formatted error message.
func (e *IntegrityError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("integrity violation in %s: %v", e.Op, e.cause)
	}
	return fmt.Sprintf("integrity violation in %s", e.Op)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("checkpoint", "cp-1")
//	fmt.Println(err) // "checkpoint 'cp-1' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// ValidationError represents invalid input.
//
// Example:
//
//	err := errors.NewValidationError("task_id is required").WithField("task_id")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			cause:      ErrInvalidInput,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsAdmission reports whether err is (or wraps) an AdmissionError.
func IsAdmission(err error) bool {
	var adm *AdmissionError
	return As(err, &adm)
}

// IsIntegrity reports whether err is (or wraps) an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return As(err, &ie)
}

// IsNotFound reports whether err is a NotFoundError or wraps one of the
// lookup sentinels.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	if As(err, &nf) {
		return true
	}
	return Is(err, ErrTaskNotFound) || Is(err, ErrAttemptNotFound) || Is(err, ErrCheckpointNotFound)
}

// IsValidation reports whether err is a ValidationError or wraps ErrInvalidInput
// or ErrInvalidPlan.
func IsValidation(err error) bool {
	var ve *ValidationError
	if As(err, &ve) {
		return true
	}
	return Is(err, ErrInvalidInput) || Is(err, ErrInvalidPlan)
}

// IsUserFacing returns true if the error message is safe to display to end
// users. Errors outside the taxonomy, such as raw ledger failures, are not.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var le LoopError
	if As(err, &le) {
		return le.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement LoopError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var le LoopError
	if As(err, &le) {
		return le.Severity()
	}
	return SeverityError
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
