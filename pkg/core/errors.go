package core

import (
	"errors"
	"fmt"
)

// ErrorClass categorizes errors for both programmatic handling and
// transport mapping. Every error crossing a core boundary carries a class.
type ErrorClass string

const (
	// ErrorClassValidation indicates a malformed or semantically invalid
	// request. No update is created.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassPermission indicates the operator is not allowed to perform
	// the operation. No update is created.
	ErrorClassPermission ErrorClass = "permission"

	// ErrorClassBusy indicates another action already holds the target's
	// lock. The request is rejected, never queued.
	ErrorClassBusy ErrorClass = "busy"

	// ErrorClassAgent indicates a failure reaching or executing on the
	// remote periphery agent. See AgentKind.
	ErrorClassAgent ErrorClass = "agent"

	// ErrorClassStore indicates a persistence failure.
	ErrorClassStore ErrorClass = "store"

	// ErrorClassInternal indicates a bug or unexpected condition.
	ErrorClassInternal ErrorClass = "internal"
)

// AgentKind subdivides agent errors by where the failure occurred.
type AgentKind string

const (
	// AgentTimeout means the call exceeded its deadline. The remote side
	// may or may not have applied the action.
	AgentTimeout AgentKind = "timeout"

	// AgentUnreachable means a connection could not be established; the
	// action was certainly not applied.
	AgentUnreachable AgentKind = "unreachable"

	// AgentRemoteFault means the agent was reached and reported failure.
	AgentRemoteFault AgentKind = "remote_fault"
)

// CoreError is the classified error type used throughout the orchestrator.
// It wraps an underlying cause and carries enough structure for callers to
// branch on class without string matching.
type CoreError struct {
	// Class is the error category.
	Class ErrorClass

	// AgentKind is set only when Class is ErrorClassAgent.
	AgentKind AgentKind

	// Target is the resource the failing action addressed, if known.
	Target Target

	// Operation is the action kind that failed, if known.
	Operation Operation

	// Message is a human-readable description.
	Message string

	// Err is the wrapped underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	msg := fmt.Sprintf("[%s]", e.Class)
	if e.AgentKind != "" {
		msg += fmt.Sprintf("[%s]", e.AgentKind)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" %s", e.Operation)
	}
	if e.Target.Type != "" {
		msg += fmt.Sprintf(" %s", e.Target)
	}
	msg += fmt.Sprintf(": %s", e.Message)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is / errors.As chains.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// WithTarget attaches the target the error relates to.
func (e *CoreError) WithTarget(t Target) *CoreError {
	e.Target = t
	return e
}

// WithOperation attaches the operation that failed.
func (e *CoreError) WithOperation(op Operation) *CoreError {
	e.Operation = op
	return e
}

// WithCause wraps an underlying error.
func (e *CoreError) WithCause(err error) *CoreError {
	e.Err = err
	return e
}

// NewValidationError creates a validation error.
func NewValidationError(format string, args ...interface{}) *CoreError {
	return &CoreError{
		Class:   ErrorClassValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewPermissionError creates a permission error.
func NewPermissionError(format string, args ...interface{}) *CoreError {
	return &CoreError{
		Class:   ErrorClassPermission,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewBusyError creates a busy error for a contended target.
func NewBusyError(target Target) *CoreError {
	return &CoreError{
		Class:   ErrorClassBusy,
		Target:  target,
		Message: "an action is already in flight for this target",
	}
}

// NewAgentError creates an agent error of the given kind.
func NewAgentError(kind AgentKind, format string, args ...interface{}) *CoreError {
	return &CoreError{
		Class:     ErrorClassAgent,
		AgentKind: kind,
		Message:   fmt.Sprintf(format, args...),
	}
}

// NewStoreError creates a persistence error.
func NewStoreError(format string, args ...interface{}) *CoreError {
	return &CoreError{
		Class:   ErrorClassStore,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewInternalError creates an internal error.
func NewInternalError(format string, args ...interface{}) *CoreError {
	return &CoreError{
		Class:   ErrorClassInternal,
		Message: fmt.Sprintf(format, args...),
	}
}

// ClassOf extracts the error class, or ErrorClassInternal for
// unclassified errors.
func ClassOf(err error) ErrorClass {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ErrorClassInternal
}

// IsBusy reports whether the error is a lock-contention rejection.
func IsBusy(err error) bool {
	return ClassOf(err) == ErrorClassBusy
}

// IsValidation reports whether the error is a validation rejection.
func IsValidation(err error) bool {
	return ClassOf(err) == ErrorClassValidation
}

// IsPermission reports whether the error is a permission denial.
func IsPermission(err error) bool {
	return ClassOf(err) == ErrorClassPermission
}

// IsAgent reports whether the error came from the periphery agent layer.
func IsAgent(err error) bool {
	return ClassOf(err) == ErrorClassAgent
}

// AgentKindOf extracts the agent error kind, or "" if the error is not an
// agent error.
func AgentKindOf(err error) AgentKind {
	var ce *CoreError
	if errors.As(err, &ce) && ce.Class == ErrorClassAgent {
		return ce.AgentKind
	}
	return ""
}

// IsAgentTimeout reports whether the error is an agent deadline failure.
// Timeout outcomes are ambiguous: the remote side may have applied the
// action, so callers must not assume either way.
func IsAgentTimeout(err error) bool {
	return AgentKindOf(err) == AgentTimeout
}

// IsRetryable reports whether retrying the same request could plausibly
// succeed without operator intervention.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassBusy:
		return true
	case ErrorClassAgent:
		// A remote fault will recur until the cause is fixed.
		return AgentKindOf(err) != AgentRemoteFault
	default:
		return false
	}
}
