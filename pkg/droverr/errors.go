// Package droverr defines the supervisor-wide error taxonomy.
//
// Every failure that crosses a component boundary is represented as an
// *Error carrying a stable code, a severity, and a retryable flag, so
// that the iteration engine, the process monitor, and the API layer all
// classify failures the same way.
package droverr

import (
	"errors"
	"fmt"
)

// Code identifies the failure kind. Codes are stable strings so they can
// be persisted in session error summaries and audit records.
type Code string

const (
	CodeNotFound              Code = "not_found"
	CodeInvalidState          Code = "invalid_state"
	CodeDuplicate             Code = "duplicate"
	CodeDbBusy                Code = "db_busy"
	CodeDbUnavailable         Code = "db_unavailable"
	CodeWorkerSpawnFailed     Code = "worker_spawn_failed"
	CodeWorkerExit            Code = "worker_exit"
	CodeTimeout               Code = "timeout"
	CodeCancelled             Code = "cancelled"
	CodeCircuitOpen           Code = "circuit_open"
	CodeOracleUnavailable     Code = "oracle_unavailable"
	CodeOracleInvalidResponse Code = "oracle_invalid_response"
	CodeFilesystem            Code = "filesystem"
)

// Severity indicates how loudly a failure should be reported.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ExitClass sub-classifies a non-zero worker exit by its stderr fingerprint.
type ExitClass string

const (
	ExitUsageLimit ExitClass = "usage_limit"
	ExitNetwork    ExitClass = "network"
	ExitAuth       ExitClass = "auth"
	ExitGeneric    ExitClass = "generic"
)

// Error is the supervisor's tagged error value.
type Error struct {
	Code      Code
	Class     ExitClass // set only for CodeWorkerExit
	Severity  Severity
	Retryable bool
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error with the default severity and retryability for its code.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Severity:  defaultSeverity(code),
		Retryable: defaultRetryable(code),
		Message:   fmt.Sprintf(format, args...),
	}
}

// Wrap creates an error with a cause attached.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.Cause = cause
	return e
}

func defaultSeverity(code Code) Severity {
	switch code {
	case CodeDbBusy, CodeTimeout, CodeCancelled, CodeOracleUnavailable, CodeOracleInvalidResponse:
		return SeverityWarning
	case CodeDbUnavailable:
		return SeverityCritical
	default:
		return SeverityError
	}
}

func defaultRetryable(code Code) bool {
	switch code {
	case CodeDbBusy, CodeTimeout, CodeWorkerSpawnFailed, CodeOracleUnavailable:
		return true
	default:
		return false
	}
}

// CodeOf extracts the taxonomy code from err, or "" for untyped errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether err is worth retrying. Untyped errors are not.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// IsNotFound reports whether err means the entity does not exist.
func IsNotFound(err error) bool { return IsCode(err, CodeNotFound) }

// IsInvalidState reports whether err means a rejected state transition.
func IsInvalidState(err error) bool { return IsCode(err, CodeInvalidState) }

// IsDuplicate reports whether err means an id collision at create.
func IsDuplicate(err error) bool { return IsCode(err, CodeDuplicate) }

// IsCancelled reports whether err means the operation's context was cancelled.
func IsCancelled(err error) bool {
	return IsCode(err, CodeCancelled) || errors.Is(err, ErrCancelled)
}

var (
	// ErrCancelled is the sentinel the engine wraps when a session's
	// cancellation token trips mid-operation.
	ErrCancelled = errors.New("operation cancelled")

	// ErrCircuitOpen is the sentinel the breaker manager exposes when a
	// category has shed load.
	ErrCircuitOpen = errors.New("circuit breaker open")
)
