// Package errors provides the unified error type and factory functions for
// CareCircle. Every layer (domain, application, infrastructure, interfaces)
// returns AppError so that HTTP responses, sync results and logs all carry the
// same code.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// stackDepth is the maximum number of frames captured per error.
const stackDepth = 32

// captureStack returns a formatted call-stack string starting two frames above
// the caller.
func captureStack(skip int) string {
	pcs := make([]uintptr, stackDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		f, more := frames.Next()
		if !strings.Contains(f.File, "runtime/") {
			fmt.Fprintf(&sb, "\n\t%s:%d %s", f.File, f.Line, f.Function)
		}
		if !more {
			break
		}
	}
	return sb.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// AppError
// ─────────────────────────────────────────────────────────────────────────────

// AppError is the single structured error type used throughout CareCircle.
// It supports errors.Is / errors.As / errors.Unwrap across layers.
//
// Usage:
//
//	return errors.New(errors.CodeFamilyNotFound, "family not found")
//	return errors.Wrap(err, errors.CodeDatabaseError, "failed to append event")
//	return errors.PermissionDenied("LOG_ACTIVITY").WithDetail("member=" + id)
type AppError struct {
	// Code is the typed error code that identifies the failure category.
	Code ErrorCode

	// Message is the primary human-readable description, safe for API responses.
	Message string

	// Detail carries supplementary context such as entity IDs.
	Detail string

	// Cause is the underlying error.
	Cause error

	// Stack is the call-stack captured at creation. It is not part of Error().
	Stack string
}

// Error implements the error interface.
// Format: "[<code>] <message>: <detail>", detail omitted when empty.
func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code.String(), e.Message, e.Detail)
	}
	return fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetail returns a shallow copy of the receiver with Detail set.
// It is safe to call on a nil pointer.
func (e *AppError) WithDetail(detail string) *AppError {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Detail = detail
	return &clone
}

// WithCause returns a shallow copy of the receiver with Cause set to err.
func (e *AppError) WithCause(err error) *AppError {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Cause = err
	return &clone
}

// ─────────────────────────────────────────────────────────────────────────────
// Primary factories
// ─────────────────────────────────────────────────────────────────────────────

// New constructs a fresh AppError with the given code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Stack:   captureStack(1),
	}
}

// Wrap constructs an AppError that wraps err. A nil err yields nil.
//
// When err is already an *AppError and code is CodeUnknown the original code
// is preserved.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	if code == CodeUnknown {
		var ae *AppError
		if errors.As(err, &ae) {
			code = ae.Code
		}
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
		Stack:   captureStack(1),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Error-chain inspection
// ─────────────────────────────────────────────────────────────────────────────

// IsCode reports whether any error in err's chain is an *AppError with code.
func IsCode(err error, code ErrorCode) bool {
	var ae *AppError
	for err != nil {
		if errors.As(err, &ae) && ae.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

func hasAnyCode(err error, codes ...ErrorCode) bool {
	var ae *AppError
	for err != nil {
		if errors.As(err, &ae) {
			for _, c := range codes {
				if ae.Code == c {
					return true
				}
			}
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsNotFound reports whether err's chain contains any not-found code.
func IsNotFound(err error) bool {
	return hasAnyCode(err,
		CodeNotFound,
		ErrCodeFamilyNotFound,
		ErrCodeMemberNotFound,
		ErrCodeChildNotFound,
		ErrCodeEventNotFound,
		ErrCodeConflictNotFound,
		ErrCodeInvitationNotFound,
	)
}

// IsPermissionDenied reports whether err is an authorization failure. An
// expired grant counts as a denial.
func IsPermissionDenied(err error) bool {
	return hasAnyCode(err, CodePermissionDenied, CodeGrantExpired)
}

// IsRetryable reports whether the caller may retry the same request. Only
// stale-state resolution attempts and transport failures qualify;
// authorization and expiry failures reflect real state changes.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeAlreadyResolved, CodeNetworkUnavailable, ErrCodeServiceUnavailable, ErrCodeTimeout, CodeDatabaseError:
		return true
	}
	return false
}

// GetCode extracts the ErrorCode from the first *AppError in err's chain.
func GetCode(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// ─────────────────────────────────────────────────────────────────────────────
// Convenience factories
// ─────────────────────────────────────────────────────────────────────────────

func newSkip(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Stack:   captureStack(2),
	}
}

// NotFound constructs a CodeNotFound AppError.
func NotFound(message string) *AppError { return newSkip(CodeNotFound, message) }

// InvalidParam constructs a CodeInvalidParam AppError.
func InvalidParam(message string) *AppError { return newSkip(CodeInvalidParam, message) }

// Unauthorized constructs a CodeUnauthorized AppError.
func Unauthorized(message string) *AppError { return newSkip(CodeUnauthorized, message) }

// Forbidden constructs a CodeForbidden AppError.
func Forbidden(message string) *AppError { return newSkip(CodeForbidden, message) }

// Internal constructs a CodeInternal AppError.
func Internal(message string) *AppError { return newSkip(CodeInternal, message) }

// Conflict constructs a CodeConflict AppError.
func Conflict(message string) *AppError { return newSkip(CodeConflict, message) }

// PermissionDenied reports that the acting member lacks the capability for action.
func PermissionDenied(action string) *AppError {
	return newSkip(CodePermissionDenied, "permission denied for "+action)
}

// GrantExpired reports that the acting member's access window has closed.
func GrantExpired(action string) *AppError {
	return newSkip(CodeGrantExpired, "access grant expired before "+action)
}

// AlreadyResolved reports a stale optimistic-concurrency version.
func AlreadyResolved(conflictID string) *AppError {
	return newSkip(CodeAlreadyResolved, "conflict already resolved").WithDetail("conflict=" + conflictID)
}

// SyncReplayRejected reports a dead-lettered buffered action.
func SyncReplayRejected(message string) *AppError {
	return newSkip(CodeSyncReplayRejected, message)
}

// NetworkUnavailable reports a transient transport or storage outage.
func NetworkUnavailable(message string) *AppError {
	return newSkip(CodeNetworkUnavailable, message)
}
