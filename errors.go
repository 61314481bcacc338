package maestro

import (
	"errors"
	"fmt"
)

// Code classifies an error for retry decisions and HTTP status mapping.
type Code string

const (
	CodeValidation    Code = "VALIDATION"
	CodeNotFound      Code = "NOT_FOUND"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeAgentNotFound Code = "AGENT_NOT_FOUND"
	CodeToolNotFound  Code = "TOOL_NOT_FOUND"
	CodeTimeout       Code = "TIMEOUT"
	CodeMaxIterations Code = "MAX_ITERATIONS"
	CodePlanning      Code = "PLANNING_ERROR"
	CodeStepFailed    Code = "STEP_FAILED"
	CodeProvider      Code = "PROVIDER_ERROR"
	CodePersistence   Code = "PERSISTENCE_ERROR"
	CodeCancelled     Code = "CANCELLED"
	CodeUnknown       Code = "UNKNOWN"
)

// Error is the error type used across the orchestration core. It carries a
// taxonomy code and a retryable flag so callers can decide policy without
// string matching.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// E creates an Error with the given code. Timeout and provider errors are
// retryable by default; everything else is not.
func E(code Code, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: code == CodeTimeout || code == CodeProvider,
	}
}

// AsError extracts the *Error from err's chain, wrapping foreign errors
// as UNKNOWN so every failure path carries a code.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeUnknown, Message: err.Error()}
}

// CodeOf returns the taxonomy code of err, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
