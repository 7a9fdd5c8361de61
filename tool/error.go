package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// ToolErrorCodeNotFound is returned when an artifact location does not exist.
	ToolErrorCodeNotFound = "NOT_FOUND"
	// ToolErrorCodeIO is returned when an artifact exists but cannot be read.
	ToolErrorCodeIO = "IO"
	// ToolErrorCodeResolveTransient is returned for network failures while fetching an artifact.
	ToolErrorCodeResolveTransient = "RESOLVE_TRANSIENT"
	// ToolErrorCodeResolveFatal is returned when a remote source rejects the request.
	ToolErrorCodeResolveFatal = "RESOLVE_FATAL"

	// ToolErrorCodeDigestMismatch is returned when artifact bytes do not match the expected digest.
	ToolErrorCodeDigestMismatch = "DIGEST_MISMATCH"
	// ToolErrorCodeSignatureInvalid is returned for missing, malformed, or failing signatures.
	ToolErrorCodeSignatureInvalid = "SIGNATURE_INVALID"
	// ToolErrorCodeUntrusted is returned when no trust anchor admits the artifact.
	ToolErrorCodeUntrusted = "UNTRUSTED"

	// ToolErrorCodeABIUnsupported is returned when no known export shape is present.
	ToolErrorCodeABIUnsupported = "ABI_UNSUPPORTED"

	// ToolErrorCodeTrap is returned when the sandbox raises a runtime fault.
	ToolErrorCodeTrap = "TRAP"
	// ToolErrorCodeTimeout is returned when an attempt exceeds its deadline.
	ToolErrorCodeTimeout = "TIMEOUT"
	// ToolErrorCodeHostImportDenied is returned when a guest fails after calling a disabled capability.
	ToolErrorCodeHostImportDenied = "HOST_IMPORT_DENIED"
	// ToolErrorCodeValueError is returned when the guest reports an application-level error.
	ToolErrorCodeValueError = "VALUE_ERROR"

	// ToolErrorCodeRetriesExhausted wraps the last transient error once the attempt budget is spent.
	ToolErrorCodeRetriesExhausted = "RETRIES_EXHAUSTED"
	// ToolErrorCodeToolNotFound is returned when a tool name is not registered.
	ToolErrorCodeToolNotFound = "TOOL_NOT_FOUND"
	// ToolErrorCodeInvalidRequest is returned when request construction fails.
	ToolErrorCodeInvalidRequest = "INVALID_REQUEST"
	// ToolErrorCodeInvocationFailed is a generic fallback for tool invocation failures.
	ToolErrorCodeInvocationFailed = "INVOCATION_FAILED"
)

// ToolError is a structured invocation error that can flow from the artifact
// source, verifier, and sandbox up to callers without losing retryability or
// machine-readable codes.
type ToolError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	// Payload carries the guest's error value verbatim for VALUE_ERROR.
	Payload json.RawMessage `json:"payload,omitempty"`
	Cause   error           `json:"-"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	switch {
	case code == "" && msg == "":
		return ToolErrorCodeInvocationFailed
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError builds a ToolError. An empty message falls back to the cause text.
func NewError(code, message string, retryable bool, cause error) *ToolError {
	cleanCode := strings.TrimSpace(code)
	if cleanCode == "" {
		cleanCode = ToolErrorCodeInvocationFailed
	}
	cleanMsg := strings.TrimSpace(message)
	if cleanMsg == "" && cause != nil {
		cleanMsg = cause.Error()
	}
	return &ToolError{
		Code:      cleanCode,
		Message:   cleanMsg,
		Retryable: retryable,
		Cause:     cause,
	}
}

// Fatal builds a non-retryable ToolError.
func Fatal(code, format string, args ...any) *ToolError {
	return NewError(code, fmt.Sprintf(format, args...), false, nil)
}

// Transient builds a retryable ToolError wrapping cause.
func Transient(code string, cause error, format string, args ...any) *ToolError {
	return NewError(code, fmt.Sprintf(format, args...), true, cause)
}

// Canceled reports a call its caller gave up on. It is never retried and
// unwraps to cause, normally context.Canceled.
func Canceled(cause error) *ToolError {
	err := NewError(ToolErrorCodeInvocationFailed, "call canceled by caller", false, cause)
	return WithDetails(err, map[string]any{"canceled": true})
}

// WithDetails merges details into err and returns it.
func WithDetails(err *ToolError, details map[string]any) *ToolError {
	if err == nil {
		return nil
	}
	if len(details) == 0 {
		return err
	}
	if err.Details == nil {
		err.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		err.Details[key] = value
	}
	return err
}

// AsToolError returns the first ToolError in err's chain.
func AsToolError(err error) (*ToolError, bool) {
	if err == nil {
		return nil, false
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// Code returns the code of the outermost ToolError in err's chain, or "".
func Code(err error) string {
	if toolErr, ok := AsToolError(err); ok && toolErr != nil {
		return toolErr.Code
	}
	return ""
}

// CodeOrDefault returns Code(err), or fallback when err carries no code.
func CodeOrDefault(err error, fallback string) string {
	if code := Code(err); strings.TrimSpace(code) != "" {
		return code
	}
	if strings.TrimSpace(fallback) == "" {
		return ToolErrorCodeInvocationFailed
	}
	return fallback
}

// HasCode reports whether any ToolError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var toolErr *ToolError
		if !errors.As(err, &toolErr) {
			return false
		}
		if toolErr.Code == code {
			return true
		}
		err = toolErr.Cause
	}
	return false
}

// IsExhausted reports whether err is a terminal "out of attempts" failure.
func IsExhausted(err error) bool {
	return Code(err) == ToolErrorCodeRetriesExhausted
}

// LastAttemptError returns the error of the final attempt for exhausted
// failures, or err itself otherwise.
func LastAttemptError(err error) error {
	if toolErr, ok := AsToolError(err); ok && toolErr.Code == ToolErrorCodeRetriesExhausted && toolErr.Cause != nil {
		return toolErr.Cause
	}
	return err
}

// IsRetryable reports whether err is eligible for another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if toolErr, ok := AsToolError(err); ok {
		return toolErr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
