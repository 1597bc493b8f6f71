package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Failure codes form the closed set reported on terminal failures.
const (
	CodeAborted            = "AGENT_ABORTED"
	CodeLoopExceeded       = "AGENT_LOOP_EXCEEDED"
	CodeMaxRetriesExceeded = "AGENT_MAX_RETRIES_EXCEEDED"
	CodeLLMTimeout         = "LLM_TIMEOUT"
	CodeLLMRequestFailed   = "LLM_REQUEST_FAILED"
	CodeLLMResponseInvalid = "LLM_RESPONSE_INVALID"
	CodeToolFailed         = "TOOL_EXECUTION_FAILED"
	CodeRuntimeError       = "AGENT_RUNTIME_ERROR"
)

// Sentinel errors for entry-point validation. These are programmer or
// caller errors and are returned directly rather than as a Failure.
var (
	ErrEmptyInput    = errors.New("input is empty")
	ErrAgentBusy     = errors.New("agent is already executing")
	ErrNoProvider    = errors.New("no provider configured")
	ErrNoMemory      = errors.New("no memory manager configured")
	ErrEmptyResponse = errors.New("provider returned an empty response")
)

// Failure describes a terminal run failure. UserMessage is stable and
// concise; InternalMessage carries the original error text for logging.
type Failure struct {
	Code            string `json:"code"`
	UserMessage     string `json:"user_message"`
	InternalMessage string `json:"internal_message,omitempty"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.InternalMessage != "" {
		return fmt.Sprintf("[%s] %s: %s", f.Code, f.UserMessage, f.InternalMessage)
	}
	return fmt.Sprintf("[%s] %s", f.Code, f.UserMessage)
}

// NewFailure builds a Failure, folding the cause into InternalMessage.
func NewFailure(code, userMessage string, cause error) *Failure {
	f := &Failure{Code: code, UserMessage: userMessage}
	if cause != nil {
		f.InternalMessage = cause.Error()
	}
	return f
}

// ProviderError is a classified error from a provider call. Code feeds
// the retry status message as "[CODE] message".
type ProviderError struct {
	// Code is the provider's error code (e.g. "TIMEOUT",
	// "internal_server_error", "invalid_parameter_error").
	Code string

	// Message is the human-readable error detail.
	Message string

	// Retryable marks transient errors eligible for retry.
	Retryable bool

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewRetryableError creates a transient provider error.
func NewRetryableError(code, message string) *ProviderError {
	return &ProviderError{Code: code, Message: message, Retryable: true}
}

// NewFatalError creates a non-retryable provider error.
func NewFatalError(code, message string) *ProviderError {
	return &ProviderError{Code: code, Message: message}
}

// classifyProviderError normalizes an arbitrary provider error into a
// ProviderError. Typed errors pass through; everything else is classified
// from the error text the same way the tool executor classifies tool
// failures.
func classifyProviderError(err error) *ProviderError {
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Code: "TIMEOUT", Message: err.Error(), Retryable: true, Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &ProviderError{Code: "CANCELLED", Message: err.Error(), Cause: err}
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return &ProviderError{Code: "TIMEOUT", Message: err.Error(), Retryable: true, Cause: err}
	}

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "unreachable") ||
		strings.Contains(errStr, "eof") {
		return &ProviderError{Code: "NETWORK_ERROR", Message: err.Error(), Retryable: true, Cause: err}
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return &ProviderError{Code: "RATE_LIMITED", Message: err.Error(), Retryable: true, Cause: err}
	}

	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "overloaded") {
		return &ProviderError{Code: "SERVER_ERROR", Message: err.Error(), Retryable: true, Cause: err}
	}

	if strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "not found") {
		return &ProviderError{Code: "REQUEST_ERROR", Message: err.Error(), Cause: err}
	}

	return &ProviderError{Code: "UNKNOWN", Message: err.Error(), Cause: err}
}

// chunkErrorToProviderError converts an in-band stream error chunk.
// Retryability follows the chunk's code: invalid-parameter style codes are
// fatal, everything else is treated as transient.
func chunkErrorToProviderError(ce *ChunkError) *ProviderError {
	code := ce.Code
	if code == "" {
		code = ce.Type
	}
	if code == "" {
		code = "STREAM_ERROR"
	}
	pe := &ProviderError{Code: code, Message: ce.Message}
	switch {
	case strings.Contains(code, "invalid_parameter"),
		strings.Contains(code, "invalid_request"),
		strings.Contains(code, "authentication"),
		strings.Contains(code, "permission"),
		strings.Contains(code, "not_found"):
		pe.Retryable = false
	default:
		pe.Retryable = true
	}
	return pe
}
