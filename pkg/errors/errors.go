// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for the
// orchestration kernel.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies kernel errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeConfiguration indicates a wiring error such as a missing plugin,
	// a missing level-3 fallback skill, or a malformed plan target. Fatal,
	// never retried.
	CodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// CodeTransientTool indicates a tool or plugin call failed in a way
	// that may succeed on retry (timeout, temporary unavailability).
	CodeTransientTool ErrorCode = "TRANSIENT_TOOL_ERROR"

	// CodeCriticRejection indicates the critic judged a task's output
	// insufficient. Drives the retry/replan transitions.
	CodeCriticRejection ErrorCode = "CRITIC_REJECTION"

	// CodeEvolution indicates a skill mutation failed. Logged and dropped,
	// never propagated to the user path.
	CodeEvolution ErrorCode = "EVOLUTION_ERROR"

	// CodeSessionNotFound indicates resume was called for an unknown or
	// expired thread.
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// CodeSessionBusy indicates a concurrent call on a thread that is
	// already executing. Per-thread execution is strictly sequential.
	CodeSessionBusy ErrorCode = "SESSION_BUSY"

	// CodeBudgetExhausted indicates the retry or replan budget ran out.
	CodeBudgetExhausted ErrorCode = "BUDGET_EXHAUSTED"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeUnavailable indicates a collaborator (store, vector backend) is
	// unreachable.
	CodeUnavailable ErrorCode = "UNAVAILABLE"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeLLMError indicates a language model provider error.
	CodeLLMError ErrorCode = "LLM_ERROR"
)

// Error is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int // for HTTP responses
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	type Alias Error
	return json.Marshal(&struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Err         string `json:"error,omitempty"`
		Recoverable bool   `json:"recoverable"`
		*Alias
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         fmt.Sprintf("%v", e.Err),
		Recoverable: e.Recoverable,
		Alias:       (*Alias)(e),
	})
}

// New creates a new Error with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]interface{}),
		Attributes:  make(map[string]string),
		Recoverable: defaultRecoverable(code),
		StatusCode:  codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *Error) WithAttribute(key, value string) *Error {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// AsError attempts to convert an error to a typed Error.
// Returns the error unchanged if it is one, or wraps it as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if typed, ok := err.(*Error); ok {
		return typed
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of an error, or CodeInternal for untyped errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if typed, ok := err.(*Error); ok {
		return typed.Code
	}
	return CodeInternal
}

// IsCode reports whether err is a typed Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	typed, ok := err.(*Error)
	return ok && typed.Code == code
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *Error) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// defaultRecoverable encodes the kernel taxonomy: transient tool failures,
// timeouts and critic rejections may be retried; configuration and budget
// errors may not.
func defaultRecoverable(code ErrorCode) bool {
	switch code {
	case CodeTransientTool, CodeTimeout, CodeCriticRejection, CodeUnavailable:
		return true
	default:
		return false
	}
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound, CodeSessionNotFound:
		return 404
	case CodeInvalidInput:
		return 400
	case CodeSessionBusy:
		return 409
	case CodeTimeout:
		return 408
	case CodeConfiguration:
		return 422
	case CodeUnavailable:
		return 503
	default:
		return 500
	}
}
