package breezeflow

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for specific failure types
const (
	ErrCodeGatewayUnavailable     = "GATEWAY_UNAVAILABLE"
	ErrCodeGatewayMalformedOutput = "GATEWAY_MALFORMED_OUTPUT"
	ErrCodeToolNotFound           = "TOOL_NOT_FOUND"
	ErrCodeToolExecution          = "TOOL_EXECUTION_ERROR"
	ErrCodeHistoryWriteConflict   = "HISTORY_WRITE_CONFLICT"
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeConfiguration          = "CONFIGURATION_ERROR"
	ErrCodeCancelled              = "EXECUTION_CANCELLED"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// kindNames maps codes to the names used in tool result details and API responses.
var kindNames = map[string]string{
	ErrCodeGatewayUnavailable:     "GatewayUnavailable",
	ErrCodeGatewayMalformedOutput: "GatewayMalformedOutput",
	ErrCodeToolNotFound:           "ToolNotFound",
	ErrCodeToolExecution:          "ToolExecutionError",
	ErrCodeHistoryWriteConflict:   "HistoryWriteConflict",
	ErrCodeValidation:             "ValidationError",
	ErrCodeConfiguration:          "ConfigurationError",
	ErrCodeCancelled:              "Cancelled",
	ErrCodeInternal:               "InternalError",
}

// Sentinels for errors.Is. Any *BreezeError with the same code matches.
var (
	ErrGatewayUnavailable     = &BreezeError{Code: ErrCodeGatewayUnavailable}
	ErrGatewayMalformedOutput = &BreezeError{Code: ErrCodeGatewayMalformedOutput}
	ErrToolNotFound           = &BreezeError{Code: ErrCodeToolNotFound}
	ErrToolExecution          = &BreezeError{Code: ErrCodeToolExecution}
	ErrHistoryWriteConflict   = &BreezeError{Code: ErrCodeHistoryWriteConflict}
	ErrValidation             = &BreezeError{Code: ErrCodeValidation}
	ErrCancelled              = &BreezeError{Code: ErrCodeCancelled}
)

// BreezeError is the error type returned by every pipeline component.
type BreezeError struct {
	Code    string // A machine-readable error code (e.g., ErrCodeToolNotFound)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "planning", "gateway")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *BreezeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *BreezeError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a BreezeError carrying the same code.
func (e *BreezeError) Is(target error) bool {
	t, ok := target.(*BreezeError)
	return ok && t.Code == e.Code
}

// Kind returns the taxonomy name of the error code, e.g. "ToolNotFound".
func (e *BreezeError) Kind() string {
	if name, ok := kindNames[e.Code]; ok {
		return name
	}
	return e.Code
}

// NewError creates a new BreezeError.
func NewError(code, stage, message string, cause error) *BreezeError {
	return &BreezeError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

func NewGatewayUnavailableError(stage string, cause error) *BreezeError {
	return NewError(ErrCodeGatewayUnavailable, stage, "language model gateway unavailable", cause)
}

func NewGatewayMalformedOutputError(stage, message string, cause error) *BreezeError {
	return NewError(ErrCodeGatewayMalformedOutput, stage, message, cause)
}

func NewToolNotFoundError(stage, toolName string) *BreezeError {
	return NewError(ErrCodeToolNotFound, stage, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

func NewToolExecutionError(stage, toolName string, cause error) *BreezeError {
	return NewError(ErrCodeToolExecution, stage, fmt.Sprintf("execution failed for tool '%s'", toolName), cause)
}

func NewHistoryWriteConflictError(sessionID string, cause error) *BreezeError {
	return NewError(ErrCodeHistoryWriteConflict, "appending", fmt.Sprintf("concurrent history write for session '%s'", sessionID), cause)
}

func NewValidationError(stage, message string, cause error) *BreezeError {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewConfigurationError(message string, cause error) *BreezeError {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewCancelledError(stage string, cause error) *BreezeError {
	msg := "turn cancelled"
	if cause != nil && !errors.Is(cause, context.Canceled) {
		msg = fmt.Sprintf("turn cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewInternalError(stage, message string, cause error) *BreezeError {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// IsBreezeError reports whether err is, or wraps, a *BreezeError.
func IsBreezeError(err error) bool {
	var be *BreezeError
	return errors.As(err, &be)
}

// CodeOf returns the code of the first *BreezeError in err's chain, or "" if none.
func CodeOf(err error) string {
	var be *BreezeError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// Detail renders err as "<Kind>: <message>" for tool results and API payloads.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var be *BreezeError
	if !errors.As(err, &be) {
		return fmt.Sprintf("%s: %v", kindNames[ErrCodeToolExecution], err)
	}
	if be.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", be.Kind(), be.Message, be.Cause)
	}
	return fmt.Sprintf("%s: %s", be.Kind(), be.Message)
}
