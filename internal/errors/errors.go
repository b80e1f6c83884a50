package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Error types for different categories of failures
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeDevice        ErrorType = "device"
	ErrorTypeCapacity      ErrorType = "capacity"
	ErrorTypePipeline      ErrorType = "pipeline"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeIO            ErrorType = "io"
)

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// TypeOf returns the type of the outermost StructuredError in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Type, true
	}
	return "", false
}

func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // skip Callers, captureStack and the constructor
	return pcs[:n]
}

// NewValidationError creates a validation error
func NewValidationError(operation, message string) *StructuredError {
	return New(ErrorTypeValidation, operation, message)
}

// NewPipelineError creates a pipeline consistency error
func NewPipelineError(operation, message string) *StructuredError {
	return New(ErrorTypePipeline, operation, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string) *StructuredError {
	return New(ErrorTypeConfiguration, operation, message)
}

// WrapDeviceError wraps an accelerator failure
func WrapDeviceError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeDevice, operation, message)
}

// WrapCapacityError wraps a failure to fit work into a buffer
func WrapCapacityError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeCapacity, operation, message)
}

// WrapPipelineError wraps a pipeline consistency failure
func WrapPipelineError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypePipeline, operation, message)
}

// WrapConfigurationError wraps an error as a configuration error
func WrapConfigurationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeConfiguration, operation, message)
}

// WrapIOError wraps a file or stream failure
func WrapIOError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeIO, operation, message)
}
