package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrHandlerRequired     = sterrors.New("flowbind: handler is required")
	ErrTopicRequired       = sterrors.New("flowbind: topic is required")
	ErrConfigRequired      = sterrors.New("flowbind: configuration is required")
	ErrLoggerRequired      = sterrors.New("flowbind: logger is required")
	ErrTransportRequired   = sterrors.New("flowbind: transport is required")
	ErrBrokerClosed        = sterrors.New("flowbind: broker is closed")
	ErrUnknownBinding      = sterrors.New("flowbind: unknown binding")
	ErrPartitionOutOfRange = sterrors.New("flowbind: partition out of range")
	ErrHandlerStopped      = sterrors.New("flowbind: handler stopped consuming")
	ErrStreamClosed        = sterrors.New("flowbind: stream closed")

	ErrBindingValidation   = sterrors.New("flowbind: invalid binding")
	ErrIncomparableOffsets = sterrors.New("flowbind: incomparable offsets")
	ErrTransport           = sterrors.New("flowbind: transport failure")
	ErrHandlerFault        = sterrors.New("flowbind: handler fault")
	ErrFatalSupervision    = sterrors.New("flowbind: pipeline stopped after repeated failures")
)

// ConfigValidationError indicates that the supplied configuration is invalid.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("flowbind: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// BindingValidationError names a binding and the declaration rule it violates.
type BindingValidationError struct {
	Binding string
	Rule    string
}

func (e *BindingValidationError) Error() string {
	return fmt.Sprintf("flowbind: binding %q: %s", e.Binding, e.Rule)
}

func (e *BindingValidationError) Is(target error) bool {
	return target == ErrBindingValidation
}

// ValidationErrors is the batch of binding errors collected during one registration.
type ValidationErrors struct {
	Errors []*BindingValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	parts := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("flowbind: %d invalid bindings: %s", len(e.Errors), strings.Join(parts, "; "))
}

func (e *ValidationErrors) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, err := range e.Errors {
		out[i] = err
	}
	return out
}

// Add records a violation.
func (e *ValidationErrors) Add(binding, rule string) {
	e.Errors = append(e.Errors, &BindingValidationError{Binding: binding, Rule: rule})
}

// OrNil returns nil when no violation was recorded.
func (e *ValidationErrors) OrNil() error {
	if e == nil || len(e.Errors) == 0 {
		return nil
	}
	return e
}

// IncomparableOffsetsError is raised when a sequence offset meets a time-based one.
type IncomparableOffsetsError struct {
	Left  string
	Right string
}

func (e *IncomparableOffsetsError) Error() string {
	return fmt.Sprintf("flowbind: cannot compare offsets %s and %s", e.Left, e.Right)
}

func (e *IncomparableOffsetsError) Is(target error) bool {
	return target == ErrIncomparableOffsets
}

// TransportError wraps a broker side failure such as an unreachable broker or a
// rejected write.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("flowbind: transport %s %q: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// NewTransportError wraps err unless it is nil or already a TransportError.
func NewTransportError(op, topic string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if sterrors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Topic: topic, Err: err}
}

// HandlerFault wraps an error raised by application code running inside a pipeline.
type HandlerFault struct {
	Binding   string
	Partition int
	Err       error
}

func (e *HandlerFault) Error() string {
	return fmt.Sprintf("flowbind: handler fault in %s[%d]: %v", e.Binding, e.Partition, e.Err)
}

func (e *HandlerFault) Unwrap() error { return e.Err }

func (e *HandlerFault) Is(target error) bool {
	return target == ErrHandlerFault
}

// FatalSupervisionError reports a pipeline that exceeded its consecutive failure
// threshold. The pipeline is not restarted.
type FatalSupervisionError struct {
	Binding   string
	Partition int
	Failures  int
	Last      error
}

func (e *FatalSupervisionError) Error() string {
	return fmt.Sprintf("flowbind: pipeline %s[%d] stopped after %d consecutive failures: %v", e.Binding, e.Partition, e.Failures, e.Last)
}

func (e *FatalSupervisionError) Unwrap() error { return e.Last }

func (e *FatalSupervisionError) Is(target error) bool {
	return target == ErrFatalSupervision
}
