// ABOUTME: Error taxonomy for the relay pipeline: validation, transient, rejection.
// ABOUTME: Components classify their failures here; the consumer maps classes to ack decisions.

package failure

import (
	"context"
	"errors"
	"fmt"
)

// Error codes carried by classified errors.
const (
	CodeUnknown    = "UNKNOWN"
	CodeValidation = "VALIDATION"
	CodeTransient  = "TRANSIENT_DEPENDENCY"
	CodeRejected   = "PROVIDER_REJECTION"
)

// Class is the retry class of a failure.
type Class int

const (
	// ClassNone means no error.
	ClassNone Class = iota
	// ClassRetryable failures are left for the channel's redelivery.
	ClassRetryable
	// ClassPermanent failures are acknowledged and dead-lettered.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetryable:
		return "retryable"
	case ClassPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classified is implemented by every error in the taxonomy.
type Classified interface {
	error
	Code() string
	Class() Class
	Unwrap() error
}

type base struct {
	code    string
	message string
	err     error
}

func (e *base) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *base) Code() string  { return e.code }
func (e *base) Unwrap() error { return e.err }

// ValidationError reports a malformed or incomplete envelope.
type ValidationError struct{ base }

func (e *ValidationError) Class() Class { return ClassPermanent }

// TransientDependencyError reports a store, provider or channel that is
// temporarily unavailable, timed out, or rate limited.
type TransientDependencyError struct{ base }

func (e *TransientDependencyError) Class() Class { return ClassRetryable }

// ProviderRejectionError reports a completion provider refusing the request
// for reasons that will not change on retry.
type ProviderRejectionError struct{ base }

func (e *ProviderRejectionError) Class() Class { return ClassPermanent }

// Validation returns a ValidationError.
func Validation(message string, cause error) error {
	return &ValidationError{base{code: CodeValidation, message: message, err: cause}}
}

// Transient returns a TransientDependencyError.
func Transient(message string, cause error) error {
	return &TransientDependencyError{base{code: CodeTransient, message: message, err: cause}}
}

// Rejected returns a ProviderRejectionError.
func Rejected(message string, cause error) error {
	return &ProviderRejectionError{base{code: CodeRejected, message: message, err: cause}}
}

// ClassOf reports the retry class of err. Errors outside the taxonomy are
// retryable so an unexpected failure never drops a message. Context
// cancellation and deadline expiry are retryable too.
func ClassOf(err error) Class {
	if err == nil {
		return ClassNone
	}
	var c Classified
	if errors.As(err, &c) {
		return c.Class()
	}
	return ClassRetryable
}

// IsRetryable reports whether err should be left for redelivery.
func IsRetryable(err error) bool { return ClassOf(err) == ClassRetryable }

// IsPermanent reports whether err should be acknowledged and dead-lettered.
func IsPermanent(err error) bool { return ClassOf(err) == ClassPermanent }

// Code returns the taxonomy code of err, or CodeUnknown.
func Code(err error) string {
	var c Classified
	if errors.As(err, &c) {
		return c.Code()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeTransient
	}
	return CodeUnknown
}
