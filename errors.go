package crmbase

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for infrastructure conditions
var (
	// Data errors
	ErrNotFound      = errors.New("object not found")
	ErrAlreadyExists = errors.New("object already exists")
	ErrConflict      = errors.New("concurrent modification detected")
	ErrInvalidData   = errors.New("invalid data format")

	// Backend errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrTimeout            = errors.New("operation timed out")
	ErrSessionClosed      = errors.New("session already closed")

	// Configuration errors
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrUnsupportedScheme = errors.New("unsupported connection scheme")
)

// Business rule messages. They are part of the wire contract of the HTTP
// API, so they never change.
const (
	MsgCompanyExists       = "company already exists"
	MsgCompanyNotFound     = "company not found"
	MsgIncorrectName       = "incorrect body name"
	MsgMissingName         = "missing company name"
	MsgContactExists       = "contact already exists"
	MsgContactNotFound     = "contact not found"
	MsgMissingEmail        = "missing contact email"
	MsgAppExists           = "app already exists"
	MsgAppNotFound         = "app not found"
	MsgMissingAppName      = "missing app name"
	MsgInteractionAbsent   = "interaction not found"
	MsgMissingTemplateName = "missing template name"
	MsgRevisionConflict    = "document update conflict"
)

// BusinessError is a business rule violation: duplicate key, missing entity,
// rejected rename or missing field. It is returned, never panicked, and is
// distinct from infrastructure failures, which are plain errors.
type BusinessError struct {
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

// NewBusinessError builds a business error with an optional underlying
// sentinel used for errors.Is checks.
func NewBusinessError(msg string, sentinel error) error {
	return &BusinessError{Message: msg, Err: sentinel}
}

// IsBusinessError reports whether err belongs to the business channel.
func IsBusinessError(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// transportError classifies a failed HTTP round trip: deadlines and network
// timeouts are ErrTimeout, anything else ErrBackendUnavailable.
func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ErrTimeout
	}
	return ErrBackendUnavailable
}

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error is a conflict/concurrent modification error
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrUnsupportedScheme) ||
		IsBusinessError(err)
}
