package crmbase

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
)

func TestBusinessError(t *testing.T) {
	err := NewBusinessError(MsgCompanyNotFound, ErrNotFound)

	if err.Error() != "company not found" {
		t.Errorf("Error() = %q, want %q", err.Error(), "company not found")
	}
	if !IsBusinessError(err) {
		t.Error("expected a business error")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected business error to wrap ErrNotFound")
	}

	wrapped := fmt.Errorf("update company: %w", err)
	if !IsBusinessError(wrapped) {
		t.Error("expected wrapped business error to be detected")
	}
	var be *BusinessError
	if !errors.As(wrapped, &be) || be.Message != MsgCompanyNotFound {
		t.Errorf("expected message %q through the wrap", MsgCompanyNotFound)
	}
}

func TestBusinessErrorWithoutSentinel(t *testing.T) {
	err := NewBusinessError(MsgIncorrectName, nil)
	if errors.Unwrap(err) != nil {
		t.Error("expected nothing to unwrap")
	}
	if IsNotFound(err) {
		t.Error("incorrect name must not be a not-found error")
	}
}

func TestWithContext(t *testing.T) {
	err := WithContext(ErrBackendUnavailable, map[string]interface{}{"url": "https://crm.example"})

	var errWithCtx *ErrorWithContext
	if !errors.As(err, &errWithCtx) {
		t.Fatalf("expected ErrorWithContext, got %T", err)
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Error("expected error to wrap ErrBackendUnavailable")
	}
	if errWithCtx.Context["url"] != "https://crm.example" {
		t.Errorf("context url = %v", errWithCtx.Context["url"])
	}
	if WithContext(nil, nil) != nil {
		t.Error("WithContext(nil) should be nil")
	}
	if got := WithContext(ErrTimeout, nil).Error(); got != ErrTimeout.Error() {
		t.Errorf("empty context should keep the message, got %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	business := NewBusinessError(MsgAppExists, ErrAlreadyExists)
	tests := []struct {
		name      string
		err       error
		notFound  bool
		retryable bool
		permanent bool
	}{
		{"not found", ErrNotFound, true, false, true},
		{"wrapped not found", WithContext(ErrNotFound, nil), true, false, true},
		{"timeout", ErrTimeout, false, true, false},
		{"unavailable", WithContext(ErrBackendUnavailable, nil), false, true, false},
		{"unsupported scheme", ErrUnsupportedScheme, false, false, true},
		{"business", business, false, false, true},
		{"other", errors.New("other"), false, false, false},
		{"nil", nil, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.notFound)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestIsConflict(t *testing.T) {
	if !IsConflict(WithContext(ErrConflict, map[string]interface{}{"rev": "2-x"})) {
		t.Error("expected wrapped conflict to be detected")
	}
	if IsConflict(ErrNotFound) {
		t.Error("not found is not a conflict")
	}
}

func TestTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", &url.Error{Op: "Get", URL: "http://x", Err: context.DeadlineExceeded}, ErrTimeout},
		{"client timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, ErrTimeout},
		{"refused", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection refused")}, ErrBackendUnavailable},
		{"canceled", context.Canceled, ErrBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := transportError(tt.err); got != tt.want {
				t.Errorf("transportError = %v, want %v", got, tt.want)
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
