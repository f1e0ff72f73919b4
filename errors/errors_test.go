package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := test.class.String(); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection lost", ErrConnectionLost, true},
		{"heartbeat timeout", ErrHeartbeatTimeout, true},
		{"endpoint failed", ErrEndpointFailed, true},
		{"token expired", ErrTokenExpired, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"unexpected eof", fmt.Errorf("read frame: unexpected EOF"), true},
		{"signature mismatch", ErrSignatureMismatch, false},
		{"credential invalid", ErrCredentialInvalid, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal mentioning timeout", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("timeout")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsTransient(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"malformed frame", ErrMalformedFrame, true},
		{"signature mismatch", ErrSignatureMismatch, true},
		{"token mismatch", ErrTokenMismatch, true},
		{"decrypt failed", ErrDecryptFailed, true},
		{"body too large", ErrBodyTooLarge, true},
		{"stale request", ErrStaleRequest, true},
		{"wrapped invalid data", fmt.Errorf("parse: %w", ErrInvalidData), true},
		{"connection lost", ErrConnectionLost, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsInvalid(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"credential invalid", ErrCredentialInvalid, true},
		{"max retries exceeded", ErrMaxRetriesExceeded, true},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", fmt.Errorf("load: %w", ErrMissingConfig), true},
		{"token expired", ErrTokenExpired, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsFatal(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil", nil, ErrorTransient},
		{"unknown", fmt.Errorf("something odd"), ErrorTransient},
		{"credential with connection in text", fmt.Errorf("connection refused: %w", ErrCredentialInvalid), ErrorFatal},
		{"malformed frame", ErrMalformedFrame, ErrorInvalid},
		{"wrapped invalid", WrapInvalid(fmt.Errorf("bad json"), "Codec", "Decode", "unmarshal"), ErrorInvalid},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := Classify(test.err); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "A", "B", "c") != nil {
		t.Fatal("expected nil for nil input")
	}

	err := Wrap(ErrMalformedFrame, "Codec", "Decode", "frame parse")
	if !strings.Contains(err.Error(), "Codec.Decode: frame parse failed") {
		t.Errorf("unexpected message: %s", err)
	}
	if !errors.Is(err, ErrMalformedFrame) {
		t.Error("wrapped error should match sentinel")
	}
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if test.wrap(nil, "A", "B", "c") != nil {
				t.Fatal("expected nil for nil input")
			}

			err := test.wrap(ErrTokenExpired, "Manager", "authenticate", "auth ack")
			var ce *ClassifiedError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ClassifiedError, got %T", err)
			}
			if ce.Class != test.class {
				t.Errorf("expected class %s, got %s", test.class, ce.Class)
			}
			if ce.Component != "Manager" || ce.Operation != "authenticate" {
				t.Errorf("unexpected context: %s/%s", ce.Component, ce.Operation)
			}
			if !errors.Is(err, ErrTokenExpired) {
				t.Error("classified error should unwrap to sentinel")
			}
		})
	}
}
