package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/c360/reactor/pkg/retry"
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
			if got := test.class.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
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
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"wrapped circuit", fmt.Errorf("dial: %w", ErrCircuitOpen), true},
		{"message pattern", errors.New("peer busy"), true},
		{"short frame", ErrShortFrame, false},
		{"classified invalid", WrapInvalid(errors.New("x"), "c", "m", "a"), false},
		{"classified transient", WrapTransient(errors.New("x"), "c", "m", "a"), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.expected {
				t.Errorf("IsTransient(%v) = %v, want %v", test.err, got, test.expected)
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
		{"invalid config", ErrInvalidConfig, true},
		{"unbound reaction", ErrUnbound, true},
		{"address in use", errors.New("listen tcp :7447: bind: address already in use"), true},
		{"classified fatal", WrapFatal(errors.New("x"), "c", "m", "a"), true},
		{"length mismatch", ErrLengthMismatch, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsFatal(test.err); got != test.expected {
				t.Errorf("IsFatal(%v) = %v, want %v", test.err, got, test.expected)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	for _, err := range []error{ErrShortFrame, ErrLengthMismatch, ErrBadFragment, ErrHandshake, ErrPayloadTooLarge, ErrNoBinding} {
		if !IsInvalid(fmt.Errorf("decode: %w", err)) {
			t.Errorf("expected %v to be invalid", err)
		}
	}
	if IsInvalid(ErrConnectionLost) {
		t.Error("connection lost should not be invalid")
	}
}

func TestClassify(t *testing.T) {
	if Classify(ErrConnectionTimeout) != ErrorTransient {
		t.Error("timeout should classify as transient")
	}
	if Classify(ErrMissingConfig) != ErrorFatal {
		t.Error("missing config should classify as fatal")
	}
	if Classify(ErrBadFragment) != ErrorInvalid {
		t.Error("bad fragment should classify as invalid")
	}
	if Classify(errors.New("something odd")) != ErrorTransient {
		t.Error("unknown errors default to transient")
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("broken pipe")
	err := Wrap(base, "Controller", "Send", "tcp write")

	if err.Error() != "Controller.Send: tcp write failed: broken pipe" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, base) {
		t.Error("wrapped error should unwrap to base")
	}
	if Wrap(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapClassified(t *testing.T) {
	base := ErrPayloadTooLarge
	err := WrapInvalid(base, "Controller", "Send", "fragmentation")

	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Class != ErrorInvalid || ce.Component != "Controller" || ce.Operation != "Send" {
		t.Errorf("unexpected classification: %+v", ce)
	}
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Error("classified error should unwrap to the sentinel")
	}
	if !strings.Contains(err.Error(), "fragmentation failed") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestRetryConfig_ShouldRetry(t *testing.T) {
	rc := DefaultRetryConfig()

	if !rc.ShouldRetry(ErrConnectionTimeout, 0) {
		t.Error("transient error should be retried")
	}
	if rc.ShouldRetry(ErrConnectionTimeout, rc.MaxRetries) {
		t.Error("should not retry beyond MaxRetries")
	}
	if rc.ShouldRetry(ErrHandshake, 0) {
		t.Error("invalid error should not be retried")
	}

	rc.RetryableErrors = []error{ErrConnectionLost}
	if rc.ShouldRetry(ErrConnectionTimeout, 0) {
		t.Error("only listed errors should be retried")
	}
	if !rc.ShouldRetry(fmt.Errorf("read: %w", ErrConnectionLost), 0) {
		t.Error("listed error should be retried")
	}
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	rc := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffFactor: 3}
	cfg := rc.ToRetryConfig()

	if cfg.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.Multiplier != 3 || !cfg.AddJitter {
		t.Errorf("unexpected conversion: %+v", cfg)
	}
}

func TestRetryConfig_GuardStopsOnInvalid(t *testing.T) {
	rc := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
	calls := 0
	err := retry.Do(context.Background(), rc.ToRetryConfig(), rc.Guard(func() error {
		calls++
		return ErrHandshake
	}))

	if !errors.Is(err, ErrHandshake) {
		t.Errorf("expected handshake error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}
