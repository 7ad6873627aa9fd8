package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestAppErrorMessage tests formatting with and without a cause.
func TestAppErrorMessage(t *testing.T) {
	err := New(ErrNotFound, "entity missing")
	if err.Error() != "[NOT_FOUND] entity missing" {
		t.Errorf("Unexpected message: %s", err.Error())
	}

	cause := errors.New("disk full")
	wrapped := Wrap(ErrDatabase, "insert failed", cause)
	if !strings.Contains(wrapped.Error(), "disk full") {
		t.Errorf("Expected cause in message, got %s", wrapped.Error())
	}
	if !errors.Is(wrapped, cause) {
		t.Error("Expected Unwrap to expose the cause")
	}
}

// TestIs tests code matching through wrapped chains.
func TestIs(t *testing.T) {
	inner := Wrap(ErrQueueFull, "queue at capacity", nil)
	outer := Wrap(ErrDatabase, "enqueue failed", inner)
	viaFmt := fmt.Errorf("create: %w", outer)

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"outer code", outer, ErrDatabase, true},
		{"inner code", outer, ErrQueueFull, true},
		{"through fmt wrap", viaFmt, ErrQueueFull, true},
		{"absent code", outer, ErrNotFound, false},
		{"plain error", errors.New("x"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf tests code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(Newf(ErrInvalid, "bad %s", "table")); got != ErrInvalid {
		t.Errorf("Expected INVALID_INPUT, got %s", got)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("Expected INTERNAL_ERROR fallback, got %s", got)
	}
}
