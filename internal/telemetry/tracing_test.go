package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/kimhsiao/statsync/internal/config"
)

// TestSetupDisabledWithoutEndpoint tests that tracing is opt-in.
func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned %v", err)
	}
}

// TestSpanHelpers tests that spans work on the default provider.
func TestSpanHelpers(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	EndSpan(span, errors.New("failed"))
}
