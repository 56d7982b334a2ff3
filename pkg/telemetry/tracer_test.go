// Copyright 2024-2026 Aiku AI

package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

// Not parallel: installs the global tracer provider.
func TestInitTracer(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer("watermark-relay-test", "0.0.0", &buf, zerolog.Nop())
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "pipeline.masking")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "pipeline.masking") || !strings.Contains(out, "watermark-relay-test") {
		t.Errorf("exported spans missing name or service: %s", out)
	}
}
