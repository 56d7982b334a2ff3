// Copyright 2024-2026 Aiku AI

package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	s := NewServer("127.0.0.1:0", zerolog.Nop())

	rec := httptest.NewRecorder()
	s.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "starting") {
		t.Errorf("before ready: %d %s", rec.Code, rec.Body)
	}

	s.SetReady(true)
	rec = httptest.NewRecorder()
	s.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("after ready: %d %s", rec.Code, rec.Body)
	}
}

func TestServerRoutes(t *testing.T) {
	t.Parallel()
	s := NewServer("127.0.0.1:0", zerolog.Nop())
	s.SetReady(true)
	Retries.WithLabelValues("test").Inc()

	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status: %d", resp.StatusCode)
	}

	if err := Check(context.Background(), strings.TrimPrefix(ts.URL, "http://")); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestCheckUnhealthy(t *testing.T) {
	t.Parallel()
	s := NewServer("127.0.0.1:0", zerolog.Nop())
	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	if err := Check(context.Background(), strings.TrimPrefix(ts.URL, "http://")); err == nil {
		t.Error("expected unhealthy before SetReady")
	}
}

func TestRetriesCounter(t *testing.T) {
	t.Parallel()
	before := testutil.ToFloat64(Retries.WithLabelValues("counter_test"))
	Retries.WithLabelValues("counter_test").Inc()
	if got := testutil.ToFloat64(Retries.WithLabelValues("counter_test")); got != before+1 {
		t.Errorf("counter: got %v, want %v", got, before+1)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := NewServer("127.0.0.1:0", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}
