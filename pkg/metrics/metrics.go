// Copyright 2024-2026 Aiku AI

// Package metrics holds the Prometheus collectors of the relay and the HTTP
// server that exposes them together with a health endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts inbound events by admission decision.
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watermark_relay_events_received_total",
			Help: "Inbound chat events by admission decision",
		},
		[]string{"decision"},
	)

	// RunsTotal counts finished pipeline runs by final state and stage.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watermark_relay_runs_total",
			Help: "Finished pipeline runs by state and last stage",
		},
		[]string{"state", "stage"},
	)

	// RunsInFlight tracks pipeline runs currently executing.
	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watermark_relay_runs_in_flight",
			Help: "Pipeline runs currently executing",
		},
	)

	// StageDuration tracks how long each pipeline stage takes.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watermark_relay_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	// Retries counts backoff waits per operation.
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watermark_relay_retries_total",
			Help: "Retry attempts by operation",
		},
		[]string{"operation"},
	)
)
