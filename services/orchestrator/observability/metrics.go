// Copyright (C) 2025 Kodiak AI (core@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the chat
// orchestrator.
//
// # Description
//
// Metrics cover the conversation run lifecycle: run counters by
// outcome, streamed fragment counts, model acquisition latency,
// classification decisions, and tool agent invocations. Exposed via
// the /metrics endpoint for Prometheus scraping.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "kodiak"

const chatSubsystem = "chat"

// ChatMetrics holds all Prometheus metrics for conversation runs.
// Initialize once at startup via InitMetrics().
type ChatMetrics struct {
	// RunsTotal counts conversation runs by status.
	// Labels: status (success, error)
	RunsTotal *prometheus.CounterVec

	// FragmentsTotal counts streamed response fragments.
	FragmentsTotal prometheus.Counter

	// RunDurationSeconds measures total run duration.
	// Labels: status (success, error)
	RunDurationSeconds *prometheus.HistogramVec

	// ModelAcquireSeconds measures time spent waiting on the model
	// rate limiter.
	ModelAcquireSeconds prometheus.Histogram

	// ActiveRuns tracks currently streaming conversation runs.
	ActiveRuns prometheus.Gauge

	// ErrorsTotal counts run errors by category.
	// Labels: error_code (validation, overload, model_unavailable,
	// history, internal, client_disconnect)
	ErrorsTotal *prometheus.CounterVec

	// ClassificationsTotal counts routing decisions.
	// Labels: decision (AGENT_REQUIRED, NO_AGENT_REQUIRED), fallback
	// (true, false)
	ClassificationsTotal *prometheus.CounterVec

	// ToolInvocationsTotal counts tool agent invocations.
	// Labels: agent, status (success, error)
	ToolInvocationsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of ChatMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *ChatMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once
// at application startup; a second call panics on duplicate
// registration.
func InitMetrics() *ChatMetrics {
	DefaultMetrics = &ChatMetrics{
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "runs_total",
				Help:      "Total conversation runs by status",
			},
			[]string{"status"},
		),

		FragmentsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "fragments_total",
				Help:      "Total streamed response fragments",
			},
		),

		RunDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "run_duration_seconds",
				Help:      "Total conversation run duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ModelAcquireSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "model_acquire_seconds",
				Help:      "Time spent waiting for a model slot in seconds",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
			},
		),

		ActiveRuns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_runs",
				Help:      "Number of currently streaming conversation runs",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total run errors by category",
			},
			[]string{"error_code"},
		),

		ClassificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "classifications_total",
				Help:      "Total routing decisions by outcome",
			},
			[]string{"decision", "fallback"},
		),

		ToolInvocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "tool_invocations_total",
				Help:      "Total tool agent invocations by agent and status",
			},
			[]string{"agent", "status"},
		),
	}

	return DefaultMetrics
}

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeOverload indicates the model rate limiter timed out.
	ErrorCodeOverload ErrorCode = "overload"

	// ErrorCodeModelUnavailable indicates model acquisition or the
	// model call itself failed.
	ErrorCodeModelUnavailable ErrorCode = "model_unavailable"

	// ErrorCodeHistory indicates transcript persistence failure.
	ErrorCodeHistory ErrorCode = "history"

	// ErrorCodeInternal indicates an uncategorized failure.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the consumer went away
	// mid-stream.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// RecordRun records a completed conversation run and its duration.
func (m *ChatMetrics) RecordRun(success bool, seconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordError records a categorized run error.
func (m *ChatMetrics) RecordError(code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

// RecordFragment counts one streamed fragment.
func (m *ChatMetrics) RecordFragment() {
	m.FragmentsTotal.Inc()
}

// RecordModelAcquire records rate limiter wait time.
func (m *ChatMetrics) RecordModelAcquire(seconds float64) {
	m.ModelAcquireSeconds.Observe(seconds)
}

// RunStarted increments the active runs gauge.
func (m *ChatMetrics) RunStarted() {
	m.ActiveRuns.Inc()
}

// RunEnded decrements the active runs gauge.
func (m *ChatMetrics) RunEnded() {
	m.ActiveRuns.Dec()
}

// RecordClassification records a routing decision.
func (m *ChatMetrics) RecordClassification(decision string, fallback bool) {
	fb := "false"
	if fallback {
		fb = "true"
	}
	m.ClassificationsTotal.WithLabelValues(decision, fb).Inc()
}

// RecordToolInvocation records a tool agent invocation outcome.
func (m *ChatMetrics) RecordToolInvocation(agent string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolInvocationsTotal.WithLabelValues(agent, status).Inc()
}
