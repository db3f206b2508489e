// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the turn-level Prometheus metrics for the
// command pipeline. Component-level metrics live next to the component;
// this package only measures the end-to-end flow.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TurnMetrics records the end-to-end view of every resolved turn.
type TurnMetrics struct {
	TurnsTotal      *prometheus.CounterVec
	TurnLatency     *prometheus.HistogramVec
	CacheOutcomes   *prometheus.CounterVec
	ConfirmsTotal   *prometheus.CounterVec
	ExecutionsTotal *prometheus.CounterVec
}

// InitTurnMetrics registers the turn metrics with the default registry.
// Call once per process.
func InitTurnMetrics() *TurnMetrics {
	return &TurnMetrics{
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracecommand",
			Subsystem: "pipeline",
			Name:      "turns_total",
			Help:      "Resolved turns by outcome status",
		}, []string{"status"}),
		TurnLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tracecommand",
			Subsystem: "pipeline",
			Name:      "turn_latency_seconds",
			Help:      "End-to-end turn resolution latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"status", "cache_hit"}),
		CacheOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracecommand",
			Subsystem: "pipeline",
			Name:      "cache_outcomes_total",
			Help:      "Semantic cache outcomes observed by the pipeline",
		}, []string{"hit_type"}),
		ConfirmsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracecommand",
			Subsystem: "pipeline",
			Name:      "preview_confirms_total",
			Help:      "Preview confirm attempts by outcome",
		}, []string{"outcome"}),
		ExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracecommand",
			Subsystem: "pipeline",
			Name:      "executions_total",
			Help:      "Tool executions driven by the pipeline",
		}, []string{"success"}),
	}
}

// RecordTurn folds one completed turn into the counters.
func (m *TurnMetrics) RecordTurn(status string, cacheHit string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(status).Inc()
	m.TurnLatency.WithLabelValues(status, cacheHit).Observe(elapsed.Seconds())
}
