// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus counters for the completion pipeline
// and the local server supervisor. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "codegpt"

// Metrics groups the collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	requestsBuilt   *prometheus.CounterVec
	messagesTrimmed prometheus.Counter
	usageExceeded   prometheus.Counter
	contextLookups  *prometheus.CounterVec
	supervisorState prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requestsBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_built_total",
			Help:      "Completion requests assembled, by backend.",
		}, []string{"backend"}),
		messagesTrimmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_trimmed_total",
			Help:      "History messages dropped to fit a model context window.",
		}),
		usageExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_exceeded_total",
			Help:      "Requests rejected because they exceed the context window.",
		}),
		contextLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_lookups_total",
			Help:      "Retrieval lookups for contextual search, by outcome.",
		}, []string{"outcome"}),
		supervisorState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "llama_supervisor_state",
			Help:      "Local server supervisor state (0 idle, 1 building, 2 launching, 3 ready, 4 failed).",
		}),
	}
	m.Registry.MustRegister(m.requestsBuilt, m.messagesTrimmed, m.usageExceeded, m.contextLookups, m.supervisorState)
	return m
}

// RequestBuilt counts an assembled request for backend.
func (m *Metrics) RequestBuilt(backend string) {
	if m == nil {
		return
	}
	m.requestsBuilt.WithLabelValues(backend).Inc()
}

// MessagesTrimmed adds n dropped messages.
func (m *Metrics) MessagesTrimmed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesTrimmed.Add(float64(n))
}

// UsageExceeded counts a rejected request.
func (m *Metrics) UsageExceeded() {
	if m == nil {
		return
	}
	m.usageExceeded.Inc()
}

// ContextLookup counts a retrieval attempt; outcome is "hit", "empty",
// "no_index" or "error".
func (m *Metrics) ContextLookup(outcome string) {
	if m == nil {
		return
	}
	m.contextLookups.WithLabelValues(outcome).Inc()
}

// SupervisorState records the supervisor state ordinal.
func (m *Metrics) SupervisorState(state int) {
	if m == nil {
		return
	}
	m.supervisorState.Set(float64(state))
}

// ContextLookups exposes the lookup counter vector for inspection.
func (m *Metrics) ContextLookups() *prometheus.CounterVec {
	return m.contextLookups
}

// SupervisorGauge exposes the supervisor state gauge for inspection.
func (m *Metrics) SupervisorGauge() prometheus.Gauge {
	return m.supervisorState
}
