// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the auth flow counters.
//
// It satisfies auth.StepRecorder and ratelimit.RejectionRecorder, and
// RecordEviction matches memory.EvictionObserver.
type Metrics struct {
	StepsTotal      *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec
	EvictionsTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers the auth metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_auth_step_total",
				Help: "Total number of login steps by step and outcome",
			},
			[]string{"step", "outcome"},
		),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_ratelimit_rejections_total",
				Help: "Total number of requests refused by throttling or lockout, by scope",
			},
			[]string{"scope"},
		),
		EvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_store_evictions_total",
				Help: "Total number of expired records swept from the credential store",
			},
			[]string{"collection"},
		),
	}

	reg.MustRegister(m.StepsTotal, m.RejectionsTotal, m.EvictionsTotal)
	return m
}

// RecordStep counts one login step.
func (m *Metrics) RecordStep(step, outcome string) {
	m.StepsTotal.WithLabelValues(step, outcome).Inc()
}

// RecordRejection counts one refused request.
func (m *Metrics) RecordRejection(scope string) {
	m.RejectionsTotal.WithLabelValues(scope).Inc()
}

// RecordEviction counts swept records.
func (m *Metrics) RecordEviction(collection string, n int) {
	if n <= 0 {
		return
	}
	m.EvictionsTotal.WithLabelValues(collection).Add(float64(n))
}
