// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the Prometheus collectors for session,
// credit, and reporting activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Service owns every collector the enforcer reports against.
type Service struct {
	reg *prometheus.Registry

	sessions        *prometheus.GaugeVec
	sessionDuration *prometheus.HistogramVec

	creditUpdates *prometheus.CounterVec
	reportLatency *prometheus.HistogramVec

	serviceActions  *prometheus.CounterVec
	ruleInstalls    *prometheus.CounterVec
	mergeFailures   prometheus.Counter
}

// NewPrometheusService registers every collector against a fresh
// registry and returns the handle used to report against them.
func NewPrometheusService() (*Service, error) {
	reg := prometheus.NewRegistry()

	s := &Service{
		reg: reg,

		sessions: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "session_enforcer_sessions",
			Help: "Number of sessions currently tracked by the enforcer",
		}, []string{"rat"}),

		sessionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name: "session_enforcer_session_duration_seconds",
			Help: "Lifetime of a terminated session",
			Buckets: []float64{
				1 * time.Minute.Seconds(),
				10 * time.Minute.Seconds(),
				30 * time.Minute.Seconds(),
				1 * time.Hour.Seconds(),
				6 * time.Hour.Seconds(),
				24 * time.Hour.Seconds(),
			},
		}, []string{"rat"}),

		creditUpdates: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "session_enforcer_credit_updates_total",
			Help: "Cloud reporter round trips (create, update, terminate) by result",
		}, []string{"result"}),

		reportLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "session_enforcer_report_duration_seconds",
			Help:    "Latency of cloud reporter round trips",
			Buckets: []float64{1e-3, 1e-2, 1e-1, 5e-1, 1, 2, 5, 10},
		}, []string{"method"}),

		serviceActions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "session_enforcer_service_actions_total",
			Help: "Final-unit service actions applied to the data plane",
		}, []string{"action"}),

		ruleInstalls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "session_enforcer_rule_installs_total",
			Help: "Rule install/uninstall operations pushed to the data plane",
		}, []string{"op", "rule_type"}),

		mergeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "session_enforcer_merge_failures_total",
			Help: "Update-criteria journals discarded for a merge precondition violation",
		}),
	}

	return s, nil
}

// Registry exposes the underlying collectors for a Prometheus exporter
// such as promhttp.Handler.
func (s *Service) Registry() *prometheus.Registry {
	return s.reg
}

// SessionCreated records a newly tracked session.
func (s *Service) SessionCreated(rat string) {
	s.sessions.WithLabelValues(rat).Inc()
}

// SessionTerminated records a session leaving tracking, with its
// total lifetime.
func (s *Service) SessionTerminated(rat string, lifetime time.Duration) {
	s.sessions.WithLabelValues(rat).Dec()
	s.sessionDuration.WithLabelValues(rat).Observe(lifetime.Seconds())
}

// ReportSent records one cloud-reporter round trip.
func (s *Service) ReportSent(method string, d time.Duration, err error) {
	s.reportLatency.WithLabelValues(method).Observe(d.Seconds())

	result := "ok"
	if err != nil {
		result = "error"
	}

	s.creditUpdates.WithLabelValues(result).Inc()
}

// ServiceActionApplied records one final-unit action pushed to the
// data plane.
func (s *Service) ServiceActionApplied(action string) {
	s.serviceActions.WithLabelValues(action).Inc()
}

// RuleInstallOp records one rule install/uninstall operation.
func (s *Service) RuleInstallOp(op, ruleType string) {
	s.ruleInstalls.WithLabelValues(op, ruleType).Inc()
}

// MergeFailure records an update-criteria journal discarded for a
// merge precondition violation.
func (s *Service) MergeFailure() {
	s.mergeFailures.Inc()
}
