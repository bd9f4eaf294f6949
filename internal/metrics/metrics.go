// Package metrics exposes Prometheus instrumentation for reconciliation passes
// and logins.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dirsync"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Passes          *prometheus.CounterVec
	PassDuration    *prometheus.HistogramVec
	EntityFailures  *prometheus.CounterVec
	ReloadRequests  prometheus.Counter
	RefreshInFlight prometheus.Gauge
	Logins          *prometheus.CounterVec
	CacheAccounts   prometheus.Gauge
	CacheGroups     prometheus.Gauge
}

// New registers the collectors with reg. Use prometheus.DefaultRegisterer in
// the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Reconciliation passes by mode and outcome",
		}, []string{"mode", "outcome"}),
		PassDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of reconciliation passes",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}, []string{"mode"}),
		EntityFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "entity_failures_total",
			Help:      "Per-entity failures skipped during passes",
		}, []string{"entity", "op"}),
		ReloadRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "reload_requests_total",
			Help:      "Forced reload requests",
		}),
		RefreshInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "refresh_in_progress",
			Help:      "1 while a logical refresh is pending or running",
		}),
		Logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "login",
			Name:      "attempts_total",
			Help:      "Login attempts by mode and status",
		}, []string{"mode", "status"}),
		CacheAccounts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "accounts",
			Help:      "Accounts in the published snapshot",
		}),
		CacheGroups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "groups",
			Help:      "Groups in the published snapshot",
		}),
	}
}

// ObservePass records one finished pass.
func (m *Metrics) ObservePass(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Passes.WithLabelValues(mode, outcome).Inc()
	m.PassDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// EntityFailed counts a skipped entity.
func (m *Metrics) EntityFailed(entity, op string) {
	if m == nil {
		return
	}
	m.EntityFailures.WithLabelValues(entity, op).Inc()
}

// ReloadRequested counts a forceReload call.
func (m *Metrics) ReloadRequested() {
	if m == nil {
		return
	}
	m.ReloadRequests.Inc()
}

// SetRefreshing mirrors the refresh flag.
func (m *Metrics) SetRefreshing(on bool) {
	if m == nil {
		return
	}
	if on {
		m.RefreshInFlight.Set(1)
		return
	}
	m.RefreshInFlight.Set(0)
}

// Login counts a login outcome.
func (m *Metrics) Login(mode, status string) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(mode, status).Inc()
}

// Snapshot records the size of a published snapshot.
func (m *Metrics) Snapshot(accounts, groups int) {
	if m == nil {
		return
	}
	m.CacheAccounts.Set(float64(accounts))
	m.CacheGroups.Set(float64(groups))
}
