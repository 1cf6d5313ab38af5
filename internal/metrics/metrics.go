// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes apply/rollback counters and gauges over a
// loopback-only HTTP listener, the one ambient exception SPEC_FULL.md §3
// carves out for external collaborators (dashboards may scrape it; they
// never drive the control plane through it). Grounded on the teacher's
// internal/ebpf/metrics.Metrics: a struct of prometheus.* handles built
// against a private registry and registered once at construction.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus handle the control plane updates.
type Metrics struct {
	registry *prometheus.Registry

	ApplyTotal          *prometheus.CounterVec
	ApplyDuration       prometheus.Histogram
	FiltersInstalled    prometheus.Gauge
	RollbackTotal       prometheus.Counter
	RateLimitRejections *prometheus.CounterVec
	IPCRequestsTotal    *prometheus.CounterVec
}

// New builds a Metrics instance against a fresh, private registry — never
// the global default registry, so tests can construct as many as they like
// without a "duplicate metrics collector registration" panic.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ApplyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficctl_apply_total",
			Help: "Total number of apply operations, by outcome.",
		}, []string{"outcome"}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trafficctl_apply_duration_seconds",
			Help:    "Duration of apply operations.",
			Buckets: prometheus.DefBuckets,
		}),
		FiltersInstalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trafficctl_filters_installed",
			Help: "Number of filters currently installed in our sublayer.",
		}),
		RollbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trafficctl_rollback_total",
			Help: "Total number of rollback (remove-all) operations.",
		}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficctl_rate_limit_rejections_total",
			Help: "Total number of IPC requests rejected by the rate limiter, by identity.",
		}, []string{"identity"}),
		IPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficctl_ipc_requests_total",
			Help: "Total number of IPC requests handled, by type and outcome.",
		}, []string{"type", "outcome"}),
	}
	reg.MustRegister(
		m.ApplyTotal, m.ApplyDuration, m.FiltersInstalled,
		m.RollbackTotal, m.RateLimitRejections, m.IPCRequestsTotal,
	)
	return m
}

// ObserveApply records the outcome and wall-clock duration of one apply.
func (m *Metrics) ObserveApply(outcome string, d time.Duration, installed int) {
	m.ApplyTotal.WithLabelValues(outcome).Inc()
	m.ApplyDuration.Observe(d.Seconds())
	if installed >= 0 {
		m.FiltersInstalled.Set(float64(installed))
	}
}

// ObserveRollback records a remove-all operation.
func (m *Metrics) ObserveRollback() { m.RollbackTotal.Inc() }

// ObserveRateLimitRejection records a rejected request for identity.
func (m *Metrics) ObserveRateLimitRejection(identity string) {
	m.RateLimitRejections.WithLabelValues(identity).Inc()
}

// ObserveIPCRequest records one handled IPC request.
func (m *Metrics) ObserveIPCRequest(requestType, outcome string) {
	m.IPCRequestsTotal.WithLabelValues(requestType, outcome).Inc()
}

// Serve starts a loopback-only HTTP listener exposing /metrics until ctx is
// canceled. Binding to loopback only (never 0.0.0.0) is the listener's
// entire authorization model — there is no IPC-style ACL/impersonation
// layer here because nothing state-changing is reachable through it.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
