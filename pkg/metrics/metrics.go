// Package metrics holds the process-wide Prometheus registrations and the
// health/readiness HTTP server shared by both binaries, grounded on the
// teacher's startHealthServer.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Edge holds the edge agent's counters and gauges.
type Edge struct {
	EventsTotal       *prometheus.CounterVec
	ServicesAnnounced prometheus.Gauge
	DNSUpdatesTotal   *prometheus.CounterVec
	ReconcileErrors   prometheus.Counter
}

// NewEdge registers and returns the edge agent's metric set.
func NewEdge(reg prometheus.Registerer) *Edge {
	f := promauto.With(reg)
	return &Edge{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "svcbridge_edge_events_total",
			Help: "Local discovery events processed, by event type.",
		}, []string{"type"}),
		ServicesAnnounced: f.NewGauge(prometheus.GaugeOpts{
			Name: "svcbridge_edge_services_announced",
			Help: "Services currently announced into the zone.",
		}),
		DNSUpdatesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "svcbridge_edge_dns_updates_total",
			Help: "RFC2136 update transactions sent, by result code.",
		}, []string{"code"}),
		ReconcileErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "svcbridge_edge_reconcile_errors_total",
			Help: "Fatal reconciler errors that stopped the event loop.",
		}),
	}
}

// Central holds the policy compiler's counters and gauges.
type Central struct {
	TicksTotal      prometheus.Counter
	CompilesTotal   prometheus.Counter
	ZoneReadErrors  prometheus.Counter
	RoutersCompiled prometheus.Gauge
	RulesEmitted    *prometheus.CounterVec
}

// NewCentral registers and returns the policy compiler's metric set.
func NewCentral(reg prometheus.Registerer) *Central {
	f := promauto.With(reg)
	return &Central{
		TicksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "svcbridge_central_ticks_total",
			Help: "Tick loop iterations.",
		}),
		CompilesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "svcbridge_central_compiles_total",
			Help: "Compilation passes triggered by a serial or mtime change.",
		}),
		ZoneReadErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "svcbridge_central_zone_read_errors_total",
			Help: "Zone walks that failed and were retried on the next tick.",
		}),
		RoutersCompiled: f.NewGauge(prometheus.GaugeOpts{
			Name: "svcbridge_central_routers_compiled",
			Help: "Routers included in the most recent successful compile.",
		}),
		RulesEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "svcbridge_central_rules_emitted_total",
			Help: "Filter rules emitted, by action.",
		}, []string{"action"}),
	}
}

// ReadyFunc reports whether the process has completed enough work to be
// considered ready to serve.
type ReadyFunc func() bool

// ServeHealth starts an HTTP server exposing /healthz, /readyz, and
// Prometheus metrics on port. A port of 0 disables the server. The server
// shuts down when ctx is cancelled.
func ServeHealth(ctx context.Context, port int, ready ReadyFunc, log *slog.Logger) {
	if port == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = fmt.Fprintln(w, "ok")
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintln(w, "not ready")
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warn("health server shutdown error", "err", err)
		}
	}()
	go func() {
		log.Info("health server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("health server failed", "err", err)
		}
	}()
}
