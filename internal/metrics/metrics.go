// Package metrics exposes the polling loop's counters over prometheus plus a
// JSON health endpoint for supervisors that prefer plain HTTP.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics bundles the instruments updated by the polling loop.
type Metrics struct {
	Checks            prometheus.Counter
	Updates           prometheus.Counter
	Errors            prometheus.Counter
	ConsecutiveErrors prometheus.Gauge
	LastSuccess       prometheus.Gauge
	Healthy           prometheus.Gauge

	registry *prometheus.Registry
}

// New registers the instrument set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Checks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowmon_checks_total",
			Help: "Poll cycles attempted.",
		}),
		Updates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowmon_updates_total",
			Help: "Readings stored after change detection.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowmon_errors_total",
			Help: "Poll cycles that failed after retries.",
		}),
		ConsecutiveErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowmon_consecutive_errors",
			Help: "Current run of consecutive failed cycles.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowmon_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle.",
		}),
		Healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowmon_healthy",
			Help: "1 while the consecutive-error threshold has not been exceeded.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(m.Checks, m.Updates, m.Errors, m.ConsecutiveErrors, m.LastSuccess, m.Healthy)
	m.Healthy.Set(1)
	return m
}

// HealthFunc answers whether the loop currently considers itself healthy.
type HealthFunc func() bool

// Serve blocks, exposing /metrics and /healthz on addr until ctx is
// cancelled.
func Serve(ctx context.Context, addr string, m *Metrics, healthy HealthFunc, logger zerolog.Logger) error {
	log := logger.With().Str("component", "metrics_server").Logger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		ok := healthy == nil || healthy()
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"healthy": ok})
	})

	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	log.Info().Str("addr", addr).Msg("metrics server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
