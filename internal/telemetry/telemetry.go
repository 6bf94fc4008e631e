// Package telemetry exposes the agent's internal counters on a
// loopback-only /metrics endpoint (SPEC_FULL.md §3). Disabled unless
// Settings.MetricsAddr is set. Grounded on the prometheus/client_golang
// usage shown in the pack's server-shaped repos (mattcburns-shoal-provision,
// Geocoder89-event-hub) — a private Registry rather than the global
// default, so tests can construct their own Telemetry without clobbering
// process-wide state.
package telemetry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry holds the counters the scheduler and agent update.
type Telemetry struct {
	registry *prometheus.Registry

	JobsClaimed     prometheus.Counter
	JobsCompleted   prometheus.Counter
	JobsFailed      prometheus.Counter
	HeartbeatErrors prometheus.Counter
	OutboxDepth     prometheus.Gauge
}

// New builds a Telemetry with its own private registry.
func New() *Telemetry {
	reg := prometheus.NewRegistry()
	t := &Telemetry{
		registry: reg,
		JobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total jobs claimed from the dispatcher.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total jobs that produced a complete terminal report.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total jobs that produced a fail terminal report.",
		}),
		HeartbeatErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heartbeat_errors_total",
			Help: "Total heartbeat calls that failed.",
		}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_depth",
			Help: "Number of entries pending in the outbox after the last flush attempt.",
		}),
	}
	reg.MustRegister(t.JobsClaimed, t.JobsCompleted, t.JobsFailed, t.HeartbeatErrors, t.OutboxDepth)
	return t
}

// Serve starts the /metrics HTTP server on addr, blocking until ctx is
// cancelled. A no-op if addr is empty; an addr whose host is not a
// loopback address (or "localhost") is rejected with an error.
func (t *Telemetry) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("telemetry: invalid metrics address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("telemetry: metrics address %q is not a loopback address", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
