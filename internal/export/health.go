// Package export exposes Prometheus health metrics about the rate
// engine itself.
package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Sample drop reasons used as label values on SamplesDropped.
const (
	DropMalformed   = "malformed"
	DropStale       = "stale"
	DropUnknownKey  = "unknown_key"
	DropWrongTarget = "wrong_target"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for engine health.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	SamplesReceived     prometheus.Counter
	SamplesDropped      *prometheus.CounterVec // reason
	Reconnects          prometheus.Counter
	GateRejections      prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
	ConnectionState     *prometheus.GaugeVec // target
	IngestDuration      prometheus.Histogram

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		SamplesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratewatch",
			Name:      "samples_received_total",
			Help:      "Total push events received from transport.",
		}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratewatch",
			Name:      "samples_dropped_total",
			Help:      "Total metric samples dropped, by reason.",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratewatch",
			Name:      "reconnects_total",
			Help:      "Total stream reconnect attempts after a disconnect.",
		}),
		GateRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratewatch",
			Name:      "gate_rejections_total",
			Help:      "Total subscribe requests rejected by the capability gate.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ratewatch",
			Name:      "active_subscriptions",
			Help:      "Number of subscriptions currently open.",
		}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ratewatch",
			Name:      "connection_state",
			Help:      "Connection state per target (0=disconnected, 1=connecting, 2=connected, 3=closed).",
		}, []string{"target"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ratewatch",
			Name:      "ingest_duration_seconds",
			Help:      "Time spent routing one push event into its series.",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 10, 7),
		}),
	}

	reg.MustRegister(
		h.SamplesReceived,
		h.SamplesDropped,
		h.Reconnects,
		h.GateRejections,
		h.ActiveSubscriptions,
		h.ConnectionState,
		h.IngestDuration,
	)

	return h
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
