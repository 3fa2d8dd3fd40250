package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

// Metrics provides Prometheus metrics for the engine. It implements
// engine.Recorder; a disabled instance records nothing.
type Metrics struct {
	config MetricsConfig

	bridgeInvocations  *prometheus.CounterVec
	bridgeDuration     *prometheus.HistogramVec
	cacheLookups       *prometheus.CounterVec
	cacheInvalidations *prometheus.CounterVec
	invalidatedEntries *prometheus.CounterVec
	escalations        *prometheus.CounterVec
	readRetries        *prometheus.CounterVec
	errors             *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

var _ engine.Recorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		bridgeInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bridge_invocations_total",
				Help:      "Total number of bridge processes spawned",
			},
			[]string{"entity", "mode", "result"},
		),
		bridgeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bridge_duration_seconds",
				Help:      "Duration of bridge invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"entity", "mode"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of read cache lookups",
			},
			[]string{"entity", "result"},
		),
		cacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidations_total",
				Help:      "Total number of cache invalidation passes",
			},
			[]string{"entity"},
		),
		invalidatedEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidated_entries_total",
				Help:      "Total number of cache entries dropped by invalidation",
			},
			[]string{"entity"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Total number of escalated operations by outcome",
			},
			[]string{"entity", "result"},
		),
		readRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "read_retries_total",
				Help:      "Total number of read retries by previous outcome",
			},
			[]string{"entity", "reason"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of failed operations by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.bridgeInvocations,
		m.bridgeDuration,
		m.cacheLookups,
		m.cacheInvalidations,
		m.invalidatedEntries,
		m.escalations,
		m.readRetries,
		m.errors,
	)

	return m, nil
}

// Enabled reports whether the instance records anything.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// RecordBridgeCall records one bridge invocation with its outcome and duration.
func (m *Metrics) RecordBridgeCall(entity engine.EntityClass, mode engine.Mode, outcome string, duration time.Duration) {
	if m.bridgeInvocations == nil {
		return
	}
	m.bridgeInvocations.WithLabelValues(string(entity), string(mode), outcome).Inc()
	m.bridgeDuration.WithLabelValues(string(entity), string(mode)).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(entity engine.EntityClass, hit bool) {
	if m.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(string(entity), result).Inc()
}

// RecordInvalidation records an invalidation pass and the entries it removed.
func (m *Metrics) RecordInvalidation(entity engine.EntityClass, removed int) {
	if m.cacheInvalidations == nil {
		return
	}
	m.cacheInvalidations.WithLabelValues(string(entity)).Inc()
	if removed > 0 {
		m.invalidatedEntries.WithLabelValues(string(entity)).Add(float64(removed))
	}
}

// RecordEscalation records the reconciled outcome of an escalated operation.
func (m *Metrics) RecordEscalation(entity engine.EntityClass, outcome string) {
	if m.escalations == nil {
		return
	}
	m.escalations.WithLabelValues(string(entity), outcome).Inc()
}

// RecordReadRetry records a read retry.
func (m *Metrics) RecordReadRetry(entity engine.EntityClass, reason string) {
	if m.readRetries == nil {
		return
	}
	m.readRetries.WithLabelValues(string(entity), reason).Inc()
}

// RecordError records a failed operation by kind.
func (m *Metrics) RecordError(kind string) {
	if m.errors == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

// Registry returns the registry the metrics are registered with, or nil
// when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Serve errors
// are logged; they never stop the engine.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if m.registry == nil {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := m.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", server.Addr).Msg("metrics server error")
		}
	}()
	logger.Info().Str("address", server.Addr).Str("path", path).Msg("metrics server started")
	return nil
}

// Shutdown stops the metrics server, if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
