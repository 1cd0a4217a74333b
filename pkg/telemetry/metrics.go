package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for builds. A nil *Metrics and a
// disabled one are both valid and record nothing.
type Metrics struct {
	config MetricsConfig

	// Build metrics
	buildsStarted   *prometheus.CounterVec
	buildsCompleted *prometheus.CounterVec
	buildDuration   *prometheus.HistogramVec
	activeBuilds    prometheus.Gauge

	// Play and host metrics
	playsExecuted *prometheus.CounterVec
	playDuration  *prometheus.HistogramVec
	hostsExecuted *prometheus.CounterVec
	hostDuration  *prometheus.HistogramVec
	taskRetries   *prometheus.CounterVec

	// Resource lock metrics
	resourceAcquisitions *prometheus.CounterVec
	resourcesHeld        prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		buildsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_started_total",
				Help:      "Total number of builds started",
			},
			[]string{"project", "env"},
		),
		buildsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_completed_total",
				Help:      "Total number of builds completed",
			},
			[]string{"status"},
		),
		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Duration of builds in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeBuilds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_builds",
				Help:      "Current number of running builds",
			},
		),

		playsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plays_executed_total",
				Help:      "Total number of plays executed",
			},
			[]string{"play", "status"},
		),
		playDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "play_duration_seconds",
				Help:      "Duration of plays in seconds",
				Buckets:   buckets,
			},
			[]string{"play"},
		),
		hostsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hosts_executed_total",
				Help:      "Total number of play runs on a host",
			},
			[]string{"play", "status"},
		),
		hostDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "host_duration_seconds",
				Help:      "Duration of a play on one host in seconds",
				Buckets:   buckets,
			},
			[]string{"play"},
		),
		taskRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of task retries",
			},
			[]string{"play"},
		),

		resourceAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_acquisitions_total",
				Help:      "Total number of resource locks taken",
			},
			[]string{"resource"},
		),
		resourcesHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_held",
				Help:      "Current number of held resource locks",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of build errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of build errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.buildsStarted,
		m.buildsCompleted,
		m.buildDuration,
		m.activeBuilds,
		m.playsExecuted,
		m.playDuration,
		m.hostsExecuted,
		m.hostDuration,
		m.taskRetries,
		m.resourceAcquisitions,
		m.resourcesHeld,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

// RecordBuildStarted counts a started build.
func (m *Metrics) RecordBuildStarted(project, env string) {
	if !m.enabled() {
		return
	}
	m.buildsStarted.WithLabelValues(project, env).Inc()
	m.activeBuilds.Inc()
}

// RecordBuildCompleted records a finished build with its status and duration.
func (m *Metrics) RecordBuildCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.buildsCompleted.WithLabelValues(status).Inc()
	m.buildDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeBuilds.Dec()
}

func (m *Metrics) RecordPlay(play, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.playsExecuted.WithLabelValues(play, status).Inc()
	m.playDuration.WithLabelValues(play).Observe(duration.Seconds())
}

func (m *Metrics) RecordHost(play, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.hostsExecuted.WithLabelValues(play, status).Inc()
	m.hostDuration.WithLabelValues(play).Observe(duration.Seconds())
}

func (m *Metrics) RecordTaskRetry(play string) {
	if !m.enabled() {
		return
	}
	m.taskRetries.WithLabelValues(play).Inc()
}

// RecordResource tracks a lock being taken or given back.
func (m *Metrics) RecordResource(resource string, acquired bool) {
	if !m.enabled() {
		return
	}
	if acquired {
		m.resourceAcquisitions.WithLabelValues(resource).Inc()
		m.resourcesHeld.Inc()
		return
	}
	m.resourcesHeld.Dec()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry exposes the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx ends. Serve
// errors are reported through logger.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) error {
	if !m.enabled() || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Zerolog().Error().Err(err).Msg("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
