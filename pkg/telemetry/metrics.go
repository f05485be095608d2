package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for jobs and devices. A disabled or
// nil *Metrics silently drops every observation.
type Metrics struct {
	config MetricsConfig

	// Job metrics
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeJobs    *prometheus.GaugeVec

	// Phase metrics
	phaseDuration *prometheus.HistogramVec

	// Safety metrics
	reconnectAttempts  *prometheus.CounterVec
	leaseContention    prometheus.Counter
	softBudgetExceeded *prometheus.CounterVec
	oracleFallbacks    *prometheus.CounterVec
	policyDenials      *prometheus.CounterVec

	// Inventory metrics
	devices *prometheus.GaugeVec

	registry *prometheus.Registry
	server   *http.Server
}

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

		jobsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_started_total",
				Help:      "Total number of jobs started",
			},
			[]string{"job_type"},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of jobs finished, by terminal status",
			},
			[]string{"job_type", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of job execution in seconds",
				Buckets:   buckets,
			},
			[]string{"job_type", "status"},
		),
		activeJobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Current number of running jobs",
			},
			[]string{"job_type"},
		),

		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of change and upgrade phases in seconds",
				Buckets:   buckets,
			},
			[]string{"job_type", "phase", "outcome"},
		),

		reconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnect_attempts_total",
				Help:      "Post-reboot reconnection attempts",
			},
			[]string{"outcome"},
		),
		leaseContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_contention_total",
				Help:      "Jobs that found their device lease held by another owner",
			},
		),
		softBudgetExceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "soft_budget_exceeded_total",
				Help:      "Jobs still running after the soft time budget",
			},
			[]string{"job_type"},
		),
		oracleFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_fallbacks_total",
				Help:      "Advisory calls answered with the conservative default",
			},
			[]string{"question"},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Operations blocked by policy",
			},
			[]string{"gate"},
		),

		devices: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices",
				Help:      "Current number of devices in the inventory",
			},
			[]string{"enabled"},
		),
	}

	registry.MustRegister(
		m.jobsStarted,
		m.jobsCompleted,
		m.jobDuration,
		m.activeJobs,
		m.phaseDuration,
		m.reconnectAttempts,
		m.leaseContention,
		m.softBudgetExceeded,
		m.oracleFallbacks,
		m.policyDenials,
		m.devices,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Job Metrics

// RecordJobStarted increments the started counter and the active gauge.
func (m *Metrics) RecordJobStarted(jobType string) {
	if !m.enabled() {
		return
	}
	m.jobsStarted.WithLabelValues(jobType).Inc()
	m.activeJobs.WithLabelValues(jobType).Inc()
}

// RecordJobCompleted records a finished job with its status and duration.
func (m *Metrics) RecordJobCompleted(jobType, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.jobsCompleted.WithLabelValues(jobType, status).Inc()
	m.jobDuration.WithLabelValues(jobType, status).Observe(duration.Seconds())
	m.activeJobs.WithLabelValues(jobType).Dec()
}

// RecordPhase records the duration of one change state or upgrade phase.
func (m *Metrics) RecordPhase(jobType, phase, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.phaseDuration.WithLabelValues(jobType, phase, outcome).Observe(duration.Seconds())
}

// Safety Metrics

// RecordReconnectAttempt records one reconnection attempt (success, unreachable, error).
func (m *Metrics) RecordReconnectAttempt(outcome string) {
	if !m.enabled() {
		return
	}
	m.reconnectAttempts.WithLabelValues(outcome).Inc()
}

// RecordLeaseContention records a job that could not take its device lease.
func (m *Metrics) RecordLeaseContention() {
	if !m.enabled() {
		return
	}
	m.leaseContention.Inc()
}

// RecordSoftBudgetExceeded records a job running past its soft budget.
func (m *Metrics) RecordSoftBudgetExceeded(jobType string) {
	if !m.enabled() {
		return
	}
	m.softBudgetExceeded.WithLabelValues(jobType).Inc()
}

// RecordOracleFallback records an advisory question answered by the default.
func (m *Metrics) RecordOracleFallback(question string) {
	if !m.enabled() {
		return
	}
	m.oracleFallbacks.WithLabelValues(question).Inc()
}

// RecordPolicyDenial records an operation blocked by a policy gate.
func (m *Metrics) RecordPolicyDenial(gate string) {
	if !m.enabled() {
		return
	}
	m.policyDenials.WithLabelValues(gate).Inc()
}

// Inventory Metrics

// SetDeviceCounts sets the inventory gauges.
func (m *Metrics) SetDeviceCounts(enabled, disabled int) {
	if !m.enabled() {
		return
	}
	m.devices.WithLabelValues("true").Set(float64(enabled))
	m.devices.WithLabelValues("false").Set(float64(disabled))
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	log.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("metrics server started")
	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
