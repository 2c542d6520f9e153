package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the pkgsmoke harness.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Cloud API metrics
	apiCalls    *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
	apiErrors   *prometheus.CounterVec

	// Polling metrics
	pollIterations *prometheus.CounterVec

	// Remote execution metrics
	remoteCommands *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec

	// Install metrics
	installsAttempted *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of smoke-test runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of smoke-test runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of smoke-test runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		apiCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_api_calls_total",
				Help:      "Total number of cloud control-plane API calls",
			},
			[]string{"method", "operation"},
		),
		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cloud_api_call_duration_seconds",
				Help:      "Duration of cloud API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"method", "operation"},
		),
		apiErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_api_errors_total",
				Help:      "Total number of cloud API call errors",
			},
			[]string{"method", "operation"},
		),

		pollIterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_iterations_total",
				Help:      "Total number of state-poll iterations",
			},
			[]string{"phase"},
		),

		remoteCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_commands_total",
				Help:      "Total number of remote commands executed",
			},
			[]string{"status"},
		),
		remoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_command_duration_seconds",
				Help:      "Duration of remote command execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		installsAttempted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "installs_attempted_total",
				Help:      "Total number of package installation attempts",
			},
			[]string{"result"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.apiCalls,
		m.apiDuration,
		m.apiErrors,
		m.pollIterations,
		m.remoteCommands,
		m.remoteDuration,
		m.installsAttempted,
		m.errorsByCode,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(mode string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordAPICall records a cloud API call with its duration.
func (m *Metrics) RecordAPICall(method, operation string, duration time.Duration) {
	if m.apiCalls == nil {
		return
	}
	m.apiCalls.WithLabelValues(method, operation).Inc()
	m.apiDuration.WithLabelValues(method, operation).Observe(duration.Seconds())
}

// RecordAPIError records a failed cloud API call.
func (m *Metrics) RecordAPIError(method, operation string) {
	if m.apiErrors == nil {
		return
	}
	m.apiErrors.WithLabelValues(method, operation).Inc()
}

// RecordPollIteration records one iteration of a polling loop.
// Phase is one of reconcile, provision, stop, delete.
func (m *Metrics) RecordPollIteration(phase string) {
	if m.pollIterations == nil {
		return
	}
	m.pollIterations.WithLabelValues(phase).Inc()
}

// RecordRemoteCommand records a remote command execution.
func (m *Metrics) RecordRemoteCommand(status string, duration time.Duration) {
	if m.remoteCommands == nil {
		return
	}
	m.remoteCommands.WithLabelValues(status).Inc()
	m.remoteDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordInstallAttempt records a package install attempt and its result.
func (m *Metrics) RecordInstallAttempt(result string) {
	if m.installsAttempted == nil {
		return
	}
	m.installsAttempted.WithLabelValues(result).Inc()
}

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if m.errorsByCode == nil {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
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

// StartMetricsServer starts an HTTP server exposing the metrics endpoint.
// It returns immediately; the server runs for the remainder of the process.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = server.ListenAndServe()
	}()

	return nil
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
