package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openstrato/openstrato/pkg/engine"
)

// Metrics provides Prometheus metrics for the provisioning engine.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Plan metrics
	plansCreated *prometheus.CounterVec
	planSteps    *prometheus.GaugeVec

	// Step metrics
	stepsApplied   *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	providerRetries *prometheus.CounterVec

	// State metrics
	resourcesManaged *prometheus.GaugeVec

	// Lock metrics
	lockContention *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.StepMetrics = (*Metrics)(nil)

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
				Help:      "Total number of apply runs started",
			},
			[]string{"backend", "environment"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of apply runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of apply runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		plansCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_created_total",
				Help:      "Total number of plans created",
			},
			[]string{"backend", "environment"},
		),
		planSteps: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plan_steps",
				Help:      "Step counts of the most recent plan",
			},
			[]string{"action"},
		),

		stepsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_applied_total",
				Help:      "Total number of plan steps executed",
			},
			[]string{"action", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of plan step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		providerRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_retries_total",
				Help:      "Total number of retried transient provider failures",
			},
			[]string{"module", "resource"},
		),

		resourcesManaged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_managed",
				Help:      "Current number of resources in the state store",
			},
			[]string{"kind", "backend"},
		),

		lockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Total number of lock acquisitions refused",
			},
			[]string{"operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.plansCreated,
		m.planSteps,
		m.stepsApplied,
		m.stepDuration,
		m.providerRetries,
		m.resourcesManaged,
		m.lockContention,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started apply runs.
func (m *Metrics) RecordRunStarted(backend, environment string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(backend, environment).Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Plan Metrics

// RecordPlanCreated records a new plan and its step counts.
func (m *Metrics) RecordPlanCreated(backend, environment string, summary engine.PlanSummary) {
	if m.plansCreated == nil {
		return
	}
	m.plansCreated.WithLabelValues(backend, environment).Inc()
	m.planSteps.WithLabelValues(string(engine.ActionCreate)).Set(float64(summary.ToCreate))
	m.planSteps.WithLabelValues(string(engine.ActionUpdate)).Set(float64(summary.ToUpdate))
	m.planSteps.WithLabelValues(string(engine.ActionReplace)).Set(float64(summary.ToReplace))
	m.planSteps.WithLabelValues(string(engine.ActionDestroy)).Set(float64(summary.ToDestroy))
	m.planSteps.WithLabelValues(string(engine.ActionNoOp)).Set(float64(summary.NoOp))
}

// Step Metrics

// ObserveStep implements engine.StepMetrics.
func (m *Metrics) ObserveStep(action engine.Action, success bool, duration time.Duration) {
	if m.stepsApplied == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.stepsApplied.WithLabelValues(string(action), status).Inc()
	m.stepDuration.WithLabelValues(string(action)).Observe(duration.Seconds())
}

// ObserveRetry implements engine.StepMetrics.
func (m *Metrics) ObserveRetry(module, resource string) {
	if m.providerRetries == nil {
		return
	}
	m.providerRetries.WithLabelValues(module, resource).Inc()
}

// State Metrics

// SetResourceCount sets the current count of state-managed resources.
func (m *Metrics) SetResourceCount(kind, backend string, count float64) {
	if m.resourcesManaged == nil {
		return
	}
	m.resourcesManaged.WithLabelValues(kind, backend).Set(count)
}

// Lock Metrics

// RecordLockContention records a refused lock acquisition.
func (m *Metrics) RecordLockContention(operation string) {
	if m.lockContention == nil {
		return
	}
	m.lockContention.WithLabelValues(operation).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
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
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
