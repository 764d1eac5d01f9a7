package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/openstrato/openstrato/pkg/engine"
)

// Telemetry bundles the logger, tracer, metrics, and event stream
// behind one init and one shutdown. It also implements
// engine.StepMetrics so the executor reports into metrics and the
// event stream through a single handle.
type Telemetry struct {
	Log     zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *Publisher

	cfg *Config
}

var _ engine.StepMetrics = (*Telemetry)(nil)

// Init validates cfg and brings up every telemetry component.
func Init(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Log:     logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewPublisher(cfg.Events),
		cfg:     cfg,
	}, nil
}

// ObserveStep implements engine.StepMetrics.
func (t *Telemetry) ObserveStep(action engine.Action, success bool, duration time.Duration) {
	t.Metrics.ObserveStep(action, success, duration)
	t.Events.StepFinished(string(action), success, duration)
}

// ObserveRetry implements engine.StepMetrics.
func (t *Telemetry) ObserveRetry(module, resource string) {
	t.Metrics.ObserveRetry(module, resource)
	t.Events.ProviderRetry(module, resource)
}

// Shutdown drains the event stream and flushes pending spans. Both are
// attempted even when one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Close(ctx),
		t.Tracer.Shutdown(ctx),
	)
}
