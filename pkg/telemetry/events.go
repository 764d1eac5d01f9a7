package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// RunEvent is one entry in the in-process run event stream. Commands
// emit them around plan and apply; subscribers receive them in emit
// order on a single dispatch goroutine.
type RunEvent struct {
	ID       string                 `json:"id"`
	Time     time.Time              `json:"time"`
	Type     string                 `json:"type"`
	Level    string                 `json:"level"`
	RunID    string                 `json:"run_id,omitempty"`
	Module   string                 `json:"module,omitempty"`
	Resource string                 `json:"resource,omitempty"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Event types emitted by the engine.
const (
	EventPlanCreated   = "plan_created"
	EventRunStarted    = "run_started"
	EventRunFinished   = "run_finished"
	EventStepFinished  = "step_finished"
	EventProviderRetry = "provider_retry"
)

// Publisher fans run events out to subscribers. Emit never blocks;
// when the buffer is full the event is counted as dropped instead.
type Publisher struct {
	enabled bool
	ch      chan RunEvent
	quit    chan struct{}
	done    chan struct{}
	stop    sync.Once
	dropped atomic.Uint64

	mu    sync.RWMutex
	sinks []func(RunEvent)
}

// NewPublisher builds a publisher and starts its dispatch goroutine.
// A disabled publisher is valid and silently discards everything.
func NewPublisher(cfg EventsConfig) *Publisher {
	p := &Publisher{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return p
	}
	p.ch = make(chan RunEvent, cfg.BufferSize)
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	go p.run()
	return p
}

// Subscribe registers a sink. Sinks run on the dispatch goroutine and
// must not block.
func (p *Publisher) Subscribe(sink func(RunEvent)) {
	p.mu.Lock()
	p.sinks = append(p.sinks, sink)
	p.mu.Unlock()
}

// Emit publishes an event, filling in ID, time, and level defaults.
func (p *Publisher) Emit(ev RunEvent) {
	if !p.enabled {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = "info"
	}
	select {
	case <-p.quit:
		p.dropped.Add(1)
	case p.ch <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded on a full buffer or
// after Close.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close stops accepting events and waits until buffered events have
// been delivered or ctx expires.
func (p *Publisher) Close(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	p.stop.Do(func() { close(p.quit) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher did not drain: %w", ctx.Err())
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case ev := <-p.ch:
			p.deliver(ev)
		case <-p.quit:
			// Drain what is already buffered, then stop.
			for {
				select {
				case ev := <-p.ch:
					p.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) deliver(ev RunEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sink := range p.sinks {
		sink(ev)
	}
}

// PlanCreated records that a plan with the given number of pending
// changes was produced.
func (p *Publisher) PlanCreated(planID string, changes int) {
	p.Emit(RunEvent{
		Type:    EventPlanCreated,
		Message: fmt.Sprintf("plan %s created with %d pending change(s)", planID, changes),
		Fields:  map[string]interface{}{"plan_id": planID, "changes": changes},
	})
}

// RunStarted records the start of an apply or destroy run.
func (p *Publisher) RunStarted(planID, backend, environment string) {
	p.Emit(RunEvent{
		Type:    EventRunStarted,
		Message: fmt.Sprintf("applying plan %s on %s/%s", planID, backend, environment),
		Fields:  map[string]interface{}{"plan_id": planID, "backend": backend, "environment": environment},
	})
}

// RunFinished records the outcome of a run.
func (p *Publisher) RunFinished(runID, status string, duration time.Duration) {
	level := "info"
	if status != "succeeded" {
		level = "error"
	}
	p.Emit(RunEvent{
		Type:    EventRunFinished,
		Level:   level,
		RunID:   runID,
		Message: fmt.Sprintf("run %s: %s", status, runID),
		Fields:  map[string]interface{}{"status": status, "duration_seconds": duration.Seconds()},
	})
}

// StepFinished records one executed plan step.
func (p *Publisher) StepFinished(action string, success bool, duration time.Duration) {
	level := "info"
	msg := fmt.Sprintf("%s step applied", action)
	if !success {
		level = "error"
		msg = fmt.Sprintf("%s step failed", action)
	}
	p.Emit(RunEvent{
		Type:    EventStepFinished,
		Level:   level,
		Message: msg,
		Fields:  map[string]interface{}{"action": action, "success": success, "duration_seconds": duration.Seconds()},
	})
}

// ProviderRetry records a retried transient provider failure.
func (p *Publisher) ProviderRetry(module, resource string) {
	p.Emit(RunEvent{
		Type:     EventProviderRetry,
		Level:    "warning",
		Module:   module,
		Resource: resource,
		Message:  fmt.Sprintf("retrying %s.%s after transient failure", module, resource),
	})
}
