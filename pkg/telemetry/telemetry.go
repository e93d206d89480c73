package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Telemetry bundles the process-wide observability components.
type Telemetry struct {
	Logger  zerolog.Logger
	Metrics *Metrics
	Tracer  *Tracer
	Events  *EventBus
}

// New builds the full stack from one configuration. Components that are
// disabled come back inert rather than nil, so callers never branch.
func New(cfg *Config) (*Telemetry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	return &Telemetry{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
		Events:  NewEventBus(),
	}, nil
}

// Shutdown flushes and stops every component.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := t.Events.Close(ctx); err != nil {
		firstErr = err
	}
	if err := t.Tracer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
