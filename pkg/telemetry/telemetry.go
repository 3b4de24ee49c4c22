package telemetry

import (
	"context"

	"github.com/rs/zerolog"
)

// Telemetry bundles the observability stack the controller runs with.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
}

// New assembles logging, tracing and metrics from one configuration.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics, logger)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
	}, nil
}

// StartMetricsServer exposes the Prometheus endpoint if metrics are
// enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartServer()
}

// Shutdown flushes pending traces and stops the metrics endpoint.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Metrics.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}
