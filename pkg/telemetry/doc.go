// Package telemetry provides the controller's observability stack:
// structured logging with zerolog, Prometheus metrics, and
// OpenTelemetry tracing.
//
// Initialize at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
// Components take child loggers derived from tel.Logger. The Metrics
// instance plugs into the action pipeline directly: it is the
// dispatcher's observer, the agent client's call observer, and the
// broadcaster's drop observer:
//
//	core.NewDispatcher(..., core.WithObserver(tel.Metrics))
//	broadcaster.SetDropObserver(tel.Metrics.EventDropped)
//
// Tracing registers a global OpenTelemetry provider, so the dispatcher
// emits spans through otel.Tracer without importing this package.
// Supported exporters: otlp (production), stdout (development), none
// (spans generated but not exported).
package telemetry
