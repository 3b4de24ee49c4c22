package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stevedore-io/stevedore/pkg/core"
)

// Metrics collects Prometheus metrics for the controller. It implements
// core.DispatchObserver, the agent client's call observer, and the
// broadcaster's drop observer, so one instance covers the whole action
// pipeline. When disabled every method is a no-op.
type Metrics struct {
	cfg    MetricsConfig
	logger zerolog.Logger

	registry *prometheus.Registry
	server   *http.Server

	// Update metrics
	updatesStarted   *prometheus.CounterVec
	updatesCompleted *prometheus.CounterVec
	updateDuration   *prometheus.HistogramVec
	updatesInFlight  prometheus.Gauge
	lockContention   *prometheus.CounterVec

	// Agent metrics
	agentCalls        *prometheus.CounterVec
	agentCallDuration *prometheus.HistogramVec
	agentCallErrors   *prometheus.CounterVec

	// Event metrics
	eventSubscribers prometheus.Gauge
	eventsDropped    prometheus.Counter
}

var _ core.DispatchObserver = (*Metrics)(nil)

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig, logger zerolog.Logger) (*Metrics, error) {
	m := &Metrics{
		cfg:    cfg,
		logger: logger.With().Str("component", "metrics").Logger(),
	}
	if !cfg.Enabled {
		return m, nil
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "stevedore"
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m.registry = prometheus.NewRegistry()

	m.updatesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_started_total",
			Help:      "Total number of updates that began executing",
		},
		[]string{"operation"},
	)
	m.updatesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_completed_total",
			Help:      "Total number of completed updates",
		},
		[]string{"operation", "outcome"},
	)
	m.updateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "update_duration_seconds",
			Help:      "Duration of update execution in seconds",
			Buckets:   buckets,
		},
		[]string{"operation"},
	)
	m.updatesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "updates_in_flight",
			Help:      "Number of updates currently executing",
		},
	)
	m.lockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Total number of actions rejected because the target was busy",
		},
		[]string{"target_type"},
	)

	m.agentCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Total number of periphery agent command round trips",
		},
		[]string{"command"},
	)
	m.agentCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_call_duration_seconds",
			Help:      "Duration of periphery agent round trips in seconds",
			Buckets:   buckets,
		},
		[]string{"command"},
	)
	m.agentCallErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_call_errors_total",
			Help:      "Total number of failed agent round trips",
		},
		[]string{"command", "kind"},
	)

	m.eventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Number of live event subscriptions",
		},
	)
	m.eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped on full subscriber buffers",
		},
	)

	m.registry.MustRegister(
		m.updatesStarted,
		m.updatesCompleted,
		m.updateDuration,
		m.updatesInFlight,
		m.lockContention,
		m.agentCalls,
		m.agentCallDuration,
		m.agentCallErrors,
		m.eventSubscribers,
		m.eventsDropped,
	)

	return m, nil
}

// DispatchStarted records an update entering execution.
func (m *Metrics) DispatchStarted(op core.Operation) {
	if m.updatesStarted == nil {
		return
	}
	m.updatesStarted.WithLabelValues(string(op)).Inc()
	m.updatesInFlight.Inc()
}

// DispatchFinished records a completed update with its outcome.
func (m *Metrics) DispatchFinished(op core.Operation, success bool, elapsed time.Duration) {
	if m.updatesCompleted == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.updatesCompleted.WithLabelValues(string(op), outcome).Inc()
	m.updateDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
	m.updatesInFlight.Dec()
}

// LockRejected records an action bounced off a held target lock.
func (m *Metrics) LockRejected(target core.Target) {
	if m.lockContention == nil {
		return
	}
	m.lockContention.WithLabelValues(string(target.Type)).Inc()
}

// AgentCall records one agent command round trip. Failed calls are
// counted by their agent error kind.
func (m *Metrics) AgentCall(command string, elapsed time.Duration, err error) {
	if m.agentCalls == nil {
		return
	}
	m.agentCalls.WithLabelValues(command).Inc()
	m.agentCallDuration.WithLabelValues(command).Observe(elapsed.Seconds())
	if err != nil {
		kind := string(core.AgentKindOf(err))
		if kind == "" {
			kind = string(core.ClassOf(err))
		}
		m.agentCallErrors.WithLabelValues(command, kind).Inc()
	}
}

// EventDropped counts one event discarded on a full subscriber buffer.
func (m *Metrics) EventDropped() {
	if m.eventsDropped == nil {
		return
	}
	m.eventsDropped.Inc()
}

// SetSubscribers sets the current number of event subscriptions.
func (m *Metrics) SetSubscribers(n int) {
	if m.eventSubscribers == nil {
		return
	}
	m.eventSubscribers.Set(float64(n))
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer exposes the metrics endpoint in a background goroutine.
func (m *Metrics) StartServer() error {
	if !m.cfg.Enabled {
		return nil
	}

	path := m.cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info().Str("addr", m.cfg.ListenAddress).Str("path", path).Msg("Metrics endpoint listening")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
