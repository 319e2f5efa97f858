// Package metrics exports orchestration metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "protectogram"

// Recorder holds the metric families for the panic pipeline.
type Recorder struct {
	registry *prometheus.Registry

	// Webhook metrics
	webhookEvents *prometheus.CounterVec

	// Inbox metrics
	inboxRedrives    *prometheus.CounterVec
	inboxUnprocessed prometheus.Gauge

	// Outbox metrics
	outboxSends   *prometheus.CounterVec
	outboxLatency *prometheus.HistogramVec

	// Scheduler metrics
	schedulerActions *prometheus.CounterVec
	actionLatency    *prometheus.HistogramVec
	schedulerLag     prometheus.Gauge
	heartbeatAt      prometheus.Gauge

	// Incident metrics
	incidentTransitions *prometheus.CounterVec

	// Call metrics
	callAttempts *prometheus.CounterVec
}

// Config configures the metrics recorder.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default recorder configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}
}

// NewRecorder creates a recorder with all metric families registered.
func NewRecorder(cfg Config) *Recorder {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	r := &Recorder{
		registry: registry,
	}

	// Webhook metrics
	r.webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook deliveries by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// Inbox metrics
	r.inboxRedrives = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "redrives_total",
			Help:      "Unprocessed inbox events re-dispatched by the sweeper",
		},
		[]string{"provider"},
	)

	r.inboxUnprocessed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "unprocessed",
			Help:      "Inbox events awaiting processing at last sweep",
		},
	)

	// Outbox metrics
	r.outboxSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "sends_total",
			Help:      "Outbox dispatch results by channel and status",
		},
		[]string{"channel", "status"},
	)

	r.outboxLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "send_latency_seconds",
			Help:      "Provider send latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"channel"},
	)

	// Scheduler metrics
	r.schedulerActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "actions_total",
			Help:      "Scheduled action executions by kind and status",
		},
		[]string{"kind", "status"},
	)

	r.actionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "action_latency_seconds",
			Help:      "Scheduled action handler latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"kind"},
	)

	r.schedulerLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "lag_seconds",
			Help:      "Age of the oldest action in the last claimed batch",
		},
	)

	r.heartbeatAt = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "heartbeat_timestamp_seconds",
			Help:      "Unix time of the last successful scheduler heartbeat",
		},
	)

	// Incident metrics
	r.incidentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incident",
			Name:      "transitions_total",
			Help:      "Incident state transitions by resulting status",
		},
		[]string{"status"},
	)

	// Call metrics
	r.callAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "voice",
			Name:      "call_attempts_total",
			Help:      "Completed call attempts by result",
		},
		[]string{"result"},
	)

	registry.MustRegister(
		r.webhookEvents,
		r.inboxRedrives,
		r.inboxUnprocessed,
		r.outboxSends,
		r.outboxLatency,
		r.schedulerActions,
		r.actionLatency,
		r.schedulerLag,
		r.heartbeatAt,
		r.incidentTransitions,
		r.callAttempts,
	)

	return r
}

// RecordWebhookEvent records one webhook delivery outcome.
func (r *Recorder) RecordWebhookEvent(provider, outcome string) {
	r.webhookEvents.WithLabelValues(provider, outcome).Inc()
}

// RecordInboxRedrive records a sweeper re-dispatch of a stale inbox event.
func (r *Recorder) RecordInboxRedrive(provider string) {
	r.inboxRedrives.WithLabelValues(provider).Inc()
}

// SetInboxUnprocessed sets the unprocessed inbox backlog seen by the sweeper.
func (r *Recorder) SetInboxUnprocessed(count int) {
	r.inboxUnprocessed.Set(float64(count))
}

// RecordOutboxSend records a provider dispatch and its latency.
func (r *Recorder) RecordOutboxSend(channel, status string, latency time.Duration) {
	r.outboxSends.WithLabelValues(channel, status).Inc()
	r.outboxLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordScheduledAction records one handler execution.
func (r *Recorder) RecordScheduledAction(kind, status string, latency time.Duration) {
	r.schedulerActions.WithLabelValues(kind, status).Inc()
	r.actionLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// SetSchedulerLag sets how far behind the runner is on its due work.
func (r *Recorder) SetSchedulerLag(lag time.Duration) {
	r.schedulerLag.Set(lag.Seconds())
}

// SetHeartbeat records when the runner last proved database liveness.
func (r *Recorder) SetHeartbeat(t time.Time) {
	r.heartbeatAt.Set(float64(t.Unix()))
}

// RecordIncidentTransition records an incident reaching the given status.
func (r *Recorder) RecordIncidentTransition(status string) {
	r.incidentTransitions.WithLabelValues(status).Inc()
}

// RecordCallAttempt records a call attempt settling with the given result.
func (r *Recorder) RecordCallAttempt(result string) {
	r.callAttempts.WithLabelValues(result).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
