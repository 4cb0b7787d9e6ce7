// Package metrics provides Prometheus metrics for the dosing chart engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	RateChangesRecorded   prometheus.Counter
	StopsRecorded         prometheus.Counter
	HistoricalEdits       prometheus.Counter
	CollisionNudges       prometheus.Counter
	StaleEdits            prometheus.Counter
	CommandsFailed        prometheus.Counter
	DeriveDuration        prometheus.Histogram
	SessionsOpen          prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	ConnectedTerminals    prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		RateChangesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chart_rate_changes_total",
			Help: "Total rate change and start markers recorded",
		}),
		StopsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chart_stops_total",
			Help: "Total stop markers recorded",
		}),
		HistoricalEdits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chart_historical_edits_total",
			Help: "Total edits and deletions of past markers",
		}),
		CollisionNudges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chart_collision_nudges_total",
			Help: "Total writes nudged forward to avoid a timestamp collision",
		}),
		StaleEdits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chart_stale_edits_total",
			Help: "Total edits committed over state the author had not seen",
		}),
		CommandsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chart_commands_failed_total",
			Help: "Total rejected chart commands",
		}),
		DeriveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chart_derive_duration_seconds",
			Help:    "Timeline derivation duration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		}),
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chart_freeflow_sessions_open",
			Help: "Currently open free-flow sessions",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		ConnectedTerminals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chart_connected_terminals",
			Help: "Terminals connected to the sync gateway",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.RateChangesRecorded,
		m.StopsRecorded,
		m.HistoricalEdits,
		m.CollisionNudges,
		m.StaleEdits,
		m.CommandsFailed,
		m.DeriveDuration,
		m.SessionsOpen,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.ConnectedTerminals,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
