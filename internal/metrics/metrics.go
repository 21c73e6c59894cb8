package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	StreamMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgporch_stream_messages_total",
			Help: "BGP update messages consumed from the broker.",
		},
		[]string{"topic", "result"},
	)

	StreamProcessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgporch_stream_process_duration_seconds",
			Help:    "Per-message processing latency by stage.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		},
		[]string{"stage"},
	)

	StreamBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgporch_stream_batch_size",
			Help:    "Batch sizes flushed to the update store.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"topic"},
	)

	LastMessageTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgporch_last_message_timestamp_seconds",
			Help: "Unix timestamp of the last processed update.",
		},
		[]string{"topic"},
	)

	UpdateDedupSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgporch_update_dedup_skips_total",
			Help: "Duplicate updates skipped (ON CONFLICT DO NOTHING hits).",
		},
		[]string{"topic"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgporch_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"table", "op"},
	)

	ConflictsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgporch_conflicts_detected_total",
			Help: "Conflicts reported by detection rules.",
		},
		[]string{"type", "severity"},
	)

	RuleEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgporch_rule_evaluations_total",
			Help: "Rule runs by outcome (clean, conflict, timeout, error, panic).",
		},
		[]string{"rule", "outcome"},
	)

	RuleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgporch_rule_duration_seconds",
			Help:    "Per-rule evaluation latency.",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"rule"},
	)

	ExternalCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgporch_external_calls_total",
			Help: "External service calls by outcome (ok, error, open, rejected).",
		},
		[]string{"client", "outcome"},
	)

	ExternalRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgporch_external_retries_total",
			Help: "Retries attempted against external services.",
		},
		[]string{"client"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgporch_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"client"},
	)

	AnomaliesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgporch_anomalies_detected_total",
			Help: "Anomalies flagged by the detector.",
		},
		[]string{"type", "severity"},
	)

	FeatureWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgporch_feature_writes_total",
			Help: "Feature sink writes (ok, error, dropped) per store.",
		},
		[]string{"store", "result"},
	)

	AlertsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgporch_alerts_dispatched_total",
			Help: "Alerts dispatched by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgporch_http_request_duration_seconds",
			Help:    "API request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"route", "method", "status"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			StreamMessagesTotal,
			StreamProcessDuration,
			StreamBatchSize,
			LastMessageTimestamp,
			UpdateDedupSkipsTotal,
			DBWriteDuration,
			ConflictsDetectedTotal,
			RuleEvaluationsTotal,
			RuleDuration,
			ExternalCallsTotal,
			ExternalRetriesTotal,
			BreakerState,
			AnomaliesDetectedTotal,
			FeatureWritesTotal,
			AlertsDispatchedTotal,
			HTTPRequestDuration,
		)
	})
}
