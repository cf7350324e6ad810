package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlflow_slack_events_received_total",
			Help: "Slack events received, by event and inner event type",
		},
		[]string{"type", "inner_type"},
	)

	EventsDuplicateTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlflow_slack_events_duplicate_total",
			Help: "Slack events skipped as duplicates or retries",
		},
	)

	MessagesIgnoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlflow_slack_messages_ignored_total",
			Help: "Slack messages ignored, by reason",
		},
		[]string{"reason"},
	)

	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlflow_slack_messages_processed_total",
			Help: "Slack messages answered, by channel type",
		},
		[]string{"channel_type"},
	)

	MessagesPostedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlflow_slack_messages_posted_total",
			Help: "Replies posted to Slack, by status",
		},
		[]string{"status"},
	)

	MessageProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlflow_slack_message_processing_duration_seconds",
			Help:    "Time from receiving a question to posting the reply",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	SlackAPIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlflow_slack_api_errors_total",
			Help: "Slack Web API errors, by operation",
		},
		[]string{"operation"},
	)
)
