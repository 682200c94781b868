// Package metrics holds the Prometheus collectors shared by the ingestion pipeline,
// the archiver, the subscriber and the HTTP API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for ReadingsProcessed.
const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
)

var (
	// pipeline
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_messages_received_total",
		Help: "Total number of messages delivered by the broker",
	})

	ReadingsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_readings_total",
		Help: "Total number of messages by pipeline outcome",
	}, []string{"outcome"})

	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_processing_seconds",
		Help:    "Time spent decoding, validating and routing one message",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	AlertsFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_alerts_fired_total",
		Help: "Total number of alert range violations recorded",
	})

	// archival
	Archivals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_archivals_total",
		Help: "Total number of node archival attempts by result",
	}, []string{"result"})

	ReadingsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_readings_archived_total",
		Help: "Total number of accepted readings moved to the archive",
	})

	// subscriber
	SubscriberState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_subscriber_state",
		Help: "Subscriber connection state (0 disconnected, 1 connecting, 2 subscribed)",
	})

	SubscriberReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_subscriber_reconnects_total",
		Help: "Total number of reconnect attempts made by the supervisor",
	})

	// HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)
