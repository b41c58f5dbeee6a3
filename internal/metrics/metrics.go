// Package metrics registers the Prometheus instrumentation for the HTTP
// surface and the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts API requests by route, method and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cratesync",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by route, method and status.",
	}, []string{"route", "method", "status"})

	// HTTPDuration observes API request latency by route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cratesync",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// SessionsStarted counts sync sessions by dry-run flag.
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cratesync",
		Subsystem: "sync",
		Name:      "sessions_started_total",
		Help:      "Sync sessions started, by dry-run flag.",
	}, []string{"dry_run"})

	// RecordsIngested counts records accepted by the ledger, by action.
	// Retried duplicates are counted again here; the ledger itself
	// stays deduplicated.
	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cratesync",
		Subsystem: "sync",
		Name:      "records_ingested_total",
		Help:      "Sync records accepted by the ledger, by action.",
	}, []string{"action"})

	// UploadsIngested counts files ingested through the upload path.
	UploadsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cratesync",
		Subsystem: "sync",
		Name:      "uploads_total",
		Help:      "Files ingested through the upload path, by outcome.",
	}, []string{"outcome"})

	// PendingAcknowledged counts pending actions cleared by devices.
	PendingAcknowledged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cratesync",
		Subsystem: "sync",
		Name:      "pending_acknowledged_total",
		Help:      "Pending actions acknowledged by devices.",
	})
)
