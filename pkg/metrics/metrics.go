package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed tracks change-event throughput through the handlers
	// Labels allow filtering by outcome (synced/skipped/error), table, and operation
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_events_processed_total",
		Help: "Total number of change events processed by the sync handlers",
	}, []string{"status", "table", "operation"})

	// RemoteAPICalls tracks batch calls against the remote table service
	RemoteAPICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_remote_api_calls_total",
		Help: "Total number of batch calls issued to the remote table service",
	}, []string{"operation", "status"})

	// MappingMisses counts events dropped because no field mapping was
	// configured for their table pair. A growing value means configuration
	// gaps are silently eating events
	MappingMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_mapping_misses_total",
		Help: "Events dropped because their table pair has no field mapping",
	}, []string{"table"})

	// UpsertRows tracks rows written by the remote->DB path
	UpsertRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_upsert_rows_total",
		Help: "Rows upserted into the database from remote records",
	}, []string{"table", "status"})

	// WebhookEvents tracks inbound webhook traffic by event kind and outcome
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_webhook_events_total",
		Help: "Total number of webhook requests received",
	}, []string{"kind", "status"})

	// DeleteTasks tracks the supervised delete worker's outcomes
	DeleteTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_delete_tasks_total",
		Help: "Webhook-origin delete tasks processed by the worker",
	}, []string{"status"})

	// QueueDeletes counts explicit message deletions, the system's ack signal
	QueueDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_queue_deletes_total",
		Help: "Queue messages deleted after processing",
	}, []string{"queue"})

	// BatchDuration measures how long one handler invocation takes
	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridsync_batch_duration_seconds",
		Help:    "Duration of one sync handler invocation in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// ChunksDispatched observes how many API chunks one group produced
	ChunksDispatched = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridsync_chunks_per_group",
		Help:    "Remote API chunks dispatched per destination group",
		Buckets: []float64{1, 2, 3, 5, 10, 25},
	})

	// QueueBacklog tracks pending messages in the Postgres queue
	// This is the primary indicator of system lag
	QueueBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridsync_queue_backlog",
		Help: "Current number of visible messages in the Postgres queue",
	}, []string{"queue"})

	// HealthStatus provides a binary 0/1 signal for the broker link
	// 1 = Healthy, 0 = Unhealthy (Connection to RabbitMQ is down)
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridsync_healthy",
		Help: "Current health status of the broker link (1 for healthy, 0 for unhealthy)",
	})
)
