// Package metrics defines the Prometheus collectors shared across the
// router. All collectors live in the "routeflow" namespace and are
// registered at init via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool metrics

	// PoolMessagesProcessed counts messages by pool and terminal result.
	PoolMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routeflow",
			Subsystem: "pool",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by processing pool",
		},
		[]string{"pool_code", "result"}, // result: success, failed, transient, deferred, rate_limited
	)

	// PoolProcessingDuration tracks end-to-end mediation duration.
	PoolProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "routeflow",
			Subsystem: "pool",
			Name:      "processing_duration_seconds",
			Help:      "Time to process a message",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool_code"},
	)

	// PoolActiveWorkers tracks concurrency permits currently held.
	PoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "routeflow",
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Number of in-flight mediation calls in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolQueueDepth tracks messages queued in the pool.
	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "routeflow",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Number of messages pending in the pool queue",
		},
		[]string{"pool_code"},
	)

	// PoolRateLimitRejections counts admissions refused by the leaky
	// bucket's full waiter queue.
	PoolRateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routeflow",
			Subsystem: "pool",
			Name:      "rate_limit_rejections_total",
			Help:      "Total messages rejected due to rate limiting",
		},
		[]string{"pool_code"},
	)

	// PoolAvailablePermits tracks free concurrency permits.
	PoolAvailablePermits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "routeflow",
			Subsystem: "pool",
			Name:      "available_permits",
			Help:      "Available concurrency permits in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolMessageGroupCount tracks live group handlers.
	PoolMessageGroupCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "routeflow",
			Subsystem: "pool",
			Name:      "message_group_count",
			Help:      "Number of active message groups in the pool",
		},
		[]string{"pool_code"},
	)

	// Mediator metrics

	// MediatorHTTPRequests counts downstream calls by status code.
	MediatorHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routeflow",
			Subsystem: "mediator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests made by the mediator",
		},
		[]string{"status_code", "method"},
	)

	// MediatorHTTPDuration tracks downstream call duration per target.
	MediatorHTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "routeflow",
			Subsystem: "mediator",
			Name:      "http_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"target"},
	)

	// Circuit breaker metrics

	// BreakerState reports the per-target breaker state
	// (0=closed, 1=open, 2=half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "routeflow",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"target"},
	)

	// BreakerTrips counts CLOSED-to-OPEN transitions.
	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routeflow",
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"target"},
	)

	// BreakerOpenRejections counts calls refused while the breaker is
	// open.
	BreakerOpenRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routeflow",
			Subsystem: "breaker",
			Name:      "open_rejections_total",
			Help:      "Total calls rejected by an open circuit breaker",
		},
		[]string{"target"},
	)

	// Queue metrics

	// QueueMessagesPublished counts publishes by queue type.
	QueueMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routeflow",
			Subsystem: "queue",
			Name:      "messages_published_total",
			Help:      "Total messages published to queue",
		},
		[]string{"queue_type"}, // embedded, nats, sqs, activemq
	)

	// QueueMessagesConsumed counts consumed messages by queue type.
	QueueMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routeflow",
			Subsystem: "queue",
			Name:      "messages_consumed_total",
			Help:      "Total messages consumed from queue",
		},
		[]string{"queue_type"},
	)

	// QueuePublishErrors counts failed publishes by queue type.
	QueuePublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routeflow",
			Subsystem: "queue",
			Name:      "publish_errors_total",
			Help:      "Total queue publish errors",
		},
		[]string{"queue_type"},
	)

	// QueueDepthGauge reports broker-side queue depth where the broker
	// exposes it.
	QueueDepthGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "routeflow",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Broker-reported queue depth",
		},
		[]string{"queue"},
	)

	// Consumer health metrics

	// ConsumerRestarts counts restarts triggered by stall detection.
	ConsumerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "routeflow",
			Subsystem: "consumer",
			Name:      "restarts_total",
			Help:      "Total consumer restart attempts due to stall detection",
		},
	)

	// ConsumerStallEvents counts detected consumer stalls.
	ConsumerStallEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "routeflow",
			Subsystem: "consumer",
			Name:      "stall_events_total",
			Help:      "Total consumer stall events detected",
		},
	)

	// Pipeline metrics

	// PipelineMapSize tracks entries in the in-flight pipeline map.
	PipelineMapSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "routeflow",
			Subsystem: "pipeline",
			Name:      "map_size",
			Help:      "Number of messages currently in the processing pipeline",
		},
	)

	// PipelineTotalCapacity tracks summed pool capacity, used by leak
	// detection.
	PipelineTotalCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "routeflow",
			Subsystem: "pipeline",
			Name:      "total_capacity",
			Help:      "Total capacity across all processing pools",
		},
	)

	// Standby metrics

	// StandbyRole reports the instance role (1=primary, 0=standby,
	// -1=unknown).
	StandbyRole = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "routeflow",
			Subsystem: "standby",
			Name:      "role",
			Help:      "Instance role (1=primary, 0=standby, -1=unknown)",
		},
	)
)

// Circuit breaker state gauge values.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
