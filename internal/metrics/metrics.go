package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for Pincer
type Metrics struct {
	// API metrics
	APIRequestsTotal     *prometheus.CounterVec
	APIRequestDuration   *prometheus.HistogramVec
	APIErrorsTotal       *prometheus.CounterVec
	APIActiveConnections prometheus.Gauge

	// Storage metrics
	StorageOperations        *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Subscription index metrics
	IndexCacheRequests   *prometheus.CounterVec
	IndexRebuildDuration prometheus.Histogram
	IndexGraphVertices   prometheus.Gauge
	IndexGeneration      prometheus.Gauge

	// Fan-out metrics
	FanoutNotificationsTotal *prometheus.CounterVec
	FanoutRequestsTotal      *prometheus.CounterVec
	FanoutDuration           prometheus.Histogram
	FanoutClosureCache       *prometheus.CounterVec

	// Scheduler metrics
	SchedulerQueueDepth      *prometheus.GaugeVec
	SchedulerBatchesInFlight *prometheus.GaugeVec
	SchedulerBatchesTotal    *prometheus.CounterVec
	SchedulerBatchSize       *prometheus.HistogramVec
	SchedulerBatchDuration   *prometheus.HistogramVec
	SchedulerPanicsTotal     *prometheus.CounterVec

	// Dispatcher metrics
	DispatcherCyclesTotal      prometheus.Counter
	DispatcherClaimedTotal     *prometheus.CounterVec
	DispatcherReclaimedTotal   prometheus.Counter
	DispatcherStoreErrorsTotal prometheus.Counter
	DispatcherFailingKinds     prometheus.Gauge
	DispatcherWakeupsTotal     *prometheus.CounterVec

	// Delivery metrics
	DeliveriesTotal   *prometheus.CounterVec
	DeliveryDuration  *prometheus.HistogramVec
	LedgerOperations  *prometheus.CounterVec
	WakeRelayMessages *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pincer_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	m.APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_api_errors_total",
			Help: "Total number of API errors",
		},
		[]string{"method", "path", "error_type"},
	)

	m.APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pincer_api_active_connections",
			Help: "Number of in-flight API requests",
		},
	)

	// Storage metrics
	m.StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "success"},
	)

	m.StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pincer_storage_operation_duration_seconds",
			Help:    "Duration of storage operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
		[]string{"operation"},
	)

	// Subscription index metrics
	m.IndexCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_index_cache_requests_total",
			Help: "Subscription index lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	m.IndexRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pincer_index_rebuild_duration_seconds",
			Help:    "Duration of topic graph rebuilds in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	m.IndexGraphVertices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pincer_index_graph_vertices",
			Help: "Pages and categories in the cached topic graph",
		},
	)

	m.IndexGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pincer_index_generation",
			Help: "Generation of the cached topic graph",
		},
	)

	// Fan-out metrics
	m.FanoutNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_fanout_notifications_total",
			Help: "Notifications created by fan-out",
		},
		[]string{"kind"},
	)

	m.FanoutRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_fanout_requests_total",
			Help: "Notification requests created by fan-out",
		},
		[]string{"channel"},
	)

	m.FanoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pincer_fanout_duration_seconds",
			Help:    "Duration of a fan-out in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	m.FanoutClosureCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_fanout_closure_cache_total",
			Help: "Fan-out closure cache lookups by result",
		},
		[]string{"result"},
	)

	// Scheduler metrics
	m.SchedulerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pincer_scheduler_queue_depth",
			Help: "Tasks waiting for a batch slot",
		},
		[]string{"kind"},
	)

	m.SchedulerBatchesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pincer_scheduler_batches_in_flight",
			Help: "Batches currently being handled",
		},
		[]string{"kind"},
	)

	m.SchedulerBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_scheduler_batches_total",
			Help: "Completed batches",
		},
		[]string{"kind", "success"},
	)

	m.SchedulerBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pincer_scheduler_batch_size",
			Help:    "Tasks per batch",
			Buckets: prometheus.LinearBuckets(1, 4, 8),
		},
		[]string{"kind"},
	)

	m.SchedulerBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pincer_scheduler_batch_duration_seconds",
			Help:    "Handler duration per batch in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"kind"},
	)

	m.SchedulerPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_scheduler_panics_total",
			Help: "Handler panics recovered by the scheduler",
		},
		[]string{"kind"},
	)

	// Dispatcher metrics
	m.DispatcherCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pincer_dispatcher_cycles_total",
			Help: "Dispatcher claim cycles",
		},
	)

	m.DispatcherClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_dispatcher_claimed_total",
			Help: "Tasks claimed and routed to a scheduler",
		},
		[]string{"kind"},
	)

	m.DispatcherReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pincer_dispatcher_reclaimed_total",
			Help: "Task rows deleted after successful handling",
		},
	)

	m.DispatcherStoreErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pincer_dispatcher_store_errors_total",
			Help: "Store errors seen by the dispatcher",
		},
	)

	m.DispatcherFailingKinds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pincer_dispatcher_failing_kinds",
			Help: "Task kinds currently cooling down after a failure",
		},
	)

	m.DispatcherWakeupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_dispatcher_wakeups_total",
			Help: "Dispatcher wake-ups by source",
		},
		[]string{"source"}, // wake, result, poll
	)

	// Delivery metrics
	m.DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_deliveries_total",
			Help: "Delivery attempts by outcome",
		},
		[]string{"channel", "outcome"}, // sent, duplicate, permanent, retryable
	)

	m.DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pincer_delivery_duration_seconds",
			Help:    "Duration of outbound delivery calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"channel"},
	)

	m.LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_ledger_operations_total",
			Help: "Delivery ledger operations",
		},
		[]string{"operation", "success"},
	)

	m.WakeRelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincer_wake_relay_messages_total",
			Help: "Wake pulses relayed between processes",
		},
		[]string{"direction"}, // published, received
	)

	return m
}
