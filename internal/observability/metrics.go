package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trip_tracking"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_active", Help: "Open socket sessions"})

	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "actions_total", Help: "Inbound socket actions by kind and result"},
		[]string{"action", "result"},
	)

	BroadcastsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "broadcasts_total", Help: "trip:location broadcasts started"})
	DeliveriesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "deliveries_total", Help: "Events handed to subscriber queues"})
	DeliveryDropsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "delivery_drops_total", Help: "Events dropped for slow or closed subscribers"})
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "subscriptions_active", Help: "Session to trip memberships"})
	FramesWrittenTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ws_frames_written_total", Help: "Text frames written to sockets"})

	CacheWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_writes_total", Help: "Ephemeral cache writes by result"},
		[]string{"result"},
	)

	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "snapshots_total", Help: "Snapshot decisions and writes by result"},
		[]string{"result"},
	)

	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "worker_tasks_total", Help: "Detached tasks by name and result"},
		[]string{"task", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
