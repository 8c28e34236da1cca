package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "rideshare", Name: "matches_total", Help: "Total number of matches by kind"}, []string{"kind"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "rideshare", Name: "match_latency_seconds", Help: "Match latency seconds"})
	MatchFailures    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideshare", Name: "match_failures_total", Help: "Offers canceled because matching failed or timed out"})
	OpenRequests     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "rideshare", Name: "open_requests", Help: "Requests waiting in the registry"})
	OpenOffers       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "rideshare", Name: "open_offers", Help: "Offers being matched"})
	PendingRides     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "rideshare", Name: "pending_rides", Help: "Pending rides awaiting confirmation"})
	ActiveRides      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "rideshare", Name: "active_rides", Help: "Rides in progress"})
	UsersOnline      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "rideshare", Name: "users_online", Help: "Number of users with a known location"})
	RoutingFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideshare", Name: "routing_fallbacks_total", Help: "Routes estimated as straight lines after a routing failure"})

	PendingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "pending_ride_outcomes_total", Help: "Terminal pending ride states"},
		[]string{"state"},
	)
	ReindexOps = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "quadtree_reindex_ops_total", Help: "Quadrant subdivisions and joins performed by reindexing"},
		[]string{"tree", "op"},
	)
	IngestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "ingest_messages_total", Help: "Location messages consumed by result"},
		[]string{"result"},
	)
	TaskFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "task_failures_total", Help: "Background tasks that returned an error or panicked"},
		[]string{"task"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rideshare",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
