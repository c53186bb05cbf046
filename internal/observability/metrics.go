package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "truck_booking"

var (
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Driver search latency seconds"})
	MatchResults = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_results",
		Help:      "Number of eligible drivers returned per search",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	DriversUpserted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_directory_upserts_total", Help: "Driver snapshots written to the directory"})

	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking state machine attempts by event and result"},
		[]string{"event", "result"},
	)
	BookingRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "booking_optimistic_retries_total", Help: "Re-reads caused by concurrent booking writes"})

	PaymentsInitiated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payments_initiated_total", Help: "Payments created by method"},
		[]string{"method"},
	)
	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_reconciliations_total", Help: "Gateway callbacks by outcome"},
		[]string{"outcome"},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_delivered_total", Help: "Notification events delivered per sink"},
		[]string{"sink"},
	)
	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_failed_total", Help: "Notification delivery failures per sink"},
		[]string{"sink"},
	)
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped because the dispatch queue was full"})

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
