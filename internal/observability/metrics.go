package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "trips_submitted_total", Help: "Total trip requests accepted"})
	MatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "push_matches_total", Help: "Total successful push matches"})
	ClaimsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "queue_claims_total", Help: "Total successful queue claims"})
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "claim_conflicts_total", Help: "Claims lost to an admission or status race"})
	TripsExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "trips_expired_total", Help: "Pending trips auto-cancelled on timeout"})
	Heartbeats     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "heartbeats_total", Help: "Driver heartbeats processed"})
	DriversOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Drivers with an open presence session"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "trip_transitions_total", Help: "Trip status transitions committed"},
		[]string{"to"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
