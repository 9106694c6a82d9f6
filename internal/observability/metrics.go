package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DriversOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_matching", Name: "drivers_online", Help: "Number of drivers currently offering rides"})
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: "ride_matching", Name: "sessions_active", Help: "Open realtime sessions by kind"}, []string{"kind"})

	NearbyQueryLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_matching", Name: "nearby_query_seconds", Help: "Eligible driver computation latency seconds"})
	EligibleDrivers    = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_matching",
		Name:      "eligible_drivers",
		Help:      "Eligible drivers per nearby snapshot",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	RideRequests      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "ride_requests_total", Help: "Directed ride requests sent to drivers"})
	RideRejections    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "ride_rejections_total", Help: "Ride offers rejected by drivers"})
	MatchesTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "matches_total", Help: "Rides confirmed by a driver"})
	ConfirmConflicts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "confirm_conflicts_total", Help: "Confirmations that lost the compare-and-set"})
	RideTransitions   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_matching", Name: "ride_transitions_total", Help: "Ride state transitions by target state"}, []string{"state"})
	FareTotalMinor    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "fare_total_minor_units", Help: "Sum of completed ride totals in minor units"})
	EventsPublished   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_matching", Name: "events_published_total", Help: "Events published by bus backend"}, []string{"backend"})
	ProviderFailures  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_matching", Name: "provider_failures_total", Help: "Navigation provider failures by call"}, []string{"call"})
	GatewayRejections = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_matching", Name: "gateway_rejections_total", Help: "Realtime connections refused by reason"}, []string{"reason"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
