package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "requests_submitted_total", Help: "Taxi requests accepted into dispatch"})
	OffersSent        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "offers_sent_total", Help: "NewTaxiRequest notifications fanned out to drivers"})
	RejectsTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "rejects_total", Help: "Requests transitioned to Rejected"})
	DriversOnline     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxi_dispatch", Name: "drivers_online", Help: "Drivers currently bound to a live connection"})

	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "notifications_dropped_total", Help: "Notifications dropped due to slow or dead recipients"})

	// AcceptsTotal splits accept attempts by outcome: "won" claimed the
	// request, "stale" lost the race or referenced a closed request.
	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "accepts_total", Help: "Accept attempts by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taxi_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
