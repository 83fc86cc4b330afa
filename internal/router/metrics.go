package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routeOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zed42_route_outcomes_total",
			Help: "Total routed requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	tierAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zed42_tier_attempts_total",
			Help: "Total tier dispatch attempts by backend and result",
		},
		[]string{"backend", "result"}, // success, failure, circuit_skip
	)

	leaseDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zed42_lease_denials_total",
			Help: "Total lease denials by reason",
		},
		[]string{"reason"}, // hard_cap, frozen
	)

	dispatchSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zed42_dispatch_seconds",
			Help:    "Provider dispatch latency per backend",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)
)
