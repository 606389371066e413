package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheRequests counts reads by outcome: hit, miss, expired, error.
	cacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistd",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Total cache reads by outcome",
		},
		[]string{"result"},
	)

	cacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistd",
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Total cache writes by outcome",
		},
		[]string{"result"},
	)
)
