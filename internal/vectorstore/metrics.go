package vectorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// indexVectors tracks the number of vectors held by the index.
	indexVectors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "assistd",
			Subsystem: "vectorstore",
			Name:      "vectors",
			Help:      "Number of vectors currently stored in the index",
		},
	)

	// indexOps counts index operations.
	// Labels: op (add, search, delete), result (ok, error)
	indexOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistd",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector index operations",
		},
		[]string{"op", "result"},
	)

	searchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "assistd",
			Subsystem: "vectorstore",
			Name:      "search_duration_seconds",
			Help:      "Duration of exact top-k searches in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)
)
