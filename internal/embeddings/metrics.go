package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/assistd/internal/embeddings"

// Metrics records embedding latency and batch sizes.
type Metrics struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
}

// NewMetrics creates embedding instruments on the global meter provider.
// Instrument creation failures are logged and leave that instrument unset.
func NewMetrics(logger *zap.Logger) *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}

	var err error
	m.duration, err = meter.Float64Histogram(
		"assistd.embedding.duration_seconds",
		metric.WithDescription("Time spent embedding a batch of texts"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"assistd.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding call"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100),
	)
	if err != nil {
		logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	return m
}

// RecordGeneration records one embedding call.
func (m *Metrics) RecordGeneration(ctx context.Context, operation string, d time.Duration, batch int) {
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batch), attrs)
	}
}
