package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/docsearch/internal/embeddings"

// Metrics holds embedding gateway instruments.
type Metrics struct {
	duration  metric.Float64Histogram
	dimension metric.Int64Histogram
	errors    metric.Int64Counter
}

// NewMetrics creates instruments on meter, or the global meter when nil.
// Instrument creation failures are logged and leave that instrument unset.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Metrics{}
	var err error

	m.duration, err = meter.Float64Histogram(
		"docsearch.embedding.request_duration_seconds",
		metric.WithDescription("Duration of embedding gateway calls, labeled by outcome"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.dimension, err = meter.Int64Histogram(
		"docsearch.embedding.vector_dimension",
		metric.WithDescription("Length of vectors returned by the AI service"),
		metric.WithUnit("{value}"),
		metric.WithExplicitBucketBoundaries(128, 256, 384, 512, 768, 1024, 1536, 3072),
	)
	if err != nil {
		logger.Warn("failed to create dimension histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"docsearch.embedding.errors_total",
		metric.WithDescription("Embedding gateway failures by outcome (upstream_unavailable, invalid_response)"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}

	return m
}

// Record records one gateway call.
func (m *Metrics) Record(ctx context.Context, outcome string, d time.Duration, dim int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))

	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if dim > 0 && m.dimension != nil {
		m.dimension.Record(ctx, int64(dim))
	}
	if outcome != outcomeOK && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}
