package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	IngestionDuration  metric.Float64Histogram
	JobTransitions     metric.Int64Counter
	ChatStreams        metric.Int64Counter
	StreamedTokens     metric.Int64Counter
	DegradedRetrievals metric.Int64Counter
	HighlightCacheHits metric.Int64Counter
}

// InitMetrics initializes all application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter("pdfchat-platform")

	ingestionDuration, err := meter.Float64Histogram(
		"ingestion.duration",
		metric.WithDescription("PDF ingestion duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	jobTransitions, err := meter.Int64Counter(
		"jobs.transitions.total",
		metric.WithDescription("Job status transitions"),
	)
	if err != nil {
		return nil, err
	}

	chatStreams, err := meter.Int64Counter(
		"chat.streams.total",
		metric.WithDescription("Chat answer streams by outcome"),
	)
	if err != nil {
		return nil, err
	}

	streamedTokens, err := meter.Int64Counter(
		"chat.streamed_fragments.total",
		metric.WithDescription("Generated fragments forwarded to clients"),
	)
	if err != nil {
		return nil, err
	}

	degraded, err := meter.Int64Counter(
		"chat.retrieval_degraded.total",
		metric.WithDescription("Chat requests answered without any retrieved passage"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"highlight.cache.lookups.total",
		metric.WithDescription("Highlight cache lookups by result"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		IngestionDuration:  ingestionDuration,
		JobTransitions:     jobTransitions,
		ChatStreams:        chatStreams,
		StreamedTokens:     streamedTokens,
		DegradedRetrievals: degraded,
		HighlightCacheHits: cacheHits,
	}, nil
}

// RecordIngestion records one finished ingestion and the stage it stopped at.
func (m *Metrics) RecordIngestion(ctx context.Context, seconds float64, outcome string) {
	if m == nil {
		return
	}
	m.IngestionDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("ingestion.outcome", outcome)))
}

func (m *Metrics) RecordJobTransition(ctx context.Context, jobType, status string) {
	if m == nil {
		return
	}
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job.type", jobType),
		attribute.String("job.status", status),
	))
}

func (m *Metrics) RecordChatStream(ctx context.Context, outcome string, fragments int64) {
	if m == nil {
		return
	}
	m.ChatStreams.Add(ctx, 1, metric.WithAttributes(attribute.String("chat.outcome", outcome)))
	if fragments > 0 {
		m.StreamedTokens.Add(ctx, fragments)
	}
}

func (m *Metrics) RecordDegradedRetrieval(ctx context.Context) {
	if m == nil {
		return
	}
	m.DegradedRetrievals.Add(ctx, 1)
}

func (m *Metrics) RecordHighlightCache(ctx context.Context, hits, misses int) {
	if m == nil {
		return
	}
	if hits > 0 {
		m.HighlightCacheHits.Add(ctx, int64(hits), metric.WithAttributes(attribute.String("cache.result", "hit")))
	}
	if misses > 0 {
		m.HighlightCacheHits.Add(ctx, int64(misses), metric.WithAttributes(attribute.String("cache.result", "miss")))
	}
}
