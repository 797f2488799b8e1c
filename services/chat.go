package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"pdfchat-platform/internal/ai"
	"pdfchat-platform/internal/logger"
	"pdfchat-platform/internal/stream"
	"pdfchat-platform/internal/telemetry"
	"pdfchat-platform/internal/vectorindex"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrStreamAborted means events were already sent but the end event was not.
var ErrStreamAborted = errors.New("chat stream aborted")

type VectorQuerier interface {
	Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]vectorindex.Match, error)
}

type ChatInput struct {
	Namespace string
	Question  string
	History   []ai.Turn
	Language  string
}

// ChatOrchestrator answers a question about one ingested document as an
// ordered event stream: one highlight event, the generated fragments, then
// the end event.
type ChatOrchestrator struct {
	embedder   ai.Embedder
	index      VectorQuerier
	generator  ai.Generator
	highlights *HighlightMapper
	metrics    *telemetry.Metrics
	topK       int
}

type ChatDeps struct {
	Embedder   ai.Embedder
	Index      VectorQuerier
	Generator  ai.Generator
	Highlights *HighlightMapper
	Metrics    *telemetry.Metrics
	TopK       int
}

func NewChatOrchestrator(deps ChatDeps) *ChatOrchestrator {
	topK := deps.TopK
	if topK <= 0 {
		topK = 4
	}
	return &ChatOrchestrator{
		embedder:   deps.Embedder,
		index:      deps.Index,
		generator:  deps.Generator,
		highlights: deps.Highlights,
		metrics:    deps.Metrics,
		topK:       topK,
	}
}

// Stream emits the answer events through emit. The caller must have checked
// that ingestion of the namespace completed. An error returned before the
// first emit leaves the stream untouched; later errors wrap ErrStreamAborted.
func (o *ChatOrchestrator) Stream(ctx context.Context, in ChatInput, emit func(stream.Event) error) (err error) {
	ctx, span := otel.Tracer("pdfchat.chat").Start(ctx, "chat.stream")
	span.SetAttributes(attribute.String("chat.namespace", in.Namespace), attribute.Int("chat.history_turns", len(in.History)))

	var fragments int64
	outcome := "failed"
	defer func() {
		if errors.Is(err, ErrStreamAborted) {
			outcome = "aborted"
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int64("chat.fragments", fragments))
		o.metrics.RecordChatStream(ctx, outcome, fragments)
		span.End()
	}()

	query, err := o.embedder.EmbedQuery(ctx, in.Question)
	if err != nil {
		return fmt.Errorf("failed to embed question: %w", err)
	}

	matches, err := o.index.Query(ctx, in.Namespace, query, o.topK)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", in.Namespace, err)
	}
	span.SetAttributes(attribute.Int("chat.matches", len(matches)))

	if len(matches) == 0 {
		logger.Warn("No passages retrieved, answering from history only", "namespace", in.Namespace)
		o.metrics.RecordDegradedRetrieval(ctx)
	}

	ids := make([]string, len(matches))
	passages := make([]ai.Passage, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
		page, _ := strconv.Atoi(m.Metadata[vectorindex.MetaPageNumber])
		passages[i] = ai.Passage{Text: m.Text, Source: m.Metadata[vectorindex.MetaSource], PageNumber: page}
	}

	citations, err := o.highlights.Map(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to map highlights: %w", err)
	}

	tokens, err := o.generator.StreamAnswer(ctx, ai.GenerationRequest{
		System:  ai.SystemPrompt(in.Language),
		History: in.History,
		Prompt:  ai.BuildPrompt(in.Question, passages),
	})
	if err != nil {
		return fmt.Errorf("failed to start generation: %w", err)
	}
	defer tokens.Close()

	if err := emit(stream.Highlight(citations)); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamAborted, err)
	}

	for {
		text, err := tokens.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Error("Generation failed mid-stream", "namespace", in.Namespace, "fragments", fragments, "error", err)
			return fmt.Errorf("%w: %v", ErrStreamAborted, err)
		}
		if err := emit(stream.Message(text)); err != nil {
			return fmt.Errorf("%w: %v", ErrStreamAborted, err)
		}
		fragments++
	}

	if err := emit(stream.End()); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamAborted, err)
	}
	outcome = "completed"
	return nil
}
