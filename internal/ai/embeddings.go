package ai

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	genai "github.com/google/generative-ai-go/genai"
)

// maxBatchEmbed is the upstream limit on contents per batch request.
const maxBatchEmbed = 100

// EmbedDocuments embeds texts for storage, preserving order.
func (gc *GeminiClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := otel.Tracer("gemini-client").Start(ctx, "gemini.embed_documents")
	defer span.End()
	span.SetAttributes(attribute.Int("gemini.texts", len(texts)), attribute.String("gemini.model", gc.embeddingModel))

	model := gc.client.EmbeddingModel(gc.embeddingModel)
	model.TaskType = genai.TaskTypeRetrievalDocument

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchEmbed {
		end := min(start+maxBatchEmbed, len(texts))

		batch := model.NewBatch()
		for _, t := range texts[start:end] {
			batch.AddContent(genai.Text(t))
		}

		vectors, err := gc.embedBatch(ctx, model, batch, end-start)
		if err != nil {
			return nil, fmt.Errorf("embedding texts %d-%d: %w", start, end, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (gc *GeminiClient) embedBatch(ctx context.Context, model *genai.EmbeddingModel, batch *genai.EmbeddingBatch, want int) ([][]float32, error) {
	if err := gc.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := gc.breaker.Execute(func() (interface{}, error) {
		return model.BatchEmbedContents(ctx, batch)
	})
	if err != nil {
		return nil, breakerError(err)
	}

	resp := result.(*genai.BatchEmbedContentsResponse)
	if len(resp.Embeddings) != want {
		return nil, fmt.Errorf("expected %d embeddings, got %d", want, len(resp.Embeddings))
	}
	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("empty embedding at position %d", i)
		}
		vectors[i] = e.Values
	}
	return vectors, nil
}

// EmbedQuery embeds a search question.
func (gc *GeminiClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, span := otel.Tracer("gemini-client").Start(ctx, "gemini.embed_query")
	defer span.End()

	model := gc.client.EmbeddingModel(gc.embeddingModel)
	model.TaskType = genai.TaskTypeRetrievalQuery

	if err := gc.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := gc.breaker.Execute(func() (interface{}, error) {
		return model.EmbedContent(ctx, genai.Text(text))
	})
	if err != nil {
		return nil, breakerError(err)
	}

	resp := result.(*genai.EmbedContentResponse)
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Embedding.Values, nil
}
