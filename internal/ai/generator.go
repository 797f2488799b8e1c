package ai

import (
	"context"
	"errors"
)

// ErrUnavailable is returned without contacting Gemini while the circuit
// breaker rejects calls.
var ErrUnavailable = errors.New("ai: generation backend unavailable")

// Turn is one earlier question/answer exchange.
type Turn struct {
	Question string
	Answer   string
}

type GenerationRequest struct {
	System  string
	History []Turn
	Prompt  string
}

// TokenStream yields generated text fragments in order. Next returns io.EOF
// once generation finished. Close must be called in all cases.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

type Generator interface {
	StreamAnswer(ctx context.Context, req GenerationRequest) (TokenStream, error)
}

type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}
