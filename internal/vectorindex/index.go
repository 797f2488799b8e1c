// Package vectorindex stores chunk embeddings per namespace and answers
// nearest-neighbour queries.
package vectorindex

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
)

// Metadata keys written with every record.
const (
	MetaSource     = "source"
	MetaNamespace  = "indexNamespace"
	MetaPageNumber = "pageNumber"
)

var (
	ErrInvalidRecord = errors.New("vectorindex: invalid record")
	errNoEmbedder    = errors.New("vectorindex: embeddings must be supplied by the caller")
)

var tracer = otel.Tracer("pdfchat.vectorindex")

// Record is keyed by chunk id; upserting an existing id replaces it.
type Record struct {
	ID        string
	Embedding []float32
	Text      string
	Metadata  map[string]string
}

type Match struct {
	ID       string
	Text     string
	Metadata map[string]string
	Score    float32
}

type Index interface {
	Upsert(ctx context.Context, namespace string, records []Record) error
	// Query returns at most topK matches, best first. An unknown or empty
	// namespace yields no matches and no error.
	Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]Match, error)
	DeleteNamespace(ctx context.Context, namespace string) error
}

func validate(records []Record) error {
	for _, r := range records {
		if r.ID == "" || len(r.Embedding) == 0 {
			return ErrInvalidRecord
		}
	}
	return nil
}
