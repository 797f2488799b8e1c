package services

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pdfchat-platform/internal/ai"
	"pdfchat-platform/internal/pdfparse"
	"pdfchat-platform/models"

	"github.com/stretchr/testify/require"
)

const embedDim = 32

// bagOfWords embeds text by hashing its words, so passages that share words
// with a question score higher.
func bagOfWords(text string) []float32 {
	v := make([]float32, embedDim)
	v[0] = 0.01
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,?!:;\"'")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		v[1+int(h.Sum32()%(embedDim-1))]++
	}
	return v
}

type fakeEmbedder struct {
	mu       sync.Mutex
	docCalls int
	err      error
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.docCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = bagOfWords(t)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return bagOfWords(text), nil
}

type fakeParser struct {
	chunks []pdfparse.Chunk
	err    error
}

func (f *fakeParser) ParseFile(_ context.Context, path string) ([]pdfparse.Chunk, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return f.chunks, f.err
}

func line(page int, y float64, text string) pdfparse.Line {
	return pdfparse.Line{
		Text:       text,
		PageNumber: page,
		Rect:       models.Rect{X1: 72, Y1: y, X2: 400, Y2: y + 14, Width: 612, Height: 792},
		Origin:     pdfparse.Origin{PageNumber: page, Baseline: 792 - y - 12, Left: 72, Right: 400, FontSize: 12, RunCount: 1},
	}
}

func contractChunks() []pdfparse.Chunk {
	return []pdfparse.Chunk{
		{
			PageNumber: 1,
			Text:       "This agreement starts on signature.\nIt covers consulting services.",
			Lines: []pdfparse.Line{
				line(1, 100, "This agreement starts on signature."),
				line(1, 116, "It covers consulting services."),
			},
		},
		{
			PageNumber: 3,
			Text:       "Termination clause: either party may terminate\nwith thirty days written notice.\nFees stay payable until termination.",
			Lines: []pdfparse.Line{
				line(3, 200, "Termination clause: either party may terminate"),
				line(3, 216, "with thirty days written notice."),
				line(3, 232, "Fees stay payable until termination."),
			},
		},
	}
}

// writeObject places a fake upload under the object store root.
func writeObject(t *testing.T, root, key string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 fake"), 0o644))
}

type failingChunkWriter struct{}

func (failingChunkWriter) SaveChunks(context.Context, []models.Chunk) error {
	return errors.New("disk full")
}

type fakeGenerator struct {
	tokens   []string
	failAt   int // index of the fragment that fails; -1 never
	startErr error
	lastReq  ai.GenerationRequest
	closed   bool
}

func (f *fakeGenerator) StreamAnswer(_ context.Context, req ai.GenerationRequest) (ai.TokenStream, error) {
	f.lastReq = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &fakeTokenStream{gen: f}, nil
}

type fakeTokenStream struct {
	gen *fakeGenerator
	pos int
}

func (s *fakeTokenStream) Next() (string, error) {
	if s.gen.failAt >= 0 && s.pos == s.gen.failAt {
		return "", errors.New("upstream reset")
	}
	if s.pos >= len(s.gen.tokens) {
		return "", io.EOF
	}
	s.pos++
	return s.gen.tokens[s.pos-1], nil
}

func (s *fakeTokenStream) Close() error {
	s.gen.closed = true
	return nil
}
