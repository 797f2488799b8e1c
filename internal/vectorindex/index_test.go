package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"testing"

	chromem "github.com/philippgille/chromem-go"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func records(namespace string, n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{
			ID:        fmt.Sprintf("chunk-%d", i),
			Embedding: unit(8, i%8),
			Text:      fmt.Sprintf("passage %d", i),
			Metadata: map[string]string{
				MetaSource:     "doc.pdf",
				MetaNamespace:  namespace,
				MetaPageNumber: strconv.Itoa(i + 1),
			},
		}
	}
	return out
}

// runIndexContract checks the behaviour shared by every backend.
func runIndexContract(t *testing.T, idx Index, ns string) {
	ctx := context.Background()

	matches, err := idx.Query(ctx, ns, unit(8, 0), 4)
	require.NoError(t, err)
	assert.Empty(t, matches, "unknown namespace must be empty")

	require.NoError(t, idx.Upsert(ctx, ns, records(ns, 3)))
	// Re-upserting the same ids must not duplicate entries.
	require.NoError(t, idx.Upsert(ctx, ns, records(ns, 3)))

	matches, err = idx.Query(ctx, ns, unit(8, 1), 10)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "chunk-1", matches[0].ID)
	assert.Equal(t, "passage 1", matches[0].Text)
	assert.Equal(t, "doc.pdf", matches[0].Metadata[MetaSource])
	assert.Equal(t, ns, matches[0].Metadata[MetaNamespace])

	other, err := idx.Query(ctx, ns+"_other", unit(8, 1), 10)
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, idx.DeleteNamespace(ctx, ns))
	matches, err = idx.Query(ctx, ns, unit(8, 1), 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestChromemIndex(t *testing.T) {
	runIndexContract(t, NewChromem(chromem.NewDB()), "Index_abc123")
}

func TestChromemPersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	idx, err := NewPersistentChromem(dir)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, "Index_p", records("Index_p", 2)))

	reopened, err := NewPersistentChromem(dir)
	require.NoError(t, err)
	matches, err := reopened.Query(ctx, "Index_p", unit(8, 0), 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "chunk-0", matches[0].ID)
}

func TestChromemReaderSeesLaterWrites(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Opened before anything is written, as the API server is.
	reader, err := NewPersistentChromem(dir)
	require.NoError(t, err)
	matches, err := reader.Query(ctx, "Index_w", unit(8, 0), 1)
	require.NoError(t, err)
	assert.Empty(t, matches)

	writer, err := NewPersistentChromem(dir)
	require.NoError(t, err)
	require.NoError(t, writer.DeleteNamespace(ctx, "Index_w"))
	require.NoError(t, writer.Upsert(ctx, "Index_w", records("Index_w", 2)))

	matches, err = reader.Query(ctx, "Index_w", unit(8, 1), 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "chunk-1", matches[0].ID)

	// Re-ingest replaces the namespace; the reader follows.
	require.NoError(t, writer.DeleteNamespace(ctx, "Index_w"))
	require.NoError(t, writer.Upsert(ctx, "Index_w", []Record{{
		ID:        "chunk-9",
		Text:      "replacement",
		Embedding: unit(8, 1),
		Metadata:  map[string]string{MetaSource: "doc.pdf", MetaNamespace: "Index_w"},
	}}))

	matches, err = reader.Query(ctx, "Index_w", unit(8, 1), 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "chunk-9", matches[0].ID)
}

func TestUpsertRejectsMissingEmbedding(t *testing.T) {
	idx := NewChromem(chromem.NewDB())
	err := idx.Upsert(context.Background(), "ns", []Record{{ID: "x", Text: "no vector"}})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestQdrantIndex(t *testing.T) {
	host := os.Getenv("QDRANT_TEST_HOST")
	if host == "" {
		t.Skip("QDRANT_TEST_HOST not set, skipping Qdrant tests")
	}
	idx, err := NewQdrant(QdrantConfig{Host: host, Port: 6334, Collection: "pdfchat_test", VectorSize: 8})
	require.NoError(t, err)
	defer idx.Close()

	runIndexContract(t, idx, "Index_qdrant_test")
}

type flakyAdmin struct {
	existsErrs []error
	exists     bool
	creates    int
}

func (a *flakyAdmin) CollectionExists(context.Context, string) (bool, error) {
	if len(a.existsErrs) > 0 {
		err := a.existsErrs[0]
		a.existsErrs = a.existsErrs[1:]
		return false, err
	}
	return a.exists, nil
}

func (a *flakyAdmin) CreateCollection(context.Context, *qdrant.CreateCollection) error {
	a.creates++
	a.exists = true
	return nil
}

func TestQdrantEnsureCollectionRetriesAfterError(t *testing.T) {
	admin := &flakyAdmin{existsErrs: []error{errors.New("connection refused")}}
	q := &Qdrant{admin: admin, collection: "pdfchat", vectorSize: 8}
	ctx := context.Background()

	require.Error(t, q.ensureCollection(ctx))
	require.NoError(t, q.ensureCollection(ctx))
	require.NoError(t, q.ensureCollection(ctx))
	assert.Equal(t, 1, admin.creates)
}

func TestPointIDIsDeterministic(t *testing.T) {
	assert.Equal(t, pointID("ns", "chunk-1"), pointID("ns", "chunk-1"))
	assert.NotEqual(t, pointID("ns", "chunk-1"), pointID("other", "chunk-1"))
}
