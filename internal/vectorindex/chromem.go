package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// generationFile is rewritten with a fresh token after every write to a
// persistent database.
const generationFile = ".generation"

// Chromem keeps one chromem collection per namespace.
//
// chromem reads a persistent database from disk only when it is opened, so
// an instance in one process would never see collections written by another.
// Persistent instances therefore record a generation token after each write
// and reload the database before a query when the token on disk differs from
// the one they last loaded.
type Chromem struct {
	path string

	mu         sync.RWMutex
	db         *chromem.DB
	generation string
}

// NewPersistentChromem opens (or creates) an on-disk chromem database.
func NewPersistentChromem(path string) (*Chromem, error) {
	generation, err := readGeneration(path)
	if err != nil {
		return nil, err
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("opening chromem db at %s: %w", path, err)
	}
	return &Chromem{path: path, db: db, generation: generation}, nil
}

func NewChromem(db *chromem.DB) *Chromem {
	return &Chromem{db: db}
}

func readGeneration(path string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(path, generationFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading chromem generation: %w", err)
	}
	return string(raw), nil
}

// bump publishes a new generation after a write. The writer's own database
// already holds the change, so it adopts the token without reloading.
func (c *Chromem) bump() error {
	if c.path == "" {
		return nil
	}
	token := uuid.NewString()
	tmp := filepath.Join(c.path, generationFile+".tmp-"+token)
	if err := os.WriteFile(tmp, []byte(token), 0o644); err != nil {
		return fmt.Errorf("writing chromem generation: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(c.path, generationFile)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publishing chromem generation: %w", err)
	}

	c.mu.Lock()
	c.generation = token
	c.mu.Unlock()
	return nil
}

// current returns the database, reloading it first if another instance
// wrote since it was loaded.
func (c *Chromem) current() (*chromem.DB, error) {
	if c.path == "" {
		return c.db, nil
	}
	generation, err := readGeneration(c.path)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	db, seen := c.db, c.generation
	c.mu.RUnlock()
	if generation == seen {
		return db, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if generation == c.generation {
		return c.db, nil
	}
	fresh, err := chromem.NewPersistentDB(c.path, false)
	if err != nil {
		return nil, fmt.Errorf("reloading chromem db at %s: %w", c.path, err)
	}
	c.db, c.generation = fresh, generation
	return fresh, nil
}

func precomputedOnly(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

func (c *Chromem) Upsert(ctx context.Context, namespace string, records []Record) error {
	ctx, span := tracer.Start(ctx, "Chromem.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("namespace", namespace), attribute.Int("records", len(records)))

	if err := validate(records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	db, err := c.current()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	collection, err := db.GetOrCreateCollection(namespace, nil, precomputedOnly)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("getting/creating collection %s: %w", namespace, err)
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   r.Text,
			Metadata:  r.Metadata,
			Embedding: r.Embedding,
		}
	}

	if err := collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents to %s: %w", namespace, err)
	}
	return c.bump()
}

func (c *Chromem) Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "Chromem.Query")
	defer span.End()
	span.SetAttributes(attribute.String("namespace", namespace), attribute.Int("k", topK))

	db, err := c.current()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	collection := db.GetCollection(namespace, precomputedOnly)
	if collection == nil || topK <= 0 {
		return nil, nil
	}

	// chromem requires nResults <= document count
	count := collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := collection.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", namespace, err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{ID: r.ID, Text: r.Content, Metadata: r.Metadata, Score: r.Similarity}
	}
	span.SetAttributes(attribute.Int("results", len(matches)))
	return matches, nil
}

func (c *Chromem) DeleteNamespace(ctx context.Context, namespace string) error {
	_, span := tracer.Start(ctx, "Chromem.DeleteNamespace")
	defer span.End()

	db, err := c.current()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := db.DeleteCollection(namespace); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting collection %s: %w", namespace, err)
	}
	return c.bump()
}
