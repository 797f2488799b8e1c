package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pdfchat-platform/internal/ai"
	"pdfchat-platform/internal/logger"
	"pdfchat-platform/internal/objectstore"
	"pdfchat-platform/internal/pdfparse"
	"pdfchat-platform/internal/queue"
	"pdfchat-platform/internal/telemetry"
	"pdfchat-platform/internal/vectorindex"
	"pdfchat-platform/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
)

// JobTypeIngest is the runtime job type that turns an uploaded PDF into
// chunks, lines and vectors.
const JobTypeIngest = "ingest"

// Ingestion stages. A failed job's error wraps exactly one of them.
var (
	ErrFetch       = errors.New("fetch failed")
	ErrParse       = errors.New("parse failed")
	ErrPersistence = errors.New("persistence failed")
	ErrIndex       = errors.New("indexing failed")
)

// TmpSubdir is where downloads are staged under the configured temp dir.
const TmpSubdir = "pdfchat-ingest"

var (
	chunkIDSpace = uuid.MustParse("6f1d3c2a-8e54-5b0f-9a61-3c7e2d4b8f10")
	lineIDSpace  = uuid.MustParse("b2a7e9c4-1d36-5f8e-8c02-7a4f6e1d9b35")
)

type StageError struct {
	Stage error
	Err   error
}

func (e *StageError) Error() string { return e.Stage.Error() + ": " + e.Err.Error() }

func (e *StageError) Unwrap() []error { return []error{e.Stage, e.Err} }

func stageErr(stage, err error) error { return &StageError{Stage: stage, Err: err} }

// IngestJobID derives the runtime job id from the object key, so one upload
// can only have one live ingestion.
func IngestJobID(objectKey string) string { return "ingest:" + objectKey }

// IndexName is the vector namespace of an uploaded object.
func IndexName(objectKey string) string {
	return "Index_" + strings.TrimPrefix(objectKey, "pdf/")
}

// IngestJobIDFunc is the IDFunc registered for JobTypeIngest.
func IngestJobIDFunc(payload []byte) (string, error) {
	var p models.IngestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", err
	}
	if p.ObjectKey == "" {
		return "", errors.New("objectKey is required")
	}
	return IngestJobID(p.ObjectKey), nil
}

type PDFParser interface {
	ParseFile(ctx context.Context, path string) ([]pdfparse.Chunk, error)
}

type ChunkWriter interface {
	SaveChunks(ctx context.Context, chunks []models.Chunk) error
}

type IngestionPipeline struct {
	objects  objectstore.Store
	parser   PDFParser
	chunks   ChunkWriter
	embedder ai.Embedder
	index    vectorindex.Index
	metrics  *telemetry.Metrics
	tmpDir   string
}

type IngestionDeps struct {
	Objects  objectstore.Store
	Parser   PDFParser
	Chunks   ChunkWriter
	Embedder ai.Embedder
	Index    vectorindex.Index
	Metrics  *telemetry.Metrics
	TmpDir   string
}

func NewIngestionPipeline(deps IngestionDeps) *IngestionPipeline {
	tmp := deps.TmpDir
	if tmp == "" {
		tmp = os.TempDir()
	}
	return &IngestionPipeline{
		objects:  deps.Objects,
		parser:   deps.Parser,
		chunks:   deps.Chunks,
		embedder: deps.Embedder,
		index:    deps.Index,
		metrics:  deps.Metrics,
		tmpDir:   filepath.Join(tmp, TmpSubdir),
	}
}

// IngestJobType is the registration for processes that only schedule
// ingestion.
func IngestJobType(concurrency int) queue.JobType {
	return queue.JobType{
		Name:        JobTypeIngest,
		Concurrency: concurrency,
		ID:          IngestJobIDFunc,
	}
}

// JobType returns the registration for a worker runtime.
func (p *IngestionPipeline) JobType(concurrency int) queue.JobType {
	t := IngestJobType(concurrency)
	t.Handler = p.Handle
	return t
}

// Handle is the queue handler for ingest jobs.
func (p *IngestionPipeline) Handle(ctx context.Context, job *queue.Job) error {
	var payload models.IngestPayload
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("invalid ingest payload: %w", err)
	}
	return p.Ingest(ctx, payload)
}

// Ingest runs fetch, parse, persist and index in order. Nothing is rolled
// back on failure; a resubmission rewrites the same ids.
func (p *IngestionPipeline) Ingest(ctx context.Context, payload models.IngestPayload) (err error) {
	if payload.ObjectKey == "" || payload.IndexName == "" {
		return errors.New("invalid ingest payload: objectKey and indexName are required")
	}

	ctx, span := otel.Tracer("pdfchat.ingestion").Start(ctx, "ingestion.run")
	span.SetAttributes(
		attribute.String("ingestion.object_key", payload.ObjectKey),
		attribute.String("ingestion.namespace", payload.IndexName),
	)
	start := time.Now()
	log := logger.With("object_key", payload.ObjectKey, "namespace", payload.IndexName)

	defer func() {
		outcome := "completed"
		if err != nil {
			outcome = stageName(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		p.metrics.RecordIngestion(ctx, time.Since(start).Seconds(), outcome)
		span.End()
	}()

	path, err := p.fetch(ctx, payload.ObjectKey)
	if err != nil {
		return stageErr(ErrFetch, err)
	}
	defer os.Remove(path)
	log.Debugw("PDF fetched", "path", path)

	parsed, err := p.parser.ParseFile(ctx, path)
	if err != nil {
		return stageErr(ErrParse, err)
	}
	chunks := buildChunks(payload, parsed)
	log.Infow("PDF parsed", "chunks", len(chunks))

	if err := p.chunks.SaveChunks(ctx, chunks); err != nil {
		return stageErr(ErrPersistence, err)
	}

	if err := p.indexChunks(ctx, payload, chunks); err != nil {
		return stageErr(ErrIndex, err)
	}

	log.Infow("PDF ingested", "chunks", len(chunks), "duration", time.Since(start))
	return nil
}

func (p *IngestionPipeline) fetch(ctx context.Context, objectKey string) (string, error) {
	if err := os.MkdirAll(p.tmpDir, 0o755); err != nil {
		return "", err
	}

	src, err := p.objects.Open(ctx, objectKey)
	if err != nil {
		return "", err
	}
	defer src.Close()

	name := strings.NewReplacer("/", "_", "\\", "_").Replace(objectKey)
	f, err := os.CreateTemp(p.tmpDir, name+"-*.pdf")
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(f, readerWithContext(ctx, src)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// buildChunks converts parser output into rows with ids that depend only on
// the namespace, position and text.
func buildChunks(payload models.IngestPayload, parsed []pdfparse.Chunk) []models.Chunk {
	chunks := make([]models.Chunk, 0, len(parsed))
	for seq, pc := range parsed {
		chunkID := uuid.NewSHA1(chunkIDSpace, []byte(payload.IndexName+"|"+strconv.Itoa(seq)+"|"+pc.Text)).String()

		lines := make([]models.ChunkLine, 0, len(pc.Lines))
		for i, l := range pc.Lines {
			origin, _ := json.Marshal(l.Origin)
			lines = append(lines, models.ChunkLine{
				ID:         uuid.NewSHA1(lineIDSpace, []byte(chunkID+"|"+strconv.Itoa(i))).String(),
				ChunkID:    chunkID,
				Seq:        i,
				PageNumber: l.PageNumber,
				Content:    l.Text,
				RectInfo:   datatypes.NewJSONType(l.Rect),
				OriginInfo: datatypes.JSON(origin),
				Attribute:  datatypes.JSONMap{"pageNumber": l.PageNumber},
			})
		}

		chunks = append(chunks, models.Chunk{
			ID:         chunkID,
			Namespace:  payload.IndexName,
			Seq:        seq,
			PageNumber: pc.PageNumber,
			Content:    pc.Text,
			Attribute: datatypes.JSONMap{
				"pageNumber": pc.PageNumber,
				"source":     payload.Source,
				"lineCount":  len(lines),
			},
			Lines: lines,
		})
	}
	return chunks
}

func (p *IngestionPipeline) indexChunks(ctx context.Context, payload models.IngestPayload, chunks []models.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	records := make([]vectorindex.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vectorindex.Record{
			ID:        c.ID,
			Embedding: vectors[i],
			Text:      c.Content,
			Metadata: map[string]string{
				vectorindex.MetaSource:     payload.Source,
				vectorindex.MetaNamespace:  payload.IndexName,
				vectorindex.MetaPageNumber: strconv.Itoa(c.PageNumber),
			},
		}
	}

	// Records left from an earlier run of a changed file must not survive.
	if err := p.index.DeleteNamespace(ctx, payload.IndexName); err != nil {
		return err
	}
	return p.index.Upsert(ctx, payload.IndexName, records)
}

func stageName(err error) string {
	switch {
	case errors.Is(err, ErrFetch):
		return "fetch"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrIndex):
		return "index"
	default:
		return "invalid"
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader { return &ctxReader{ctx: ctx, r: r} }

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
