package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"pdfchat-platform/internal/logger"
	"pdfchat-platform/internal/telemetry"
	"pdfchat-platform/internal/vectorindex"
	"pdfchat-platform/models"
)

type ChunkReader interface {
	ChunksByID(ctx context.Context, ids []string) (map[string]models.Chunk, error)
	LinesForChunks(ctx context.Context, chunkIDs []string) (map[string][]models.ChunkLine, error)
}

// HighlightCache stores finished citations by chunk id. Chunks never change
// after ingestion, so entries need no invalidation beyond their TTL.
type HighlightCache interface {
	GetMany(ctx context.Context, chunkIDs []string) (map[string]models.Citation, error)
	SetMany(ctx context.Context, citations []models.Citation) error
}

// HighlightMapper turns retrieved chunk ids into citations with the page
// rectangles of every line.
type HighlightMapper struct {
	chunks  ChunkReader
	cache   HighlightCache
	metrics *telemetry.Metrics
}

// NewHighlightMapper accepts a nil cache.
func NewHighlightMapper(chunks ChunkReader, cache HighlightCache, metrics *telemetry.Metrics) *HighlightMapper {
	return &HighlightMapper{chunks: chunks, cache: cache, metrics: metrics}
}

// Map returns one citation per known chunk id, in input order. Duplicate and
// unknown ids are skipped.
func (m *HighlightMapper) Map(ctx context.Context, chunkIDs []string) ([]models.Citation, error) {
	ids := dedupe(chunkIDs)
	if len(ids) == 0 {
		return []models.Citation{}, nil
	}

	found := make(map[string]models.Citation, len(ids))
	if m.cache != nil {
		cached, err := m.cache.GetMany(ctx, ids)
		if err != nil {
			logger.Warn("Highlight cache read failed", "error", err)
		}
		for id, c := range cached {
			found[id] = c
		}
	}

	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	m.metrics.RecordHighlightCache(ctx, len(ids)-len(missing), len(missing))

	if len(missing) > 0 {
		built, err := m.load(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, c := range built {
			found[c.ChunkID] = c
		}
		if m.cache != nil && len(built) > 0 {
			if err := m.cache.SetMany(ctx, built); err != nil {
				logger.Warn("Highlight cache write failed", "error", err)
			}
		}
	}

	out := make([]models.Citation, 0, len(ids))
	for _, id := range ids {
		if c, ok := found[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *HighlightMapper) load(ctx context.Context, ids []string) ([]models.Citation, error) {
	chunks, err := m.chunks.ChunksByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load cited chunks: %w", err)
	}
	lines, err := m.chunks.LinesForChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load cited lines: %w", err)
	}

	citations := make([]models.Citation, 0, len(chunks))
	for _, id := range ids {
		chunk, ok := chunks[id]
		if !ok {
			continue
		}
		citations = append(citations, buildCitation(chunk, lines[id]))
	}
	return citations, nil
}

func buildCitation(chunk models.Chunk, lines []models.ChunkLine) models.Citation {
	metadata := map[string]string{
		vectorindex.MetaNamespace:  chunk.Namespace,
		vectorindex.MetaPageNumber: strconv.Itoa(chunk.PageNumber),
	}
	if src, ok := chunk.Attribute["source"].(string); ok {
		metadata[vectorindex.MetaSource] = src
	}

	highlights := make([]models.Highlight, 0, len(lines))
	for _, l := range lines {
		h := models.Highlight{
			ChunkID:    chunk.ID,
			Content:    l.Content,
			PageNumber: l.PageNumber,
			RectInfo:   l.RectInfo.Data(),
		}
		if len(l.OriginInfo) > 0 {
			h.OriginInfo = json.RawMessage(l.OriginInfo)
		}
		highlights = append(highlights, h)
	}

	return models.Citation{
		ChunkID:     chunk.ID,
		PageContent: chunk.Content,
		Metadata:    metadata,
		Highlight:   highlights,
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
