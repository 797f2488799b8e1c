package database_test

import (
	"context"
	"fmt"
	"testing"

	"pdfchat-platform/internal/database"
	"pdfchat-platform/internal/database/dbtest"
	"pdfchat-platform/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func sampleChunks(namespace string, n, linesPer int) []models.Chunk {
	chunks := make([]models.Chunk, 0, n)
	for i := 0; i < n; i++ {
		chunkID := fmt.Sprintf("%s-chunk-%d", namespace, i)
		chunk := models.Chunk{
			ID:         chunkID,
			Namespace:  namespace,
			Seq:        i,
			PageNumber: 1 + i/2,
			Content:    fmt.Sprintf("chunk %d", i),
			Attribute:  datatypes.JSONMap{"source": "doc.pdf"},
		}
		for j := 0; j < linesPer; j++ {
			chunk.Lines = append(chunk.Lines, models.ChunkLine{
				ID:         fmt.Sprintf("%s-line-%d", chunkID, j),
				ChunkID:    chunkID,
				Seq:        j,
				PageNumber: chunk.PageNumber,
				Content:    fmt.Sprintf("line %d of chunk %d", j, i),
				RectInfo:   datatypes.NewJSONType(models.Rect{X1: 72, Y1: float64(60 + 14*j), X2: 300, Y2: float64(74 + 14*j), Width: 612, Height: 792}),
				OriginInfo: datatypes.JSON(`{"baseline":720}`),
			})
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestSaveChunksPreservesLineOrder(t *testing.T) {
	store, _ := dbtest.New(t)
	ctx := context.Background()

	chunks := sampleChunks("Index_abc", 12, 5)
	require.NoError(t, store.SaveChunks(ctx, chunks))

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	lines, err := store.LinesForChunks(ctx, ids)
	require.NoError(t, err)

	for _, c := range chunks {
		got := lines[c.ID]
		require.Len(t, got, len(c.Lines), "chunk %s", c.ID)
		for j, line := range got {
			assert.Equal(t, c.Lines[j].ID, line.ID)
			assert.Equal(t, c.Lines[j].Content, line.Content)
			assert.Equal(t, c.Lines[j].RectInfo.Data(), line.RectInfo.Data())
		}
	}
}

func TestSaveChunksIsIdempotent(t *testing.T) {
	store, _ := dbtest.New(t)
	ctx := context.Background()

	chunks := sampleChunks("Index_abc", 3, 2)
	require.NoError(t, store.SaveChunks(ctx, chunks))
	require.NoError(t, store.SaveChunks(ctx, chunks))

	ids, err := store.ChunkIDsForNamespace(ctx, "Index_abc")
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	n, err := store.CountLines(ctx, chunks[0].ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestChunksByID(t *testing.T) {
	store, _ := dbtest.New(t)
	ctx := context.Background()
	chunks := sampleChunks("Index_abc", 2, 1)
	require.NoError(t, store.SaveChunks(ctx, chunks))

	got, err := store.ChunksByID(ctx, []string{chunks[1].ID, "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "chunk 1", got[chunks[1].ID].Content)
	assert.Equal(t, "doc.pdf", got[chunks[1].ID].Attribute["source"])
}

func TestDocumentOwnership(t *testing.T) {
	store, _ := dbtest.New(t)
	ctx := context.Background()

	doc := &models.Document{ID: "doc-1", UserID: "alice", ObjectKey: "pdf/abc", IndexName: "Index_abc", Source: "doc.pdf"}
	require.NoError(t, store.CreateDocument(ctx, doc))

	got, err := store.GetDocument(ctx, "doc-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "Index_abc", got.IndexName)

	_, err = store.GetDocument(ctx, "doc-1", "bob")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestTaskStatusMirrorAndOwnerDelete(t *testing.T) {
	store, _ := dbtest.New(t)
	ctx := context.Background()

	task := &models.Task{ID: "task-1", UserID: "alice", TaskType: models.TaskTypeIngest, TaskStatus: models.StatusQueued, JobID: "ingest:pdf/abc"}
	require.NoError(t, store.CreateTask(ctx, task))

	require.NoError(t, store.UpdateTaskStatus(ctx, "ingest:pdf/abc", models.StatusFailed, "parse failed"))
	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.TaskStatus)
	assert.Equal(t, "parse failed", got.TaskError)

	deleted, err := store.DeleteTaskForUser(ctx, "task-1", "bob")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = store.DeleteTaskForUser(ctx, "task-1", "alice")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = store.GetTask(ctx, "task-1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}
