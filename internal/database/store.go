// Package database holds the relational side of the platform: documents,
// tasks and the chunk/line rows that carry page geometry.
package database

import (
	"context"
	"errors"
	"fmt"

	"pdfchat-platform/models"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("database: record not found")

const lineBatchSize = 200

type Store struct {
	db                 *gorm.DB
	persistConcurrency int
}

func NewStore(db *gorm.DB, persistConcurrency int) *Store {
	if persistConcurrency < 1 {
		persistConcurrency = 8
	}
	return &Store{db: db, persistConcurrency: persistConcurrency}
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&models.Document{},
		&models.Task{},
		&models.Chunk{},
		&models.ChunkLine{},
	)
}

func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetDocument returns the document only if it belongs to userID.
func (s *Store) GetDocument(ctx context.Context, id, userID string) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	return &doc, nil
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.Document{}, "id = ?", id).Error
}

func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return &task, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.Task{}, "id = ?", id).Error
}

// DeleteTaskForUser removes the task when userID owns it and reports whether
// a row was deleted.
func (s *Store) DeleteTaskForUser(ctx context.Context, taskID, userID string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", taskID, userID).Delete(&models.Task{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete task %s: %w", taskID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateTaskStatus mirrors a job transition onto every task tracking jobID.
func (s *Store) UpdateTaskStatus(ctx context.Context, jobID, status, errMsg string) error {
	err := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{"task_status": status, "task_error": errMsg}).Error
	if err != nil {
		return fmt.Errorf("failed to update tasks for job %s: %w", jobID, err)
	}
	return nil
}

// SaveChunks persists chunks and their lines. Each chunk is written as its
// own unit (chunk row, then its lines) and the units run concurrently; the
// first failure cancels the rest and is returned. Rows that already exist
// are left untouched, so saving the same chunks twice is a no-op.
func (s *Store) SaveChunks(ctx context.Context, chunks []models.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.persistConcurrency)

	for i := range chunks {
		chunk := chunks[i]
		g.Go(func() error {
			return s.saveChunk(gctx, chunk)
		})
	}
	return g.Wait()
}

func (s *Store) saveChunk(ctx context.Context, chunk models.Chunk) error {
	lines := chunk.Lines
	chunk.Lines = nil

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&chunk).Error; err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", chunk.ID, err)
		}
		if len(lines) == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(lines, lineBatchSize).Error; err != nil {
			return fmt.Errorf("failed to insert lines of chunk %s: %w", chunk.ID, err)
		}
		return nil
	})
}

// LinesForChunks returns the lines of each requested chunk in reading order.
func (s *Store) LinesForChunks(ctx context.Context, chunkIDs []string) (map[string][]models.ChunkLine, error) {
	out := make(map[string][]models.ChunkLine, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}

	var lines []models.ChunkLine
	err := s.db.WithContext(ctx).
		Where("chunk_id IN ?", chunkIDs).
		Order("chunk_id").Order("seq").
		Find(&lines).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk lines: %w", err)
	}

	for _, line := range lines {
		out[line.ChunkID] = append(out[line.ChunkID], line)
	}
	return out, nil
}

func (s *Store) ChunksByID(ctx context.Context, ids []string) (map[string]models.Chunk, error) {
	out := make(map[string]models.Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var chunks []models.Chunk
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	for _, c := range chunks {
		out[c.ID] = c
	}
	return out, nil
}

func (s *Store) ChunkIDsForNamespace(ctx context.Context, namespace string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Chunk{}).
		Where("namespace = ?", namespace).
		Order("seq").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of %s: %w", namespace, err)
	}
	return ids, nil
}

func (s *Store) CountLines(ctx context.Context, chunkID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ChunkLine{}).Where("chunk_id = ?", chunkID).Count(&n).Error
	return n, err
}
