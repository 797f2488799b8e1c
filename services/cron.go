package services

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"pdfchat-platform/internal/logger"

	"github.com/go-co-op/gocron"
)

// Staged downloads older than this belong to jobs that are no longer running.
const staleTmpAge = 6 * time.Hour

type JobPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Janitor periodically removes finished jobs past retention and stale
// downloads left behind by crashed workers.
type Janitor struct {
	jobs      JobPruner
	retention time.Duration
	tmpDir    string
	scheduler *gocron.Scheduler
	now       func() time.Time
}

func NewJanitor(jobs JobPruner, retention time.Duration, tmpDir string) *Janitor {
	return &Janitor{
		jobs:      jobs,
		retention: retention,
		tmpDir:    filepath.Join(tmpDir, TmpSubdir),
		scheduler: gocron.NewScheduler(time.UTC),
		now:       time.Now,
	}
}

// Start schedules the sweep on a cron expression and returns immediately.
func (j *Janitor) Start(expr string) error {
	j.scheduler.SingletonModeAll()
	_, err := j.scheduler.Cron(expr).Tag("janitor").Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		j.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	j.scheduler.StartAsync()
	logger.Info("Janitor scheduled", "cron", expr, "retention", j.retention)
	return nil
}

func (j *Janitor) Stop() {
	j.scheduler.Stop()
}

// RunOnce performs a single sweep and reports what it removed.
func (j *Janitor) RunOnce(ctx context.Context) (prunedJobs int64, removedFiles int) {
	now := j.now()

	if j.retention > 0 {
		n, err := j.jobs.Prune(ctx, now.Add(-j.retention))
		if err != nil {
			logger.Error("Job prune failed", "error", err)
		} else {
			prunedJobs = n
		}
	}

	removedFiles, err := sweepOlderThan(j.tmpDir, now.Add(-staleTmpAge))
	if err != nil {
		logger.Error("Temp sweep failed", "dir", j.tmpDir, "error", err)
	}

	if prunedJobs > 0 || removedFiles > 0 {
		logger.Info("Janitor sweep finished", "pruned_jobs", prunedJobs, "removed_files", removedFiles)
	}
	return prunedJobs, removedFiles
}

func sweepOlderThan(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
