// Package bootstrap opens the backing services shared by the API server, the
// ingestion worker and the maintenance command.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"pdfchat-platform/internal/config"
	"pdfchat-platform/internal/database"
	"pdfchat-platform/internal/logger"
	"pdfchat-platform/internal/objectstore"
	"pdfchat-platform/internal/queue"
	"pdfchat-platform/internal/telemetry"
	"pdfchat-platform/internal/vectorindex"
	"pdfchat-platform/routes"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"
)

type Platform struct {
	Config   *config.Config
	Postgres *gorm.DB
	Store    *database.Store
	Mongo    *mongo.Client
	Jobs     *queue.MongoStore
	Redis    *redis.Client
	Metrics  *telemetry.Metrics

	closers []func() error
}

// Open connects Postgres, MongoDB and Redis and migrates the structured store.
// Redis stays nil when REDIS_URL is unset.
func Open(ctx context.Context, cfg *config.Config) (*Platform, error) {
	p := &Platform{Config: cfg}

	metrics, err := telemetry.InitMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}
	p.Metrics = metrics

	pg, err := config.ConnectPostgres(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	p.Postgres = pg
	if sqlDB, err := pg.DB(); err == nil {
		p.closers = append(p.closers, sqlDB.Close)
	}

	p.Store = database.NewStore(pg, cfg.PersistConcurrency)
	if err := p.Store.AutoMigrate(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to migrate structured store: %w", err)
	}

	client, err := config.ConnectMongoDB(cfg)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	p.Mongo = client
	p.closers = append(p.closers, func() error { return client.Disconnect(context.Background()) })

	jobs, err := queue.NewMongoStore(ctx, client.Database(cfg.DBName))
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	p.Jobs = jobs

	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if rdb != nil {
		p.Redis = rdb
		p.closers = append(p.closers, rdb.Close)
	} else {
		logger.Warn("REDIS_URL not set; token denylist, rate limiting and highlight cache disabled")
	}

	return p, nil
}

// NewRuntime builds a job runtime whose transitions are mirrored onto task
// rows and metrics.
func (p *Platform) NewRuntime() *queue.Runtime {
	return queue.NewRuntime(p.Jobs, queue.Options{
		PollInterval:  p.Config.JobPollInterval,
		WorkerID:      workerID(),
		LeaseDuration: p.Config.JobLeaseDuration,
		OnTransition:  p.mirrorTransition,
	})
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (p *Platform) mirrorTransition(ctx context.Context, job *queue.Job) {
	p.Metrics.RecordJobTransition(ctx, job.Type, string(job.Status))
	if err := p.Store.UpdateTaskStatus(ctx, job.ID, string(job.Status), job.Error); err != nil {
		logger.Error("Failed to mirror job status onto task", "job_id", job.ID, "status", job.Status, "error", err)
	}
}

// OpenIndex returns the configured vector index backend.
func (p *Platform) OpenIndex() (vectorindex.Index, error) {
	cfg := p.Config
	switch cfg.VectorBackend {
	case "qdrant":
		q, err := vectorindex.NewQdrant(vectorindex.QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			UseTLS:     cfg.QdrantAPIKey != "",
			Collection: cfg.QdrantCollection,
			VectorSize: uint64(cfg.VectorDimensions),
		})
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, q.Close)
		return q, nil
	default:
		return vectorindex.NewPersistentChromem(cfg.ChromemPath)
	}
}

// OpenObjectStore returns the configured backend for uploaded PDFs.
func (p *Platform) OpenObjectStore(ctx context.Context) (objectstore.Store, error) {
	cfg := p.Config
	switch cfg.ObjectStore {
	case "gcs":
		g, err := objectstore.NewGCS(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, g.Close)
		return g, nil
	default:
		return objectstore.NewFileSystem(cfg.FileStorageDir), nil
	}
}

// Checks returns the health probes for every connected service.
func (p *Platform) Checks() map[string]routes.HealthCheck {
	checks := map[string]routes.HealthCheck{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := p.Postgres.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"mongodb": func(ctx context.Context) error {
			return p.Mongo.Ping(ctx, nil)
		},
	}
	if p.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return p.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

// Close releases connections in reverse order of opening.
func (p *Platform) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			logger.Warn("Error closing connection", "error", err)
		}
	}
	p.closers = nil
}
