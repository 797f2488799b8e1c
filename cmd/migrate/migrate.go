package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"pdfchat-platform/internal/bootstrap"
	"pdfchat-platform/internal/config"
	"pdfchat-platform/internal/database"
	"pdfchat-platform/internal/queue"
	"pdfchat-platform/services"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/migrate <command>")
		fmt.Println("Commands:")
		fmt.Println("  migrate              - Create or update the document, task, chunk and line tables")
		fmt.Println("  verify <object-key>  - Report job status, chunk and line counts for an upload")
		fmt.Println("  prune                - Remove finished jobs past retention and stale downloads")
		os.Exit(1)
	}

	command := os.Args[1]

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	// Open migrates the structured store as part of connecting.
	platform, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open backing services: %v", err)
	}
	defer platform.Close()

	switch command {
	case "migrate":
		fmt.Println("Migration completed successfully!")

	case "verify":
		if len(os.Args) < 3 {
			log.Fatal("verify requires an object key")
		}
		jobRuntime := platform.NewRuntime()
		if err := jobRuntime.Register(services.IngestJobType(cfg.IngestConcurrency)); err != nil {
			log.Fatalf("Failed to register ingest job type: %v", err)
		}
		if err := verifyIngestion(ctx, platform.Store, jobRuntime, os.Args[2]); err != nil {
			log.Fatalf("Verification failed: %v", err)
		}

	case "prune":
		jobRuntime := platform.NewRuntime()
		jobs, files := services.NewJanitor(jobRuntime, cfg.JobRetention, cfg.PDFTmpDir).RunOnce(ctx)
		fmt.Printf("Pruned %d jobs and %d staged downloads\n", jobs, files)

	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}
}

func verifyIngestion(ctx context.Context, store *database.Store, jobRuntime *queue.Runtime, objectKey string) error {
	jobID := services.IngestJobID(objectKey)
	namespace := services.IndexName(objectKey)

	job, err := jobRuntime.GetJob(ctx, jobID)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		fmt.Printf("Job %s: not found\n", jobID)
	case err != nil:
		return fmt.Errorf("failed to load job: %w", err)
	default:
		fmt.Printf("Job %s: %s\n", jobID, job.Status)
		if job.Error != "" {
			fmt.Printf("  error: %s\n", job.Error)
		}
	}

	chunkIDs, err := store.ChunkIDsForNamespace(ctx, namespace)
	if err != nil {
		return fmt.Errorf("failed to list chunks: %w", err)
	}
	fmt.Printf("Namespace %s: %d chunks\n", namespace, len(chunkIDs))

	var lines int64
	for _, id := range chunkIDs {
		n, err := store.CountLines(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to count lines for chunk %s: %w", id, err)
		}
		if n == 0 {
			fmt.Printf("  chunk %s has no lines\n", id)
		}
		lines += n
	}
	fmt.Printf("Namespace %s: %d lines\n", namespace, lines)
	return nil
}
