package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pdfchat-platform/internal/ai"
	"pdfchat-platform/internal/bootstrap"
	"pdfchat-platform/internal/config"
	"pdfchat-platform/internal/logger"
	"pdfchat-platform/internal/pdfparse"
	"pdfchat-platform/internal/telemetry"
	"pdfchat-platform/services"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	if err := logger.InitLogger(cfg); err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName+"-worker", cfg.OTLPEndpoint, 1.0)
	if err != nil {
		log.Fatal("Failed to initialize tracer:", err)
	}

	platform, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open backing services:", err)
	}
	defer platform.Close()

	// Initialize Gemini client
	gemini, err := ai.NewGeminiClient(ctx, ai.GeminiOptions{
		APIKey:         cfg.GeminiAPIKey,
		Tier:           cfg.GeminiTier,
		Model:          cfg.GeminiModel,
		EmbeddingModel: cfg.GoogleEmbeddingsModel,
	})
	if err != nil {
		log.Fatal("Failed to initialize Gemini client:", err)
	}
	defer gemini.Close()

	objects, err := platform.OpenObjectStore(ctx)
	if err != nil {
		log.Fatal("Failed to open object store:", err)
	}
	index, err := platform.OpenIndex()
	if err != nil {
		log.Fatal("Failed to open vector index:", err)
	}

	pipeline := services.NewIngestionPipeline(services.IngestionDeps{
		Objects:  objects,
		Parser:   pdfparse.NewParser(pdfparse.Options{MaxChunkSize: cfg.MaxChunkSize}),
		Chunks:   platform.Store,
		Embedder: gemini,
		Index:    index,
		Metrics:  platform.Metrics,
		TmpDir:   cfg.PDFTmpDir,
	})

	jobRuntime := platform.NewRuntime()
	if err := jobRuntime.Register(pipeline.JobType(cfg.IngestConcurrency)); err != nil {
		log.Fatal("Failed to register ingest handler:", err)
	}
	if err := jobRuntime.Start(ctx); err != nil {
		log.Fatal("Failed to start job runtime:", err)
	}

	janitor := services.NewJanitor(jobRuntime, cfg.JobRetention, cfg.PDFTmpDir)
	if err := janitor.Start(cfg.JanitorCron); err != nil {
		log.Fatal("Failed to start janitor:", err)
	}

	logger.Info("Ingestion worker started",
		"concurrency", cfg.IngestConcurrency,
		"object_store", cfg.ObjectStore,
		"vector_backend", cfg.VectorBackend,
		"janitor_cron", cfg.JanitorCron,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down worker, waiting for running jobs...")

	janitor.Stop()
	jobRuntime.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdownTracer(flushCtx); err != nil {
		logger.Warn("Failed to flush traces", "error", err)
	}

	logger.Info("Worker exited")
}
