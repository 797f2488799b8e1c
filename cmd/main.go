package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pdfchat-platform/internal/ai"
	"pdfchat-platform/internal/auth"
	"pdfchat-platform/internal/bootstrap"
	"pdfchat-platform/internal/config"
	"pdfchat-platform/internal/logger"
	"pdfchat-platform/internal/telemetry"
	"pdfchat-platform/middleware"
	"pdfchat-platform/routes"
	"pdfchat-platform/services"

	"github.com/gin-gonic/gin"
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

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint, 1.0)
	if err != nil {
		log.Fatal("Failed to initialize tracer:", err)
	}

	platform, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open backing services:", err)
	}
	defer platform.Close()

	// The API schedules ingestion jobs; the worker process runs them.
	jobRuntime := platform.NewRuntime()
	if err := jobRuntime.Register(services.IngestJobType(cfg.IngestConcurrency)); err != nil {
		log.Fatal("Failed to register ingest job type:", err)
	}

	gemini, err := ai.NewGeminiClient(ctx, ai.GeminiOptions{
		APIKey:         cfg.GeminiAPIKey,
		Tier:           cfg.GeminiTier,
		Model:          cfg.GeminiModel,
		EmbeddingModel: cfg.GoogleEmbeddingsModel,
	})
	if err != nil {
		log.Fatal("Failed to create Gemini client:", err)
	}
	defer gemini.Close()

	index, err := platform.OpenIndex()
	if err != nil {
		log.Fatal("Failed to open vector index:", err)
	}

	var cache services.HighlightCache
	if platform.Redis != nil {
		cache = services.NewRedisHighlightCache(platform.Redis, cfg.HighlightCacheTTL)
	}
	chat := services.NewChatOrchestrator(services.ChatDeps{
		Embedder:   gemini,
		Index:      index,
		Generator:  gemini,
		Highlights: services.NewHighlightMapper(platform.Store, cache, platform.Metrics),
		Metrics:    platform.Metrics,
		TopK:       cfg.RetrievalTopK,
	})

	// Initialize Gin router
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.EnrichTrace())
	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.MaxRequestSize))

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(auth.NewVerifier(cfg.AccessSecret, platform.Redis))

	deps := &routes.Dependencies{
		Store:   platform.Store,
		Runtime: jobRuntime,
		Chat:    chat,
		Checks:  platform.Checks(),
	}

	// Setup routes
	routes.SetupHealthRoutes(router, deps)
	routes.SetupJobRoutes(router, deps, authMiddleware)
	routes.SetupChatRoutes(router, cfg, deps, authMiddleware, platform.Redis)

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server starting", "port", cfg.Port, "vector_backend", cfg.VectorBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("Failed to flush traces", "error", err)
	}

	logger.Info("Server exited")
}
