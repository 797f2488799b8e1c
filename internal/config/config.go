package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	GinMode     string
	CORSOrigins []string
	ServiceName string

	// Structured store (documents, tasks, chunks, lines)
	PostgresDSN string

	// Job store
	MongoURI string
	DBName   string

	// Redis Configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Access tokens are issued by the session service; only verified here
	AccessSecret string

	// Gemini
	GeminiAPIKey          string
	GeminiModel           string
	GeminiTier            string
	GoogleEmbeddingsModel string
	VectorDimensions      int

	// Vector index
	VectorBackend    string // "qdrant" (default), "chromem" for single-host dev
	ChromemPath      string
	QdrantHost       string
	QdrantPort       int
	QdrantAPIKey     string
	QdrantCollection string

	// Object store
	ObjectStore    string // "fs" (default), "gcs"
	FileStorageDir string
	GCSBucket      string
	PDFTmpDir      string

	// Ingestion and retrieval
	IngestConcurrency  int
	PersistConcurrency int
	MaxChunkSize       int
	RetrievalTopK      int

	// Job runtime
	JobPollInterval  time.Duration
	JobLeaseDuration time.Duration
	JobRetention     time.Duration
	JanitorCron      string

	HighlightCacheTTL time.Duration
	RateLimitReqs     int
	RateLimitWindow   int
	MaxRequestSize    int64

	OTLPEndpoint string
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GinMode:     getEnv("GIN_MODE", "debug"),
		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:8080"), ","),
		ServiceName: getEnv("SERVICE_NAME", "pdfchat-platform"),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017/pdfchat"),
		DBName:   getEnv("DB_NAME", "pdfchat"),

		RedisURL:      getEnv("REDIS_URL", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AccessSecret: getEnv("ACCESS_SECRET", ""),

		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		GeminiModel:           getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiTier:            getEnv("GEMINI_TIER", "free"),
		GoogleEmbeddingsModel: getEnv("GOOGLE_EMBEDDINGS_MODEL", "text-embedding-004"),
		VectorDimensions:      getEnvInt("VECTOR_DIM", 768),

		VectorBackend:    getEnv("VECTOR_BACKEND", "qdrant"),
		ChromemPath:      getEnv("CHROMEM_PATH", "./storage/vectors"),
		QdrantHost:       getEnv("QDRANT_HOST", "localhost"),
		QdrantPort:       getEnvInt("QDRANT_PORT", 6334),
		QdrantAPIKey:     getEnv("QDRANT_API_KEY", ""),
		QdrantCollection: getEnv("QDRANT_COLLECTION", "pdf_chunks"),

		ObjectStore:    getEnv("OBJECT_STORE", "fs"),
		FileStorageDir: getEnv("FILE_STORAGE_DIR", "./storage"),
		GCSBucket:      getEnv("GCS_BUCKET", ""),
		PDFTmpDir:      getEnv("PDF_TMP_DIR", os.TempDir()),

		IngestConcurrency:  getEnvInt("INGEST_CONCURRENCY", 10),
		PersistConcurrency: getEnvInt("PERSIST_CONCURRENCY", 8),
		MaxChunkSize:       getEnvInt("MAX_CHUNK_SIZE", 1000),
		RetrievalTopK:      getEnvInt("RETRIEVAL_TOP_K", 4),

		JobPollInterval:  getEnvDuration("JOB_POLL_INTERVAL", 2*time.Second),
		JobLeaseDuration: getEnvDuration("JOB_LEASE_DURATION", 30*time.Second),
		JobRetention:     getEnvDuration("JOB_RETENTION", 7*24*time.Hour),
		JanitorCron:      getEnv("JANITOR_CRON", "*/30 * * * *"),

		HighlightCacheTTL: getEnvDuration("HIGHLIGHT_CACHE_TTL", 24*time.Hour),
		RateLimitReqs:     getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   getEnvInt("RATE_LIMIT_WINDOW", 60),
		MaxRequestSize:    getEnvInt64("MAX_REQUEST_SIZE", 1<<20),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	// Validate required fields
	if cfg.AccessSecret == "" {
		return nil, fmt.Errorf("ACCESS_SECRET is required - set it in .env file")
	}

	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required - set it in .env file")
	}

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required - set it in .env file")
	}

	switch cfg.VectorBackend {
	case "chromem", "qdrant":
	default:
		return nil, fmt.Errorf("VECTOR_BACKEND must be chromem or qdrant, got %q", cfg.VectorBackend)
	}

	switch cfg.ObjectStore {
	case "fs":
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCS_BUCKET is required when OBJECT_STORE=gcs")
		}
	default:
		return nil, fmt.Errorf("OBJECT_STORE must be fs or gcs, got %q", cfg.ObjectStore)
	}

	if cfg.IngestConcurrency < 1 {
		return nil, fmt.Errorf("INGEST_CONCURRENCY must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
