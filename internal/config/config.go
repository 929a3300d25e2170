/**
 * Configuration for the Visual Triage Worker
 *
 * Loads configuration from environment variables matching .env.triage
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
)

// Queue backends
const (
	QueueBackendRedis = "redis"
	QueueBackendAsynq = "asynq"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueBackend string
	QueueName    string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration (empty URL disables the feature index)
	QdrantURL        string
	QdrantCollection string

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout int // milliseconds

	// Tesseract configuration
	TesseractPath string

	// Temporary directory for decoded job payloads
	TempDir string

	// Remove discarded raster files once their decisions are stored
	DeleteDiscarded bool

	// Triage thresholds
	Triage TriageConfig
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	env := &envReader{}

	cfg := &Config{
		RedisURL:          env.str("REDIS_URL", "redis://nexus-redis:6379"),
		QueueBackend:      env.str("QUEUE_BACKEND", QueueBackendRedis),
		QueueName:         env.str("QUEUE_NAME", "triage:jobs"),
		DatabaseURL:       env.str("DATABASE_URL", ""),
		QdrantURL:         env.str("QDRANT_URL", ""),
		QdrantCollection:  env.str("QDRANT_COLLECTION", "triage_features"),
		WorkerConcurrency: env.integer("WORKER_CONCURRENCY", 4),
		ProcessingTimeout: env.integer("PROCESSING_TIMEOUT", 300000), // 5 minutes
		TesseractPath:     env.str("TESSERACT_PATH", "/usr/bin/tesseract"),
		TempDir:           env.str("TEMP_DIR", "/tmp/triage"),
		DeleteDiscarded:   env.boolean("DELETE_DISCARDED", false),
	}

	cfg.Triage = loadTriageConfig(env)

	if env.err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", env.err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadTriageConfig loads only the triage thresholds, for embedding the engine
// outside the worker
func LoadTriageConfig() (TriageConfig, error) {
	env := &envReader{}
	cfg := loadTriageConfig(env)
	if env.err != nil {
		return TriageConfig{}, env.err
	}
	if err := cfg.Validate(); err != nil {
		return TriageConfig{}, err
	}
	return cfg, nil
}

func loadTriageConfig(env *envReader) TriageConfig {
	d := DefaultTriageConfig()
	return TriageConfig{
		MinChars:                   env.integer("TRIAGE_MIN_CHARS", d.MinChars),
		MinDigits:                  env.integer("TRIAGE_MIN_DIGITS", d.MinDigits),
		MinWords:                   env.integer("TRIAGE_MIN_WORDS", d.MinWords),
		MinTextDensity:             env.float("TRIAGE_MIN_TEXT_DENSITY", d.MinTextDensity),
		MinDimension:               env.integer("TRIAGE_MIN_DIMENSION", d.MinDimension),
		MinArea:                    env.integer("TRIAGE_MIN_AREA", d.MinArea),
		CharsWithNumbersMultiplier: env.float("TRIAGE_CHARS_WITH_NUMBERS_MULTIPLIER", d.CharsWithNumbersMultiplier),
		RequireNumbers:             env.boolean("TRIAGE_REQUIRE_NUMBERS", d.RequireNumbers),
		IgnoreWords:                env.list("TRIAGE_IGNORE_WORDS", d.IgnoreWords),
		OCRLang:                    env.str("TRIAGE_OCR_LANG", d.OCRLang),
		ProximityMargin:            env.float("TRIAGE_PROXIMITY_MARGIN", d.ProximityMargin),
		MinChartWidth:              env.integer("TRIAGE_MIN_CHART_WIDTH", d.MinChartWidth),
		MinChartHeight:             env.integer("TRIAGE_MIN_CHART_HEIGHT", d.MinChartHeight),
		MinPageRatio:               env.float("TRIAGE_MIN_PAGE_RATIO", d.MinPageRatio),
		MinNearbyNumbers:           env.integer("TRIAGE_MIN_NEARBY_NUMBERS", d.MinNearbyNumbers),
		OCRNumberThreshold:         env.integer("TRIAGE_OCR_NUMBER_THRESHOLD", d.OCRNumberThreshold),
		Workers:                    env.integer("TRIAGE_WORKERS", d.Workers),
		OCRTimeout:                 time.Duration(env.integer("TRIAGE_OCR_TIMEOUT_MS", int(d.OCRTimeout/time.Millisecond))) * time.Millisecond,
	}
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return errors.NewConfigError("REDIS_URL", "is required", nil)
	}

	if c.DatabaseURL == "" {
		return errors.NewConfigError("DATABASE_URL", "is required", nil)
	}

	if c.QueueBackend != QueueBackendRedis && c.QueueBackend != QueueBackendAsynq {
		return errors.NewConfigError("QUEUE_BACKEND", fmt.Sprintf("must be %q or %q, got %q", QueueBackendRedis, QueueBackendAsynq, c.QueueBackend), nil)
	}

	if c.QueueName == "" {
		return errors.NewConfigError("QUEUE_NAME", "is required", nil)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return errors.NewConfigError("WORKER_CONCURRENCY", fmt.Sprintf("must be between 1 and 100, got %d", c.WorkerConcurrency), nil)
	}

	if c.ProcessingTimeout < 1000 {
		return errors.NewConfigError("PROCESSING_TIMEOUT", fmt.Sprintf("must be at least 1000ms, got %d", c.ProcessingTimeout), nil)
	}

	return c.Triage.Validate()
}

// ProcessingTimeoutDuration returns the per-job timeout
func (c *Config) ProcessingTimeoutDuration() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// envReader reads typed environment variables, keeping the first malformed
// value as a ConfigError instead of silently falling back to the default
type envReader struct {
	err error
}

func (r *envReader) fail(key, value, kind string, cause error) {
	if r.err == nil {
		r.err = errors.NewConfigError(key, fmt.Sprintf("invalid %s %q", kind, value), cause)
	}
}

// str gets environment variable or returns default
func (r *envReader) str(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// integer gets environment variable as int or returns default
func (r *envReader) integer(key string, defaultValue int) int {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		r.fail(key, valueStr, "integer", err)
		return defaultValue
	}

	return value
}

// float gets environment variable as float64 or returns default
func (r *envReader) float(key string, defaultValue float64) float64 {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		r.fail(key, valueStr, "number", err)
		return defaultValue
	}

	return value
}

// boolean gets environment variable as bool or returns default
func (r *envReader) boolean(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		r.fail(key, valueStr, "boolean", err)
		return defaultValue
	}

	return value
}

// list gets a comma separated environment variable or returns default
func (r *envReader) list(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if strings.TrimSpace(valueStr) == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
