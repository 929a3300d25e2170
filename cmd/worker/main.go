/**
 * Visual Triage Worker - Main Entry Point
 *
 * Go worker that triages the raster images extracted from a document before
 * they reach expensive vision analysis.
 *
 * Architecture:
 * - Redis LIST (or asynq) consumer for the triage job queue
 * - Image value filter: dimension gate, Tesseract OCR, decision matrix
 * - Composite chart detector: correlates image boxes with page text
 * - PostgreSQL persistence for runs and per-image decisions
 * - Optional Qdrant index of decision feature vectors
 * - Per-image events streamed on <queue>:events
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/visual-triage-worker/internal/config"
	"github.com/adverant/nexus/visual-triage-worker/internal/logging"
	"github.com/adverant/nexus/visual-triage-worker/internal/processor"
	"github.com/adverant/nexus/visual-triage-worker/internal/queue"
	"github.com/adverant/nexus/visual-triage-worker/internal/storage"
)

// stopper is what main needs from either consumer backend
type stopper interface {
	Stop() error
}

type asynqStopper struct{ c *queue.Consumer }

func (s asynqStopper) Stop() error { return s.c.Stop(context.Background()) }

func main() {
	if err := godotenv.Load(".env.triage"); err != nil {
		log.Printf("Warning: .env.triage not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewLogger("TriageWorker")

	log.Printf("Visual Triage Worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Queue=%s (%s), Qdrant=%q, Workers=%d",
		cfg.RedisURL, cfg.QueueName, cfg.QueueBackend, cfg.QdrantURL, cfg.WorkerConcurrency)
	logger.Info("Triage thresholds", cfg.Triage.Summary()...)

	// Storage: PostgreSQL always, Qdrant when QDRANT_URL is set
	log.Printf("Connecting to storage...")
	storageManager, err := storage.NewStorageManager(cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}
	log.Printf("Storage manager initialized (feature index enabled=%v)", storageManager.FeatureIndexEnabled())

	// Events go through their own connection so both backends can publish
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse Redis URL: %v", err)
	}
	eventClient := redis.NewClient(redisOpt)
	events := queue.NewEventPublisher(eventClient, cfg.QueueName, 0)

	proc, err := processor.NewTriageProcessor(&processor.ProcessorConfig{
		Triage:          cfg.Triage,
		TesseractPath:   cfg.TesseractPath,
		TempDir:         cfg.TempDir,
		DeleteDiscarded: cfg.DeleteDiscarded,
		Store:           storageManager,
		Observer:        processor.NewLogObserver(logger.Named("Triage")),
		JobObserver:     events.ObserverFactory(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize triage processor: %v", err)
	}
	log.Printf("Triage processor initialized (OCR languages=%s)", cfg.Triage.OCRLang)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var consumer stopper
	switch cfg.QueueBackend {
	case config.QueueBackendAsynq:
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
			Events:            events,
		})
		if err != nil {
			log.Fatalf("Failed to initialize asynq consumer: %v", err)
		}
		if err := c.Start(ctx); err != nil {
			log.Fatalf("Failed to start asynq consumer: %v", err)
		}
		logger.Info("Asynq consumer started", "stats", c.GetStatistics())
		consumer = asynqStopper{c}

	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
			Events:            events,
		})
		if err != nil {
			log.Fatalf("Failed to initialize queue consumer: %v", err)
		}
		if err := c.Start(); err != nil {
			log.Fatalf("Failed to start queue consumer: %v", err)
		}
		go logQueueStats(ctx, c, storageManager, logger)
		consumer = c
	}

	log.Printf("===========================================")
	log.Printf("Visual Triage Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s (%s)", cfg.QueueName, cfg.QueueBackend)
	log.Printf("Workers: %d jobs, %d images per job", cfg.WorkerConcurrency, cfg.Triage.Workers)
	log.Printf("Job timeout: %v, OCR timeout: %v", cfg.ProcessingTimeoutDuration(), cfg.Triage.OCRTimeout)
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	cancel()

	if err := consumer.Stop(); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	} else {
		log.Printf("Queue consumer stopped successfully")
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	if err := events.Close(flushCtx); err != nil {
		log.Printf("Event publisher did not flush: %v", err)
	}
	cancelFlush()
	if dropped := events.Dropped(); dropped > 0 {
		log.Printf("Event publisher dropped %d events", dropped)
	}

	if err := eventClient.Close(); err != nil {
		log.Printf("Error closing event publisher: %v", err)
	}

	if err := storageManager.Close(); err != nil {
		log.Printf("Error closing storage manager: %v", err)
	} else {
		log.Printf("Storage manager closed")
	}

	log.Printf("Shutdown complete")
}

// logQueueStats reports queue depth and storage health once a minute
func logQueueStats(ctx context.Context, c *queue.RedisConsumer, sm *storage.StorageManager, logger *logging.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			queueStats, err := c.GetStats(statsCtx)
			if err != nil {
				logger.Warn("Queue stats unavailable", "error", err)
			} else {
				logger.Info("Queue stats",
					"waiting", queueStats["waiting"],
					"processing", queueStats["processing"],
					"completed", queueStats["completed"],
					"failed", queueStats["failed"])
			}
			if err := sm.Ping(statsCtx); err != nil {
				logger.Warn("Storage health check failed", "error", err)
			} else if stats, err := sm.GetStats(statsCtx); err == nil {
				logger.Debug("Storage stats", "stats", stats)
			}
			cancel()
		}
	}
}
