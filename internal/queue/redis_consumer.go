/**
 * Direct Redis Queue Consumer for the Visual Triage Worker
 *
 * Compatible with the TypeScript RedisQueue implementation: job IDs are
 * pushed on a LIST, job bodies live in the <queue>:data hash and progress is
 * tracked in the :processing, :completed and :failed sets.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/visual-triage-worker/internal/processor"
)

const defaultMaxRetries = 3

var errNoJobs = fmt.Errorf("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client *redis.Client
	runner *jobRunner
	config *RedisConsumerConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.TriageProcessorInterface
	ProcessingTimeout int64 // milliseconds (default: 300000 = 5 minutes)
	Events            *EventPublisher
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "triage:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client: client,
		runner: newJobRunner(cfg.Processor, cfg.ProcessingTimeout, cfg.Events),
		config: cfg,
		ctx:    consumerCtx,
		cancel: cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	log.Printf("Starting Redis queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	log.Println("Queue consumer started successfully")
	return nil
}

// Stop gracefully stops the consumer. In-flight triage runs see their
// context cancelled, store what they finished and are re-queued.
func (c *RedisConsumer) Stop() error {
	log.Println("Stopping queue consumer...")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log.Printf("Worker %d started", id)

	for {
		select {
		case <-c.ctx.Done():
			log.Printf("Worker %d stopping", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if err != errNoJobs && c.ctx.Err() == nil {
					log.Printf("Worker %d error: %v", id, err)
				}
				if err != errNoJobs {
					time.Sleep(1 * time.Second)
				}
			}
		}
	}
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	// Block for up to 5 seconds waiting for a job
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	queueJobID := result[1]

	raw, err := c.client.HGet(c.ctx, c.key("data"), queueJobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.markFailed(queueJobID, map[string]interface{}{"error": err.Error()})
		c.config.Events.EmitJob(queueJobID, processor.JobStatusFailed, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", queueJobID, err)
	}
	if job.ID == "" {
		job.ID = queueJobID
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = defaultMaxRetries
	}

	c.markProcessing(job.ID)

	jobResult, err := c.runner.run(c.ctx, &job.Payload)

	switch {
	case err == nil:
		c.markCompleted(job.ID, job.Payload.JobID, jobResult)

	case c.ctx.Err() != nil:
		// Shutdown: hand the job back without spending an attempt
		c.requeue(&job)
		log.Printf("[Job %s] Re-queued after shutdown", job.Payload.JobID)

	case retryable(err) && job.Attempts+1 < job.MaxRetries:
		job.Attempts++
		c.requeue(&job)
		log.Printf("[Job %s] Re-queued for retry (attempt %d/%d)", job.Payload.JobID, job.Attempts, job.MaxRetries)

	default:
		job.Attempts++
		c.markFailed(job.ID, map[string]interface{}{
			"jobId":    job.Payload.JobID,
			"error":    err.Error(),
			"attempts": job.Attempts,
		})
		log.Printf("[Job %s] Failed permanently: %v", job.Payload.JobID, err)
	}

	return nil
}

// Queue bookkeeping writes use a context that survives shutdown
func (c *RedisConsumer) bookkeepingCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.ctx), 5*time.Second)
}

func (c *RedisConsumer) requeue(job *RedisJobData) {
	ctx, cancel := c.bookkeepingCtx()
	defer cancel()

	updated, err := json.Marshal(job)
	if err != nil {
		log.Printf("[Job %s] ERROR: failed to encode job for re-queue: %v", job.Payload.JobID, err)
		return
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.key("data"), job.ID, updated)
	pipe.SRem(ctx, c.key("processing"), job.ID)
	pipe.LPush(ctx, c.config.QueueName, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[Job %s] ERROR: failed to re-queue: %v", job.Payload.JobID, err)
	}
}

func (c *RedisConsumer) markProcessing(queueJobID string) {
	ctx, cancel := c.bookkeepingCtx()
	defer cancel()

	if err := c.client.SAdd(ctx, c.key("processing"), queueJobID).Err(); err != nil {
		log.Printf("WARNING: failed to mark %s as processing in Redis: %v", queueJobID, err)
	}
}

func (c *RedisConsumer) markCompleted(queueJobID, jobID string, result *processor.JobResult) {
	ctx, cancel := c.bookkeepingCtx()
	defer cancel()

	summary := map[string]interface{}{
		"runId":            result.RunID,
		"kept":             result.Kept,
		"discarded":        result.Discarded,
		"skipped":          result.Skipped,
		"composites":       result.Composites,
		"processingTimeMs": result.ProcessingTimeMs,
	}

	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, c.key("processing"), queueJobID)
	pipe.SAdd(ctx, c.key("completed"), queueJobID)
	if data, err := json.Marshal(summary); err == nil {
		pipe.HSet(ctx, c.key("results"), queueJobID, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[Job %s] WARNING: failed to record completion in Redis: %v", jobID, err)
	}

	log.Printf("[Job %s] Completed successfully", jobID)
}

func (c *RedisConsumer) markFailed(queueJobID string, details map[string]interface{}) {
	ctx, cancel := c.bookkeepingCtx()
	defer cancel()

	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, c.key("processing"), queueJobID)
	pipe.SAdd(ctx, c.key("failed"), queueJobID)
	if data, err := json.Marshal(details); err == nil {
		pipe.HSet(ctx, c.key("errors"), queueJobID, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("WARNING: failed to record failure of %s in Redis: %v", queueJobID, err)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
