package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
	"github.com/adverant/nexus/visual-triage-worker/internal/processor"
)

// DefaultProcessingTimeout bounds one job when the consumer config sets none
const DefaultProcessingTimeout = 5 * time.Minute

// jobRunner runs one payload through the processor under the job timeout
// and records the outcome in the job table. Both consumers share it.
// Status changes are also announced as job:<status> events when events is set.
type jobRunner struct {
	processor processor.TriageProcessorInterface
	timeout   time.Duration
	events    *EventPublisher
}

func newJobRunner(p processor.TriageProcessorInterface, timeoutMs int64, events *EventPublisher) *jobRunner {
	timeout := DefaultProcessingTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	return &jobRunner{processor: p, timeout: timeout, events: events}
}

// run returns the processor's result even on error when a partial run was
// stored. ctx is the consumer's context: its cancellation means shutdown.
func (r *jobRunner) run(ctx context.Context, payload *JobPayload) (*processor.JobResult, error) {
	start := time.Now()

	// Status writes must land even while the worker shuts down
	statusCtx := context.WithoutCancel(ctx)

	job, err := payload.ToTriageJob()
	if err != nil {
		log.Printf("[Job %s] Rejecting invalid payload: %v", payload.JobID, err)
		if payload.JobID != "" {
			r.markFailed(statusCtx, payload.JobID, err, time.Since(start))
		}
		return nil, err
	}

	log.Printf("[Job %s] Processing document: name=%s, pages=%d, images=%d",
		job.JobID, job.DocumentName, len(job.Pages), len(job.Images))

	if err := r.processor.UpdateJobStatus(statusCtx, job.JobID, processor.JobStatusProcessing, 0, map[string]interface{}{
		"documentName": job.DocumentName,
		"images":       len(job.Images),
	}); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to processing: %v", job.JobID, err)
	}
	r.events.EmitJob(job.JobID, processor.JobStatusProcessing, map[string]interface{}{"images": len(job.Images)})

	log.Printf("[Job %s] Processing timeout set to: %v", job.JobID, r.timeout)

	processCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.processor.ProcessJob(processCtx, job)
	duration := time.Since(start)

	switch {
	case err == nil:
		log.Printf("[Job %s] Processing completed successfully in %v: kept=%d, discarded=%d, composites=%d",
			job.JobID, duration, result.Kept, result.Discarded, result.Composites)
		metadata := resultMetadata(job, result, duration)
		if updateErr := r.processor.UpdateJobStatus(statusCtx, job.JobID, processor.JobStatusCompleted, 100, metadata); updateErr != nil {
			log.Printf("[Job %s] Warning: Failed to update status to completed: %v", job.JobID, updateErr)
		}
		r.events.EmitJob(job.JobID, processor.JobStatusCompleted, metadata)
		return result, nil

	case ctx.Err() != nil:
		log.Printf("[Job %s] Processing interrupted by shutdown after %v", job.JobID, duration)
		metadata := resultMetadata(job, result, duration)
		if updateErr := r.processor.UpdateJobStatus(statusCtx, job.JobID, processor.JobStatusCancelled, 0, metadata); updateErr != nil {
			log.Printf("[Job %s] Warning: Failed to update status to cancelled: %v", job.JobID, updateErr)
		}
		r.events.EmitJob(job.JobID, processor.JobStatusCancelled, metadata)
		return result, err

	case stderrors.Is(processCtx.Err(), context.DeadlineExceeded):
		log.Printf("[Job %s] Processing timed out after %v (timeout: %v)", job.JobID, duration, r.timeout)
		timeoutErr := errors.NewProcessingTimeoutError(job.JobID, r.timeout, err)
		r.markFailed(statusCtx, job.JobID, timeoutErr, duration)
		return result, fmt.Errorf("processing timeout: %w", timeoutErr)

	default:
		log.Printf("[Job %s] Processing failed after %v: %v", job.JobID, duration, err)
		r.markFailed(statusCtx, job.JobID, err, duration)
		return result, fmt.Errorf("triage failed: %w", err)
	}
}

func (r *jobRunner) markFailed(ctx context.Context, jobID string, err error, duration time.Duration) {
	metadata := failureMetadata(err, duration)
	if updateErr := r.processor.UpdateJobStatus(ctx, jobID, processor.JobStatusFailed, 100, metadata); updateErr != nil {
		log.Printf("[Job %s] Warning: Failed to update status to failed: %v", jobID, updateErr)
	}
	r.events.EmitJob(jobID, processor.JobStatusFailed, map[string]interface{}{
		"error":     metadata["error"],
		"errorCode": metadata["errorCode"],
	})
}

func resultMetadata(job *processor.TriageJob, result *processor.JobResult, duration time.Duration) map[string]interface{} {
	metadata := map[string]interface{}{
		"documentName":   job.DocumentName,
		"processingTime": duration.Milliseconds(),
	}
	if result != nil {
		metadata["runId"] = result.RunID
		metadata["kept"] = result.Kept
		metadata["discarded"] = result.Discarded
		metadata["skipped"] = result.Skipped
		metadata["composites"] = result.Composites
		metadata["indexedVectors"] = result.IndexedVectors
		metadata["deletedFiles"] = result.DeletedFiles
	}
	return metadata
}

func failureMetadata(err error, duration time.Duration) map[string]interface{} {
	metadata := map[string]interface{}{
		"error":          err.Error(),
		"errorCode":      "PROCESSING_ERROR",
		"processingTime": duration.Milliseconds(),
	}
	var te *errors.TriageError
	if stderrors.As(err, &te) {
		metadata["errorCode"] = string(te.Code)
		metadata["details"] = te.ToMap()
	}
	return metadata
}

// retryable reports whether a failed job can succeed on another attempt
func retryable(err error) bool {
	return !errors.IsCode(err, errors.ErrorInvalidPayload)
}
