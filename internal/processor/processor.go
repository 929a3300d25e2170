/**
 * Triage Processor for the Visual Triage Worker
 *
 * Turns one queued document job into a triage run:
 * - Spools in-memory rasters to the temp dir so kept images have a path
 * - Decodes pixel dimensions the extractor did not report
 * - Filters and enriches the images (Triager)
 * - Persists every decision and its feature vector
 * - Optionally deletes discarded rasters
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adverant/nexus/visual-triage-worker/internal/config"
	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
	"github.com/adverant/nexus/visual-triage-worker/internal/geometry"
	"github.com/adverant/nexus/visual-triage-worker/internal/storage"
)

// Job statuses written to the job table
const (
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusCancelled  = "cancelled"
	JobStatusFailed     = "failed"
)

// TriageProcessorInterface is what the queue consumers depend on
type TriageProcessorInterface interface {
	ProcessJob(ctx context.Context, job *TriageJob) (*JobResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// ResultStore persists triage runs and job status
type ResultStore interface {
	StoreTriageResult(ctx context.Context, input *storage.TriageRunInput) (*storage.TriageRunOutput, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Triage          config.TriageConfig
	TesseractPath   string
	TempDir         string
	DeleteDiscarded bool
	Store           ResultStore
	OCR             OCRAnalyzer // defaults to Tesseract
	Observer        Observer

	// JobObserver, when set, adds a per-job observer next to Observer
	JobObserver func(jobID string) Observer
}

// TriageJob is one document's extracted layout and images
type TriageJob struct {
	JobID        string
	DocumentName string
	Pages        []PageLayout
	Images       []*ImageRecord
	Metadata     map[string]interface{}
}

// JobResult summarizes a processed job
type JobResult struct {
	RunID            string
	KeptImages       []*ImageRecord
	Kept             int
	Discarded        int
	Skipped          int
	Composites       int
	DeletedFiles     int
	IndexedVectors   int
	ProcessingTimeMs int64
}

// TriageProcessor handles triage jobs
type TriageProcessor struct {
	config  *ProcessorConfig
	store   ResultStore
	triager *Triager
}

// NewTriageProcessor creates a new triage processor
func NewTriageProcessor(cfg *ProcessorConfig) (*TriageProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}

	ocr := cfg.OCR
	if ocr == nil {
		tesseract, err := NewTesseractOCR(&TesseractConfig{
			TesseractPath: cfg.TesseractPath,
			Languages:     cfg.Triage.Languages(),
			IgnoreWords:   cfg.Triage.IgnoreSet(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Tesseract: %w", err)
		}
		ocr = tesseract
		log.Printf("Tesseract OCR ready: languages=%s", cfg.Triage.OCRLang)
	}

	triager, err := NewTriager(cfg.Triage, ocr, WithTriageObserver(cfg.Observer))
	if err != nil {
		return nil, fmt.Errorf("failed to create triager: %w", err)
	}

	if cfg.TempDir != "" {
		if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create temp dir %s: %w", cfg.TempDir, err)
		}
	}

	return &TriageProcessor{
		config:  cfg,
		store:   cfg.Store,
		triager: triager,
	}, nil
}

// ProcessJob triages a job's images and stores the decisions. A cancelled
// run is stored as such and returned with its TRIAGE_CANCELLED error.
func (p *TriageProcessor) ProcessJob(ctx context.Context, job *TriageJob) (*JobResult, error) {
	if job == nil || job.JobID == "" {
		return nil, errors.NewInvalidPayloadError("", "job ID is required")
	}

	start := time.Now()
	log.Printf("[Job %s] Starting triage: document=%s, pages=%d, images=%d",
		job.JobID, job.DocumentName, len(job.Pages), len(job.Images))

	// Step 1: spool in-memory rasters so downstream stages can read kept images
	if err := p.spoolImages(job); err != nil {
		return nil, err
	}

	// Step 2: fill missing pixel dimensions from raster headers
	for _, img := range job.Images {
		if err := EnsureDimensions(img, LoadImageData); err != nil {
			log.Printf("[Job %s] WARNING: could not decode dimensions of %s: %v", job.JobID, img.Filename, err)
		}
	}

	// Step 3: triage
	triager := p.triager
	if p.config.JobObserver != nil {
		observers := MultiObserver{p.config.JobObserver(job.JobID)}
		if p.config.Observer != nil {
			observers = MultiObserver{p.config.Observer, observers[0]}
		}
		triager = triager.WithObserver(observers)
	}

	result, triageErr := triager.Triage(ctx, job.Images, job.Pages)
	if triageErr != nil && !errors.IsCode(triageErr, errors.ErrorTriageCancelled) {
		return nil, fmt.Errorf("triage failed: %w", triageErr)
	}
	log.Printf("[Job %s] Triage complete: kept=%d, discarded=%d, skipped=%d, composites=%d",
		job.JobID, len(result.Kept), len(result.Discarded), len(result.Skipped), result.Composites)

	// Step 4: persist the run
	status := JobStatusCompleted
	if triageErr != nil {
		status = JobStatusCancelled
	}

	// Storage must not inherit a cancelled context, or a cancelled run
	// could never be recorded
	storeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
	}

	stored, err := p.store.StoreTriageResult(storeCtx, p.buildRunInput(job, result, status, triageErr))
	if err != nil {
		return nil, errors.NewStorageFailedError(job.JobID, err)
	}
	log.Printf("[Job %s] Decisions stored: runId=%s, decisions=%d, vectors=%d",
		job.JobID, stored.RunID, len(stored.DecisionIDs), stored.IndexedVectors)

	// Step 5: discarded raster cleanup
	deleted := 0
	if p.config.DeleteDiscarded {
		deleted = p.deleteDiscarded(job.JobID, result.Discarded)
	}

	jobResult := &JobResult{
		RunID:            stored.RunID,
		KeptImages:       result.Kept,
		Kept:             len(result.Kept),
		Discarded:        len(result.Discarded),
		Skipped:          len(result.Skipped),
		Composites:       result.Composites,
		DeletedFiles:     deleted,
		IndexedVectors:   stored.IndexedVectors,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}

	log.Printf("[Job %s] Triage pipeline complete: runId=%s, %dms", job.JobID, jobResult.RunID, jobResult.ProcessingTimeMs)

	return jobResult, triageErr
}

// UpdateJobStatus updates job status in database
func (p *TriageProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		if v, ok := metadata["documentName"].(string); ok {
			update.DocumentName = v
		}
		if v, ok := metadata["runId"].(string); ok {
			update.RunID = v
		}
		if v, ok := metadata["kept"].(int); ok {
			update.KeptCount = v
		}
		if v, ok := metadata["discarded"].(int); ok {
			update.DiscardedCount = v
		}
		if v, ok := metadata["composites"].(int); ok {
			update.CompositeCount = v
		}
		if v, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = v
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			update.ErrorCode = "PROCESSING_ERROR"
			if code, ok := metadata["errorCode"].(string); ok {
				update.ErrorCode = code
			}
			update.ErrorMessage = errorMsg
		}
		update.Metadata["progress"] = progress
	}

	return p.store.UpdateJobStatus(ctx, update)
}

// spoolImages writes images that only carry bytes into TempDir/<jobID>
func (p *TriageProcessor) spoolImages(job *TriageJob) error {
	if p.config.TempDir == "" {
		return nil
	}

	dir := filepath.Join(p.config.TempDir, safeName(job.JobID))
	created := false

	for i, img := range job.Images {
		if img.Path != "" || len(img.Data) == 0 {
			continue
		}

		if !created {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create job dir: %w", err)
			}
			created = true
		}

		// Filenames may share a basename across directories
		path := filepath.Join(dir, fmt.Sprintf("%04d_%s", i, safeName(img.Filename)))
		if err := os.WriteFile(path, img.Data, 0o644); err != nil {
			return fmt.Errorf("failed to spool %s: %w", img.Filename, err)
		}
		img.Path = path
	}

	return nil
}

// deleteDiscarded removes discarded rasters from disk; failures are logged
func (p *TriageProcessor) deleteDiscarded(jobID string, discarded []*ImageRecord) int {
	deleted := 0
	for _, img := range discarded {
		if img.Path == "" {
			continue
		}
		if err := os.Remove(img.Path); err != nil {
			if !stderrors.Is(err, os.ErrNotExist) {
				log.Printf("[Job %s] WARNING: failed to delete discarded image %s: %v", jobID, img.Path, err)
			}
			continue
		}
		deleted++
	}
	log.Printf("[Job %s] Deleted %d discarded images", jobID, deleted)
	return deleted
}

func (p *TriageProcessor) buildRunInput(job *TriageJob, result *TriageResult, status string, triageErr error) *storage.TriageRunInput {
	cfg := p.config.Triage

	run := &storage.RunRecord{
		RunID:          result.RunID.String(),
		JobID:          job.JobID,
		DocumentName:   job.DocumentName,
		Status:         status,
		ImageCount:     len(job.Images),
		KeptCount:      len(result.Kept),
		DiscardedCount: len(result.Discarded),
		SkippedCount:   len(result.Skipped),
		CompositeCount: result.Composites,
		DurationMs:     result.Duration.Milliseconds(),
		IgnoreWords:    cfg.IgnoreWords,
		Thresholds:     thresholdsMap(cfg),
	}
	if te, ok := triageErr.(*errors.TriageError); ok {
		run.ErrorCode = string(te.Code)
		run.ErrorMessage = te.Message
	}

	detections := make(map[*ImageRecord]DetectionResult, len(result.Kept))
	for i, img := range result.Kept {
		detections[img] = result.Detections[i]
	}

	decisions := make([]*storage.DecisionRecord, 0, len(job.Images))
	for i, img := range job.Images {
		d := result.Decisions[i]
		rec := &storage.DecisionRecord{
			Filename:        img.Filename,
			Page:            img.Page,
			Keep:            d.Keep,
			Stage:           string(d.Stage),
			Reason:          d.Reason,
			Width:           img.Width,
			Height:          img.Height,
			CharCount:       d.Metrics.CharCount,
			DigitCount:      d.Metrics.DigitCount,
			WordCount:       d.Metrics.WordCount,
			UsefulWordCount: d.Metrics.UsefulWordCount,
			OCRConfidence:   d.Metrics.ConfidenceScore,
			IsComposite:     img.IsComposite,
			Confidence:      img.Confidence,
			ContextText:     img.ContextText,
		}
		if img.BBox != nil {
			rec.BBox = img.BBox.Slice()
		}
		if te, ok := d.Err.(*errors.TriageError); ok {
			rec.ErrorCode = string(te.Code)
		}
		if det, ok := detections[img]; ok {
			rec.Resolution = string(det.Resolution)
			if te, ok := det.Err.(*errors.TriageError); ok {
				rec.ErrorCode = string(te.Code)
			}
		}
		if d.Stage == StageContent {
			rec.Features = TriageFeatures(img, d.Metrics)
		}
		decisions = append(decisions, rec)
	}

	return &storage.TriageRunInput{Run: run, Decisions: decisions}
}

// TriageFeatures builds the feature vector indexed for an OCR'd image
func TriageFeatures(img *ImageRecord, m OCRMetrics) []float32 {
	area := img.Width * img.Height
	aspect := 0.0
	if img.Width > 0 && img.Height > 0 {
		aspect = float64(max(img.Width, img.Height)) / float64(min(img.Width, img.Height))
	}

	features := []float64{
		textDensity(m.CharCount, area),
		float64(m.DigitCount),
		float64(m.UsefulWordCount),
		float64(m.WordCount),
		m.ConfidenceScore / 100,
		aspect,
		math.Log10(float64(max(area, 1))),
		img.Confidence,
	}

	out := make([]float32, len(features))
	for i, f := range features {
		out[i] = float32(f)
	}
	return out
}

func thresholdsMap(cfg config.TriageConfig) map[string]interface{} {
	return map[string]interface{}{
		"minChars":                   cfg.MinChars,
		"minDigits":                  cfg.MinDigits,
		"minWords":                   cfg.MinWords,
		"minTextDensity":             cfg.MinTextDensity,
		"minDimension":               cfg.MinDimension,
		"minArea":                    cfg.MinArea,
		"charsWithNumbersMultiplier": cfg.CharsWithNumbersMultiplier,
		"requireNumbers":             cfg.RequireNumbers,
		"ocrLang":                    cfg.OCRLang,
		"proximityMargin":            cfg.ProximityMargin,
		"minChartWidth":              cfg.MinChartWidth,
		"minChartHeight":             cfg.MinChartHeight,
		"minPageRatio":               cfg.MinPageRatio,
		"minNearbyNumbers":           cfg.MinNearbyNumbers,
		"ocrNumberThreshold":         cfg.OCRNumberThreshold,
	}
}

// safeName keeps job IDs and filenames from escaping the temp dir
func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "unnamed"
	}
	return name
}

// BBoxFromSlice converts an extractor's [x0, y0, x1, y1] list. An empty list
// means the position is unknown. Coordinates are not validated here: the
// detector reports malformed boxes per image instead of failing the job.
func BBoxFromSlice(coords []float64) (*geometry.Rect, error) {
	if len(coords) == 0 {
		return nil, nil
	}
	if len(coords) != 4 {
		return nil, errors.NewGeometryError("", fmt.Sprintf("bbox needs 4 coordinates, got %d", len(coords)))
	}
	r := geometry.NewRect(coords[0], coords[1], coords[2], coords[3])
	return &r, nil
}
