/**
 * Triage Orchestrator - Filter then detect, per document
 *
 * Phase 1 runs the image value filter over every image on a bounded worker
 * pool. Phase 2 runs the composite detector over the kept images, reading
 * the filter's digit counts from a map that is complete before phase 2
 * starts. Results are written by index so output order equals input order.
 */

package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/visual-triage-worker/internal/config"
	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
	"github.com/adverant/nexus/visual-triage-worker/internal/logging"
)

// TriageResult holds every input image exactly once across Kept, Discarded
// and Skipped (images never dispatched because the run was cancelled)
type TriageResult struct {
	RunID      uuid.UUID             `json:"runId"`
	Kept       []*ImageRecord        `json:"kept"`
	Discarded  []*ImageRecord        `json:"discarded"`
	Skipped    []*ImageRecord        `json:"skipped"`
	Decisions  []Decision            `json:"decisions"`  // aligned with the input images
	Detections []DetectionResult     `json:"detections"` // aligned with Kept
	OCRMetrics map[string]OCRMetrics `json:"ocrMetrics"`
	Composites int                   `json:"composites"`
	Duration   time.Duration         `json:"duration"`
}

// Triager runs the filter and the detector over a document's images
type Triager struct {
	cfg      config.TriageConfig
	filter   *ImageFilter
	detector *CompositeDetector
	observer Observer
	logger   *logging.Logger
	workers  int
}

type triagerOptions struct {
	observer Observer
	logger   *logging.Logger
	loader   ImageLoader
	workers  int
}

// TriagerOption configures a Triager
type TriagerOption func(*triagerOptions)

// WithTriageObserver sets the observer shared by the filter and the detector
func WithTriageObserver(o Observer) TriagerOption {
	return func(opts *triagerOptions) { opts.observer = o }
}

// WithTriageLogger sets the logger for run summaries
func WithTriageLogger(l *logging.Logger) TriagerOption {
	return func(opts *triagerOptions) { opts.logger = l }
}

// WithTriageImageLoader overrides how the filter reads raster bytes
func WithTriageImageLoader(load ImageLoader) TriagerOption {
	return func(opts *triagerOptions) { opts.loader = load }
}

// WithWorkers overrides the pool size from the config
func WithWorkers(n int) TriagerOption {
	return func(opts *triagerOptions) { opts.workers = n }
}

// NewTriager builds the filter and detector from one config and OCR capability
func NewTriager(cfg config.TriageConfig, ocr OCRAnalyzer, opts ...TriagerOption) (*Triager, error) {
	o := triagerOptions{
		observer: NopObserver{},
		logger:   logging.NewLogger("Triage"),
		workers:  cfg.Workers,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.observer == nil {
		o.observer = NopObserver{}
	}
	if o.workers < 1 {
		return nil, errors.NewConfigError("TRIAGE_WORKERS", fmt.Sprintf("must be >= 1, got %d", o.workers), nil)
	}

	filter, err := NewImageFilter(cfg, ocr, WithObserver(o.observer), WithImageLoader(o.loader))
	if err != nil {
		return nil, fmt.Errorf("failed to create image filter: %w", err)
	}

	detector, err := NewCompositeDetector(cfg, WithDetectorObserver(o.observer))
	if err != nil {
		return nil, fmt.Errorf("failed to create composite detector: %w", err)
	}

	return &Triager{
		cfg:      cfg,
		filter:   filter,
		detector: detector,
		observer: o.observer,
		logger:   o.logger,
		workers:  o.workers,
	}, nil
}

// WithObserver returns a triager sharing this one's configuration and OCR
// but reporting to o. The receiver is not modified.
func (t *Triager) WithObserver(o Observer) *Triager {
	if o == nil {
		o = NopObserver{}
	}
	filter := *t.filter
	filter.observer = o
	detector := *t.detector
	detector.observer = o

	clone := *t
	clone.filter = &filter
	clone.detector = &detector
	clone.observer = o
	return &clone
}

// Triage filters every image and enriches the kept ones. When ctx is
// cancelled no new work is dispatched; in-flight OCR calls run to completion
// or to their own timeout, and the partial result is returned together with
// a TRIAGE_CANCELLED error.
//
// Filenames key the OCR metrics and digit counts, so they must be unique.
func (t *Triager) Triage(ctx context.Context, images []*ImageRecord, pages []PageLayout) (*TriageResult, error) {
	start := time.Now()

	seen := make(map[string]struct{}, len(images))
	for _, img := range images {
		if _, dup := seen[img.Filename]; dup {
			return nil, errors.NewInvalidPayloadError("", fmt.Sprintf("duplicate image filename %q", img.Filename))
		}
		seen[img.Filename] = struct{}{}
	}

	result := &TriageResult{
		RunID:      uuid.New(),
		Decisions:  make([]Decision, len(images)),
		OCRMetrics: make(map[string]OCRMetrics, len(images)),
	}

	// In-flight OCR is bounded by the per-call timeout, not by the caller
	workCtx := context.WithoutCancel(ctx)

	// Phase 1: filter
	filtered := t.runPool(ctx, len(images), func(i int) {
		img := images[i]
		defer func() {
			if r := recover(); r != nil {
				d := t.filter.ocrFailure(img, fmt.Errorf("filter panicked: %v", r))
				t.observer.OnDecision(img, d.Keep, d.Reason)
				result.Decisions[i] = d
			}
		}()
		result.Decisions[i] = t.filter.Evaluate(workCtx, img)
	})

	pending := 0
	for i := range images {
		if filtered[i] {
			continue
		}
		pending++
		d := Decision{
			Filename: images[i].Filename,
			Stage:    StageCancelled,
			Reason:   "not dispatched: triage cancelled",
			Err:      ctx.Err(),
		}
		t.observer.OnDecision(images[i], false, d.Reason)
		result.Decisions[i] = d
	}

	// The digit map is complete and read-only from here on
	ocrDigits := make(map[string]int, len(images))
	for i, img := range images {
		d := result.Decisions[i]
		switch {
		case d.Stage == StageCancelled:
			result.Skipped = append(result.Skipped, img)
		case d.Keep:
			result.Kept = append(result.Kept, img)
		default:
			result.Discarded = append(result.Discarded, img)
		}
		if d.Stage == StageContent || d.Stage == StageOCRFailure {
			result.OCRMetrics[img.Filename] = d.Metrics
			ocrDigits[img.Filename] = d.Metrics.DigitCount
		}
	}

	// Phase 2: detect
	resolver := NewBBoxResolver(pages, images)
	kept := result.Kept
	result.Detections = make([]DetectionResult, len(kept))

	detected := t.runPool(ctx, len(kept), func(i int) {
		img := kept[i]
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("detector panicked: %v", r)
				t.observer.OnAnomaly(img, err)
				result.Detections[i] = DetectionResult{Filename: img.Filename, Skipped: true, Err: err}
			}
		}()
		result.Detections[i] = t.detector.EnrichImage(img, resolver, ocrDigits[img.Filename])
	})

	for i := range kept {
		if !detected[i] {
			pending++
			result.Detections[i] = DetectionResult{Filename: kept[i].Filename, Skipped: true, Err: ctx.Err()}
		}
	}

	for _, det := range result.Detections {
		if det.IsComposite {
			result.Composites++
		}
	}

	result.Duration = time.Since(start)

	t.logger.Info("Triage completed",
		"runId", result.RunID,
		"images", len(images),
		"kept", len(result.Kept),
		"discarded", len(result.Discarded),
		"skipped", len(result.Skipped),
		"composites", result.Composites,
		"duration", result.Duration)

	if pending > 0 {
		return result, errors.NewTriageCancelledError(pending, ctx.Err())
	}
	return result, nil
}

// TriagePage triages the images of a single page against that page's text
// blocks. blocks, when non-nil, replace page.TextBlocks.
func (t *Triager) TriagePage(ctx context.Context, images []*ImageRecord, blocks []TextBlock, page PageLayout) (*TriageResult, error) {
	if blocks != nil {
		page.TextBlocks = blocks
	}
	return t.Triage(ctx, images, []PageLayout{page})
}

// runPool runs work(0..n-1) on at most t.workers goroutines and reports
// which items ran. Dispatch is in index order and stops once ctx is done; an
// item whose slot frees up only after cancellation does not run either.
func (t *Triager) runPool(ctx context.Context, n int, work func(i int)) []bool {
	ran := make([]bool, n)

	var g errgroup.Group
	g.SetLimit(t.workers)

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ran[i] = true
			work(i)
			return nil
		})
	}

	_ = g.Wait()
	return ran
}
