/**
 * Image Value Filter - Discards decorative images before expensive analysis
 *
 * Cheap dimension checks run first; only images that pass them are OCR'd.
 * The OCR metrics then go through a three-signal decision matrix (numbers,
 * useful words, text density) with a numeric override for sparse tables.
 */

package processor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adverant/nexus/visual-triage-worker/internal/config"
	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
)

// maxAspectRatio rejects banners and rule lines
const maxAspectRatio = 10.0

// ImageLoader returns the raster bytes for an image record
type ImageLoader func(img *ImageRecord) ([]byte, error)

// ImageFilter classifies images as keep or discard
type ImageFilter struct {
	cfg        config.TriageConfig
	ocr        OCRAnalyzer
	observer   Observer
	ocrTimeout time.Duration
	load       ImageLoader
}

// FilterOption configures an ImageFilter
type FilterOption func(*ImageFilter)

// WithObserver sets the observer notified of every decision
func WithObserver(o Observer) FilterOption {
	return func(f *ImageFilter) {
		if o != nil {
			f.observer = o
		}
	}
}

// WithOCRTimeout overrides the per-call OCR timeout from the config
func WithOCRTimeout(d time.Duration) FilterOption {
	return func(f *ImageFilter) {
		if d > 0 {
			f.ocrTimeout = d
		}
	}
}

// WithImageLoader overrides how raster bytes are obtained
func WithImageLoader(load ImageLoader) FilterOption {
	return func(f *ImageFilter) {
		if load != nil {
			f.load = load
		}
	}
}

// NewImageFilter creates a filter over a validated config and OCR capability
func NewImageFilter(cfg config.TriageConfig, ocr OCRAnalyzer, opts ...FilterOption) (*ImageFilter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ocr == nil {
		return nil, fmt.Errorf("OCR analyzer is required")
	}

	f := &ImageFilter{
		cfg:        cfg,
		ocr:        ocr,
		observer:   NopObserver{},
		ocrTimeout: cfg.OCRTimeout,
		load:       LoadImageData,
	}
	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

// LoadImageData returns in-memory bytes when present, otherwise reads Path
func LoadImageData(img *ImageRecord) ([]byte, error) {
	if len(img.Data) > 0 {
		return img.Data, nil
	}
	if img.Path == "" {
		return nil, fmt.Errorf("image %s has neither data nor path", img.Filename)
	}
	data, err := os.ReadFile(img.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", img.Path, err)
	}
	return data, nil
}

// CheckDimensions applies the size and aspect gates without running OCR
func (f *ImageFilter) CheckDimensions(img *ImageRecord) (bool, string) {
	w, h := img.Width, img.Height

	if w <= 0 || h <= 0 {
		return false, fmt.Sprintf("invalid dimensions %dx%d", w, h)
	}

	if w < f.cfg.MinDimension && h < f.cfg.MinDimension {
		return false, fmt.Sprintf("too small: %dx%d (min dimension %d)", w, h, f.cfg.MinDimension)
	}

	if w*h < f.cfg.MinArea {
		return false, fmt.Sprintf("area too small: %d px² (min area %d)", w*h, f.cfg.MinArea)
	}

	aspect := float64(max(w, h)) / float64(min(w, h))
	if aspect > maxAspectRatio {
		return false, fmt.Sprintf("extreme aspect ratio %.1f:1 (%dx%d)", aspect, w, h)
	}

	return true, ""
}

// Evaluate runs the dimension gate and, if it passes, OCR and the decision
// matrix. It never returns an error: OCR problems degrade to a discard.
func (f *ImageFilter) Evaluate(ctx context.Context, img *ImageRecord) Decision {
	decision := f.evaluate(ctx, img)
	f.observer.OnDecision(img, decision.Keep, decision.Reason)
	return decision
}

func (f *ImageFilter) evaluate(ctx context.Context, img *ImageRecord) Decision {
	if ok, reason := f.CheckDimensions(img); !ok {
		return Decision{
			Filename: img.Filename,
			Keep:     false,
			Stage:    StageDimensions,
			Reason:   reason,
		}
	}

	metrics, err := f.analyze(ctx, img)
	if err != nil {
		return f.ocrFailure(img, err)
	}

	return f.Classify(img, metrics)
}

// ocrFailure degrades an image to zero metrics and discards it
func (f *ImageFilter) ocrFailure(img *ImageRecord, cause error) Decision {
	ocrErr := errors.NewOCRFailedError(img.Filename, cause)
	f.observer.OnAnomaly(img, ocrErr)
	return Decision{
		Filename: img.Filename,
		Keep:     false,
		Stage:    StageOCRFailure,
		Reason:   "ocr failure",
		Err:      ocrErr,
	}
}

// analyze loads the raster and runs OCR under the per-call timeout. Panics
// in the OCR collaborator are returned as errors.
func (f *ImageFilter) analyze(ctx context.Context, img *ImageRecord) (OCRMetrics, error) {
	data, err := f.load(img)
	if err != nil {
		return OCRMetrics{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.ocrTimeout)
	defer cancel()

	type ocrResult struct {
		metrics OCRMetrics
		err     error
	}
	done := make(chan ocrResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ocrResult{err: fmt.Errorf("OCR panicked: %v", r)}
			}
		}()
		m, err := f.ocr.AnalyzeImage(ctx, data)
		done <- ocrResult{metrics: m, err: err}
	}()

	select {
	case res := <-done:
		return res.metrics, res.err
	case <-ctx.Done():
		return OCRMetrics{}, fmt.Errorf("OCR did not finish within %s: %w", f.ocrTimeout, ctx.Err())
	}
}

// Classify applies the decision matrix to already computed metrics
func (f *ImageFilter) Classify(img *ImageRecord, m OCRMetrics) Decision {
	density := textDensity(m.CharCount, img.Width*img.Height)

	hasGoodNumbers := m.DigitCount >= f.cfg.MinDigits
	hasEnoughWords := m.UsefulWordCount >= f.cfg.MinWords
	hasGoodDensity := density >= f.cfg.MinTextDensity

	d := Decision{
		Filename: img.Filename,
		Stage:    StageContent,
		Metrics:  m,
	}

	switch {
	case f.cfg.RequireNumbers && !hasGoodNumbers:
		d.Reason = fmt.Sprintf("no numbers: %d digits (min %d)", m.DigitCount, f.cfg.MinDigits)
	case hasGoodNumbers && hasGoodDensity:
		d.Keep = true
		d.Reason = fmt.Sprintf("chart/table: %d numbers, density=%.2f", m.DigitCount, density)
	case hasEnoughWords && hasGoodDensity:
		d.Keep = true
		d.Reason = fmt.Sprintf("dense text: %d useful words, density=%.2f", m.UsefulWordCount, density)
	case m.DigitCount >= 2*f.cfg.MinDigits:
		d.Keep = true
		d.Reason = fmt.Sprintf("numeric override: %d numbers, density=%.2f", m.DigitCount, density)
	default:
		var failed []string
		if !hasGoodNumbers {
			failed = append(failed, fmt.Sprintf("%d numbers (min %d)", m.DigitCount, f.cfg.MinDigits))
		}
		if !hasEnoughWords {
			failed = append(failed, fmt.Sprintf("%d useful words (min %d)", m.UsefulWordCount, f.cfg.MinWords))
		}
		if !hasGoodDensity {
			failed = append(failed, fmt.Sprintf("density=%.2f (min %.2f)", density, f.cfg.MinTextDensity))
		}
		d.Reason = "insufficient content: " + strings.Join(failed, ", ")
	}

	return d
}

// FilterImages evaluates every image in order. Input order is preserved in
// both output lists and decisions[i] belongs to images[i].
func (f *ImageFilter) FilterImages(ctx context.Context, images []*ImageRecord) (kept, discarded []*ImageRecord, decisions []Decision) {
	decisions = make([]Decision, len(images))
	for i, img := range images {
		decisions[i] = f.Evaluate(ctx, img)
		if decisions[i].Keep {
			kept = append(kept, img)
		} else {
			discarded = append(discarded, img)
		}
	}
	return kept, discarded, decisions
}

// textDensity is characters per 10,000 px²
func textDensity(chars, area int) float64 {
	if area <= 0 {
		return 0
	}
	return float64(chars) * 10000 / float64(area)
}
