package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adverant/nexus/visual-triage-worker/internal/config"
	"github.com/adverant/nexus/visual-triage-worker/internal/geometry"
)

// fakeOCR returns canned metrics keyed by the raster bytes
type fakeOCR struct {
	mu      sync.Mutex
	metrics map[string]OCRMetrics
	errs    map[string]error
	calls   int32
}

func newFakeOCR() *fakeOCR {
	return &fakeOCR{
		metrics: make(map[string]OCRMetrics),
		errs:    make(map[string]error),
	}
}

func (f *fakeOCR) set(key string, m OCRMetrics) *fakeOCR {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[key] = m
	return f
}

func (f *fakeOCR) fail(key string, err error) *fakeOCR {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[key] = err
	return f
}

func (f *fakeOCR) AnalyzeImage(ctx context.Context, data []byte) (OCRMetrics, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[string(data)]; ok {
		return OCRMetrics{}, err
	}
	return f.metrics[string(data)], nil
}

func (f *fakeOCR) callCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

type decisionEvent struct {
	file   string
	kept   bool
	reason string
}

// recordingObserver captures events for assertions
type recordingObserver struct {
	mu         sync.Mutex
	decisions  []decisionEvent
	composites map[string]float64
	anomalies  []error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{composites: make(map[string]float64)}
}

func (o *recordingObserver) OnDecision(img *ImageRecord, kept bool, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions = append(o.decisions, decisionEvent{file: img.Filename, kept: kept, reason: reason})
}

func (o *recordingObserver) OnCompositeDetected(img *ImageRecord, confidence float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.composites[img.Filename] = confidence
}

func (o *recordingObserver) OnAnomaly(img *ImageRecord, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.anomalies = append(o.anomalies, err)
}

func (o *recordingObserver) anomalyCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.anomalies)
}

func testConfig() config.TriageConfig {
	cfg := config.DefaultTriageConfig()
	cfg.Workers = 4
	cfg.OCRTimeout = 2 * time.Second
	return cfg
}

func rect(x0, y0, x1, y1 float64) *geometry.Rect {
	r := geometry.NewRect(x0, y0, x1, y1)
	return &r
}

// newImage builds a record whose raster bytes are its key in fakeOCR
func newImage(filename string, page, w, h int) *ImageRecord {
	return &ImageRecord{
		Filename: filename,
		Page:     page,
		Data:     []byte(filename),
		Width:    w,
		Height:   h,
	}
}

// chartMetrics is OCR output of an image that carries data
func chartMetrics() OCRMetrics {
	return OCRMetrics{Text: "Q1 12 Q2 18 Q3 25", CharCount: 200, DigitCount: 8, WordCount: 6, UsefulWordCount: 0, HasNumbers: true}
}

func mustFilter(t *testing.T, cfg config.TriageConfig, ocr OCRAnalyzer, opts ...FilterOption) *ImageFilter {
	t.Helper()
	f, err := NewImageFilter(cfg, ocr, opts...)
	if err != nil {
		t.Fatalf("NewImageFilter() error = %v", err)
	}
	return f
}

func mustDetector(t *testing.T, cfg config.TriageConfig, opts ...DetectorOption) *CompositeDetector {
	t.Helper()
	d, err := NewCompositeDetector(cfg, opts...)
	if err != nil {
		t.Fatalf("NewCompositeDetector() error = %v", err)
	}
	return d
}
