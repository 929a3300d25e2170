/**
 * Triage Processor Tests
 *
 * Job flow against an in-memory result store: spooling, dimension decoding,
 * persistence of every decision and discarded-file cleanup.
 */

package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
	"github.com/adverant/nexus/visual-triage-worker/internal/storage"
)

type memoryStore struct {
	mu       sync.Mutex
	runs     []*storage.TriageRunInput
	updates  []*storage.JobUpdate
	storeErr error
}

func (s *memoryStore) StoreTriageResult(ctx context.Context, input *storage.TriageRunInput) (*storage.TriageRunOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return nil, s.storeErr
	}
	s.runs = append(s.runs, input)

	ids := make([]string, len(input.Decisions))
	vectors := 0
	for i, d := range input.Decisions {
		ids[i] = fmt.Sprintf("decision-%d", i)
		if len(d.Features) > 0 {
			vectors++
		}
	}
	return &storage.TriageRunOutput{RunID: input.Run.RunID, DecisionIDs: ids, IndexedVectors: vectors}, nil
}

func (s *memoryStore) UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return nil
}

func newTestProcessor(t *testing.T, store ResultStore, ocr OCRAnalyzer, deleteDiscarded bool) *TriageProcessor {
	t.Helper()
	p, err := NewTriageProcessor(&ProcessorConfig{
		Triage:          testConfig(),
		TempDir:         t.TempDir(),
		DeleteDiscarded: deleteDiscarded,
		Store:           store,
		OCR:             ocr,
	})
	if err != nil {
		t.Fatalf("NewTriageProcessor() error = %v", err)
	}
	return p
}

// pngJob builds a job whose rasters are real PNGs of the given sizes
func pngJob(t *testing.T, sizes map[string][2]int, order []string) *TriageJob {
	t.Helper()
	job := &TriageJob{JobID: "job-1", DocumentName: "report.pdf"}
	for _, name := range order {
		sz := sizes[name]
		job.Images = append(job.Images, &ImageRecord{Filename: name, Page: 1, Data: encodePNG(t, sz[0], sz[1])})
	}
	return job
}

func TestProcessJob(t *testing.T) {
	order := []string{"page1_img0.png", "page1_img1.png", "page1_img2.png"}
	job := pngJob(t, map[string][2]int{
		"page1_img0.png": {800, 600},
		"page1_img1.png": {640, 480},
		"page1_img2.png": {32, 32},
	}, order)

	// OCR keys on the raster bytes, so classify by decoded size instead
	ocr := OCRAnalyzerFunc(func(ctx context.Context, data []byte) (OCRMetrics, error) {
		w, _, _, err := DecodeDimensions(data)
		if err != nil {
			return OCRMetrics{}, err
		}
		if w == 800 {
			return chartMetrics(), nil
		}
		return OCRMetrics{CharCount: 3}, nil
	})

	store := &memoryStore{}
	p := newTestProcessor(t, store, ocr, true)

	res, err := p.ProcessJob(context.Background(), job)
	if err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	if res.Kept != 1 || res.Discarded != 2 || res.Skipped != 0 {
		t.Errorf("kept=%d discarded=%d skipped=%d", res.Kept, res.Discarded, res.Skipped)
	}
	if res.DeletedFiles != 2 {
		t.Errorf("deleted %d files, want 2", res.DeletedFiles)
	}
	if res.IndexedVectors != 2 {
		t.Errorf("indexed %d vectors, want 2 (one per OCR'd image)", res.IndexedVectors)
	}

	kept := res.KeptImages[0]
	if kept.Width != 800 || kept.Height != 600 {
		t.Errorf("dimensions were not decoded: %dx%d", kept.Width, kept.Height)
	}
	if _, err := os.Stat(kept.Path); err != nil {
		t.Errorf("kept image should stay on disk: %v", err)
	}
	for _, img := range job.Images[1:] {
		if _, err := os.Stat(img.Path); !os.IsNotExist(err) {
			t.Errorf("discarded image %s should be deleted (stat err %v)", img.Path, err)
		}
	}

	if len(store.runs) != 1 {
		t.Fatalf("stored %d runs, want 1", len(store.runs))
	}
	run := store.runs[0]
	if run.Run.Status != JobStatusCompleted || run.Run.ImageCount != 3 {
		t.Errorf("run = %+v", run.Run)
	}
	if len(run.Decisions) != 3 {
		t.Fatalf("stored %d decisions, want one per image", len(run.Decisions))
	}
	for i, d := range run.Decisions {
		if d.Filename != order[i] {
			t.Errorf("decision %d is for %s, want %s", i, d.Filename, order[i])
		}
	}
	if icon := run.Decisions[2]; icon.Stage != string(StageDimensions) || icon.Features != nil {
		t.Errorf("icon decision = %+v", icon)
	}
	if run.Run.Thresholds["minDigits"] != 2 {
		t.Errorf("thresholds should be recorded, got %v", run.Run.Thresholds)
	}
}

func TestProcessJobCancelledIsStored(t *testing.T) {
	store := &memoryStore{}
	p := newTestProcessor(t, store, newFakeOCR(), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := &TriageJob{JobID: "job-2", Images: []*ImageRecord{newImage("a.png", 1, 800, 600)}}
	res, err := p.ProcessJob(ctx, job)

	if !errors.IsCode(err, errors.ErrorTriageCancelled) {
		t.Fatalf("expected TRIAGE_CANCELLED, got %v", err)
	}
	if res == nil || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(store.runs) != 1 || store.runs[0].Run.Status != JobStatusCancelled {
		t.Fatalf("cancelled run should be stored with status cancelled")
	}
	if store.runs[0].Run.ErrorCode != string(errors.ErrorTriageCancelled) {
		t.Errorf("run error code = %q", store.runs[0].Run.ErrorCode)
	}
}

func TestProcessJobErrors(t *testing.T) {
	t.Run("missing job id", func(t *testing.T) {
		p := newTestProcessor(t, &memoryStore{}, newFakeOCR(), false)
		if _, err := p.ProcessJob(context.Background(), &TriageJob{}); !errors.IsCode(err, errors.ErrorInvalidPayload) {
			t.Errorf("expected INVALID_PAYLOAD, got %v", err)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		store := &memoryStore{storeErr: fmt.Errorf("connection refused")}
		p := newTestProcessor(t, store, newFakeOCR(), false)
		job := &TriageJob{JobID: "job-3", Images: []*ImageRecord{newImage("a.png", 1, 800, 600)}}
		if _, err := p.ProcessJob(context.Background(), job); !errors.IsCode(err, errors.ErrorStorageFailed) {
			t.Errorf("expected STORAGE_FAILED, got %v", err)
		}
	})
}

func TestSpoolImagesStaysInsideTempDir(t *testing.T) {
	store := &memoryStore{}
	p := newTestProcessor(t, store, newFakeOCR(), false)

	job := &TriageJob{JobID: "../../etc", Images: []*ImageRecord{{Filename: "../../passwd", Data: []byte("x")}}}
	if err := p.spoolImages(job); err != nil {
		t.Fatalf("spoolImages() error = %v", err)
	}

	rel, err := filepath.Rel(p.config.TempDir, job.Images[0].Path)
	if err != nil || rel != filepath.Join("etc", "0000_passwd") {
		t.Errorf("spooled to %s (rel %s)", job.Images[0].Path, rel)
	}
}

func TestProcessJobKeepsImagesSharingABasename(t *testing.T) {
	job := &TriageJob{JobID: "job-1", Images: []*ImageRecord{
		{Filename: "p1/chart.png", Page: 1, Data: encodePNG(t, 800, 600)},
		{Filename: "p2/chart.png", Page: 2, Data: encodePNG(t, 20, 20)},
	}}
	ocr := OCRAnalyzerFunc(func(ctx context.Context, data []byte) (OCRMetrics, error) {
		return chartMetrics(), nil
	})
	p := newTestProcessor(t, &memoryStore{}, ocr, true)

	res, err := p.ProcessJob(context.Background(), job)
	if err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}
	if res.Kept != 1 || res.DeletedFiles != 1 {
		t.Fatalf("kept=%d deleted=%d", res.Kept, res.DeletedFiles)
	}

	kept, discarded := job.Images[0], job.Images[1]
	if kept.Path == discarded.Path {
		t.Fatalf("both images spooled to %s", kept.Path)
	}
	data, err := os.ReadFile(kept.Path)
	if err != nil {
		t.Fatalf("kept image missing after cleanup: %v", err)
	}
	if w, h, _, err := DecodeDimensions(data); err != nil || w != 800 || h != 600 {
		t.Errorf("kept file holds a %dx%d raster (err %v)", w, h, err)
	}
}

func TestUpdateJobStatus(t *testing.T) {
	store := &memoryStore{}
	p := newTestProcessor(t, store, newFakeOCR(), false)

	err := p.UpdateJobStatus(context.Background(), "job-4", JobStatusFailed, 100, map[string]interface{}{
		"documentName": "deck.pptx",
		"kept":         3,
		"error":        "OCR engine missing",
		"errorCode":    "CONFIG_INVALID",
	})
	if err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}

	u := store.updates[0]
	if u.DocumentName != "deck.pptx" || u.KeptCount != 3 || u.ErrorCode != "CONFIG_INVALID" || u.ErrorMessage != "OCR engine missing" {
		t.Errorf("update = %+v", u)
	}
	if u.Metadata["progress"] != 100 {
		t.Errorf("progress not recorded: %v", u.Metadata)
	}
}

func TestBBoxFromSlice(t *testing.T) {
	if r, err := BBoxFromSlice(nil); r != nil || err != nil {
		t.Errorf("empty slice = (%v, %v), want unknown position", r, err)
	}
	if _, err := BBoxFromSlice([]float64{1, 2, 3}); !errors.IsCode(err, errors.ErrorGeometryInvalid) {
		t.Errorf("expected GEOMETRY_INVALID, got %v", err)
	}
	r, err := BBoxFromSlice([]float64{300, 300, 100, 100})
	if err != nil || r == nil {
		t.Fatalf("inverted boxes are passed through for per-image reporting, got (%v, %v)", r, err)
	}
}

func TestTriageFeatures(t *testing.T) {
	img := &ImageRecord{Width: 1000, Height: 100, Confidence: 0.7}
	f := TriageFeatures(img, OCRMetrics{CharCount: 50, DigitCount: 4, UsefulWordCount: 2, WordCount: 6, ConfidenceScore: 90})

	if len(f) != storage.FeatureDimensions {
		t.Fatalf("len = %d, want %d", len(f), storage.FeatureDimensions)
	}
	want := []float32{5, 4, 2, 6, 0.9, 10, 5, 0.7}
	for i := range want {
		if diff := f[i] - want[i]; diff > 1e-5 || diff < -1e-5 {
			t.Errorf("feature %d = %v, want %v", i, f[i], want[i])
		}
	}
}

func TestProcessJobReportsToJobObserver(t *testing.T) {
	shared := newRecordingObserver()
	perJob := make(map[string]*recordingObserver)

	p, err := NewTriageProcessor(&ProcessorConfig{
		Triage:   testConfig(),
		Store:    &memoryStore{},
		OCR:      newFakeOCR().set("a.png", chartMetrics()),
		Observer: shared,
		JobObserver: func(jobID string) Observer {
			o := newRecordingObserver()
			perJob[jobID] = o
			return o
		},
	})
	if err != nil {
		t.Fatalf("NewTriageProcessor() error = %v", err)
	}

	job := &TriageJob{JobID: "job-5", Images: []*ImageRecord{newImage("a.png", 1, 800, 600), newImage("b.png", 1, 20, 20)}}
	if _, err := p.ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	if len(shared.decisions) != 2 {
		t.Errorf("shared observer saw %d decisions, want 2", len(shared.decisions))
	}
	if o := perJob["job-5"]; o == nil || len(o.decisions) != 2 {
		t.Errorf("job observer was not used for job-5")
	}
}
