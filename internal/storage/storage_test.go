package storage

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSanitizeConfidence(t *testing.T) {
	testCases := []struct {
		in, want float64
	}{
		{-0.2, 0},
		{0, 0},
		{0.95, 0.95},
		{0.8999999999999999, 0.9},
		{0.123456, 0.1235},
		{1.1, 1},
	}

	for _, tc := range testCases {
		if got := sanitizeConfidence(tc.in); got != tc.want {
			t.Errorf("sanitizeConfidence(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if got := sanitizeOCRConfidence(96.5); math.Abs(got-96.5) > 1e-9 {
		t.Errorf("sanitizeOCRConfidence(96.5) = %v", got)
	}
	if got := sanitizeOCRConfidence(140); got != 100 {
		t.Errorf("sanitizeOCRConfidence(140) = %v, want 100", got)
	}
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	in := []byte(`{"text":"Q1\u0000 12%\u0007 Q2"}`)
	got := string(sanitizeJSONForPostgres(in))
	if got != `{"text":"Q1 12%  Q2"}` {
		t.Errorf("got %s", got)
	}
}

func TestPayloadConversion(t *testing.T) {
	payload := toPayload(map[string]interface{}{
		"run_id":    "r1",
		"page":      3,
		"keep":      true,
		"density":   2.5,
		"timestamp": int64(1700000000),
		"other":     []int{1, 2},
	})

	meta := fromPayload(payload)
	if meta["run_id"] != "r1" || meta["keep"] != true || meta["density"] != 2.5 {
		t.Errorf("metadata = %v", meta)
	}
	if meta["page"] != int64(3) || meta["timestamp"] != int64(1700000000) {
		t.Errorf("integers should come back as int64, got %T %T", meta["page"], meta["timestamp"])
	}
	if meta["other"] != "[1 2]" {
		t.Errorf("unknown types should be stored as strings, got %v", meta["other"])
	}
}

func TestQdrantRejectsWrongDimensions(t *testing.T) {
	q := &QdrantClient{collectionName: "triage_features"}
	ctx := context.Background()

	if err := q.UpsertVector(ctx, &VectorPoint{Vector: make([]float32, 3)}); err == nil {
		t.Error("UpsertVector should reject a 3-dim vector")
	}
	if _, err := q.SearchVectors(ctx, make([]float32, FeatureDimensions+1), 5); err == nil {
		t.Error("SearchVectors should reject a 9-dim vector")
	}
	if err := q.DeleteVectors(ctx, nil); err != nil {
		t.Errorf("deleting nothing should be a no-op, got %v", err)
	}
}

// TestStoreTriageResultIntegration needs a PostgreSQL database
func TestStoreTriageResultIntegration(t *testing.T) {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skipf("TEST_DATABASE_URL not set")
	}

	sm, err := NewStorageManager(dbURL, os.Getenv("TEST_QDRANT_URL"), "triage_features_test")
	if err != nil {
		t.Fatalf("NewStorageManager() error = %v", err)
	}
	defer sm.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobID := "test-" + uuid.New().String()
	input := &TriageRunInput{
		Run: &RunRecord{
			JobID:          jobID,
			DocumentName:   "report.pdf",
			Status:         "completed",
			ImageCount:     2,
			KeptCount:      1,
			DiscardedCount: 1,
			DurationMs:     12,
			IgnoreWords:    []string{"acme"},
			Thresholds:     map[string]interface{}{"minDigits": 2},
		},
		Decisions: []*DecisionRecord{
			{
				Filename: "page1_img0.png", Page: 1, Keep: true, Stage: "content", Reason: "chart/table",
				Width: 800, Height: 600, CharCount: 120, DigitCount: 6, OCRConfidence: 91.25,
				IsComposite: true, Confidence: 0.8999999999999999, ContextText: "[OVER IMAGE]: 10 20 30",
				BBox: []float64{100, 100, 400, 300}, Resolution: "index",
				Features: []float32{2.5, 6, 0, 4, 0.91, 1.33, 5.68, 0.9},
			},
			{
				Filename: "page1_img1.png", Page: 1, Stage: "dimensions", Reason: "too small: 40x40 (min dimension 100)",
				Width: 40, Height: 40,
			},
		},
	}

	out, err := sm.StoreTriageResult(ctx, input)
	if err != nil {
		t.Fatalf("StoreTriageResult() error = %v", err)
	}
	if len(out.DecisionIDs) != 2 {
		t.Fatalf("decision ids = %v", out.DecisionIDs)
	}

	decisions, err := sm.GetRunDecisions(ctx, out.RunID)
	if err != nil {
		t.Fatalf("GetRunDecisions() error = %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("got %d decisions, want 2", len(decisions))
	}

	var chart *DecisionRecord
	for _, d := range decisions {
		if d.Filename == "page1_img0.png" {
			chart = d
		}
	}
	if chart == nil || !chart.IsComposite || chart.Confidence != 0.9 || len(chart.BBox) != 4 {
		t.Errorf("chart decision = %+v", chart)
	}

	if !sm.FeatureIndexEnabled() {
		return
	}
	if out.IndexedVectors != 1 {
		t.Errorf("indexed %d vectors, want 1 (content stage only)", out.IndexedVectors)
	}
	similar, err := sm.FindSimilarDecisions(ctx, input.Decisions[0].Features, 5)
	if err != nil {
		t.Fatalf("FindSimilarDecisions() error = %v", err)
	}
	found := false
	for _, s := range similar {
		if s.RunID == out.RunID && s.Filename == "page1_img0.png" && s.Keep {
			found = true
		}
	}
	if !found {
		t.Errorf("stored decision not among nearest neighbours: %+v", similar)
	}
}

func TestFindSimilarDecisionsWithoutIndex(t *testing.T) {
	sm := &StorageManager{}
	if _, err := sm.FindSimilarDecisions(context.Background(), make([]float32, 8), 3); err == nil {
		t.Error("expected an error when the feature index is not configured")
	}
}
