package queue

import (
	"encoding/json"
	"testing"

	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
)

func TestImagePayloadData(t *testing.T) {
	testCases := []struct {
		name    string
		json    string
		want    string
		wantErr bool
	}{
		{"base64", `{"filename":"a.png","data":"iVBORw=="}`, "\x89PNG", false},
		{"node buffer", `{"filename":"a.png","data":{"type":"Buffer","data":[137,80,78,71]}}`, "\x89PNG", false},
		{"no data", `{"filename":"a.png","path":"/tmp/a.png"}`, "", false},
		{"bad base64", `{"filename":"a.png","data":"***"}`, "", true},
		{"wrong buffer type", `{"filename":"a.png","data":{"type":"Blob","data":[1]}}`, "", true},
		{"byte out of range", `{"filename":"a.png","data":{"type":"Buffer","data":[300]}}`, "", true},
		{"number", `{"filename":"a.png","data":42}`, "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var img ImagePayload
			err := json.Unmarshal([]byte(tc.json), &img)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if string(img.Data) != tc.want || img.Filename != "a.png" {
				t.Errorf("got filename=%q data=%q", img.Filename, img.Data)
			}
		})
	}
}

func TestRedisJobDataSurvivesRequeue(t *testing.T) {
	job := RedisJobData{
		ID:      "q-1",
		Payload: JobPayload{JobID: "job-1", Images: []ImagePayload{{Filename: "a.png", Data: []byte{1, 2, 3}}}},
	}

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back RedisJobData
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got := back.Payload.Images[0].Data; string(got) != "\x01\x02\x03" {
		t.Errorf("image bytes lost on re-queue: %v", got)
	}
}

func TestToTriageJob(t *testing.T) {
	raw := `{
		"jobId": "job-7",
		"documentName": "annual-report.pdf",
		"pages": [{
			"number": 1, "width": 612, "height": 792,
			"textBlocks": [
				{"text": "45% 30% 25%", "bbox": [150, 150, 350, 250]},
				{"text": "floating caption", "bbox": []}
			],
			"imagePositions": [{"id": "xref12", "bbox": [100, 100, 400, 300]}]
		}],
		"images": [
			{"filename": "page1_img0.png", "page": 1, "objectId": "xref12", "width": 300, "height": 200, "data": "AQID"},
			{"filename": "page1_img1.png", "page": 1, "path": "/data/page1_img1.png", "bbox": [10, 10, 50, 50]}
		]
	}`

	var payload JobPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	job, err := payload.ToTriageJob()
	if err != nil {
		t.Fatalf("ToTriageJob() error = %v", err)
	}

	if job.JobID != "job-7" || len(job.Pages) != 1 || len(job.Images) != 2 {
		t.Fatalf("job = %+v", job)
	}
	page := job.Pages[0]
	if len(page.TextBlocks) != 1 || page.TextBlocks[0].Page != 1 {
		t.Errorf("text blocks without a position should be dropped: %+v", page.TextBlocks)
	}
	if len(page.ImagePositions) != 1 || page.ImagePositions[0].ID != "xref12" {
		t.Errorf("image positions = %+v", page.ImagePositions)
	}
	if img := job.Images[0]; img.BBox != nil || len(img.Data) != 3 || img.ObjectID != "xref12" {
		t.Errorf("first image = %+v", img)
	}
	if img := job.Images[1]; img.BBox == nil || img.BBox.X1 != 50 {
		t.Errorf("second image bbox = %v", img.BBox)
	}
}

func TestToTriageJobRejects(t *testing.T) {
	testCases := []struct {
		name    string
		payload JobPayload
	}{
		{"missing job id", JobPayload{}},
		{"image without filename", JobPayload{JobID: "j", Images: []ImagePayload{{Path: "/x"}}}},
		{"image without source", JobPayload{JobID: "j", Images: []ImagePayload{{Filename: "a.png"}}}},
		{"duplicate filename", JobPayload{JobID: "j", Images: []ImagePayload{{Filename: "a.png", Path: "/a"}, {Filename: "a.png", Path: "/b"}}}},
		{"short bbox", JobPayload{JobID: "j", Images: []ImagePayload{{Filename: "a.png", Path: "/a", BBox: []float64{1, 2}}}}},
		{"position without bbox", JobPayload{JobID: "j", Pages: []PagePayload{{Number: 1, ImagePositions: []PositionPayload{{ID: "x"}}}}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.payload.ToTriageJob(); !errors.IsCode(err, errors.ErrorInvalidPayload) {
				t.Errorf("expected INVALID_PAYLOAD, got %v", err)
			}
		})
	}
}
