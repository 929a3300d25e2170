package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
	"github.com/adverant/nexus/visual-triage-worker/internal/processor"
)

// JobPayload is a document's extracted layout and images as enqueued by the
// extraction service
type JobPayload struct {
	JobID        string                 `json:"jobId"`
	DocumentName string                 `json:"documentName"`
	Pages        []PagePayload          `json:"pages,omitempty"`
	Images       []ImagePayload         `json:"images"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// PagePayload is one page's layout; bounding boxes are [x0, y0, x1, y1]
type PagePayload struct {
	Number         int               `json:"number"`
	Width          float64           `json:"width,omitempty"`
	Height         float64           `json:"height,omitempty"`
	TextBlocks     []BlockPayload    `json:"textBlocks,omitempty"`
	ImagePositions []PositionPayload `json:"imagePositions,omitempty"`
}

// BlockPayload is a positioned text block
type BlockPayload struct {
	Text string    `json:"text"`
	BBox []float64 `json:"bbox"`
}

// PositionPayload is an image placement reported by the extractor
type PositionPayload struct {
	ID   string    `json:"id,omitempty"`
	BBox []float64 `json:"bbox"`
}

// ImagePayload is one extracted image. Data is set by UnmarshalJSON from
// either a base64 string or a Node.js Buffer object.
type ImagePayload struct {
	Filename string    `json:"filename"`
	Page     int       `json:"page"`
	Path     string    `json:"path,omitempty"`
	ObjectID string    `json:"objectId,omitempty"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
	BBox     []float64 `json:"bbox,omitempty"`
	Data     []byte    `json:"-"`
}

// UnmarshalJSON handles the data field in both serializations the producer
// has used: base64 strings (current) and Buffer objects (legacy)
func (p *ImagePayload) UnmarshalJSON(data []byte) error {
	type Alias ImagePayload
	aux := &struct {
		Data interface{} `json:"data,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal ImagePayload: %w", err)
	}

	if aux.Data == nil {
		return nil
	}

	decoded, err := decodeBuffer(aux.Data)
	if err != nil {
		return fmt.Errorf("image %s: %w", p.Filename, err)
	}
	p.Data = decoded
	return nil
}

// MarshalJSON writes Data as base64 so payloads survive a retry round trip
func (p ImagePayload) MarshalJSON() ([]byte, error) {
	type Alias ImagePayload
	return json.Marshal(&struct {
		Data string `json:"data,omitempty"`
		Alias
	}{
		Data:  base64.StdEncoding.EncodeToString(p.Data),
		Alias: Alias(p),
	})
}

func decodeBuffer(v interface{}) ([]byte, error) {
	switch buf := v.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 data: %w", err)
		}
		return decoded, nil

	case map[string]interface{}:
		if bufferType, ok := buf["type"].(string); !ok || bufferType != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		values, ok := buf["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		out := make([]byte, len(values))
		for i, val := range values {
			b, ok := val.(float64)
			if !ok || b < 0 || b > 255 {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			out[i] = byte(b)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("data must be either base64 string or Buffer object, got %T", v)
	}
}

// ToTriageJob validates the payload and converts it to the processor's job.
// Text blocks without a position are dropped; every other malformed field
// rejects the whole payload.
func (p *JobPayload) ToTriageJob() (*processor.TriageJob, error) {
	if p.JobID == "" {
		return nil, errors.NewInvalidPayloadError("", "jobId is required")
	}

	job := &processor.TriageJob{
		JobID:        p.JobID,
		DocumentName: p.DocumentName,
		Metadata:     p.Metadata,
		Pages:        make([]processor.PageLayout, 0, len(p.Pages)),
		Images:       make([]*processor.ImageRecord, 0, len(p.Images)),
	}

	for _, page := range p.Pages {
		layout := processor.PageLayout{
			Number: page.Number,
			Width:  page.Width,
			Height: page.Height,
		}

		for i, block := range page.TextBlocks {
			bbox, err := processor.BBoxFromSlice(block.BBox)
			if err != nil {
				return nil, invalidPayload(p.JobID, fmt.Sprintf("page %d text block %d", page.Number, i), err)
			}
			if bbox == nil {
				continue
			}
			layout.TextBlocks = append(layout.TextBlocks, processor.TextBlock{
				Text: block.Text,
				BBox: *bbox,
				Page: page.Number,
			})
		}

		for i, pos := range page.ImagePositions {
			bbox, err := processor.BBoxFromSlice(pos.BBox)
			if err == nil && bbox == nil {
				err = fmt.Errorf("bbox is required")
			}
			if err != nil {
				return nil, invalidPayload(p.JobID, fmt.Sprintf("page %d image position %d", page.Number, i), err)
			}
			layout.ImagePositions = append(layout.ImagePositions, processor.ImagePosition{
				ID:   pos.ID,
				BBox: *bbox,
			})
		}

		job.Pages = append(job.Pages, layout)
	}

	seen := make(map[string]bool, len(p.Images))
	for i, img := range p.Images {
		if img.Filename == "" {
			return nil, errors.NewInvalidPayloadError(p.JobID, fmt.Sprintf("image %d has no filename", i))
		}
		// filenames key the OCR digit counts handed to the detector
		if seen[img.Filename] {
			return nil, errors.NewInvalidPayloadError(p.JobID, fmt.Sprintf("duplicate image filename %s", img.Filename))
		}
		seen[img.Filename] = true

		if len(img.Data) == 0 && img.Path == "" {
			return nil, errors.NewInvalidPayloadError(p.JobID, fmt.Sprintf("image %s has neither data nor path", img.Filename))
		}

		bbox, err := processor.BBoxFromSlice(img.BBox)
		if err != nil {
			return nil, invalidPayload(p.JobID, "image "+img.Filename, err)
		}

		job.Images = append(job.Images, &processor.ImageRecord{
			Filename: img.Filename,
			Page:     img.Page,
			Path:     img.Path,
			Data:     img.Data,
			ObjectID: img.ObjectID,
			Width:    img.Width,
			Height:   img.Height,
			BBox:     bbox,
		})
	}

	return job, nil
}

func invalidPayload(jobID, field string, cause error) *errors.TriageError {
	e := errors.NewInvalidPayloadError(jobID, fmt.Sprintf("%s: %v", field, cause))
	e.Cause = cause
	return e
}
