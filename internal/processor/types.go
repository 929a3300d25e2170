package processor

import (
	"github.com/adverant/nexus/visual-triage-worker/internal/geometry"
)

// Default page size in points (US Letter), used when the extractor does not
// report one
const (
	DefaultPageWidth  = 612.0
	DefaultPageHeight = 792.0
)

// TextBlock is a positioned run of page text produced by the layout extractor
type TextBlock struct {
	Text string        `json:"text"`
	BBox geometry.Rect `json:"bbox"`
	Page int           `json:"page"`
}

// ImagePosition is where the extractor placed one image on a page. ID is the
// extractor's stable identity for the image when it has one.
type ImagePosition struct {
	ID   string        `json:"id,omitempty"`
	BBox geometry.Rect `json:"bbox"`
}

// PageLayout holds the layout primitives of one page, in extraction order
type PageLayout struct {
	Number         int             `json:"number"`
	Width          float64         `json:"width"`
	Height         float64         `json:"height"`
	TextBlocks     []TextBlock     `json:"textBlocks"`
	ImagePositions []ImagePosition `json:"imagePositions"`
}

// Area returns the page area in points², defaulting missing sides to US Letter
func (p PageLayout) Area() float64 {
	w, h := p.Width, p.Height
	if w <= 0 {
		w = DefaultPageWidth
	}
	if h <= 0 {
		h = DefaultPageHeight
	}
	return w * h
}

// ImageRecord is one extracted raster image. The filter only classifies it;
// the composite detector fills BBox, ContextText, IsComposite and Confidence.
type ImageRecord struct {
	Filename string `json:"filename"`
	Page     int    `json:"page"`
	Path     string `json:"path,omitempty"`
	Data     []byte `json:"-"`
	ObjectID string `json:"objectId,omitempty"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`

	BBox        *geometry.Rect `json:"bbox,omitempty"`
	ContextText string         `json:"contextText,omitempty"`
	IsComposite bool           `json:"isComposite"`
	Confidence  float64        `json:"confidence"`
}

// DecisionStage records which step of the filter produced a decision
type DecisionStage string

const (
	StageDimensions DecisionStage = "dimensions"
	StageOCRFailure DecisionStage = "ocr_failure"
	StageContent    DecisionStage = "content"
	StageCancelled  DecisionStage = "cancelled"
)

// Decision is the keep/discard verdict for one image
type Decision struct {
	Filename string        `json:"filename"`
	Keep     bool          `json:"keep"`
	Stage    DecisionStage `json:"stage"`
	Reason   string        `json:"reason"`
	Metrics  OCRMetrics    `json:"metrics"`
	Err      error         `json:"-"`
}
