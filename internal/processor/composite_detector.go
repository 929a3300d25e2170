/**
 * Composite Chart Detector - Recovers numeric labels rendered outside images
 *
 * A composite chart draws its marks as raster pixels but its numeric labels
 * as separate page text. The detector correlates an image's bounding box
 * with overlapping and nearby text blocks, scores the numeric density of
 * that context and flags the image when the numbers live outside it.
 */

package processor

import (
	"math"
	"regexp"
	"strings"

	"github.com/adverant/nexus/visual-triage-worker/internal/config"
	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
	"github.com/adverant/nexus/visual-triage-worker/internal/geometry"
)

// Context labels; downstream analysis weights overlaid text above nearby text
const (
	OverImageLabel = "[OVER IMAGE]: "
	NearImageLabel = "[NEAR IMAGE]: "
)

const (
	compositeBoost   = 0.2
	maxCompositeConf = 0.95
)

var numberPattern = regexp.MustCompile(`\d+(?:[.,]\d+)?%?`)

// DetectionResult describes what the detector found for one image
type DetectionResult struct {
	Filename        string           `json:"filename"`
	Resolution      ResolutionMethod `json:"resolution"`
	OverlappingText string           `json:"overlappingText,omitempty"`
	NearbyText      string           `json:"nearbyText,omitempty"`
	ContextNumbers  int              `json:"contextNumbers"`
	OCRNumbers      int              `json:"ocrNumbers"`
	Candidate       bool             `json:"candidate"`
	IsComposite     bool             `json:"isComposite"`
	Confidence      float64          `json:"confidence"`
	Skipped         bool             `json:"skipped"`
	Err             error            `json:"-"`
}

// CompositeDetector decides per image whether numeric context is split
// between the raster and the page text
type CompositeDetector struct {
	cfg      config.TriageConfig
	observer Observer
}

// DetectorOption configures a CompositeDetector
type DetectorOption func(*CompositeDetector)

// WithDetectorObserver sets the observer notified of composites and anomalies
func WithDetectorObserver(o Observer) DetectorOption {
	return func(d *CompositeDetector) {
		if o != nil {
			d.observer = o
		}
	}
}

// NewCompositeDetector creates a detector over a validated config
func NewCompositeDetector(cfg config.TriageConfig, opts ...DetectorOption) (*CompositeDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &CompositeDetector{
		cfg:      cfg,
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// GatherContext splits the page's text blocks into those overlapping the
// image and those within the proximity margin, each space-joined. Blocks
// with malformed boxes are reported and skipped.
func (d *CompositeDetector) GatherContext(img *ImageRecord, blocks []TextBlock) (overlapping, nearby string) {
	if img.BBox == nil {
		return "", ""
	}
	bbox := *img.BBox

	var over, near []string
	for _, block := range blocks {
		text := strings.TrimSpace(block.Text)
		if text == "" {
			continue
		}
		if err := block.BBox.Validate(); err != nil {
			d.observer.OnAnomaly(img, err)
			continue
		}

		switch {
		case geometry.Overlaps(bbox, block.BBox):
			over = append(over, text)
		case geometry.Nearby(bbox, block.BBox, d.cfg.ProximityMargin):
			near = append(near, text)
		}
	}

	return strings.Join(over, " "), strings.Join(near, " ")
}

// CountNumbers counts numeric tokens such as 12, 3.5, 1,2 and 45%
func CountNumbers(text string) int {
	return len(numberPattern.FindAllStringIndex(text, -1))
}

// ConfidenceFromNumbers maps a numeric token count to a composite confidence
func (d *CompositeDetector) ConfidenceFromNumbers(n int) float64 {
	switch {
	case n >= 2*d.cfg.MinNearbyNumbers:
		return 0.9
	case n >= d.cfg.MinNearbyNumbers:
		return 0.7
	case n >= 1:
		return 0.4
	default:
		return 0.1
	}
}

// IsPotentialChart excludes icons: the raster must be chart sized and, when
// its position is known, cover enough of the page
func (d *CompositeDetector) IsPotentialChart(img *ImageRecord, page PageLayout) bool {
	if img.Width < d.cfg.MinChartWidth || img.Height < d.cfg.MinChartHeight {
		return false
	}
	if img.BBox == nil {
		return true
	}
	return img.BBox.Area()/page.Area() >= d.cfg.MinPageRatio
}

// Detect analyzes one image whose bbox is already resolved. ocrNumbers is
// the digit count the filter's OCR found inside the raster. The record's
// ContextText, IsComposite and Confidence are updated in place.
func (d *CompositeDetector) Detect(img *ImageRecord, page PageLayout, ocrNumbers int) DetectionResult {
	res := DetectionResult{
		Filename:   img.Filename,
		OCRNumbers: ocrNumbers,
	}

	if img.BBox == nil {
		res.Skipped = true
		return res
	}
	if err := img.BBox.Validate(); err != nil {
		if te, ok := err.(*errors.TriageError); ok {
			err = te.WithFilename(img.Filename)
		}
		d.observer.OnAnomaly(img, err)
		res.Skipped = true
		res.Err = err
		return res
	}

	overlapping, nearby := d.GatherContext(img, page.TextBlocks)
	res.OverlappingText = overlapping
	res.NearbyText = nearby

	res.ContextNumbers = CountNumbers(overlapping + " " + nearby)
	confidence := d.ConfidenceFromNumbers(res.ContextNumbers)
	res.Candidate = d.IsPotentialChart(img, page)

	composite := false
	if res.Candidate && res.ContextNumbers >= d.cfg.MinNearbyNumbers {
		if ocrNumbers < d.cfg.OCRNumberThreshold {
			composite = true
			confidence = min(roundConfidence(confidence+compositeBoost), maxCompositeConf)
		} else if res.ContextNumbers >= 2*d.cfg.MinNearbyNumbers {
			composite = true
		}
	}

	img.IsComposite = composite
	img.Confidence = confidence
	if composite || overlapping != "" || nearby != "" {
		img.ContextText = formatContext(overlapping, nearby)
	}

	res.IsComposite = composite
	res.Confidence = confidence

	if composite {
		d.observer.OnCompositeDetected(img, confidence)
	}
	return res
}

// EnrichImage resolves one image's bbox and runs Detect on it
func (d *CompositeDetector) EnrichImage(img *ImageRecord, resolver *BBoxResolver, ocrNumbers int) DetectionResult {
	method, err := resolver.Resolve(img)
	if err != nil {
		d.observer.OnAnomaly(img, err)
		return DetectionResult{
			Filename:   img.Filename,
			Resolution: method,
			OCRNumbers: ocrNumbers,
			Skipped:    true,
			Err:        err,
		}
	}

	res := d.Detect(img, resolver.Page(img.Page), ocrNumbers)
	res.Resolution = method
	return res
}

// roundConfidence keeps two decimals so 0.7+0.2 reads as 0.9
func roundConfidence(c float64) float64 {
	return math.Round(c*100) / 100
}

func formatContext(overlapping, nearby string) string {
	var parts []string
	if overlapping != "" {
		parts = append(parts, OverImageLabel+overlapping)
	}
	if nearby != "" {
		parts = append(parts, NearImageLabel+nearby)
	}
	return strings.Join(parts, "\n")
}
