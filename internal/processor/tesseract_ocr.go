/**
 * Tesseract OCR - Local text extraction for image triage
 *
 * Simple, free, offline OCR using Tesseract. Every call gets its own
 * client, so concurrent triage workers never share tesseract state.
 */

package processor

import (
	"context"
	"fmt"
	"os"

	"github.com/otiai10/gosseract/v2"
)

// TesseractOCR implements OCRAnalyzer with gosseract
type TesseractOCR struct {
	tesseractPath string
	languages     []string
	pageSegMode   gosseract.PageSegMode
	ignore        map[string]struct{}
	clientFactory func() *gosseract.Client
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	TesseractPath string
	Languages     []string
	IgnoreWords   map[string]struct{}
	PageSegMode   gosseract.PageSegMode
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) (*TesseractOCR, error) {
	if cfg == nil {
		return nil, fmt.Errorf("tesseract config is required")
	}

	if cfg.TesseractPath == "" {
		cfg.TesseractPath = "/usr/bin/tesseract"
	}

	if _, err := os.Stat(cfg.TesseractPath); err != nil {
		return nil, fmt.Errorf("tesseract binary not available at %s: %w", cfg.TesseractPath, err)
	}

	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"eng"}
	}

	// Uniform block of text, the mode charts and tables OCR best in
	if cfg.PageSegMode == 0 {
		cfg.PageSegMode = gosseract.PSM_SINGLE_BLOCK
	}

	return &TesseractOCR{
		tesseractPath: cfg.TesseractPath,
		languages:     cfg.Languages,
		pageSegMode:   cfg.PageSegMode,
		ignore:        cfg.IgnoreWords,
		clientFactory: gosseract.NewClient,
	}, nil
}

// AnalyzeImage performs OCR on raster bytes and returns the text metrics
func (t *TesseractOCR) AnalyzeImage(ctx context.Context, data []byte) (OCRMetrics, error) {
	if len(data) == 0 {
		return OCRMetrics{}, fmt.Errorf("empty image data")
	}

	if err := ctx.Err(); err != nil {
		return OCRMetrics{}, err
	}

	client := t.clientFactory()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return OCRMetrics{}, fmt.Errorf("failed to set languages: %w", err)
	}

	if err := client.SetPageSegMode(t.pageSegMode); err != nil {
		return OCRMetrics{}, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	if err := client.SetImageFromBytes(data); err != nil {
		return OCRMetrics{}, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return OCRMetrics{}, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	return MetricsFromText(text, wordConfidence(client), t.ignore), nil
}

// wordConfidence averages tesseract's per-word confidences (0-100). Words
// tesseract could not score are skipped.
func wordConfidence(client *gosseract.Client) float64 {
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}

	var sum float64
	var n int
	for _, b := range boxes {
		if b.Confidence < 0 {
			continue
		}
		sum += b.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
