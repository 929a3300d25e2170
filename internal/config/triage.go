package config

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
)

// TriageConfig holds the numeric thresholds of the image value filter and the
// composite chart detector. It is loaded once per run and treated as
// read-only afterwards; components receive it by value.
type TriageConfig struct {
	// Image value filter
	MinChars                   int
	MinDigits                  int
	MinWords                   int
	MinTextDensity             float64 // OCR characters per 10,000 px²
	MinDimension               int     // pixels; discard when both sides are below
	MinArea                    int     // pixels²
	CharsWithNumbersMultiplier float64
	RequireNumbers             bool
	IgnoreWords                []string // excluded from the useful word count (brand names, taglines)
	OCRLang                    string   // tesseract languages, e.g. "spa+eng"

	// Composite chart detector
	ProximityMargin    float64 // points
	MinChartWidth      int     // pixels
	MinChartHeight     int     // pixels
	MinPageRatio       float64 // image bbox area / page area
	MinNearbyNumbers   int
	OCRNumberThreshold int

	// Execution
	Workers    int
	OCRTimeout time.Duration
}

// DefaultTriageConfig returns the documented defaults
func DefaultTriageConfig() TriageConfig {
	return TriageConfig{
		MinChars:                   10,
		MinDigits:                  2,
		MinWords:                   3,
		MinTextDensity:             1.5,
		MinDimension:               100,
		MinArea:                    10000,
		CharsWithNumbersMultiplier: 0.5,
		RequireNumbers:             false,
		IgnoreWords:                nil,
		OCRLang:                    "spa+eng",
		ProximityMargin:            50,
		MinChartWidth:              200,
		MinChartHeight:             150,
		MinPageRatio:               0.1,
		MinNearbyNumbers:           3,
		OCRNumberThreshold:         2,
		Workers:                    runtime.NumCPU(),
		OCRTimeout:                 30 * time.Second,
	}
}

// Validate checks every threshold and returns a ConfigError for the first
// malformed value
func (c TriageConfig) Validate() error {
	nonNegative := []struct {
		key   string
		value int
	}{
		{"TRIAGE_MIN_CHARS", c.MinChars},
		{"TRIAGE_MIN_DIGITS", c.MinDigits},
		{"TRIAGE_MIN_WORDS", c.MinWords},
		{"TRIAGE_MIN_DIMENSION", c.MinDimension},
		{"TRIAGE_MIN_AREA", c.MinArea},
		{"TRIAGE_MIN_CHART_WIDTH", c.MinChartWidth},
		{"TRIAGE_MIN_CHART_HEIGHT", c.MinChartHeight},
		{"TRIAGE_OCR_NUMBER_THRESHOLD", c.OCRNumberThreshold},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			return errors.NewConfigError(f.key, fmt.Sprintf("must be >= 0, got %d", f.value), nil)
		}
	}

	if c.MinNearbyNumbers < 1 {
		return errors.NewConfigError("TRIAGE_MIN_NEARBY_NUMBERS", fmt.Sprintf("must be >= 1, got %d", c.MinNearbyNumbers), nil)
	}

	if c.MinTextDensity < 0 {
		return errors.NewConfigError("TRIAGE_MIN_TEXT_DENSITY", fmt.Sprintf("must be >= 0, got %v", c.MinTextDensity), nil)
	}

	if c.CharsWithNumbersMultiplier < 0 || c.CharsWithNumbersMultiplier > 1 {
		return errors.NewConfigError("TRIAGE_CHARS_WITH_NUMBERS_MULTIPLIER", fmt.Sprintf("must be between 0 and 1, got %v", c.CharsWithNumbersMultiplier), nil)
	}

	if c.ProximityMargin < 0 {
		return errors.NewConfigError("TRIAGE_PROXIMITY_MARGIN", fmt.Sprintf("must be >= 0, got %v", c.ProximityMargin), nil)
	}

	if c.MinPageRatio < 0 || c.MinPageRatio > 1 {
		return errors.NewConfigError("TRIAGE_MIN_PAGE_RATIO", fmt.Sprintf("must be between 0 and 1, got %v", c.MinPageRatio), nil)
	}

	if strings.TrimSpace(c.OCRLang) == "" {
		return errors.NewConfigError("TRIAGE_OCR_LANG", "is required", nil)
	}

	if c.Workers < 1 || c.Workers > 256 {
		return errors.NewConfigError("TRIAGE_WORKERS", fmt.Sprintf("must be between 1 and 256, got %d", c.Workers), nil)
	}

	if c.OCRTimeout <= 0 {
		return errors.NewConfigError("TRIAGE_OCR_TIMEOUT_MS", fmt.Sprintf("must be positive, got %v", c.OCRTimeout), nil)
	}

	return nil
}

// IgnoreSet returns the ignore words lower-cased as a lookup set
func (c TriageConfig) IgnoreSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.IgnoreWords))
	for _, w := range c.IgnoreWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// Languages splits OCRLang ("spa+eng") into tesseract language codes
func (c TriageConfig) Languages() []string {
	var langs []string
	for _, l := range strings.Split(c.OCRLang, "+") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	return langs
}

// Summary renders the thresholds as key/value pairs for startup logging
func (c TriageConfig) Summary() []interface{} {
	ignore := append([]string(nil), c.IgnoreWords...)
	sort.Strings(ignore)
	return []interface{}{
		"minChars", c.MinChars,
		"minDigits", c.MinDigits,
		"minWords", c.MinWords,
		"minTextDensity", c.MinTextDensity,
		"minDimension", c.MinDimension,
		"minArea", c.MinArea,
		"requireNumbers", c.RequireNumbers,
		"ignoreWords", strings.Join(ignore, ","),
		"ocrLang", c.OCRLang,
		"proximityMargin", c.ProximityMargin,
		"minChart", fmt.Sprintf("%dx%d", c.MinChartWidth, c.MinChartHeight),
		"minPageRatio", c.MinPageRatio,
		"minNearbyNumbers", c.MinNearbyNumbers,
		"ocrNumberThreshold", c.OCRNumberThreshold,
		"workers", c.Workers,
		"ocrTimeout", c.OCRTimeout,
	}
}
