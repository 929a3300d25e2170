/**
 * OCR Types - Shared data structures for OCR-driven triage
 *
 * The OCR engine is an external collaborator behind the OCRAnalyzer
 * capability so the filter and detector can run against deterministic fakes.
 */

package processor

import (
	"context"
	"strings"
	"unicode"
)

// OCRAnalyzer extracts text metrics from raster bytes
type OCRAnalyzer interface {
	AnalyzeImage(ctx context.Context, data []byte) (OCRMetrics, error)
}

// OCRAnalyzerFunc adapts a function to OCRAnalyzer
type OCRAnalyzerFunc func(ctx context.Context, data []byte) (OCRMetrics, error)

func (f OCRAnalyzerFunc) AnalyzeImage(ctx context.Context, data []byte) (OCRMetrics, error) {
	return f(ctx, data)
}

// OCRMetrics summarizes the text found inside one image
type OCRMetrics struct {
	Text            string  `json:"text"`
	CharCount       int     `json:"charCount"`       // non-whitespace runes
	DigitCount      int     `json:"digitCount"`      // digit runes
	WordCount       int     `json:"wordCount"`       // whitespace separated tokens
	UsefulWordCount int     `json:"usefulWordCount"` // tokens that look like real, non-ignored words
	HasNumbers      bool    `json:"hasNumbers"`
	ConfidenceScore float64 `json:"confidenceScore"`
}

// minUsefulWordRunes drops OCR noise like "a", "|", "—" from the word signal
const minUsefulWordRunes = 3

// MetricsFromText computes OCRMetrics from recognized text. ignore holds
// lower-cased words that never count as useful (see TriageConfig.IgnoreSet).
func MetricsFromText(text string, confidence float64, ignore map[string]struct{}) OCRMetrics {
	words := strings.Fields(text)

	m := OCRMetrics{
		Text:            strings.Join(words, " "),
		WordCount:       len(words),
		ConfidenceScore: confidence,
	}

	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		m.CharCount++
		if unicode.IsDigit(r) {
			m.DigitCount++
		}
	}
	m.HasNumbers = m.DigitCount > 0

	for _, w := range words {
		if isUsefulWord(w, ignore) {
			m.UsefulWordCount++
		}
	}

	return m
}

func isUsefulWord(token string, ignore map[string]struct{}) bool {
	w := strings.ToLower(strings.TrimFunc(token, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	}))
	if len([]rune(w)) < minUsefulWordRunes {
		return false
	}
	hasLetter := false
	for _, r := range w {
		if unicode.IsLetter(r) {
			hasLetter = true
			break
		}
	}
	if !hasLetter {
		return false
	}
	_, ignored := ignore[w]
	return !ignored
}
