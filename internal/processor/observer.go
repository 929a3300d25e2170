package processor

import (
	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
	"github.com/adverant/nexus/visual-triage-worker/internal/logging"
)

// Observer receives triage events. Implementations are called from worker
// goroutines and must be safe for concurrent use.
type Observer interface {
	OnDecision(img *ImageRecord, kept bool, reason string)
	OnCompositeDetected(img *ImageRecord, confidence float64)
	OnAnomaly(img *ImageRecord, err error)
}

// NopObserver discards every event
type NopObserver struct{}

func (NopObserver) OnDecision(*ImageRecord, bool, string)     {}
func (NopObserver) OnCompositeDetected(*ImageRecord, float64) {}
func (NopObserver) OnAnomaly(*ImageRecord, error)             {}

// LogObserver renders events through a Logger
type LogObserver struct {
	logger *logging.Logger
}

// NewLogObserver creates an observer logging under the given logger
func NewLogObserver(logger *logging.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) OnDecision(img *ImageRecord, kept bool, reason string) {
	if kept {
		o.logger.Debug("Image kept", "file", img.Filename, "page", img.Page, "reason", reason)
		return
	}
	o.logger.Info("Image discarded", "file", img.Filename, "page", img.Page, "reason", reason)
}

func (o *LogObserver) OnCompositeDetected(img *ImageRecord, confidence float64) {
	o.logger.Info("Composite chart detected",
		"file", img.Filename,
		"page", img.Page,
		"confidence", confidence)
}

func (o *LogObserver) OnAnomaly(img *ImageRecord, err error) {
	file := ""
	if img != nil {
		file = img.Filename
	}

	// Degraded paths the engine already recovers from are warnings
	if errors.IsCode(err, errors.ErrorOCRFailed) ||
		errors.IsCode(err, errors.ErrorGeometryInvalid) ||
		errors.IsCode(err, errors.ErrorBBoxAmbiguous) {
		o.logger.Warn("Triage anomaly", "file", file, "error", err)
		return
	}
	o.logger.Error("Triage anomaly", "file", file, "error", err)
}

// MultiObserver fans events out to several observers in order
type MultiObserver []Observer

func (m MultiObserver) OnDecision(img *ImageRecord, kept bool, reason string) {
	for _, o := range m {
		o.OnDecision(img, kept, reason)
	}
}

func (m MultiObserver) OnCompositeDetected(img *ImageRecord, confidence float64) {
	for _, o := range m {
		o.OnCompositeDetected(img, confidence)
	}
}

func (m MultiObserver) OnAnomaly(img *ImageRecord, err error) {
	for _, o := range m {
		o.OnAnomaly(img, err)
	}
}
