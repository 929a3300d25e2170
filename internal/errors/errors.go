package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the Visual Triage Worker
 *
 * Design Pattern: Factory Pattern for error creation
 * Only configuration errors and collaborator initialization failures are
 * fatal; every per-image error is recovered and attached to a decision.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Load-time errors (fatal)
	ErrorConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Per-image errors (recovered)
	ErrorOCRFailed       ErrorCode = "OCR_FAILED"
	ErrorGeometryInvalid ErrorCode = "GEOMETRY_INVALID"
	ErrorBBoxAmbiguous   ErrorCode = "BBOX_AMBIGUOUS"

	// Batch/job errors
	ErrorTriageCancelled   ErrorCode = "TRIAGE_CANCELLED"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorInvalidPayload    ErrorCode = "INVALID_PAYLOAD"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// TriageError represents a structured triage error
type TriageError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Filename  string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *TriageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TriageError) Unwrap() error {
	return e.Cause
}

// IsCode reports whether any error in err's chain is a TriageError with code
func IsCode(err error, code ErrorCode) bool {
	var te *TriageError
	if stderrors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// Factory functions for common errors

func NewConfigError(key string, message string, cause error) *TriageError {
	return &TriageError{
		Code:      ErrorConfigInvalid,
		Message:   fmt.Sprintf("%s: %s", key, message),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"config_key": key,
		},
		Cause: cause,
	}
}

func NewOCRFailedError(filename string, cause error) *TriageError {
	return &TriageError{
		Code:      ErrorOCRFailed,
		Message:   "OCR failed, metrics degraded to zero",
		Filename:  filename,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewGeometryError(filename string, message string) *TriageError {
	return &TriageError{
		Code:      ErrorGeometryInvalid,
		Message:   message,
		Filename:  filename,
		Timestamp: time.Now(),
	}
}

func NewBBoxAmbiguityError(filename string, page int, images int, positions int) *TriageError {
	return &TriageError{
		Code:      ErrorBBoxAmbiguous,
		Message:   fmt.Sprintf("cannot pair image with a position on page %d (%d images, %d positions)", page, images, positions),
		Filename:  filename,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"page":      page,
			"images":    images,
			"positions": positions,
		},
	}
}

func NewTriageCancelledError(pending int, cause error) *TriageError {
	return &TriageError{
		Code:      ErrorTriageCancelled,
		Message:   fmt.Sprintf("triage cancelled with %d images not dispatched", pending),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"pending": pending,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *TriageError {
	return &TriageError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewInvalidPayloadError(jobID string, message string) *TriageError {
	return &TriageError{
		Code:      ErrorInvalidPayload,
		Message:   message,
		JobID:     jobID,
		Timestamp: time.Now(),
	}
}

func NewStorageFailedError(jobID string, cause error) *TriageError {
	return &TriageError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store triage results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// WithFilename returns a copy of e attributed to filename
func (e *TriageError) WithFilename(filename string) *TriageError {
	cp := *e
	cp.Filename = filename
	return &cp
}

// ToMap converts error to map for database storage and event payloads
func (e *TriageError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.JobID != "" {
		result["job_id"] = e.JobID
	}
	if e.Filename != "" {
		result["filename"] = e.Filename
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
