package upload

import (
	"errors"
	"fmt"
)

// ErrJobInProgress is returned when Start is called on a job that is already uploading.
var ErrJobInProgress = errors.New("upload already in progress for this job")

// ErrJobFinished is returned when Start is called on a completed or failed job.
// A new job has to be planned for every new upload.
var ErrJobFinished = errors.New("job already finished, plan a new job")

// ValidationError is a caller-correctable problem detected before anything is sent.
type ValidationError struct {
	Reason string
}

// NewValidationError ...
func NewValidationError(format string, v ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, v...)}
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ChunkTransmissionError describes a single failed chunk attempt.
// It is a diagnostic only, the uploader retries chunks on its own.
type ChunkTransmissionError struct {
	Index int
	Cause error
}

func (e *ChunkTransmissionError) Error() string {
	return fmt.Sprintf("chunk %d: %s", e.Index, e.Cause)
}

func (e *ChunkTransmissionError) Unwrap() error {
	return e.Cause
}

// UploadFailure is the terminal failure of a job.
type UploadFailure struct {
	Cause error
}

func (e *UploadFailure) Error() string {
	return e.Cause.Error()
}

func (e *UploadFailure) Unwrap() error {
	return e.Cause
}

// IsValidationError ...
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}
