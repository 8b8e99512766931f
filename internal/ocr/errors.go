package ocr

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports a document that must not be sent for extraction:
// missing object, wrong format, or a size outside the accepted range.
// Deterministic, never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "document validation failed: " + e.Reason
}

// TimeoutError reports an asynchronous detection job that exceeded its wait
// budget. The job may still finish on the service side; the pipeline stops
// waiting for it.
type TimeoutError struct {
	Job    string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("text detection job %s did not complete within %s", e.Job, e.Waited)
}

// ServiceError wraps a failure of the detection or storage service. These
// are the only errors the processor's retry loop considers transient.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// QualityError reports output that failed the configured confidence gate.
type QualityError struct {
	Average  float64
	LowRatio float64
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("extraction quality below threshold: average confidence %.2f, low-confidence ratio %.2f", e.Average, e.LowRatio)
}

// Retryable reports whether an extraction error may be retried. Only
// generic service failures qualify; validation, timeout, and quality
// errors are deterministic for a given document.
func Retryable(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}
