package screenshot

import (
	"context"
	"errors"

	"screenshotter/internal/platform/browser"
)

var (
	ErrInvalidRequest  = errors.New("invalid capture request")
	ErrFeatureDisabled = errors.New("feature disabled")
	ErrElementNotFound = errors.New("element not found")
	ErrNavigation      = errors.New("navigation error")
	ErrQueueTimeout    = errors.New("queue timeout")
	ErrCaptureTimeout  = errors.New("capture timeout")
	ErrInterrupted     = errors.New("interrupted")
	ErrCapture         = errors.New("capture failed")
	ErrStorage         = errors.New("artifact storage failed")
	ErrNotCompleted    = errors.New("job not completed")
	ErrJobActive       = errors.New("job is still queued or running")
	ErrPoolClosed      = errors.New("capture pool closed")
)

// Error codes persisted on failed jobs.
const (
	CodeFeatureDisabled     = "feature_disabled"
	CodeElementNotFound     = "element_not_found"
	CodeNavigation          = "navigation_error"
	CodeResourceUnavailable = "resource_unavailable"
	CodeQueueTimeout        = "queue_timeout"
	CodeCaptureTimeout      = "capture_timeout"
	CodeInterrupted         = "interrupted"
	CodeStorage             = "storage_error"
	CodeCapture             = "capture_error"
)

// Code maps an error to the stable code stored on the job record.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFeatureDisabled):
		return CodeFeatureDisabled
	case errors.Is(err, ErrElementNotFound):
		return CodeElementNotFound
	case errors.Is(err, ErrQueueTimeout):
		return CodeQueueTimeout
	case errors.Is(err, ErrCaptureTimeout):
		return CodeCaptureTimeout
	case errors.Is(err, ErrInterrupted):
		return CodeInterrupted
	case errors.Is(err, ErrNavigation):
		return CodeNavigation
	case errors.Is(err, browser.ErrResourceUnavailable):
		return CodeResourceUnavailable
	case errors.Is(err, ErrStorage):
		return CodeStorage
	default:
		return CodeCapture
	}
}

// callerInput errors come from the request itself and are never retried.
func callerInput(err error) bool {
	return errors.Is(err, ErrFeatureDisabled) ||
		errors.Is(err, ErrElementNotFound) ||
		errors.Is(err, ErrInvalidRequest)
}

// transient errors are eligible for one retry with a freshly acquired page.
func transient(err error) bool {
	return errors.Is(err, ErrNavigation) || errors.Is(err, browser.ErrResourceUnavailable)
}

// fromContext turns an expired or cancelled job context into a terminal cause.
func fromContext(ctx context.Context) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrCaptureTimeout
	case ctx.Err() != nil:
		return ErrInterrupted
	}
	return nil
}
