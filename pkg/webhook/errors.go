package webhook

import (
	"errors"
	"fmt"
	"net/http"
)

// RejectedError is returned when the sink answered with a non-2xx status.
type RejectedError struct {
	StatusCode int
	Status     string

	// Body is the response body, read best-effort and truncated
	Body string

	// BodyErr is set when the body could not be read; the status is still reported
	BodyErr error
}

func (e *RejectedError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Body == "" {
		return fmt.Sprintf("webhook rejected delivery: %s", status)
	}
	return fmt.Sprintf("webhook rejected delivery: %s: %s", status, truncate(e.Body, maxErrorBody))
}

// Retryable reports whether a later attempt might succeed.
func (e *RejectedError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NetworkError is returned when the sink could not be reached at all:
// connection refused, DNS failure or timeout.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("webhook unreachable at %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a delivery failure worth retrying:
// network errors, 429 and 5xx responses.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Retryable()
	}
	return false
}

const maxErrorBody = 512

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
