package metrics

import (
	"context"
	"errors"
	"net"
	"time"
)

// Sink records capture-run metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Run metrics
	RunStarted()
	RunCompleted(outcome string, duration time.Duration)
	StageCompleted(stage string, duration time.Duration)

	// Extraction metrics
	CredentialCaptured(source string, wait time.Duration)
	EventsObserved(observed, rejected, ignored int64)

	// Delivery metrics
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	RetryAttempt(retryable bool)
}

// Outcome constants for RunCompleted. Failures use the capture error kind.
const (
	OutcomeSuccess = "success"
)

// StatusClass constants for DeliveryAttemptCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return StatusClassTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return StatusClassTimeout
		}
		var dnsErr *net.DNSError
		var opErr *net.OpError
		if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
