package metrics

import "time"

// NoopSink is a Sink that discards all metrics.
type NoopSink struct{}

// NewNoopSink creates a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) RunStarted()                                                               {}
func (n *NoopSink) RunCompleted(outcome string, duration time.Duration)                       {}
func (n *NoopSink) StageCompleted(stage string, duration time.Duration)                       {}
func (n *NoopSink) CredentialCaptured(source string, wait time.Duration)                      {}
func (n *NoopSink) EventsObserved(observed, rejected, ignored int64)                          {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) RetryAttempt(retryable bool)                                               {}
