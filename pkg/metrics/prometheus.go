package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/entrhq/tokenrelay/pkg/logging"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *logging.Logger
	now    func() time.Time

	// Run metrics
	runsTotal        prometheus.Counter
	runOutcomesTotal *prometheus.CounterVec
	runDuration      prometheus.Histogram
	stageDuration    *prometheus.HistogramVec
	lastRunTimestamp prometheus.Gauge
	lastRunSuccess   prometheus.Gauge

	// Extraction metrics
	credentialsTotal *prometheus.CounterVec
	credentialWait   prometheus.Histogram
	eventsTotal      *prometheus.CounterVec

	// Delivery metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	webhookDuration       prometheus.Histogram
	retryAttemptsTotal    *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink registered on reg.
func NewPrometheusSink(reg prometheus.Registerer, logger *logging.Logger) *PrometheusSink {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &PrometheusSink{logger: logger, now: time.Now}
	s.initRunMetrics(reg)
	s.initExtractionMetrics(reg)
	s.initDeliveryMetrics(reg)
	return s
}

func (s *PrometheusSink) initRunMetrics(reg prometheus.Registerer) {
	s.runsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokenrelay_runs_total",
		Help: "Total number of capture runs started.",
	})
	s.runOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenrelay_run_outcomes_total",
		Help: "Total number of capture runs by final outcome.",
	}, []string{"outcome"})
	s.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenrelay_run_duration_seconds",
		Help:    "End-to-end duration of a capture run in seconds.",
		Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300},
	})
	s.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokenrelay_stage_duration_seconds",
		Help:    "Duration of each capture stage in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"})
	s.lastRunTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tokenrelay_last_run_timestamp_seconds",
		Help: "Unix time the last capture run completed.",
	})
	s.lastRunSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tokenrelay_last_run_success",
		Help: "1 if the last capture run delivered a credential, 0 otherwise.",
	})

	s.register(reg, s.runsTotal, "tokenrelay_runs_total")
	s.register(reg, s.runOutcomesTotal, "tokenrelay_run_outcomes_total")
	s.register(reg, s.runDuration, "tokenrelay_run_duration_seconds")
	s.register(reg, s.stageDuration, "tokenrelay_stage_duration_seconds")
	s.register(reg, s.lastRunTimestamp, "tokenrelay_last_run_timestamp_seconds")
	s.register(reg, s.lastRunSuccess, "tokenrelay_last_run_success")
}

func (s *PrometheusSink) initExtractionMetrics(reg prometheus.Registerer) {
	s.credentialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenrelay_credentials_captured_total",
		Help: "Total number of credentials captured by discovery source.",
	}, []string{"source"})
	s.credentialWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenrelay_credential_wait_seconds",
		Help:    "Time from the start of the credential race until a credential was found.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	})
	s.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenrelay_network_events_total",
		Help: "Network events seen by the extractor, by result.",
	}, []string{"result"})

	s.register(reg, s.credentialsTotal, "tokenrelay_credentials_captured_total")
	s.register(reg, s.credentialWait, "tokenrelay_credential_wait_seconds")
	s.register(reg, s.eventsTotal, "tokenrelay_network_events_total")
}

func (s *PrometheusSink) initDeliveryMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenrelay_delivery_attempts_total",
		Help: "Total number of webhook delivery attempts.",
	}, []string{"attempt", "status_class"})
	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenrelay_webhook_duration_seconds",
		Help:    "Webhook request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenrelay_retry_attempts_total",
		Help: "Total number of delivery retries (excludes first attempt).",
	}, []string{"retryable"})

	s.register(reg, s.deliveryAttemptsTotal, "tokenrelay_delivery_attempts_total")
	s.register(reg, s.webhookDuration, "tokenrelay_webhook_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "tokenrelay_retry_attempts_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warnf("Failed to register metric %s: %v", name, err)
	}
}

// Run metrics implementation

func (s *PrometheusSink) RunStarted() {
	s.runsTotal.Inc()
}

func (s *PrometheusSink) RunCompleted(outcome string, duration time.Duration) {
	s.runOutcomesTotal.WithLabelValues(outcome).Inc()
	s.runDuration.Observe(duration.Seconds())
	s.lastRunTimestamp.Set(float64(s.now().Unix()))
	if outcome == OutcomeSuccess {
		s.lastRunSuccess.Set(1)
	} else {
		s.lastRunSuccess.Set(0)
	}
}

func (s *PrometheusSink) StageCompleted(stage string, duration time.Duration) {
	s.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// Extraction metrics implementation

func (s *PrometheusSink) CredentialCaptured(source string, wait time.Duration) {
	s.credentialsTotal.WithLabelValues(source).Inc()
	s.credentialWait.Observe(wait.Seconds())
}

func (s *PrometheusSink) EventsObserved(observed, rejected, ignored int64) {
	s.eventsTotal.WithLabelValues("observed").Add(float64(observed))
	s.eventsTotal.WithLabelValues("rejected").Add(float64(rejected))
	s.eventsTotal.WithLabelValues("ignored").Add(float64(ignored))
}

// Delivery metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	s.retryAttemptsTotal.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

// WriteTextfile writes everything gathered from g to path in the Prometheus
// text format, for pickup by a node_exporter textfile collector. The file is
// replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
