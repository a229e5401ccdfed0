// Package webhook delivers a captured credential to the remote token store.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/entrhq/tokenrelay/pkg/logging"
	"github.com/entrhq/tokenrelay/pkg/metrics"
)

// Defaults for delivery.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 1

	// maxResponseBody caps how much of the sink's response is kept
	maxResponseBody = 64 << 10
)

var defaultBackoff = []time.Duration{
	0,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Payload is the JSON body sent to the sink.
type Payload struct {
	Token  string `json:"token"`
	Secret string `json:"secret"`
}

// Options configures a Client.
type Options struct {
	// URL is the sink endpoint
	URL string

	// Secret is the pre-shared secret sent alongside the token
	Secret string

	// Timeout bounds each HTTP attempt
	Timeout time.Duration

	// MaxAttempts is the total number of attempts; 1 disables retries
	MaxAttempts int

	// Backoff is the wait before each attempt, indexed by attempt-1; the last
	// entry repeats
	Backoff []time.Duration

	// HTTPClient overrides the default client
	HTTPClient *http.Client
}

// Attempt records one HTTP exchange with the sink.
type Attempt struct {
	Number     int
	StatusCode int
	Status     string
	Body       []byte
	Err        error
	Duration   time.Duration
}

// IsSuccess reports whether the attempt got a 2xx answer.
func (a Attempt) IsSuccess() bool {
	return a.Err == nil && a.StatusCode >= 200 && a.StatusCode < 300
}

// Result describes a completed delivery.
type Result struct {
	StatusCode int
	Status     string
	Body       []byte
	Attempts   []Attempt
	Duration   time.Duration
}

// JSON returns the response body parsed as JSON, when it is valid JSON.
// The sink's response shape is not part of the contract; this is for
// observability only.
func (r *Result) JSON() (gjson.Result, bool) {
	if r == nil || !gjson.ValidBytes(r.Body) {
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(r.Body), true
}

// Client posts credentials to the sink.
type Client struct {
	url         string
	secret      string
	timeout     time.Duration
	maxAttempts int
	backoff     []time.Duration
	http        *http.Client
	metrics     metrics.Sink
	logger      *logging.Logger
}

// NewClient creates a delivery client. The secret is registered with the
// logger's redactor so it can never appear in log output.
func NewClient(opts Options, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	logger.RegisterSecret(opts.Secret)

	return &Client{
		url:         opts.URL,
		secret:      opts.Secret,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		http:        opts.HTTPClient,
		metrics:     metrics.NewNoopSink(),
		logger:      logger,
	}
}

// WithMetrics attaches a metrics sink to the client.
func (c *Client) WithMetrics(sink metrics.Sink) *Client {
	if sink != nil {
		c.metrics = sink
	}
	return c
}

// Deliver sends token to the sink. It returns the Result on a 2xx answer.
// Otherwise it returns the Result so far together with a *RejectedError or
// *NetworkError for the last attempt. Only retryable failures are retried,
// and only when MaxAttempts > 1. A URL that cannot form a request fails at
// once with neither type.
func (c *Client) Deliver(ctx context.Context, token string) (*Result, error) {
	start := time.Now()
	c.logger.RegisterSecret(token)

	body, err := json.Marshal(Payload{Token: token, Secret: c.secret})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	c.logger.Infof("Delivering credential %s to %s", logging.Preview(token), c.url)

	result := &Result{}
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			c.metrics.RetryAttempt(IsRetryable(lastErr))

			wait := c.backoffFor(attempt)
			c.logger.Warnf("Retrying delivery, attempt %d/%d in %s", attempt, c.maxAttempts, wait)
			if err := sleepContext(ctx, wait); err != nil {
				result.Duration = time.Since(start)
				return result, errors.Join(lastErr, err)
			}
		}

		a, err := c.send(ctx, attempt, body)
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		result.Attempts = append(result.Attempts, a)
		c.metrics.DeliveryAttemptCompleted(attempt, classify(a), a.Duration)

		if a.IsSuccess() {
			result.StatusCode = a.StatusCode
			result.Status = a.Status
			result.Body = a.Body
			result.Duration = time.Since(start)
			c.logSuccess(result)
			return result, nil
		}

		lastErr = c.attemptError(a)
		result.StatusCode = a.StatusCode
		result.Status = a.Status
		result.Body = a.Body

		if !IsRetryable(lastErr) || ctx.Err() != nil {
			break
		}
		c.logger.Verbosef("Delivery attempt %d failed: %v", attempt, lastErr)
	}

	result.Duration = time.Since(start)
	return result, lastErr
}

// send performs a single POST. The returned error is set only when no request
// could be built; the sink was never contacted and retrying cannot help.
func (c *Client) send(ctx context.Context, number int, body []byte) (Attempt, error) {
	start := time.Now()
	a := Attempt{Number: number}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return a, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		a.Err = err
		a.Duration = time.Since(start)
		return a, nil
	}
	defer resp.Body.Close()

	a.StatusCode = resp.StatusCode
	a.Status = resp.Status
	a.Body, a.Err = readBody(resp.Body)
	a.Duration = time.Since(start)
	if a.Err != nil && a.StatusCode >= 200 && a.StatusCode < 300 {
		// The sink accepted the token; an unreadable body does not undo that.
		c.logger.Warnf("Could not read sink response body: %v", a.Err)
		a.Err = nil
	}
	return a, nil
}

// attemptError classifies a failed attempt. A body read error never masks
// the status failure.
func (c *Client) attemptError(a Attempt) error {
	if a.StatusCode == 0 {
		return &NetworkError{URL: c.url, Err: a.Err}
	}
	return &RejectedError{
		StatusCode: a.StatusCode,
		Status:     a.Status,
		Body:       string(a.Body),
		BodyErr:    a.Err,
	}
}

func (c *Client) logSuccess(r *Result) {
	if parsed, ok := r.JSON(); ok {
		c.logger.Successf("Credential delivered (%s): %s", r.Status, parsed.Raw)
		return
	}
	if len(r.Body) == 0 {
		c.logger.Successf("Credential delivered (%s)", r.Status)
		return
	}
	c.logger.Successf("Credential delivered (%s): %s", r.Status, truncate(string(r.Body), maxErrorBody))
}

func classify(a Attempt) string {
	if a.StatusCode != 0 {
		return metrics.ClassifyStatus(a.StatusCode, nil)
	}
	return metrics.ClassifyStatus(0, a.Err)
}

func (c *Client) backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(c.backoff) {
		idx = len(c.backoff) - 1
	}
	return c.backoff[idx]
}

func readBody(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxResponseBody))
	if err != nil {
		return data, fmt.Errorf("read response body: %w", err)
	}
	return data, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
