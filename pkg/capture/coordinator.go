// Package capture runs one end-to-end token capture: launch a browser
// session, log in, race the credential against a deadline, deliver it and
// tear the session down.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/tokenrelay/pkg/browser"
	"github.com/entrhq/tokenrelay/pkg/extractor"
	"github.com/entrhq/tokenrelay/pkg/logging"
	"github.com/entrhq/tokenrelay/pkg/metrics"
	"github.com/entrhq/tokenrelay/pkg/webhook"
)

// DefaultDeadline bounds the wait for a credential once login has finished.
const DefaultDeadline = 30 * time.Second

// LoginDriver performs the interactive steps. *driver.Driver satisfies it.
type LoginDriver interface {
	Login(ctx context.Context, session browser.Session, loginURL, username, password string) error
	OpenTarget(ctx context.Context, session browser.Session, targetURL string) error
}

// Deliverer sends the credential to the sink. *webhook.Client satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, token string) (*webhook.Result, error)
}

// Options wires a Coordinator.
type Options struct {
	Launcher      browser.Launcher
	LaunchOptions browser.LaunchOptions
	Driver        LoginDriver
	Matcher       extractor.Matcher
	Deliverer     Deliverer

	LoginURL  string
	TargetURL string
	Username  string
	Password  string

	// Deadline bounds the credential race; zero means DefaultDeadline
	Deadline time.Duration

	// Metrics and Summary are optional
	Metrics metrics.Sink
	Summary *SummaryWriter

	Logger *logging.Logger
}

// Result is what a run produced, successful or not.
type Result struct {
	Credential *extractor.Credential
	Delivery   *webhook.Result
	Events     extractor.Stats
	States     []Transition
	StartedAt  time.Time
	FinishedAt time.Time
}

// Coordinator owns the lifecycle of a single capture run. A Coordinator is
// not reusable; create one per run.
type Coordinator struct {
	opts    Options
	metrics metrics.Sink
	logger  *logging.Logger
	now     func() time.Time

	mu     sync.Mutex
	state  State
	trail  []Transition
	staged time.Time
}

// New validates opts and creates a Coordinator.
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Launcher == nil:
		return nil, errors.New("capture: launcher is required")
	case opts.Driver == nil:
		return nil, errors.New("capture: driver is required")
	case opts.Matcher == nil:
		return nil, errors.New("capture: matcher is required")
	case opts.Deliverer == nil:
		return nil, errors.New("capture: deliverer is required")
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	sink := opts.Metrics
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	opts.Logger.RegisterSecret(opts.Password)

	return &Coordinator{
		opts:    opts,
		metrics: sink,
		logger:  opts.Logger,
		now:     time.Now,
		state:   StateIdle,
	}, nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition enters next and records how long the previous stage took.
func (c *Coordinator) transition(next State) {
	now := c.now()

	c.mu.Lock()
	prev, prevAt := c.state, c.staged
	c.state = next
	c.staged = now
	c.trail = append(c.trail, Transition{State: next, At: now})
	c.mu.Unlock()

	if !prevAt.IsZero() {
		c.metrics.StageCompleted(string(prev), now.Sub(prevAt))
	}
	c.logger.Debugf("State %s -> %s", prev, next)
}

// fail builds the run error for the current state. Failures caused by
// cancellation of ctx are reported as KindCanceled.
func (c *Coordinator) fail(ctx context.Context, kind Kind, err error) *Error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		kind = KindCanceled
	}
	return &Error{Kind: kind, State: c.State(), Err: err}
}

// Run executes the capture. It always returns a non-nil Result; on failure
// the error is a *Error. The browser session, once launched, is closed exactly
// once on every path, panics included.
func (c *Coordinator) Run(ctx context.Context) (res *Result, err error) {
	res = &Result{StartedAt: c.now()}
	c.metrics.RunStarted()
	c.transition(StateIdle)

	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: KindInternal, State: c.State(), Err: fmt.Errorf("panic: %v", r)}
		}
		c.finish(res, err)
	}()

	c.logger.Infof("Launching browser session (headless=%t)", c.opts.LaunchOptions.Headless)
	session, launchErr := c.opts.Launcher.Launch(ctx, c.opts.LaunchOptions)
	if launchErr != nil {
		return res, c.fail(ctx, KindSessionSetup, launchErr)
	}

	var closeOnce sync.Once
	teardown := func() {
		closeOnce.Do(func() {
			if err := session.Close(); err != nil {
				c.logger.Warnf("Browser session closed with errors: %v", err)
				return
			}
			c.logger.Verbosef("Browser session closed")
		})
	}
	defer teardown()
	c.transition(StateSessionStarted)

	ext := extractor.New(c.opts.Matcher, c.logger.With("extractor"))
	session.OnNetworkEvent(ext.Observe)
	defer func() { res.Events = ext.Stats() }()

	c.transition(StateLoggingIn)
	if err := c.opts.Driver.Login(ctx, session, c.opts.LoginURL, c.opts.Username, c.opts.Password); err != nil {
		return res, c.fail(ctx, KindLogin, err)
	}

	if c.opts.TargetURL != "" {
		c.transition(StateAwaitingTarget)
		if err := c.opts.Driver.OpenTarget(ctx, session, c.opts.TargetURL); err != nil {
			return res, c.fail(ctx, KindLogin, err)
		}
	}

	c.transition(StateAwaitingCredential)
	cred, err := c.await(ctx, ext)
	if err != nil {
		return res, err
	}
	res.Credential = &cred

	// Delivery resolves before the deferred teardown closes the session.
	c.transition(StateDelivering)
	delivery, err := c.opts.Deliverer.Deliver(ctx, cred.Value)
	res.Delivery = delivery
	if err != nil {
		return res, c.fail(ctx, KindDelivery, err)
	}
	return res, nil
}

// await races the extractor's found signal against the deadline and ctx.
// If the deadline and a credential arrive together, the credential wins:
// Stop only succeeds when nothing was accepted yet.
func (c *Coordinator) await(ctx context.Context, ext *extractor.Extractor) (extractor.Credential, error) {
	c.logger.Infof("Waiting up to %s for a credential (%s)", c.opts.Deadline, ext.Source())
	raceStart := c.now()

	timer := time.NewTimer(c.opts.Deadline)
	defer timer.Stop()

	select {
	case <-ext.Found():
	case <-timer.C:
		if ext.Stop() {
			return extractor.Credential{}, &Error{
				Kind:  KindExtractionTimeout,
				State: c.State(),
				Err:   fmt.Errorf("%w (waited %s)", ErrNoCredential, c.opts.Deadline),
			}
		}
	case <-ctx.Done():
		if ext.Stop() {
			return extractor.Credential{}, &Error{Kind: KindCanceled, State: c.State(), Err: ctx.Err()}
		}
	}

	// Stop lost the race, so the found signal is closed or about to be.
	<-ext.Found()
	cred, _ := ext.Credential()
	c.metrics.CredentialCaptured(string(cred.Source), c.now().Sub(raceStart))
	return cred, nil
}

// finish moves to done, reports the outcome and writes the run summary.
func (c *Coordinator) finish(res *Result, err error) {
	c.transition(StateDone)
	res.FinishedAt = c.now()
	duration := res.FinishedAt.Sub(res.StartedAt)

	c.mu.Lock()
	res.States = append([]Transition(nil), c.trail...)
	c.mu.Unlock()

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = string(KindOf(err))
		c.logger.Errorf("%s", Describe(err))
		c.logFailureDetail(res, err)
	} else {
		c.logger.Successf("Capture run completed in %s", duration.Round(time.Millisecond))
	}

	c.metrics.EventsObserved(res.Events.Observed, res.Events.Rejected, res.Events.Ignored)
	c.metrics.RunCompleted(outcome, duration)

	if c.opts.Summary != nil {
		summary := BuildSummary(res, err, c.logger.Redact)
		if writeErr := c.opts.Summary.WriteAll(summary); writeErr != nil {
			c.logger.Warnf("Failed to write run summary: %v", writeErr)
		} else {
			c.logger.Verbosef("Run summary written to %s", c.opts.Summary.Dir())
		}
	}
}

// logFailureDetail adds what an operator needs to act on a failure.
func (c *Coordinator) logFailureDetail(res *Result, err error) {
	switch KindOf(err) {
	case KindDelivery:
		var rejected *webhook.RejectedError
		if errors.As(err, &rejected) {
			c.logger.Errorf("Sink answered %d; response body: %s", rejected.StatusCode, orNone(rejected.Body))
		}
		var netErr *webhook.NetworkError
		if errors.As(err, &netErr) {
			c.logger.Errorf("Sink at %s was unreachable", netErr.URL)
		}
		if res.Credential != nil {
			c.logger.Errorf("Captured credential %s was discarded; rerun to retry delivery", res.Credential.Preview())
		}
	case KindExtractionTimeout:
		c.logger.Errorf("Login completed but no request matched within %s; observed %d events, %d rejected",
			c.opts.Deadline, res.Events.Observed, res.Events.Rejected)
	}
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
