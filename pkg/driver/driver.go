// Package driver performs the interactive login sequence that brings a
// browser session to an authenticated state.
//
// The identity provider's form is treated as opaque: each control is located
// through a prioritized list of selectors, tried in order with a short
// per-selector bound, while page navigations get a much longer bound because
// redirect chains through identity providers vary widely in latency.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/tokenrelay/pkg/browser"
	"github.com/entrhq/tokenrelay/pkg/logging"
)

// ErrSelectorNotFound is wrapped by StepError when every candidate selector
// for a control failed to resolve.
var ErrSelectorNotFound = errors.New("no candidate selector resolved")

// Default bounds for driver steps.
const (
	DefaultNavigationTimeout = 120 * time.Second
	DefaultSelectorTimeout   = 15 * time.Second
)

// Step names a stage of the login sequence.
type Step string

const (
	StepOpenLogin    Step = "open-login"
	StepSettleLogin  Step = "settle-login"
	StepFindUsername Step = "find-username"
	StepFillUsername Step = "fill-username"
	StepFindPassword Step = "find-password"
	StepFillPassword Step = "fill-password"
	StepFindSubmit   Step = "find-submit"
	StepSubmit       Step = "submit"
	StepOpenTarget   Step = "open-target"
	StepSettleTarget Step = "settle-target"
)

// StepError reports which step of the sequence failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("login step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Selectors lists candidate CSS selectors for each login control, in
// priority order.
type Selectors struct {
	Username []string `yaml:"username" json:"username"`
	Password []string `yaml:"password" json:"password"`
	Submit   []string `yaml:"submit" json:"submit"`
}

// DefaultSelectors returns the built-in candidates: exact id, then name
// attribute, then input type.
func DefaultSelectors() Selectors {
	return Selectors{
		Username: []string{
			"#username",
			`input[name="username"]`,
			`input[type="email"]`,
		},
		Password: []string{
			"#password",
			`input[name="password"][type="password"]`,
			`input[type="password"]`,
		},
		Submit: []string{
			`button[type="submit"][name="action"][value="default"]`,
			`button[type="submit"]`,
		},
	}
}

// merge fills empty lists in s from d.
func (s Selectors) merge(d Selectors) Selectors {
	if len(s.Username) == 0 {
		s.Username = d.Username
	}
	if len(s.Password) == 0 {
		s.Password = d.Password
	}
	if len(s.Submit) == 0 {
		s.Submit = d.Submit
	}
	return s
}

// Options configures a Driver. Zero values fall back to defaults.
type Options struct {
	Selectors         Selectors
	NavigationTimeout time.Duration
	SelectorTimeout   time.Duration
}

// Driver runs the login sequence against a session.
type Driver struct {
	selectors         Selectors
	navigationTimeout time.Duration
	selectorTimeout   time.Duration
	logger            *logging.Logger
}

// New creates a Driver.
func New(opts Options, logger *logging.Logger) *Driver {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = DefaultNavigationTimeout
	}
	if opts.SelectorTimeout <= 0 {
		opts.SelectorTimeout = DefaultSelectorTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Driver{
		selectors:         opts.Selectors.merge(DefaultSelectors()),
		navigationTimeout: opts.NavigationTimeout,
		selectorTimeout:   opts.SelectorTimeout,
		logger:            logger,
	}
}

// Login opens loginURL, fills the credentials and submits the form. It
// returns once the post-submit navigation has settled. Any failure is a
// *StepError.
func (d *Driver) Login(ctx context.Context, session browser.Session, loginURL, username, password string) error {
	d.logger.Infof("Opening login page %s", loginURL)
	if err := session.Navigate(ctx, loginURL, d.navigationTimeout); err != nil {
		return &StepError{Step: StepOpenLogin, Err: err}
	}
	if err := session.WaitForSettle(ctx, d.navigationTimeout); err != nil {
		return &StepError{Step: StepSettleLogin, Err: err}
	}

	userSel, err := d.resolve(ctx, session, d.selectors.Username)
	if err != nil {
		return &StepError{Step: StepFindUsername, Err: err}
	}
	if err := session.Fill(ctx, userSel, username, d.selectorTimeout); err != nil {
		return &StepError{Step: StepFillUsername, Err: err}
	}

	passSel, err := d.resolve(ctx, session, d.selectors.Password)
	if err != nil {
		return &StepError{Step: StepFindPassword, Err: err}
	}
	if err := session.Fill(ctx, passSel, password, d.selectorTimeout); err != nil {
		return &StepError{Step: StepFillPassword, Err: err}
	}

	submitSel, err := d.resolve(ctx, session, d.selectors.Submit)
	if err != nil {
		return &StepError{Step: StepFindSubmit, Err: err}
	}

	d.logger.Verbosef("Submitting login form via %s", submitSel)
	if err := session.ClickAndSettle(ctx, submitSel, d.navigationTimeout); err != nil {
		return &StepError{Step: StepSubmit, Err: err}
	}

	d.logger.Infof("Login submitted, now at %s", session.URL())
	return nil
}

// OpenTarget navigates to targetURL and waits for it to settle. This is the
// page whose API calls carry the credential.
func (d *Driver) OpenTarget(ctx context.Context, session browser.Session, targetURL string) error {
	d.logger.Infof("Opening target page %s", targetURL)
	if err := session.Navigate(ctx, targetURL, d.navigationTimeout); err != nil {
		return &StepError{Step: StepOpenTarget, Err: err}
	}
	if err := session.WaitForSettle(ctx, d.navigationTimeout); err != nil {
		return &StepError{Step: StepSettleTarget, Err: err}
	}
	return nil
}

// resolve returns the first candidate that becomes visible within the
// per-selector timeout.
func (d *Driver) resolve(ctx context.Context, session browser.Session, candidates []string) (string, error) {
	var lastErr error
	for _, sel := range candidates {
		err := session.WaitForSelector(ctx, sel, d.selectorTimeout)
		if err == nil {
			d.logger.Debugf("Resolved selector %s", sel)
			return sel, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		d.logger.Debugf("Selector %s did not resolve: %v", sel, err)
		lastErr = err
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w among %q: %v", ErrSelectorNotFound, candidates, lastErr)
	}
	return "", fmt.Errorf("%w: no candidates configured", ErrSelectorNotFound)
}
