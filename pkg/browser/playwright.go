package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightLauncher starts Chromium sessions through the Playwright driver.
type PlaywrightLauncher struct {
	runOpts *playwright.RunOptions
}

// NewPlaywrightLauncher creates a launcher that keeps driver output off the
// console.
func NewPlaywrightLauncher() *PlaywrightLauncher {
	return &PlaywrightLauncher{
		runOpts: &playwright.RunOptions{
			Verbose: false,
			Stdout:  io.Discard,
			Stderr:  io.Discard,
		},
	}
}

// InstallPlaywright downloads the Playwright driver and browsers.
func InstallPlaywright(out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	opts := &playwright.RunOptions{
		Verbose: true,
		Stdout:  out,
		Stderr:  out,
	}
	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}
	return nil
}

// Launch starts Playwright, launches Chromium and opens one page. Partially
// allocated resources are released when a later step fails.
func (l *PlaywrightLauncher) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	pw, err := playwright.Run(l.runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	// Launch browser
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
	}
	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	// Create context
	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		},
	}
	browserContext, err := browser.NewContext(contextOpts)
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	// Create page
	page, err := browserContext.NewPage()
	if err != nil {
		_ = browserContext.Close()
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	page.SetDefaultTimeout(toMillis(opts.DefaultTimeout))

	s := &playwrightSession{
		playwright: pw,
		browser:    browser,
		context:    browserContext,
		page:       page,
		handlers:   &handlerSet{},
	}

	// Requests carry only headers and are analyzed inline, in arrival order.
	// Response bodies need a driver round trip, so responses are handed off
	// to keep the driver's dispatch loop free.
	page.OnRequest(s.handleRequest)
	page.OnResponse(s.handleResponse)

	return s, nil
}

// playwrightSession implements Session on a single Playwright page.
type playwrightSession struct {
	playwright *playwright.Playwright
	browser    playwright.Browser
	context    playwright.BrowserContext
	page       playwright.Page
	handlers   *handlerSet

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *playwrightSession) handleRequest(req playwright.Request) {
	s.handlers.dispatch(NewRequestEvent(req.URL(), req.Headers()))
}

func (s *playwrightSession) handleResponse(resp playwright.Response) {
	ev := NewResponseEvent(resp.URL(), resp.Status(), resp.Headers(), resp.Body)
	go s.handlers.dispatch(ev)
}

// OnNetworkEvent subscribes handler to the page's traffic.
func (s *playwrightSession) OnNetworkEvent(handler EventHandler) {
	s.handlers.add(handler)
}

func (s *playwrightSession) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return ctx.Err()
}

// Navigate navigates the page to url and waits for DOMContentLoaded.
func (s *playwrightSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	waitUntil := playwright.WaitUntilState("domcontentloaded")
	ms := toMillis(timeout)
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: &waitUntil,
		Timeout:   &ms,
	})
	if err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// WaitForSettle waits for Playwright's networkidle load state.
func (s *playwrightSession) WaitForSettle(ctx context.Context, timeout time.Duration) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	state := playwright.LoadState("networkidle")
	ms := toMillis(timeout)
	err := s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   &state,
		Timeout: &ms,
	})
	if err != nil {
		return fmt.Errorf("wait for network idle failed: %w", err)
	}
	return nil
}

// WaitForSelector waits for an element matching selector to become visible.
func (s *playwrightSession) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	state := playwright.WaitForSelectorState("visible")
	ms := toMillis(timeout)
	_, err := s.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   &state,
		Timeout: &ms,
	})
	if err != nil {
		return fmt.Errorf("wait failed: %w", err)
	}
	return nil
}

// Fill fills an input element with the specified value.
func (s *playwrightSession) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	ms := toMillis(timeout)
	if err := s.page.Fill(selector, value, playwright.PageFillOptions{Timeout: &ms}); err != nil {
		return fmt.Errorf("fill failed: %w", err)
	}
	return nil
}

// ClickAndSettle clicks selector and waits for network idle, both in flight
// at the same time because the click may navigate before it returns.
func (s *playwrightSession) ClickAndSettle(ctx context.Context, selector string, timeout time.Duration) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	settled := make(chan error, 1)
	go func() {
		settled <- s.WaitForSettle(ctx, timeout)
	}()

	ms := toMillis(timeout)
	clickErr := s.page.Click(selector, playwright.PageClickOptions{Timeout: &ms})
	settleErr := <-settled

	if clickErr != nil {
		return fmt.Errorf("click failed: %w", clickErr)
	}
	return settleErr
}

// URL returns the page's current URL.
func (s *playwrightSession) URL() string {
	if s.closed.Load() {
		return ""
	}
	return s.page.URL()
}

// Close closes page, context and browser, then stops the driver.
func (s *playwrightSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.handlers.close()

		var errs []error
		if err := s.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close page: %w", err))
		}
		if err := s.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context: %w", err))
		}
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
		if err := s.playwright.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop playwright: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
