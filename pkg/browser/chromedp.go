package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// settlePollInterval is how often WaitForSettle samples the in-flight count.
const settlePollInterval = 100 * time.Millisecond

// ChromedpLauncher starts Chrome sessions over the DevTools protocol.
type ChromedpLauncher struct {
	// ExecPath overrides Chrome discovery when set
	ExecPath string
}

// NewChromedpLauncher creates a launcher using the system Chrome.
func NewChromedpLauncher() *ChromedpLauncher {
	return &ChromedpLauncher{}
}

// Launch starts Chrome, enables the network domain and subscribes to traffic.
// The session's lifetime is bound to Close, not to ctx.
func (l *ChromedpLauncher) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(opts.Viewport.Width, opts.Viewport.Height),
	)
	if l.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &chromedpSession{
		ctx:            browserCtx,
		cancel:         browserCancel,
		allocCancel:    allocCancel,
		defaultTimeout: opts.DefaultTimeout,
		handlers:       &handlerSet{},
		responses:      make(map[network.RequestID]*network.Response),
		inflight:       newInflightTracker(),
	}

	chromedp.ListenTarget(browserCtx, s.onEvent)

	// The first Run allocates the browser and must use browserCtx itself; a
	// derived deadline would take the whole browser down when it fired.
	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx, network.Enable())
	stop()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return s, nil
}

// chromedpSession implements Session on a chromedp browser context.
type chromedpSession struct {
	ctx            context.Context
	cancel         context.CancelFunc
	allocCancel    context.CancelFunc
	defaultTimeout time.Duration
	handlers       *handlerSet
	inflight       *inflightTracker

	mu         sync.Mutex
	responses  map[network.RequestID]*network.Response
	currentURL string

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// onEvent runs on chromedp's event goroutine and must not block. Response
// dispatch waits for LoadingFinished so the body is available, and runs on
// its own goroutine because reading it is a protocol round trip.
func (s *chromedpSession) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		s.inflight.start(e.RequestID)
		s.handlers.dispatch(NewRequestEvent(e.Request.URL, flattenHeaders(e.Request.Headers)))

	case *network.EventResponseReceived:
		s.mu.Lock()
		s.responses[e.RequestID] = e.Response
		s.mu.Unlock()

	case *network.EventLoadingFinished:
		s.inflight.finish(e.RequestID)
		if resp := s.takeResponse(e.RequestID); resp != nil {
			event := NewResponseEvent(resp.URL, int(resp.Status), flattenHeaders(resp.Headers), s.bodyReader(e.RequestID))
			go s.handlers.dispatch(event)
		}

	case *network.EventLoadingFailed:
		s.inflight.finish(e.RequestID)
		s.takeResponse(e.RequestID)

	case *page.EventFrameNavigated:
		if e.Frame != nil && e.Frame.ParentID == "" {
			s.mu.Lock()
			s.currentURL = e.Frame.URL
			s.mu.Unlock()
		}
	}
}

func (s *chromedpSession) takeResponse(id network.RequestID) *network.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := s.responses[id]
	delete(s.responses, id)
	return resp
}

func (s *chromedpSession) bodyReader(id network.RequestID) func() ([]byte, error) {
	return func() ([]byte, error) {
		if s.closed.Load() {
			return nil, ErrSessionClosed
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.defaultTimeout)
		defer cancel()

		var body []byte
		err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			body, err = network.GetResponseBody(id).Do(ctx)
			return err
		}))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		return body, nil
	}
}

func flattenHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// stepContext derives a context from the browser context that also ends when
// ctx is canceled or timeout elapses.
func (s *chromedpSession) stepContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	stepCtx, cancel := context.WithTimeout(s.ctx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return stepCtx, func() {
		stop()
		cancel()
	}
}

func (s *chromedpSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stepCtx, cancel := s.stepContext(ctx, timeout)
	defer cancel()
	return chromedp.Run(stepCtx, actions...)
}

// OnNetworkEvent subscribes handler to the page's traffic.
func (s *chromedpSession) OnNetworkEvent(handler EventHandler) {
	s.handlers.add(handler)
}

// Navigate loads url and waits for the load event.
func (s *chromedpSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if err := s.run(ctx, timeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// WaitForSettle waits until no request has been in flight for the quiet
// period. DevTools has no network-idle event, so the tracker is sampled.
func (s *chromedpSession) WaitForSettle(ctx context.Context, timeout time.Duration) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	stepCtx, cancel := s.stepContext(ctx, timeout)
	defer cancel()

	since := time.Now()
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()

	for {
		if s.inflight.idleSince(since) >= settleQuietPeriod {
			return nil
		}
		select {
		case <-stepCtx.Done():
			return fmt.Errorf("wait for network idle failed: %w", stepCtx.Err())
		case <-ticker.C:
		}
	}
}

// WaitForSelector waits for selector to match a visible element.
func (s *chromedpSession) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	if err := s.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait failed: %w", err)
	}
	return nil
}

// Fill clears the input matching selector and types value into it.
func (s *chromedpSession) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	err := s.run(ctx, timeout,
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill failed: %w", err)
	}
	return nil
}

// ClickAndSettle clicks selector while waiting for the network to go idle.
func (s *chromedpSession) ClickAndSettle(ctx context.Context, selector string, timeout time.Duration) error {
	settled := make(chan error, 1)
	go func() {
		settled <- s.WaitForSettle(ctx, timeout)
	}()

	clickErr := s.run(ctx, timeout, chromedp.Click(selector, chromedp.ByQuery))
	settleErr := <-settled

	if clickErr != nil {
		return fmt.Errorf("click failed: %w", clickErr)
	}
	return settleErr
}

// URL returns the URL of the last main-frame navigation.
func (s *chromedpSession) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentURL
}

// Close closes the browser gracefully, then kills the allocator.
func (s *chromedpSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.handlers.close()

		if err := chromedp.Cancel(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = fmt.Errorf("close browser: %w", err)
		}
		s.cancel()
		s.allocCancel()
	})
	return s.closeErr
}

// inflightTracker counts requests that have started but not finished.
type inflightTracker struct {
	mu         sync.Mutex
	pending    map[network.RequestID]struct{}
	lastChange time.Time
}

func newInflightTracker() *inflightTracker {
	return &inflightTracker{
		pending:    make(map[network.RequestID]struct{}),
		lastChange: time.Now(),
	}
}

func (t *inflightTracker) start(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = struct{}{}
	t.lastChange = time.Now()
}

func (t *inflightTracker) finish(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; ok {
		delete(t.pending, id)
		t.lastChange = time.Now()
	}
}

// idleSince reports how long the network has been idle, counting no earlier
// than since. It returns 0 while requests are pending.
func (t *inflightTracker) idleSince(since time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) > 0 {
		return 0
	}
	from := t.lastChange
	if since.After(from) {
		from = since
	}
	return time.Since(from)
}
