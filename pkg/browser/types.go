package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrSessionClosed is returned by Session operations after Close.
var ErrSessionClosed = errors.New("browser session closed")

// ErrNoBody is returned by NetworkEvent.Body for events that carry no body.
var ErrNoBody = errors.New("network event has no body")

// Engine names a browser automation backend.
type Engine string

const (
	// EnginePlaywright drives Chromium through the Playwright driver
	EnginePlaywright Engine = "playwright"
	// EngineChromedp drives Chrome directly over the DevTools protocol
	EngineChromedp Engine = "chromedp"
)

// Direction tells whether a NetworkEvent is an outgoing request or a response.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// NetworkEvent is one observed request or response on the page.
type NetworkEvent struct {
	// URL is the request URL
	URL string

	// Direction is request or response
	Direction Direction

	// Status is the HTTP status of a response (0 for requests)
	Status int

	// Headers holds request or response headers as reported by the engine
	Headers map[string]string

	// ObservedAt is when the engine delivered the event
	ObservedAt time.Time

	body *lazyBody
}

// lazyBody reads a response body at most once.
type lazyBody struct {
	once sync.Once
	read func() ([]byte, error)
	data []byte
	err  error
}

func (b *lazyBody) get() ([]byte, error) {
	b.once.Do(func() {
		b.data, b.err = b.read()
	})
	return b.data, b.err
}

// NewRequestEvent creates a request event.
func NewRequestEvent(url string, headers map[string]string) NetworkEvent {
	return NetworkEvent{
		URL:        url,
		Direction:  DirectionRequest,
		Headers:    headers,
		ObservedAt: time.Now(),
	}
}

// NewResponseEvent creates a response event whose body is fetched on first
// call to Body. readBody may be nil for responses without a body.
func NewResponseEvent(url string, status int, headers map[string]string, readBody func() ([]byte, error)) NetworkEvent {
	ev := NetworkEvent{
		URL:        url,
		Direction:  DirectionResponse,
		Status:     status,
		Headers:    headers,
		ObservedAt: time.Now(),
	}
	if readBody != nil {
		ev.body = &lazyBody{read: readBody}
	}
	return ev
}

// Header returns the value of the named header, matched case-insensitively.
func (e NetworkEvent) Header(name string) (string, bool) {
	if v, ok := e.Headers[name]; ok {
		return v, true
	}
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Body reads the response body. The underlying read happens once; later calls
// return the same result.
func (e NetworkEvent) Body() ([]byte, error) {
	if e.body == nil {
		return nil, ErrNoBody
	}
	return e.body.get()
}

// EventHandler receives network events. Handlers may be called concurrently
// and must not block the engine for long.
type EventHandler func(NetworkEvent)

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// LaunchOptions configures a new browser session.
type LaunchOptions struct {
	// Headless controls whether the browser runs without a visible window
	Headless bool

	// Viewport sets the initial viewport size
	Viewport *Viewport

	// DefaultTimeout bounds engine operations that are not given an explicit timeout
	DefaultTimeout time.Duration
}

// Default values for session launch
const (
	DefaultTimeout        = 30 * time.Second
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720

	// settleQuietPeriod is how long the network must be idle to count as settled
	settleQuietPeriod = 500 * time.Millisecond
)

func (o *LaunchOptions) applyDefaults() {
	if o.Viewport == nil {
		o.Viewport = &Viewport{
			Width:  DefaultViewportWidth,
			Height: DefaultViewportHeight,
		}
	}
	if o.DefaultTimeout == 0 {
		o.DefaultTimeout = DefaultTimeout
	}
}

// Launcher starts browser sessions.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}

// Session is one exclusively-owned browser page plus its traffic stream.
//
// Every waiting operation takes an explicit timeout; exceeding it returns an
// error wrapping context.DeadlineExceeded or the engine's timeout error.
type Session interface {
	// OnNetworkEvent subscribes handler to all subsequent network events.
	OnNetworkEvent(handler EventHandler)

	// Navigate loads url and returns once the document has loaded.
	Navigate(ctx context.Context, url string, timeout time.Duration) error

	// WaitForSettle waits until the page stops generating network activity.
	WaitForSettle(ctx context.Context, timeout time.Duration) error

	// WaitForSelector waits until selector matches a visible element.
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error

	// Fill replaces the value of the input matching selector.
	Fill(ctx context.Context, selector, value string, timeout time.Duration) error

	// ClickAndSettle clicks selector while concurrently waiting for the
	// resulting navigation to settle. Both must succeed.
	ClickAndSettle(ctx context.Context, selector string, timeout time.Duration) error

	// URL returns the current page URL.
	URL() string

	// Close tears the session down. Calls after the first are no-ops.
	Close() error
}

// NewLauncher returns the Launcher for engine.
func NewLauncher(engine Engine) (Launcher, error) {
	switch engine {
	case EnginePlaywright, "":
		return NewPlaywrightLauncher(), nil
	case EngineChromedp:
		return NewChromedpLauncher(), nil
	default:
		return nil, fmt.Errorf("unsupported browser engine: %s", engine)
	}
}

// handlerSet fans events out to subscribed handlers until closed.
type handlerSet struct {
	mu       sync.RWMutex
	handlers []EventHandler
	closed   bool
}

func (h *handlerSet) add(handler EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, handler)
}

func (h *handlerSet) dispatch(ev NetworkEvent) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	handlers := make([]EventHandler, len(h.handlers))
	copy(handlers, h.handlers)
	h.mu.RUnlock()

	for _, handler := range handlers {
		handler(ev)
	}
}

func (h *handlerSet) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.handlers = nil
}

// toMillis converts a timeout to the float64 milliseconds Playwright expects.
func toMillis(d time.Duration) float64 {
	return float64(d.Milliseconds())
}
