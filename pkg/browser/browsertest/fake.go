// Package browsertest provides an in-memory browser.Session for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/tokenrelay/pkg/browser"
)

// Session is a scripted browser.Session. Selectors listed in Visible resolve
// immediately; all others fail as if their timeout elapsed.
type Session struct {
	mu       sync.Mutex
	handlers []browser.EventHandler
	visible  map[string]bool
	filled   map[string]string
	calls    []string
	url      string

	// NavigateErr, SettleErr and ClickErr inject failures into the matching step.
	NavigateErr error
	SettleErr   error
	ClickErr    error

	// OnNavigate runs after a successful Navigate, e.g. to emit traffic.
	OnNavigate func(url string)

	// OnClick runs after a successful click, e.g. to emit traffic.
	OnClick func(selector string)

	closes atomic.Int32
}

// NewSession returns a session where the given selectors are visible.
func NewSession(visible ...string) *Session {
	s := &Session{
		visible: make(map[string]bool),
		filled:  make(map[string]string),
		url:     "about:blank",
	}
	for _, sel := range visible {
		s.visible[sel] = true
	}
	return s
}

func (s *Session) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

// Emit delivers ev to every subscribed handler synchronously, in order.
func (s *Session) Emit(ev browser.NetworkEvent) {
	s.mu.Lock()
	handlers := make([]browser.EventHandler, len(s.handlers))
	copy(handlers, s.handlers)
	closed := s.closes.Load() > 0
	s.mu.Unlock()

	if closed {
		return
	}
	for _, h := range handlers {
		h(ev)
	}
}

// OnNetworkEvent implements browser.Session.
func (s *Session) OnNetworkEvent(handler browser.EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Navigate implements browser.Session.
func (s *Session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	s.record("navigate " + url)
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.NavigateErr != nil {
		return s.NavigateErr
	}
	s.mu.Lock()
	s.url = url
	s.mu.Unlock()
	if s.OnNavigate != nil {
		s.OnNavigate(url)
	}
	return nil
}

// WaitForSettle implements browser.Session.
func (s *Session) WaitForSettle(ctx context.Context, timeout time.Duration) error {
	s.record("settle")
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.SettleErr
}

// WaitForSelector implements browser.Session.
func (s *Session) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	s.record("wait " + selector)
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	ok := s.visible[selector]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("wait failed: selector %q: %w", selector, context.DeadlineExceeded)
	}
	return nil
}

// Fill implements browser.Session.
func (s *Session) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	s.record("fill " + selector)
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.visible[selector] {
		return fmt.Errorf("fill failed: selector %q not found", selector)
	}
	s.filled[selector] = value
	return nil
}

// ClickAndSettle implements browser.Session.
func (s *Session) ClickAndSettle(ctx context.Context, selector string, timeout time.Duration) error {
	s.record("click " + selector)
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.ClickErr != nil {
		return s.ClickErr
	}
	if s.OnClick != nil {
		s.OnClick(selector)
	}
	return s.SettleErr
}

// URL implements browser.Session.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Close implements browser.Session and counts every call.
func (s *Session) Close() error {
	s.record("close")
	s.closes.Add(1)
	return nil
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	return int(s.closes.Load())
}

// Filled returns the value filled into selector.
func (s *Session) Filled(selector string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filled[selector]
}

// Calls returns the ordered list of operations performed on the session.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// Launcher hands out a fixed Session, or fails with Err.
type Launcher struct {
	Session *Session
	Err     error

	launches atomic.Int32
	lastOpts browser.LaunchOptions
	mu       sync.Mutex
}

// Launch implements browser.Launcher.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	l.launches.Add(1)
	l.mu.Lock()
	l.lastOpts = opts
	l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	return l.Session, nil
}

// Launches returns how many times Launch was called.
func (l *Launcher) Launches() int {
	return int(l.launches.Load())
}

// LastOptions returns the options passed to the most recent Launch.
func (l *Launcher) LastOptions() browser.LaunchOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastOpts
}
