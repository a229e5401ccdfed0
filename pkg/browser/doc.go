// Package browser abstracts the browser automation engine used to drive a
// login and observe the resulting network traffic.
//
// Two engines implement the Launcher and Session interfaces:
//
//   - playwright: Chromium through the Playwright driver (default)
//   - chromedp: Chrome over the DevTools protocol, no driver download
//
// # Session Lifecycle
//
//  1. Launch: a Launcher starts a browser with one page
//  2. Subscribe: OnNetworkEvent attaches handlers to the page's traffic
//  3. Drive: Navigate, WaitForSettle, WaitForSelector, Fill, ClickAndSettle
//  4. Close: tears everything down; later calls are no-ops
//
// A Session is exclusively owned by one capture run and is never shared.
//
// # Network Events
//
// Request events carry headers and are delivered in arrival order on the
// engine's event goroutine. Response events carry a lazily read body and are
// delivered on their own goroutine, since reading the body is a round trip to
// the browser. Handlers must tolerate concurrent calls.
//
// # Example Usage
//
//	launcher, err := browser.NewLauncher(browser.EnginePlaywright)
//	session, err := launcher.Launch(ctx, browser.LaunchOptions{Headless: true})
//	defer session.Close()
//
//	session.OnNetworkEvent(func(ev browser.NetworkEvent) {
//	    if auth, ok := ev.Header("Authorization"); ok {
//	        // inspect
//	    }
//	})
//	err = session.Navigate(ctx, "https://example.com/login", 2*time.Minute)
package browser
