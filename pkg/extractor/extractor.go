package extractor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/entrhq/tokenrelay/pkg/browser"
	"github.com/entrhq/tokenrelay/pkg/logging"
)

// Source records which kind of traffic yielded a credential.
type Source string

const (
	// SourceResponseBody is an access_token read from an OAuth token exchange
	SourceResponseBody Source = "response-body"
	// SourceRequestHeader is a bearer token read from a request's Authorization header
	SourceRequestHeader Source = "request-header"
)

// Credential is the captured bearer token. Its String form is a preview, so
// printing a Credential never exposes the full value.
type Credential struct {
	Value        string
	DiscoveredAt time.Time
	Source       Source
	URL          string
}

// Preview returns a truncated form of the value that is safe to log.
func (c Credential) Preview() string {
	return logging.Preview(c.Value)
}

// String implements fmt.Stringer.
func (c Credential) String() string {
	return fmt.Sprintf("%s credential %s", c.Source, c.Preview())
}

// GoString implements fmt.GoStringer so %#v is safe too.
func (c Credential) GoString() string {
	return fmt.Sprintf("extractor.Credential{Source:%q, Value:%q}", c.Source, c.Preview())
}

const (
	stateListening int32 = iota
	stateFound
	stateStopped
)

// Stats counts what the extractor saw during a run.
type Stats struct {
	// Observed is every event handed to Observe
	Observed int64
	// Rejected is candidates skipped because they could not yield a credential
	Rejected int64
	// Ignored is events that arrived after a credential was accepted or Stop
	Ignored int64
}

// Extractor watches a session's traffic and accepts the first event that
// satisfies its Matcher. Acceptance is guarded by an atomic state so that,
// however many matching events race, exactly one Credential is recorded and
// Found is closed exactly once.
type Extractor struct {
	matcher Matcher
	logger  *logging.Logger
	now     func() time.Time

	state      atomic.Int32
	found      chan struct{}
	credential Credential

	observed atomic.Int64
	rejected atomic.Int64
	ignored  atomic.Int64
}

// New creates an Extractor in the listening state.
func New(matcher Matcher, logger *logging.Logger) *Extractor {
	return &Extractor{
		matcher: matcher,
		logger:  logger,
		now:     time.Now,
		found:   make(chan struct{}),
	}
}

// Observe analyzes one network event. It never panics and never returns an
// error: a failure analyzing one event must not disturb the traffic stream.
// Observe is safe for concurrent use and is meant to be passed directly to
// browser.Session.OnNetworkEvent.
func (e *Extractor) Observe(ev browser.NetworkEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.rejected.Add(1)
			e.logger.Warnf("Recovered while analyzing %s %s: %v", ev.Direction, ev.URL, r)
		}
	}()

	e.observed.Add(1)
	if e.state.Load() != stateListening {
		e.ignored.Add(1)
		return
	}

	value, ok, err := e.matcher.Match(ev)
	if err != nil {
		e.rejected.Add(1)
		e.logger.Debugf("Skipping %s %s: %v", ev.Direction, ev.URL, err)
		return
	}
	if !ok {
		return
	}

	if !e.state.CompareAndSwap(stateListening, stateFound) {
		e.ignored.Add(1)
		return
	}

	e.credential = Credential{
		Value:        value,
		DiscoveredAt: e.now(),
		Source:       e.matcher.Source(),
		URL:          ev.URL,
	}
	close(e.found)

	e.logger.Successf("Credential captured from %s of %s (preview %s)", e.credential.Source, ev.URL, e.credential.Preview())
}

// Found is closed when a credential has been accepted.
func (e *Extractor) Found() <-chan struct{} {
	return e.found
}

// Credential returns the accepted credential, if any.
func (e *Extractor) Credential() (Credential, bool) {
	select {
	case <-e.found:
		return e.credential, true
	default:
		return Credential{}, false
	}
}

// Stop ends observation without a credential. It returns false if a
// credential was accepted first, in which case that credential stands.
func (e *Extractor) Stop() bool {
	return e.state.CompareAndSwap(stateListening, stateStopped)
}

// Source reports the kind of credential this extractor looks for.
func (e *Extractor) Source() Source {
	return e.matcher.Source()
}

// Stats returns a snapshot of the event counters.
func (e *Extractor) Stats() Stats {
	return Stats{
		Observed: e.observed.Load(),
		Rejected: e.rejected.Load(),
		Ignored:  e.ignored.Load(),
	}
}
