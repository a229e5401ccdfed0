package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/tokenrelay/pkg/browser"
	"github.com/entrhq/tokenrelay/pkg/browser/browsertest"
	"github.com/entrhq/tokenrelay/pkg/driver"
	"github.com/entrhq/tokenrelay/pkg/extractor"
	"github.com/entrhq/tokenrelay/pkg/logging"
	"github.com/entrhq/tokenrelay/pkg/metrics"
	"github.com/entrhq/tokenrelay/pkg/webhook"
)

const (
	loginURL  = "https://app.example.com/login"
	targetURL = "https://app.example.com/boards/7"
	apiBase   = "https://api.example.com/v1/"
	secret    = "shared-secret-for-tests-0001"
	password  = "correct-horse-battery"
	submitSel = `button[type="submit"]`
	shortWait = 50 * time.Millisecond
	longWait  = 5 * time.Second
)

type recordingDeliverer struct {
	mu        sync.Mutex
	tokens    []string
	err       error
	onDeliver func()
}

func (d *recordingDeliverer) Deliver(ctx context.Context, token string) (*webhook.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.onDeliver != nil {
		d.onDeliver()
	}
	d.tokens = append(d.tokens, token)
	if d.err != nil {
		return &webhook.Result{}, d.err
	}
	return &webhook.Result{StatusCode: http.StatusOK, Status: "200 OK"}, nil
}

func (d *recordingDeliverer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

type stubDriver struct {
	loginErr  error
	targetErr error
	panicMsg  string
	onTarget  func()
}

func (d *stubDriver) Login(ctx context.Context, s browser.Session, url, user, pass string) error {
	if d.panicMsg != "" {
		panic(d.panicMsg)
	}
	return d.loginErr
}

func (d *stubDriver) OpenTarget(ctx context.Context, s browser.Session, url string) error {
	if d.onTarget != nil {
		d.onTarget()
	}
	return d.targetErr
}

func bearer(url, token string) browser.NetworkEvent {
	return browser.NewRequestEvent(url, map[string]string{"Authorization": "Bearer " + token})
}

type harness struct {
	session   *browsertest.Session
	launcher  *browsertest.Launcher
	deliverer *recordingDeliverer
	logs      *bytes.Buffer
	opts      Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	var buf bytes.Buffer
	logger, err := logging.New("capture", logging.Options{Level: logging.LevelDebug, Writer: &buf})
	require.NoError(t, err)

	session := browsertest.NewSession("#username", "#password", submitSel)
	launcher := &browsertest.Launcher{Session: session}
	deliverer := &recordingDeliverer{}

	return &harness{
		session:   session,
		launcher:  launcher,
		deliverer: deliverer,
		logs:      &buf,
		opts: Options{
			Launcher:      launcher,
			LaunchOptions: browser.LaunchOptions{Headless: true},
			Driver:        driver.New(driver.Options{}, logger.With("driver")),
			Matcher:       &extractor.HeaderMatcher{URLs: extractor.PrefixFilter(apiBase)},
			Deliverer:     deliverer,
			LoginURL:      loginURL,
			TargetURL:     targetURL,
			Username:      "alice",
			Password:      password,
			Deadline:      longWait,
			Logger:        logger,
		},
	}
}

func (h *harness) run(t *testing.T, ctx context.Context) (*Result, error) {
	t.Helper()
	c, err := New(h.opts)
	require.NoError(t, err)
	return c.Run(ctx)
}

// emitOnTarget sends events once the target page has loaded.
func (h *harness) emitOnTarget(events ...browser.NetworkEvent) {
	h.session.OnNavigate = func(url string) {
		if url != targetURL {
			return
		}
		for _, ev := range events {
			h.session.Emit(ev)
		}
	}
}

func states(res *Result) []State {
	out := make([]State, len(res.States))
	for i, tr := range res.States {
		out[i] = tr.State
	}
	return out
}

// Scenario A: login succeeds, the target page triggers an API call carrying
// the credential, the sink stores it.
func TestRun_DeliversHeaderCredential(t *testing.T) {
	var payload webhook.Payload
	var calls int
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer sink.Close()

	h := newHarness(t)
	h.opts.Deliverer = webhook.NewClient(webhook.Options{URL: sink.URL, Secret: secret}, h.opts.Logger.With("webhook"))
	h.session.OnNavigate = func(url string) {
		if url == targetURL {
			time.AfterFunc(10*time.Millisecond, func() {
				h.session.Emit(browser.NewRequestEvent(apiBase+"boards/7", map[string]string{"Authorization": "Bearer abc123"}))
			})
		}
	}

	res, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, webhook.Payload{Token: "abc123", Secret: secret}, payload)
	assert.Equal(t, 1, calls)
	require.NotNil(t, res.Credential)
	assert.Equal(t, extractor.SourceRequestHeader, res.Credential.Source)
	assert.Equal(t, http.StatusOK, res.Delivery.StatusCode)
	assert.Equal(t, 1, h.session.CloseCount())
	assert.Equal(t, []State{
		StateIdle,
		StateSessionStarted,
		StateLoggingIn,
		StateAwaitingTarget,
		StateAwaitingCredential,
		StateDelivering,
		StateDone,
	}, states(res))

	logs := h.logs.String()
	assert.NotContains(t, logs, secret)
	assert.NotContains(t, logs, password)
	assert.NotContains(t, logs, "abc123")
}

// Scenario B: nothing matches before the deadline.
func TestRun_ExtractionTimeout(t *testing.T) {
	h := newHarness(t)
	h.opts.Deadline = shortWait
	h.emitOnTarget(
		browser.NewRequestEvent("https://cdn.example.com/app.js", nil),
		browser.NewRequestEvent(apiBase+"me", map[string]string{"Authorization": "Basic Zm9vOmJhcg=="}),
	)

	res, err := h.run(t, context.Background())
	require.Error(t, err)

	assert.Equal(t, KindExtractionTimeout, KindOf(err))
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.Empty(t, h.deliverer.Tokens())
	assert.Nil(t, res.Credential)
	assert.Equal(t, int64(2), res.Events.Observed)
	assert.Equal(t, 1, h.session.CloseCount())
	assert.Contains(t, h.logs.String(), "Extraction timeout")
}

// Scenario C: the sink answers 500.
func TestRun_DeliveryRejected(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("storage offline"))
	}))
	defer sink.Close()

	h := newHarness(t)
	h.opts.Deliverer = webhook.NewClient(webhook.Options{URL: sink.URL, Secret: secret}, h.opts.Logger.With("webhook"))
	h.emitOnTarget(bearer(apiBase+"boards", "abc123"))

	res, err := h.run(t, context.Background())
	require.Error(t, err)

	assert.Equal(t, KindDelivery, KindOf(err))
	var rejected *webhook.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusInternalServerError, rejected.StatusCode)
	require.NotNil(t, res.Credential, "the credential was captured even though delivery failed")
	assert.Equal(t, 1, h.session.CloseCount())

	logs := h.logs.String()
	assert.Contains(t, logs, "Delivery error")
	assert.Contains(t, logs, "500")
	assert.Contains(t, logs, "storage offline")
}

func TestRun_DeliveryResolvesBeforeTeardown(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{name: "delivered"},
		{name: "rejected", err: &webhook.RejectedError{StatusCode: http.StatusBadRequest, Status: "400 Bad Request"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.deliverer.err = tc.err
			closedAtDelivery := -1
			h.deliverer.onDeliver = func() { closedAtDelivery = h.session.CloseCount() }
			h.emitOnTarget(bearer(apiBase+"boards", "abc123"))

			_, err := h.run(t, context.Background())
			if tc.err != nil {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, 0, closedAtDelivery, "session still open while delivering")
			assert.Equal(t, 1, h.session.CloseCount())
		})
	}
}

func TestRun_FirstMatchDeliveredOnce(t *testing.T) {
	h := newHarness(t)
	first := bearer(apiBase+"boards", "first-token")
	h.emitOnTarget(
		browser.NewRequestEvent(apiBase+"health", nil),
		first,
		first,
		bearer(apiBase+"items", "second-token"),
		bearer(apiBase+"users", "third-token"),
	)

	res, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"first-token"}, h.deliverer.Tokens())
	assert.Equal(t, "first-token", res.Credential.Value)
	assert.Equal(t, int64(3), res.Events.Ignored)
}

func TestRun_CredentialDuringLoginWinsOverExpiredDeadline(t *testing.T) {
	h := newHarness(t)
	h.opts.TargetURL = ""
	h.opts.Deadline = time.Nanosecond
	h.session.OnClick = func(string) {
		h.session.Emit(bearer(apiBase+"session", "from-login"))
	}

	res, err := h.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"from-login"}, h.deliverer.Tokens())
	assert.NotContains(t, states(res), StateAwaitingTarget)
}

func TestRun_SessionSetupFailure(t *testing.T) {
	h := newHarness(t)
	h.launcher.Err = errors.New("chromium not installed")

	res, err := h.run(t, context.Background())
	require.Error(t, err)

	assert.Equal(t, KindSessionSetup, KindOf(err))
	assert.Equal(t, 0, h.session.CloseCount())
	assert.Empty(t, h.deliverer.Tokens())
	assert.Equal(t, []State{StateIdle, StateDone}, states(res))
	assert.Contains(t, h.logs.String(), "Browser session could not be started")
}

func TestRun_LoginFailure(t *testing.T) {
	h := newHarness(t)
	h.session = browsertest.NewSession("#username")
	h.launcher.Session = h.session

	_, err := h.run(t, context.Background())
	require.Error(t, err)

	assert.Equal(t, KindLogin, KindOf(err))
	assert.ErrorIs(t, err, driver.ErrSelectorNotFound)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, StateLoggingIn, ce.State)
	assert.Equal(t, 1, h.session.CloseCount())
	assert.Empty(t, h.deliverer.Tokens())
}

func TestRun_TargetFailure(t *testing.T) {
	h := newHarness(t)
	h.opts.Driver = &stubDriver{targetErr: errors.New("target never settled")}

	_, err := h.run(t, context.Background())

	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindLogin, ce.Kind)
	assert.Equal(t, StateAwaitingTarget, ce.State)
	assert.Equal(t, 1, h.session.CloseCount())
}

func TestRun_PanicStillTearsDown(t *testing.T) {
	h := newHarness(t)
	h.opts.Driver = &stubDriver{panicMsg: "driver bug"}

	var res *Result
	var err error
	require.NotPanics(t, func() {
		res, err = h.run(t, context.Background())
	})

	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, 1, h.session.CloseCount())
	require.NotNil(t, res)
	assert.Equal(t, StateDone, res.States[len(res.States)-1].State)
}

func TestRun_CanceledWhileAwaiting(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.opts.Driver = &stubDriver{onTarget: func() {
		time.AfterFunc(10*time.Millisecond, cancel)
	}}

	_, err := h.run(t, ctx)
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.deliverer.Tokens())
	assert.Equal(t, 1, h.session.CloseCount())
}

func TestRun_CanceledDuringLogin(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.session.OnNavigate = func(string) { cancel() }

	_, err := h.run(t, ctx)
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.Equal(t, 1, h.session.CloseCount())
}

func TestRun_MetricsAndSummary(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(reg, logging.Discard())
	dir := filepath.Join(t.TempDir(), "out")

	h.opts.Metrics = sink
	h.opts.Summary = NewSummaryWriter(dir)
	h.emitOnTarget(bearer(apiBase+"boards", "token-value-for-summary-check-0001"))

	_, err := h.run(t, context.Background())
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "tokenrelay_run_outcomes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(reg, "tokenrelay_credentials_captured_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(filepath.Join(dir, "capture.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "token-value-for-summary-check-0001")

	var summary Summary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, statusSuccess, summary.Status)
	require.NotNil(t, summary.Credential)
	assert.Equal(t, "request-header", summary.Credential.Source)
	assert.Equal(t, logging.RunID(), summary.RunID)

	md, err := os.ReadFile(filepath.Join(dir, "summary.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "Credential captured and delivered")
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	h := newHarness(t)
	h.opts.Deliverer = nil
	_, err = New(h.opts)
	assert.Error(t, err)
}
