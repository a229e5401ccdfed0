package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/entrhq/tokenrelay/pkg/browser"
	"github.com/entrhq/tokenrelay/pkg/extractor"
)

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Environment variable names
const (
	EnvUsername          = "TOKENRELAY_USERNAME"
	EnvPassword          = "TOKENRELAY_PASSWORD"
	EnvLoginURL          = "TOKENRELAY_LOGIN_URL"
	EnvTargetURL         = "TOKENRELAY_TARGET_URL"
	EnvWebhookURL        = "TOKENRELAY_WEBHOOK_URL"
	EnvWebhookSecret     = "TOKENRELAY_WEBHOOK_SECRET"
	EnvWebhookTimeout    = "TOKENRELAY_WEBHOOK_TIMEOUT"
	EnvWebhookAttempts   = "TOKENRELAY_WEBHOOK_MAX_ATTEMPTS"
	EnvMatchStrategy     = "TOKENRELAY_MATCH_STRATEGY"
	EnvAPIBaseURL        = "TOKENRELAY_API_BASE_URL"
	EnvTokenEndpoint     = "TOKENRELAY_TOKEN_ENDPOINT"
	EnvURLPattern        = "TOKENRELAY_URL_PATTERN"
	EnvEngine            = "TOKENRELAY_ENGINE"
	EnvHeadless          = "TOKENRELAY_HEADLESS"
	EnvHeadlessShort     = "HEADLESS"
	EnvDeadline          = "TOKENRELAY_DEADLINE"
	EnvNavigationTimeout = "TOKENRELAY_NAVIGATION_TIMEOUT"
	EnvSelectorTimeout   = "TOKENRELAY_SELECTOR_TIMEOUT"
	EnvLogLevel          = "TOKENRELAY_LOG_LEVEL"
	EnvLogDir            = "TOKENRELAY_LOG_DIR"
	EnvMetricsTextfile   = "TOKENRELAY_METRICS_TEXTFILE"
	EnvSummaryDir        = "TOKENRELAY_SUMMARY_DIR"
)

// ApplyEnv overlays environment variables onto c. Unset or empty variables
// leave the current value alone. Malformed numbers and durations are
// reported together.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return v, ok && v != ""
	}

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
				return
			}
			*dst = d
		}
	}

	str(EnvUsername, &c.Login.Username)
	str(EnvPassword, &c.Login.Password)
	str(EnvLoginURL, &c.Login.URL)
	str(EnvTargetURL, &c.Login.TargetURL)

	str(EnvWebhookURL, &c.Webhook.URL)
	str(EnvWebhookSecret, &c.Webhook.Secret)
	dur(EnvWebhookTimeout, &c.Webhook.Timeout)
	if v, ok := get(EnvWebhookAttempts); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", EnvWebhookAttempts, v))
		} else {
			c.Webhook.MaxAttempts = n
		}
	}

	if v, ok := get(EnvMatchStrategy); ok {
		c.Match.Strategy = extractor.Strategy(v)
	}
	str(EnvAPIBaseURL, &c.Match.APIBaseURL)
	str(EnvTokenEndpoint, &c.Match.TokenEndpoint)
	str(EnvURLPattern, &c.Match.URLPattern)

	if v, ok := get(EnvEngine); ok {
		c.Browser.Engine = browser.Engine(v)
	}
	// Only the literal "false" shows the browser window.
	if v, ok := get(EnvHeadless); ok {
		c.Browser.Headless = v != "false"
	} else if v, ok := get(EnvHeadlessShort); ok {
		c.Browser.Headless = v != "false"
	}

	dur(EnvDeadline, &c.Capture.Deadline)
	dur(EnvNavigationTimeout, &c.Timeouts.Navigation)
	dur(EnvSelectorTimeout, &c.Timeouts.Selector)

	str(EnvLogLevel, &c.Logging.Level)
	str(EnvLogDir, &c.Logging.Dir)
	str(EnvMetricsTextfile, &c.Metrics.Textfile)
	str(EnvSummaryDir, &c.Summary.Dir)

	return errors.Join(errs...)
}
