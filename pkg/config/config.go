// Package config loads and validates the settings for a capture run.
//
// Settings are layered: built-in defaults, then an optional YAML file, then
// TOKENRELAY_* environment variables, then command-line flags. Validation runs
// once on the final result, before any browser is launched.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/tokenrelay/pkg/browser"
	"github.com/entrhq/tokenrelay/pkg/driver"
	"github.com/entrhq/tokenrelay/pkg/extractor"
	"github.com/entrhq/tokenrelay/pkg/logging"
)

// Config represents the configuration for one capture run
type Config struct {
	Login    LoginConfig   `yaml:"login" json:"login"`
	Webhook  WebhookConfig `yaml:"webhook" json:"webhook"`
	Match    MatchConfig   `yaml:"match" json:"match"`
	Browser  BrowserConfig `yaml:"browser" json:"browser"`
	Capture  CaptureConfig `yaml:"capture" json:"capture"`
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`
	Logging  LoggingConfig `yaml:"logging" json:"logging"`
	Metrics  MetricsConfig `yaml:"metrics" json:"metrics"`
	Summary  SummaryConfig `yaml:"summary" json:"summary"`
}

// LoginConfig identifies the account and the pages to drive
type LoginConfig struct {
	URL       string `yaml:"url" json:"url" validate:"required,url"`
	TargetURL string `yaml:"target_url" json:"target_url" validate:"omitempty,url"`
	Username  string `yaml:"username" json:"username" validate:"required"`
	Password  string `yaml:"password" json:"-" validate:"required"`

	// Selectors overrides the built-in candidates per control
	Selectors driver.Selectors `yaml:"selectors" json:"selectors"`
}

// WebhookConfig defines where the credential is delivered
type WebhookConfig struct {
	URL         string        `yaml:"url" json:"url" validate:"required,url"`
	Secret      string        `yaml:"secret" json:"-" validate:"required"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" validate:"min=1,max=10"`
}

// MatchConfig selects how the credential is recognized
type MatchConfig struct {
	Strategy      extractor.Strategy `yaml:"strategy" json:"strategy" validate:"oneof=header body"`
	APIBaseURL    string             `yaml:"api_base_url" json:"api_base_url" validate:"omitempty,url"`
	TokenEndpoint string             `yaml:"token_endpoint" json:"token_endpoint"`
	URLPattern    string             `yaml:"url_pattern" json:"url_pattern"`
}

// BrowserConfig selects and tunes the automation engine
type BrowserConfig struct {
	Engine   browser.Engine `yaml:"engine" json:"engine" validate:"oneof=playwright chromedp"`
	Headless bool           `yaml:"headless" json:"headless"`
}

// CaptureConfig bounds the credential race
type CaptureConfig struct {
	// Deadline is how long to wait for a credential after login
	Deadline time.Duration `yaml:"deadline" json:"deadline" validate:"gt=0"`
}

// TimeoutConfig bounds individual driver steps
type TimeoutConfig struct {
	Navigation time.Duration `yaml:"navigation" json:"navigation" validate:"gt=0"`
	Selector   time.Duration `yaml:"selector" json:"selector" validate:"gt=0"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Level controls verbosity: quiet, normal, verbose, debug
	Level string `yaml:"level" json:"level" validate:"oneof=quiet normal verbose debug"`

	// Dir, when set, also writes a per-run log file there
	Dir string `yaml:"dir" json:"dir"`
}

// MetricsConfig defines metrics output
type MetricsConfig struct {
	// Textfile, when set, receives the run's metrics in Prometheus text format
	Textfile string `yaml:"textfile" json:"textfile"`
}

// SummaryConfig defines run summary output
type SummaryConfig struct {
	// Dir, when set, receives capture.json and summary.md
	Dir string `yaml:"dir" json:"dir"`
}

// DefaultConfig returns the defaults; identity, login URL and webhook
// settings have none and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Webhook: WebhookConfig{
			Timeout:     30 * time.Second,
			MaxAttempts: 1,
		},
		Match: MatchConfig{
			Strategy:      extractor.StrategyHeader,
			TokenEndpoint: "/oauth/token",
		},
		Browser: BrowserConfig{
			Engine:   browser.EnginePlaywright,
			Headless: true,
		},
		Capture: CaptureConfig{
			Deadline: 30 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Navigation: driver.DefaultNavigationTimeout,
			Selector:   driver.DefaultSelectorTimeout,
		},
		Logging: LoggingConfig{
			Level: "normal",
		},
	}
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Load builds a Config from defaults, the optional file at path and the
// environment. It does not validate.
func Load(path string, lookup LookupFunc) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogLevel returns the parsed logging level. Call after Validate.
func (c *Config) LogLevel() logging.Level {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return level
}

// MatchOptions returns the extractor settings.
func (c *Config) MatchOptions() extractor.MatchOptions {
	return extractor.MatchOptions{
		APIBaseURL:    c.Match.APIBaseURL,
		TokenEndpoint: c.Match.TokenEndpoint,
		URLPattern:    c.Match.URLPattern,
	}
}

// DriverOptions returns the session driver settings.
func (c *Config) DriverOptions() driver.Options {
	return driver.Options{
		Selectors:         c.Login.Selectors,
		NavigationTimeout: c.Timeouts.Navigation,
		SelectorTimeout:   c.Timeouts.Selector,
	}
}
