// Package main provides the tokenrelay command: log into a web application
// with a real browser, capture the bearer credential its frontend uses and
// deliver it to a webhook.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/entrhq/tokenrelay/pkg/browser"
	"github.com/entrhq/tokenrelay/pkg/capture"
	"github.com/entrhq/tokenrelay/pkg/config"
	"github.com/entrhq/tokenrelay/pkg/driver"
	"github.com/entrhq/tokenrelay/pkg/extractor"
	"github.com/entrhq/tokenrelay/pkg/logging"
	"github.com/entrhq/tokenrelay/pkg/metrics"
	"github.com/entrhq/tokenrelay/pkg/webhook"
)

const version = "0.1.0"

// newLauncher is replaced in tests.
var newLauncher = browser.NewLauncher

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigFile  string
	Headless    bool
	Deadline    time.Duration
	LogLevel    string
	Install     bool
	ShowVersion bool

	// set records which flags were given explicitly
	set map[string]bool
}

func main() {
	cli, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(flagExitCode(err))
	}

	if cli.ShowVersion {
		fmt.Printf("tokenrelay v%s\n", version)
		return
	}

	if cli.Install {
		if err := browser.InstallPlaywright(os.Stdout); err != nil {
			log.Printf("Install failed: %v", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, cli, os.LookupEnv, os.Stderr); err != nil {
		cancel()
		// capture errors were already reported with their kind
		if capture.KindOf(err) == "" {
			log.Printf("tokenrelay failed: %v", err)
		}
		os.Exit(1)
	}
	cancel()
}

// parseFlags parses command line flags
func parseFlags(args []string, output io.Writer) (*CLIConfig, error) {
	cli := &CLIConfig{set: make(map[string]bool)}

	fs := flag.NewFlagSet("tokenrelay", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cli.ConfigFile, "config", "", "Path to configuration file (YAML)")
	fs.BoolVar(&cli.Headless, "headless", true, "Run the browser without a visible window")
	fs.DurationVar(&cli.Deadline, "deadline", 0, "How long to wait for a credential after login (overrides config)")
	fs.StringVar(&cli.LogLevel, "log-level", "", "Log verbosity: quiet, normal, verbose or debug (overrides config)")
	fs.BoolVar(&cli.Install, "install", false, "Install the Playwright driver and browsers, then exit")
	fs.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")

	fs.Usage = func() {
		fmt.Fprintf(output, "tokenrelay - capture a session credential and deliver it to a webhook\n\n")
		fmt.Fprintf(output, "Usage: tokenrelay [options]\n\n")
		fmt.Fprintf(output, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(output, "\nExamples:\n")
		fmt.Fprintf(output, "  # Configure through the environment\n")
		fmt.Fprintf(output, "  TOKENRELAY_USERNAME=... TOKENRELAY_PASSWORD=... tokenrelay\n\n")
		fmt.Fprintf(output, "  # Use a config file and watch the browser\n")
		fmt.Fprintf(output, "  tokenrelay -config tokenrelay.yaml -headless=false\n\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { cli.set[f.Name] = true })
	return cli, nil
}

// flagExitCode maps a parse failure to an exit code. Asking for help is not
// a failure.
func flagExitCode(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	return 2
}

// loadConfig layers defaults, the config file, the environment and flags,
// then validates the result.
func loadConfig(cli *CLIConfig, lookup config.LookupFunc) (*config.Config, error) {
	cfg, err := config.Load(cli.ConfigFile, lookup)
	if err != nil {
		return nil, err
	}

	if cli.set["headless"] {
		cfg.Browser.Headless = cli.Headless
	}
	if cli.set["deadline"] {
		cfg.Capture.Deadline = cli.Deadline
	}
	if cli.set["log-level"] {
		cfg.Logging.Level = cli.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run executes one capture. Configuration problems are reported before any
// browser is launched.
func run(ctx context.Context, cli *CLIConfig, lookup config.LookupFunc, stderr io.Writer) error {
	cfg, err := loadConfig(cli, lookup)
	if err != nil {
		return reportConfigError(stderr, err)
	}

	logger, logErr := logging.New("tokenrelay", logging.Options{
		Level:  cfg.LogLevel(),
		Writer: stderr,
		Dir:    cfg.Logging.Dir,
	})
	if logErr == nil && logger.LogPath() != "" {
		logger.Verbosef("Logging to %s", logger.LogPath())
	}
	defer logger.Close()

	logger.RegisterSecret(cfg.Login.Password)
	logger.RegisterSecret(cfg.Webhook.Secret)

	launcher, err := newLauncher(cfg.Browser.Engine)
	if err != nil {
		return reportConfigError(stderr, err)
	}
	matcher, err := extractor.NewMatcher(cfg.Match.Strategy, cfg.MatchOptions())
	if err != nil {
		return reportConfigError(stderr, err)
	}

	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(reg, logger.With("metrics"))

	client := webhook.NewClient(webhook.Options{
		URL:         cfg.Webhook.URL,
		Secret:      cfg.Webhook.Secret,
		Timeout:     cfg.Webhook.Timeout,
		MaxAttempts: cfg.Webhook.MaxAttempts,
	}, logger.With("webhook")).WithMetrics(sink)

	var summary *capture.SummaryWriter
	if cfg.Summary.Dir != "" {
		summary = capture.NewSummaryWriter(cfg.Summary.Dir)
	}

	coordinator, err := capture.New(capture.Options{
		Launcher:      launcher,
		LaunchOptions: browser.LaunchOptions{Headless: cfg.Browser.Headless},
		Driver:        driver.New(cfg.DriverOptions(), logger.With("driver")),
		Matcher:       matcher,
		Deliverer:     client,
		LoginURL:      cfg.Login.URL,
		TargetURL:     cfg.Login.TargetURL,
		Username:      cfg.Login.Username,
		Password:      cfg.Login.Password,
		Deadline:      cfg.Capture.Deadline,
		Metrics:       sink,
		Summary:       summary,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	logger.Infof("Starting capture run %s (engine %s, strategy %s)", logging.RunID(), cfg.Browser.Engine, cfg.Match.Strategy)
	_, runErr := coordinator.Run(ctx)

	if cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(cfg.Metrics.Textfile, reg); err != nil {
			logger.Warnf("Failed to write metrics textfile: %v", err)
		}
	}
	return runErr
}

// reportConfigError logs err as a configuration failure and returns it as one.
func reportConfigError(stderr io.Writer, err error) error {
	cfgErr := capture.NewConfigError(err)
	logger, _ := logging.New("tokenrelay", logging.Options{Level: logging.LevelNormal, Writer: stderr})
	logger.Errorf("%s", capture.Describe(cfgErr))
	return cfgErr
}
