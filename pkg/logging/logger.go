package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level controls which messages a Logger emits.
type Level int

const (
	// LevelQuiet shows only warnings and errors
	LevelQuiet Level = iota
	// LevelNormal shows run progress (default)
	LevelNormal
	// LevelVerbose adds per-step details such as selector attempts
	LevelVerbose
	// LevelDebug shows everything, including per-event extraction noise
	LevelDebug
)

var levelNames = map[string]Level{
	"quiet":   LevelQuiet,
	"normal":  LevelNormal,
	"verbose": LevelVerbose,
	"debug":   LevelDebug,
}

// ParseLevel converts a verbosity name to a Level.
func ParseLevel(name string) (Level, error) {
	if name == "" {
		return LevelNormal, nil
	}
	level, ok := levelNames[strings.ToLower(name)]
	if !ok {
		return LevelNormal, fmt.Errorf("invalid log level %q (must be 'quiet', 'normal', 'verbose', or 'debug')", name)
	}
	return level, nil
}

// Options configures a root Logger.
type Options struct {
	// Level is the verbosity threshold
	Level Level

	// Writer receives every log line. Defaults to os.Stderr.
	Writer io.Writer

	// Dir, when set, additionally writes lines to <Dir>/<run-id>-tokenrelay.log
	Dir string
}

// Logger writes leveled, component-tagged lines for one capture run.
// Loggers derived with With share the same output and redactor.
//
// Every message is passed through the redactor before it is written, so
// bearer tokens and registered secrets never reach the output in full.
type Logger struct {
	component string
	out       *output
}

// output is the state shared by a root logger and its children.
type output struct {
	mu        sync.Mutex
	level     Level
	logger    *log.Logger
	file      *os.File
	logPath   string
	redactor  *Redactor
	closeOnce sync.Once
}

var (
	// runID identifies the current process execution
	runID     string
	runIDOnce sync.Once
)

// getRunID returns or creates the run ID for this execution
func getRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// RunID returns the identifier shared by every logger of this process.
func RunID() string {
	return getRunID()
}

// New creates a root logger for component.
//
// If opts.Dir is set but the log file cannot be opened, New returns a working
// logger that writes only to opts.Writer, along with the error, so callers can
// warn about the fallback.
func New(component string, opts Options) (*Logger, error) {
	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}

	out := &output{
		level:    opts.Level,
		redactor: NewRedactor(),
	}

	var fileErr error
	if opts.Dir != "" {
		file, logPath, err := openLogFile(opts.Dir)
		if err != nil {
			fileErr = err
		} else {
			out.file = file
			out.logPath = logPath
			writer = io.MultiWriter(writer, file)
		}
	}

	out.logger = log.New(writer, "", 0) // timestamps are formatted per entry
	l := &Logger{component: component, out: out}

	if fileErr != nil {
		l.Warnf("Failed to initialize file logging, falling back to console only: %v", fileErr)
	}
	return l, fileErr
}

// Discard returns a logger that writes nothing. Useful in tests.
func Discard() *Logger {
	l, _ := New("discard", Options{Level: LevelQuiet, Writer: io.Discard})
	return l
}

func openLogFile(dir string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, "", fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(dir, fmt.Sprintf("%s-tokenrelay.log", getRunID()))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open log file: %w", err)
	}
	return file, logPath, nil
}

// With returns a logger for another component sharing this logger's output.
func (l *Logger) With(component string) *Logger {
	return &Logger{component: component, out: l.out}
}

// RegisterSecret masks every future occurrence of value in log output.
func (l *Logger) RegisterSecret(value string) {
	l.out.redactor.Register(value)
}

// Redact applies this logger's redaction to s, for text written elsewhere.
func (l *Logger) Redact(s string) string {
	return l.out.redactor.Redact(s)
}

// formatLogEntry creates a log entry with timestamp, component, and level
func (l *Logger) formatLogEntry(level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Sprintf("[%s] [%s] [%s] %s", timestamp, l.component, level, message)
}

func (l *Logger) write(threshold Level, level, format string, v ...interface{}) {
	if l.out.level < threshold {
		return
	}

	message := l.out.redactor.Redact(fmt.Sprintf(format, v...))

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.logger.Println(l.formatLogEntry(level, message))
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, v...)
}

// Verbosef logs step details shown at verbose level and above
func (l *Logger) Verbosef(format string, v ...interface{}) {
	l.write(LevelVerbose, "INFO", format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.write(LevelNormal, "INFO", format, v...)
}

// Successf logs a successful milestone
func (l *Logger) Successf(format string, v ...interface{}) {
	l.write(LevelNormal, "OK", format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.write(LevelQuiet, "WARN", format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.write(LevelQuiet, "ERROR", format, v...)
}

// LogPath returns the path to the log file, or "" when logging to console only.
func (l *Logger) LogPath() string {
	return l.out.logPath
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.out.closeOnce.Do(func() {
		if l.out.file != nil {
			err = l.out.file.Close()
		}
	})
	return err
}
