package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newBufferLogger(t *testing.T, level Level) (*Logger, *bytes.Buffer) {
	t.Helper()

	buf := &bytes.Buffer{}
	logger, err := New("test", Options{Level: level, Writer: buf})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger, buf
}

func TestLoggerFormatting(t *testing.T) {
	logger, buf := newBufferLogger(t, LevelDebug)
	defer logger.Close()

	logger.Debugf("Debug message")
	logger.Infof("Info message %d", 123)
	logger.Successf("Success message")
	logger.Warnf("Warning message")
	logger.Errorf("Error message")

	expectedPatterns := []string{
		"[test] [DEBUG] Debug message",
		"[test] [INFO] Info message 123",
		"[test] [OK] Success message",
		"[test] [WARN] Warning message",
		"[test] [ERROR] Error message",
	}

	for _, pattern := range expectedPatterns {
		if !strings.Contains(buf.String(), pattern) {
			t.Errorf("Log content missing expected pattern: %q\nContent:\n%s", pattern, buf.String())
		}
	}
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name        string
		level       Level
		wantDebug   bool
		wantVerbose bool
		wantInfo    bool
		wantError   bool
	}{
		{"quiet", LevelQuiet, false, false, false, true},
		{"normal", LevelNormal, false, false, true, true},
		{"verbose", LevelVerbose, false, true, true, true},
		{"debug", LevelDebug, true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferLogger(t, tt.level)

			logger.Debugf("debug-line")
			logger.Verbosef("verbose-line")
			logger.Infof("info-line")
			logger.Errorf("error-line")

			out := buf.String()
			if got := strings.Contains(out, "debug-line"); got != tt.wantDebug {
				t.Errorf("debug emitted = %v, want %v", got, tt.wantDebug)
			}
			if got := strings.Contains(out, "verbose-line"); got != tt.wantVerbose {
				t.Errorf("verbose emitted = %v, want %v", got, tt.wantVerbose)
			}
			if got := strings.Contains(out, "info-line"); got != tt.wantInfo {
				t.Errorf("info emitted = %v, want %v", got, tt.wantInfo)
			}
			if got := strings.Contains(out, "error-line"); got != tt.wantError {
				t.Errorf("error emitted = %v, want %v", got, tt.wantError)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"", LevelNormal, false},
		{"quiet", LevelQuiet, false},
		{"VERBOSE", LevelVerbose, false},
		{"debug", LevelDebug, false},
		{"loud", LevelNormal, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestWithSharesOutput(t *testing.T) {
	logger, buf := newBufferLogger(t, LevelNormal)

	child := logger.With("extractor")
	logger.RegisterSecret("hunter2-secret")
	child.Infof("secret is hunter2-secret")

	out := buf.String()
	if !strings.Contains(out, "[extractor]") {
		t.Errorf("expected child component tag, got %q", out)
	}
	if strings.Contains(out, "hunter2-secret") {
		t.Errorf("registered secret leaked through child logger: %q", out)
	}
}

func TestLoggerFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := New("test", Options{Level: LevelNormal, Writer: &bytes.Buffer{}, Dir: dir})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Infof("written to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Close again should be safe
	if err := logger.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}

	fileName := filepath.Base(logger.LogPath())
	if !strings.HasSuffix(fileName, "-tokenrelay.log") {
		t.Errorf("Expected log file to end with '-tokenrelay.log', got %q", fileName)
	}
	if !strings.HasPrefix(fileName, RunID()) {
		t.Errorf("Expected log file to start with run ID %q, got %q", RunID(), fileName)
	}

	content, err := os.ReadFile(logger.LogPath())
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "written to file") {
		t.Errorf("log file missing message, got %q", content)
	}
}

func TestLoggerFileFallback(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	buf := &bytes.Buffer{}
	logger, err := New("test", Options{Level: LevelNormal, Writer: buf, Dir: filepath.Join(blocker, "logs")})
	if err == nil {
		t.Fatal("expected error when log directory cannot be created")
	}
	if logger == nil {
		t.Fatal("expected fallback logger")
	}

	logger.Infof("still logging")
	if !strings.Contains(buf.String(), "still logging") {
		t.Errorf("fallback logger did not write to console: %q", buf.String())
	}
	if logger.LogPath() != "" {
		t.Errorf("expected empty log path in fallback mode, got %q", logger.LogPath())
	}
}

func TestRunIDStable(t *testing.T) {
	id1 := RunID()
	id2 := RunID()

	if id1 != id2 {
		t.Errorf("Expected consistent run ID, got %q and %q", id1, id2)
	}
	if !strings.Contains(id1, "-") {
		t.Errorf("Expected UUID-shaped run ID, got %q", id1)
	}
}
