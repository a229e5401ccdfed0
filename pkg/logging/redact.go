package logging

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

const (
	redactedMarker = "[REDACTED]"

	// minSecretLength keeps very short values from masking unrelated text
	minSecretLength = 4

	previewLength = 12
)

// builtinPatterns are always applied, registered secrets or not.
var builtinPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Bearer [A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+`),
}

// Redactor masks credentials in log messages. It is safe for concurrent use.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

// NewRedactor creates a redactor with only the built-in patterns.
func NewRedactor() *Redactor {
	return &Redactor{}
}

// Register adds an exact value to mask. Values shorter than four bytes are
// ignored.
func (r *Redactor) Register(value string) {
	if len(value) < minSecretLength {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if s == value {
			return
		}
	}
	r.secrets = append(r.secrets, value)
	// longest first so a secret containing another is masked whole
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })
}

// Redact returns input with registered secrets and built-in patterns masked.
func (r *Redactor) Redact(input string) string {
	r.mu.RLock()
	for _, s := range r.secrets {
		input = strings.ReplaceAll(input, s, redactedMarker)
	}
	r.mu.RUnlock()

	for _, re := range builtinPatterns {
		input = re.ReplaceAllString(input, redactedMarker)
	}
	return input
}

// Preview returns a truncated form of a sensitive value that is safe to log.
// Values too short to truncate meaningfully are fully masked.
func Preview(value string) string {
	switch {
	case value == "":
		return "<empty>"
	case len(value) <= previewLength*2:
		return strings.Repeat("*", 8)
	default:
		return value[:previewLength] + "..."
	}
}
