package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/entrhq/tokenrelay/pkg/logging"
)

const (
	statusSuccess = "success"
	statusFailed  = "failed"
)

// Summary is the machine-readable record of a run. It never contains the
// credential, the password or the shared secret.
type Summary struct {
	RunID     string        `json:"run_id"`
	Status    string        `json:"status"`
	ErrorKind Kind          `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	FailedIn  State         `json:"failed_in,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	States    []Transition  `json:"states"`

	Credential *CredentialSummary `json:"credential,omitempty"`
	Delivery   *DeliverySummary   `json:"delivery,omitempty"`
	Events     EventSummary       `json:"events"`
}

// CredentialSummary describes the captured credential without revealing it.
type CredentialSummary struct {
	Source       string    `json:"source"`
	URL          string    `json:"url"`
	Preview      string    `json:"preview"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// DeliverySummary describes the sink's answer.
type DeliverySummary struct {
	StatusCode int           `json:"status_code,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
}

// EventSummary counts the traffic the extractor saw.
type EventSummary struct {
	Observed int64 `json:"observed"`
	Rejected int64 `json:"rejected"`
	Ignored  int64 `json:"ignored"`
}

// BuildSummary assembles a Summary from a run's result and error. redact is
// applied to the error text, which may quote sink responses.
func BuildSummary(res *Result, err error, redact func(string) string) *Summary {
	if redact == nil {
		redact = func(s string) string { return s }
	}
	s := &Summary{
		RunID:     logging.RunID(),
		Status:    statusSuccess,
		StartTime: res.StartedAt,
		EndTime:   res.FinishedAt,
		Duration:  res.FinishedAt.Sub(res.StartedAt),
		States:    res.States,
		Events: EventSummary{
			Observed: res.Events.Observed,
			Rejected: res.Events.Rejected,
			Ignored:  res.Events.Ignored,
		},
	}

	if err != nil {
		s.Status = statusFailed
		s.Error = redact(err.Error())
		var ce *Error
		if errors.As(err, &ce) {
			s.ErrorKind = ce.Kind
			s.FailedIn = ce.State
		}
	}

	if res.Credential != nil {
		s.Credential = &CredentialSummary{
			Source:       string(res.Credential.Source),
			URL:          res.Credential.URL,
			Preview:      res.Credential.Preview(),
			DiscoveredAt: res.Credential.DiscoveredAt,
		}
	}
	if res.Delivery != nil {
		s.Delivery = &DeliverySummary{
			StatusCode: res.Delivery.StatusCode,
			Attempts:   len(res.Delivery.Attempts),
			Duration:   res.Delivery.Duration,
		}
	}
	return s
}

// SummaryWriter writes run summaries to a directory
type SummaryWriter struct {
	outputDir string
}

// NewSummaryWriter creates a new summary writer
func NewSummaryWriter(outputDir string) *SummaryWriter {
	return &SummaryWriter{outputDir: outputDir}
}

// Dir returns the output directory.
func (w *SummaryWriter) Dir() string {
	return w.outputDir
}

// WriteAll writes capture.json and summary.md
func (w *SummaryWriter) WriteAll(summary *Summary) error {
	if err := os.MkdirAll(w.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := w.WriteJSON(summary); err != nil {
		return err
	}
	return w.WriteMarkdown(summary)
}

// WriteJSON writes the summary as capture.json
func (w *SummaryWriter) WriteJSON(summary *Summary) error {
	path := filepath.Join(w.outputDir, "capture.json")

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal capture summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write capture JSON: %w", err)
	}
	return nil
}

// WriteMarkdown writes a human-readable summary.md
func (w *SummaryWriter) WriteMarkdown(summary *Summary) error {
	path := filepath.Join(w.outputDir, "summary.md")

	var md strings.Builder
	md.WriteString("# Token Capture Summary\n\n")
	fmt.Fprintf(&md, "**Run:** %s\n\n", summary.RunID)
	fmt.Fprintf(&md, "**Status:** %s\n\n", summary.Status)
	fmt.Fprintf(&md, "**Started:** %s\n\n", summary.StartTime.Format(time.RFC3339))
	fmt.Fprintf(&md, "**Completed:** %s\n\n", summary.EndTime.Format(time.RFC3339))
	fmt.Fprintf(&md, "**Duration:** %s\n\n", summary.Duration.Round(time.Millisecond))

	md.WriteString("## Result\n\n")
	if summary.Error != "" {
		fmt.Fprintf(&md, "❌ **%s** in `%s`: %s\n\n", summary.ErrorKind, summary.FailedIn, summary.Error)
	} else {
		md.WriteString("✅ **Credential captured and delivered**\n\n")
	}

	if c := summary.Credential; c != nil {
		md.WriteString("## Credential\n\n")
		fmt.Fprintf(&md, "- **Source:** %s\n", c.Source)
		fmt.Fprintf(&md, "- **Seen on:** `%s`\n", c.URL)
		fmt.Fprintf(&md, "- **Preview:** `%s`\n\n", c.Preview)
	}

	if d := summary.Delivery; d != nil {
		md.WriteString("## Delivery\n\n")
		fmt.Fprintf(&md, "- **Status code:** %d\n", d.StatusCode)
		fmt.Fprintf(&md, "- **Attempts:** %d\n", d.Attempts)
		fmt.Fprintf(&md, "- **Duration:** %s\n\n", d.Duration.Round(time.Millisecond))
	}

	md.WriteString("## States\n\n")
	for _, t := range summary.States {
		fmt.Fprintf(&md, "- %s `%s`\n", t.At.Format("15:04:05.000"), t.State)
	}
	md.WriteString("\n## Network Events\n\n")
	fmt.Fprintf(&md, "- **Observed:** %d\n", summary.Events.Observed)
	fmt.Fprintf(&md, "- **Rejected:** %d\n", summary.Events.Rejected)
	fmt.Fprintf(&md, "- **Ignored:** %d\n", summary.Events.Ignored)

	if err := os.WriteFile(path, []byte(md.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write summary markdown: %w", err)
	}
	return nil
}
