package capture

import (
	"errors"
	"fmt"
)

// ErrNoCredential is wrapped by extraction-timeout failures.
var ErrNoCredential = errors.New("no credential observed before the deadline")

// Kind classifies why a run failed.
type Kind string

const (
	// KindConfig is missing or invalid configuration; no session was launched
	KindConfig Kind = "config"
	// KindSessionSetup is a browser launch failure
	KindSessionSetup Kind = "session-setup"
	// KindLogin is a failed navigation, settle wait or selector lookup
	KindLogin Kind = "login"
	// KindExtractionTimeout means no matching traffic arrived before the deadline
	KindExtractionTimeout Kind = "extraction-timeout"
	// KindDelivery means a credential was captured but the sink did not store it
	KindDelivery Kind = "delivery"
	// KindCanceled means the run was interrupted by a signal
	KindCanceled Kind = "canceled"
	// KindInternal is an unexpected panic
	KindInternal Kind = "internal"
)

// headline is the operator-facing log line for each kind.
func (k Kind) headline() string {
	switch k {
	case KindConfig:
		return "Configuration error, no browser was launched"
	case KindSessionSetup:
		return "Browser session could not be started"
	case KindLogin:
		return "Login flow failed"
	case KindExtractionTimeout:
		return "Extraction timeout, no credential was captured"
	case KindDelivery:
		return "Delivery error, credential was captured but NOT stored"
	case KindCanceled:
		return "Run canceled before completion"
	default:
		return "Internal error"
	}
}

// Error is the failure of a capture run.
type Error struct {
	Kind Kind
	// State is the state the run was in when it failed
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (during %s): %v", e.Kind, e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewConfigError wraps a configuration failure detected before a run starts.
func NewConfigError(err error) *Error {
	return &Error{Kind: KindConfig, State: StateIdle, Err: err}
}

// KindOf returns the Kind of err, or "" if err is not a capture error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Describe renders err as the distinct log line for its kind.
func Describe(err error) string {
	var ce *Error
	if !errors.As(err, &ce) {
		return fmt.Sprintf("%s: %v", KindInternal.headline(), err)
	}
	return fmt.Sprintf("%s: %v", ce.Kind.headline(), ce.Err)
}
