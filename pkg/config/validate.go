package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/entrhq/tokenrelay/pkg/extractor"
)

// FieldError names one invalid setting. It never carries the value.
type FieldError struct {
	// Field is the dotted YAML path, e.g. "login.password"
	Field string
	// Rule is the failed constraint, e.g. "required"
	Rule string
}

func (f FieldError) String() string {
	switch f.Rule {
	case "required":
		return f.Field + " is required"
	case "url":
		return f.Field + " must be an absolute URL"
	case "oneof":
		return f.Field + " has an unsupported value"
	default:
		return fmt.Sprintf("%s fails %q", f.Field, f.Rule)
	}
}

// ValidationError lists every invalid setting.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Has reports whether field failed validation.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks the configuration. A failure is a *ValidationError.
func (c *Config) Validate() error {
	verr := &ValidationError{}

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate configuration: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.Fields = append(verr.Fields, FieldError{
				Field: trimRoot(fe.Namespace()),
				Rule:  fe.Tag(),
			})
		}
	}

	// Cross-field rules
	switch c.Match.Strategy {
	case extractor.StrategyHeader:
		if c.Match.APIBaseURL == "" && c.Match.URLPattern == "" {
			verr.Fields = append(verr.Fields, FieldError{Field: "match.api_base_url", Rule: "required"})
		}
	case extractor.StrategyBody:
		if c.Match.TokenEndpoint == "" && c.Match.URLPattern == "" {
			verr.Fields = append(verr.Fields, FieldError{Field: "match.token_endpoint", Rule: "required"})
		}
	}
	if c.Match.URLPattern != "" {
		if _, err := extractor.GlobFilter(c.Match.URLPattern); err != nil {
			verr.Fields = append(verr.Fields, FieldError{Field: "match.url_pattern", Rule: "glob"})
		}
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// trimRoot drops the leading "Config." from a validator namespace.
func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
