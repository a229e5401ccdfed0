package extractor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/tidwall/gjson"

	"github.com/entrhq/tokenrelay/pkg/browser"
)

// bearerPrefix is the case-sensitive Authorization scheme accepted by HeaderMatcher.
const bearerPrefix = "Bearer "

// accessTokenField is the token-exchange response field read by BodyMatcher.
const accessTokenField = "access_token"

var (
	errEmptyBearer        = errors.New("authorization header carries an empty bearer token")
	errMalformedBody      = errors.New("token response body is not valid JSON")
	errMissingAccessToken = errors.New("token response has no access_token string")
)

// Strategy selects how a credential is recognized in traffic.
type Strategy string

const (
	// StrategyHeader reads the Authorization header of API requests
	StrategyHeader Strategy = "header"
	// StrategyBody reads access_token from the token-exchange response
	StrategyBody Strategy = "body"
)

// Matcher decides whether a network event carries the credential.
//
// Match returns ok=false with a nil error for events that are not candidates
// at all. A non-nil error means the event looked like a candidate but could
// not yield a credential; callers skip it and keep observing.
type Matcher interface {
	Source() Source
	Match(ev browser.NetworkEvent) (value string, ok bool, err error)
}

// URLFilter selects the events a Matcher inspects.
type URLFilter interface {
	MatchURL(url string) bool
	String() string
}

type prefixFilter string

func (p prefixFilter) MatchURL(url string) bool { return strings.HasPrefix(url, string(p)) }
func (p prefixFilter) String() string           { return "prefix " + string(p) }

type containsFilter string

func (c containsFilter) MatchURL(url string) bool { return strings.Contains(url, string(c)) }
func (c containsFilter) String() string           { return "contains " + string(c) }

type globFilter struct {
	pattern string
	g       glob.Glob
}

func (f globFilter) MatchURL(url string) bool { return f.g.Match(url) }
func (f globFilter) String() string           { return "glob " + f.pattern }

// PrefixFilter matches URLs starting with prefix.
func PrefixFilter(prefix string) URLFilter { return prefixFilter(prefix) }

// ContainsFilter matches URLs containing substr.
func ContainsFilter(substr string) URLFilter { return containsFilter(substr) }

// GlobFilter matches URLs against a glob pattern where '*' does not cross '/'
// and '**' does.
func GlobFilter(pattern string) (URLFilter, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid url pattern %q: %w", pattern, err)
	}
	return globFilter{pattern: pattern, g: g}, nil
}

// HeaderMatcher accepts requests to the API whose Authorization header holds
// a bearer token.
type HeaderMatcher struct {
	URLs URLFilter
}

// Source implements Matcher.
func (m *HeaderMatcher) Source() Source { return SourceRequestHeader }

// Match implements Matcher. Other schemes such as Basic are not candidates.
func (m *HeaderMatcher) Match(ev browser.NetworkEvent) (string, bool, error) {
	if ev.Direction != browser.DirectionRequest || !m.URLs.MatchURL(ev.URL) {
		return "", false, nil
	}

	auth, ok := ev.Header("Authorization")
	if !ok || !strings.HasPrefix(auth, bearerPrefix) {
		return "", false, nil
	}

	token := strings.TrimSpace(auth[len(bearerPrefix):])
	if token == "" {
		return "", false, errEmptyBearer
	}
	return token, true, nil
}

// BodyMatcher accepts successful token-exchange responses carrying access_token.
type BodyMatcher struct {
	URLs URLFilter
}

// Source implements Matcher.
func (m *BodyMatcher) Source() Source { return SourceResponseBody }

// Match implements Matcher. The access_token value is returned verbatim.
func (m *BodyMatcher) Match(ev browser.NetworkEvent) (string, bool, error) {
	if ev.Direction != browser.DirectionResponse || !m.URLs.MatchURL(ev.URL) {
		return "", false, nil
	}
	if ev.Status < 200 || ev.Status > 299 {
		return "", false, fmt.Errorf("token endpoint returned status %d", ev.Status)
	}

	body, err := ev.Body()
	if err != nil {
		return "", false, fmt.Errorf("read token response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return "", false, errMalformedBody
	}

	field := gjson.GetBytes(body, accessTokenField)
	if field.Type != gjson.String || field.Str == "" {
		return "", false, errMissingAccessToken
	}
	return field.Str, true, nil
}

// MatchOptions carries the URL settings for NewMatcher.
type MatchOptions struct {
	// APIBaseURL is the request prefix for the header strategy
	APIBaseURL string

	// TokenEndpoint is the URL substring for the body strategy
	TokenEndpoint string

	// URLPattern, when set, replaces the prefix/substring filter with a glob
	URLPattern string
}

// NewMatcher builds the Matcher for strategy.
func NewMatcher(strategy Strategy, opts MatchOptions) (Matcher, error) {
	var filter URLFilter
	if opts.URLPattern != "" {
		f, err := GlobFilter(opts.URLPattern)
		if err != nil {
			return nil, err
		}
		filter = f
	}

	switch strategy {
	case StrategyHeader, "":
		if filter == nil {
			if opts.APIBaseURL == "" {
				return nil, fmt.Errorf("header strategy requires an API base URL or URL pattern")
			}
			filter = PrefixFilter(opts.APIBaseURL)
		}
		return &HeaderMatcher{URLs: filter}, nil
	case StrategyBody:
		if filter == nil {
			if opts.TokenEndpoint == "" {
				return nil, fmt.Errorf("body strategy requires a token endpoint or URL pattern")
			}
			filter = ContainsFilter(opts.TokenEndpoint)
		}
		return &BodyMatcher{URLs: filter}, nil
	default:
		return nil, fmt.Errorf("unsupported match strategy: %s", strategy)
	}
}
