package extractor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/tokenrelay/pkg/browser"
)

const apiBase = "https://api.example.com/v1/boards/"

func bearerRequest(url, authorization string) browser.NetworkEvent {
	headers := map[string]string{}
	if authorization != "" {
		headers["authorization"] = authorization
	}
	return browser.NewRequestEvent(url, headers)
}

func tokenResponse(url string, status int, body string) browser.NetworkEvent {
	return browser.NewResponseEvent(url, status, map[string]string{"content-type": "application/json"}, func() ([]byte, error) {
		return []byte(body), nil
	})
}

func TestHeaderMatcher(t *testing.T) {
	m := &HeaderMatcher{URLs: PrefixFilter(apiBase)}

	tests := []struct {
		name    string
		event   browser.NetworkEvent
		want    string
		wantOK  bool
		wantErr bool
	}{
		{
			name:   "bearer token on api request",
			event:  bearerRequest(apiBase+"42", "Bearer abc123"),
			want:   "abc123",
			wantOK: true,
		},
		{
			name:   "surrounding whitespace trimmed",
			event:  bearerRequest(apiBase+"42", "Bearer   abc123  "),
			want:   "abc123",
			wantOK: true,
		},
		{
			name:    "empty bearer rejected",
			event:   bearerRequest(apiBase+"42", "Bearer "),
			wantErr: true,
		},
		{
			name:    "whitespace-only bearer rejected",
			event:   bearerRequest(apiBase+"42", "Bearer    "),
			wantErr: true,
		},
		{
			name:  "basic scheme ignored",
			event: bearerRequest(apiBase+"42", "Basic dXNlcjpwYXNz"),
		},
		{
			name:  "scheme is case-sensitive",
			event: bearerRequest(apiBase+"42", "bearer abc123"),
		},
		{
			name:  "no authorization header",
			event: bearerRequest(apiBase+"42", ""),
		},
		{
			name:  "url outside api base",
			event: bearerRequest("https://cdn.example.com/app.js", "Bearer abc123"),
		},
		{
			name:  "responses are not candidates",
			event: browser.NewResponseEvent(apiBase+"42", 200, map[string]string{"authorization": "Bearer abc123"}, nil),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := m.Match(tt.event)
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHeaderMatcher_MixedCaseHeaderName(t *testing.T) {
	m := &HeaderMatcher{URLs: PrefixFilter(apiBase)}
	ev := browser.NewRequestEvent(apiBase+"1", map[string]string{"Authorization": "Bearer tok"})

	got, ok, err := m.Match(ev)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok", got)
}

func TestBodyMatcher(t *testing.T) {
	m := &BodyMatcher{URLs: ContainsFilter("/oauth/token")}
	tokenURL := "https://login.example.com/oauth/token"

	tests := []struct {
		name    string
		event   browser.NetworkEvent
		want    string
		wantOK  bool
		wantErr bool
	}{
		{
			name:   "access token returned verbatim",
			event:  tokenResponse(tokenURL, 200, `{"access_token":"  eyJ.abc ","token_type":"Bearer"}`),
			want:   "  eyJ.abc ",
			wantOK: true,
		},
		{
			name:    "missing access_token ignored",
			event:   tokenResponse(tokenURL, 200, `{"id_token":"x"}`),
			wantErr: true,
		},
		{
			name:    "non-string access_token ignored",
			event:   tokenResponse(tokenURL, 200, `{"access_token":42}`),
			wantErr: true,
		},
		{
			name:    "empty access_token ignored",
			event:   tokenResponse(tokenURL, 200, `{"access_token":""}`),
			wantErr: true,
		},
		{
			name:    "non-2xx status ignored",
			event:   tokenResponse(tokenURL, 401, `{"access_token":"abc"}`),
			wantErr: true,
		},
		{
			name:    "malformed body ignored",
			event:   tokenResponse(tokenURL, 200, `<html>nope</html>`),
			wantErr: true,
		},
		{
			name:  "other endpoint not a candidate",
			event: tokenResponse("https://login.example.com/userinfo", 200, `{"access_token":"abc"}`),
		},
		{
			name:  "requests not candidates",
			event: browser.NewRequestEvent(tokenURL, nil),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := m.Match(tt.event)
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBodyMatcher_BodyReadError(t *testing.T) {
	m := &BodyMatcher{URLs: ContainsFilter("/oauth/token")}
	boom := errors.New("target closed")
	ev := browser.NewResponseEvent("https://login.example.com/oauth/token", 200, nil, func() ([]byte, error) {
		return nil, boom
	})

	_, ok, err := m.Match(ev)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestGlobFilter(t *testing.T) {
	f, err := GlobFilter("https://api.example.com/v1/boards/*")
	require.NoError(t, err)

	assert.True(t, f.MatchURL("https://api.example.com/v1/boards/42"))
	assert.False(t, f.MatchURL("https://api.example.com/v1/boards/42/items"))

	deep, err := GlobFilter("https://api.example.com/**")
	require.NoError(t, err)
	assert.True(t, deep.MatchURL("https://api.example.com/v1/boards/42/items"))

	_, err = GlobFilter("https://api.example.com/[")
	assert.Error(t, err)
}

func TestNewMatcher(t *testing.T) {
	m, err := NewMatcher(StrategyHeader, MatchOptions{APIBaseURL: apiBase})
	require.NoError(t, err)
	assert.Equal(t, SourceRequestHeader, m.Source())

	m, err = NewMatcher(StrategyBody, MatchOptions{TokenEndpoint: "/oauth/token"})
	require.NoError(t, err)
	assert.Equal(t, SourceResponseBody, m.Source())

	m, err = NewMatcher(StrategyBody, MatchOptions{URLPattern: "https://login.example.com/oauth/*"})
	require.NoError(t, err)
	_, ok, err := m.Match(tokenResponse("https://login.example.com/oauth/token", 200, `{"access_token":"t"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = NewMatcher(StrategyHeader, MatchOptions{})
	assert.Error(t, err)

	_, err = NewMatcher(StrategyBody, MatchOptions{})
	assert.Error(t, err)

	_, err = NewMatcher("cookie", MatchOptions{APIBaseURL: apiBase})
	assert.Error(t, err)
}
