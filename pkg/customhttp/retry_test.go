package customhttp

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_Transitions(t *testing.T) {
	m := &machine{}
	m.to(StateSent)
	m.to(StateRetryableFailure)
	m.to(StateSent)
	m.to(StateRedirected)
	m.to(StateSent)
	m.to(StateAuthChallenged)
	m.to(StateSent)
	m.to(StateCompleted)

	assert.Equal(t, 4, m.attempts)
	assert.True(t, m.terminal())
	assert.Equal(t, StateCompleted, m.state)
}

func TestMachine_IllegalTransitionPanics(t *testing.T) {
	tests := []struct {
		from, to State
	}{
		{StateInitial, StateCompleted},
		{StateCompleted, StateSent},
		{StateTerminalFailure, StateSent},
		{StateRetryableFailure, StateCompleted},
		{StateSent, StateSent},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			m := &machine{state: tt.from}
			assert.PanicsWithValue(t,
				"customhttp: illegal state transition "+tt.from.String()+" -> "+tt.to.String(),
				func() { m.to(tt.to) })
		})
	}
}

func TestShouldRetry(t *testing.T) {
	policy := NewDefaultRetryPolicy()
	get, err := NewRequestBuilder("https://example.com/").Build()
	require.NoError(t, err)
	post, err := NewRequestBuilder("https://example.com/").POST(StringBody("x")).Build()
	require.NoError(t, err)

	sent := retryable(errors.New("reset"), false)
	unsent := retryable(errors.New("refused"), true)
	plain := errors.New("malformed response")

	assert.True(t, shouldRetry(policy, get, sent, 0))
	assert.False(t, shouldRetry(policy, post, sent, 0), "POST may have been processed")
	assert.True(t, shouldRetry(policy, post, unsent, 0), "the server never saw the request")
	assert.False(t, shouldRetry(policy, get, plain, 0))
	assert.False(t, shouldRetry(policy, get, sent, policy.MaxRetries))
	assert.False(t, shouldRetry(nil, get, sent, 0))

	lax := *policy
	lax.RetryNonIdempotent = true
	assert.True(t, shouldRetry(&lax, post, sent, 0))
}

func TestCalculateBackoff(t *testing.T) {
	policy := &RetryPolicy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2,
	}
	assert.Equal(t, 100*time.Millisecond, calculateBackoff(policy, 1))
	assert.Equal(t, 200*time.Millisecond, calculateBackoff(policy, 2))
	assert.Equal(t, 400*time.Millisecond, calculateBackoff(policy, 3))
	assert.Equal(t, time.Second, calculateBackoff(policy, 10), "capped at MaxBackoff")

	policy.Jitter = true
	for i := 0; i < 50; i++ {
		d := calculateBackoff(policy, 2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}

func TestRedirectTarget(t *testing.T) {
	req, err := NewRequestBuilder("https://example.com/a/b").Build()
	require.NoError(t, err)
	loc := func(l string) http.Header { return http.Header{"Location": {l}} }

	tests := []struct {
		name   string
		policy RedirectPolicy
		status int
		header http.Header
		want   string
	}{
		{"relative", RedirectNormal, 302, loc("../c?x=1"), "https://example.com/c?x=1"},
		{"absolute", RedirectNormal, 301, loc("https://other.example/z"), "https://other.example/z"},
		{"idn host", RedirectAlways, 307, loc("https://bücher.example/"), "https://xn--bcher-kva.example/"},
		{"fragment dropped", RedirectNormal, 308, loc("/d#frag"), "https://example.com/d"},
		{"downgrade refused", RedirectNormal, 302, loc("http://example.com/"), ""},
		{"downgrade allowed", RedirectAlways, 302, loc("http://example.com/"), "http://example.com/"},
		{"never", RedirectNever, 302, loc("/x"), ""},
		{"not a redirect", RedirectAlways, 200, loc("/x"), ""},
		{"no location", RedirectAlways, 302, http.Header{}, ""},
		{"other scheme", RedirectAlways, 302, loc("ftp://example.com/"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := redirectTarget(tt.policy, req, tt.status, tt.header)
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.String())
		})
	}

	_, err = redirectTarget(RedirectAlways, req, 302, loc("http://[::1"))
	assert.Error(t, err)
}

func TestPrepareNextRequest_MethodRewrite(t *testing.T) {
	tests := []struct {
		method     string
		status     int
		wantMethod string
		keepBody   bool
	}{
		{http.MethodPost, 301, http.MethodGet, false},
		{http.MethodPost, 302, http.MethodGet, false},
		{http.MethodPost, 303, http.MethodGet, false},
		{http.MethodPut, 303, http.MethodGet, false},
		{http.MethodHead, 303, http.MethodHead, false},
		{http.MethodPost, 307, http.MethodPost, true},
		{http.MethodPut, 308, http.MethodPut, true},
		{http.MethodGet, 302, http.MethodGet, true},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+http.StatusText(tt.status), func(t *testing.T) {
			orig, err := NewRequestBuilder("https://example.com/form").
				Method(tt.method, StringBody("payload")).
				Header("Content-Type", "text/plain").
				ExpectContinue(true).
				Build()
			require.NoError(t, err)
			next := prepareNextRequest(orig, mustParse(t, "https://example.com/done"), tt.status)

			assert.Equal(t, tt.wantMethod, next.method)
			if tt.keepBody {
				assert.Equal(t, int64(7), next.body.ContentLength())
				assert.Equal(t, "text/plain", next.header.Get("Content-Type"))
				assert.True(t, next.expectContinue)
			} else {
				assert.Equal(t, int64(0), next.body.ContentLength())
				assert.Empty(t, next.header.Get("Content-Type"))
				assert.False(t, next.expectContinue)
			}
			assert.Equal(t, "https://example.com/form", next.header.Get("Referer"))
			assert.Equal(t, tt.method, orig.method, "the original request is immutable")
		})
	}
}

func TestPrepareNextRequest_CrossOriginDropsCredentials(t *testing.T) {
	orig, err := NewRequestBuilder("https://example.com/").
		Header("Authorization", "Bearer secret").
		Header("Cookie", "session=1").
		Header("X-Keep", "yes").
		Build()
	require.NoError(t, err)

	same := prepareNextRequest(orig, mustParse(t, "https://EXAMPLE.com:443/next"), 302)
	assert.Equal(t, "Bearer secret", same.header.Get("Authorization"))
	assert.Equal(t, "session=1", same.header.Get("Cookie"))

	cross := prepareNextRequest(orig, mustParse(t, "https://evil.example/"), 302)
	assert.Empty(t, cross.header.Get("Authorization"))
	assert.Empty(t, cross.header.Get("Cookie"))
	assert.Equal(t, "yes", cross.header.Get("X-Keep"))

	down := prepareNextRequest(orig, mustParse(t, "http://example.com/"), 302)
	assert.Empty(t, down.header.Get("Referer"), "no Referer on an https to http redirect")
	assert.Empty(t, down.header.Get("Authorization"), "scheme change is cross-origin")
}

func TestIsSameOrigin(t *testing.T) {
	assert.True(t, isSameOrigin(mustParse(t, "https://a.example/x"), mustParse(t, "https://A.example:443/y")))
	assert.True(t, isSameOrigin(mustParse(t, "http://a.example/"), mustParse(t, "http://a.example:80/")))
	assert.False(t, isSameOrigin(mustParse(t, "https://a.example/"), mustParse(t, "http://a.example/")))
	assert.False(t, isSameOrigin(mustParse(t, "https://a.example/"), mustParse(t, "https://a.example:8443/")))
	assert.False(t, isSameOrigin(nil, mustParse(t, "https://a.example/")))
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
