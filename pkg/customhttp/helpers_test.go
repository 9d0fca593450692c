package customhttp

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/hxengine/pkg/tracker"
)

// newTestConfig returns a config suited to loopback servers with
// self-signed certificates and fast retries.
func newTestConfig(t *testing.T) *ClientConfig {
	t.Helper()
	cfg := NewDefaultClientConfig()
	cfg.Logger = zaptest.NewLogger(t)
	cfg.DialerConfig.TLSConfig.InsecureSkipVerify = true
	cfg.ConnectTimeout = 5 * time.Second
	cfg.RetryPolicy.InitialBackoff = time.Millisecond
	cfg.RetryPolicy.MaxBackoff = 5 * time.Millisecond
	cfg.RetryPolicy.Jitter = false
	cfg.H2Config.PingInterval = 0
	return cfg
}

func newTestClient(t *testing.T, mutate func(cfg *ClientConfig)) *Client {
	t.Helper()
	cfg := newTestConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.ShutdownNow()
		c.AwaitTermination(5 * time.Second)
	})
	return c
}

// newH2Server starts a TLS server that negotiates h2 via ALPN.
func newH2Server(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	s := httptest.NewUnstartedServer(h)
	s.EnableHTTP2 = true
	s.StartTLS()
	t.Cleanup(s.Close)
	return s
}

// newH1TLSServer starts a TLS server that only speaks http/1.1.
func newH1TLSServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	s := httptest.NewUnstartedServer(h)
	s.StartTLS()
	t.Cleanup(s.Close)
	return s
}

func newH1Server(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(h)
	t.Cleanup(s.Close)
	return s
}

func mustBuild(t *testing.T, b *RequestBuilder) *Request {
	t.Helper()
	req, err := b.Build()
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// requireIdle waits for every counter of tr to return to zero.
func requireIdle(t *testing.T, tr tracker.Tracker) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.Snapshot().Outstanding() == 0
	}, 5*time.Second, 10*time.Millisecond, "outstanding work: %s", tr.Snapshot())
}

func textHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, body)
	}
}
