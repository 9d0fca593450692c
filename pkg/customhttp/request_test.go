package customhttp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestBuilder_Defaults(t *testing.T) {
	req, err := NewRequestBuilder("https://Example.COM/path?q=1#frag").Build()
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, req.Method())
	assert.Equal(t, "https://example.com/path?q=1", req.URL().String())
	assert.Equal(t, int64(0), req.Body().ContentLength())
	assert.Zero(t, req.Timeout())
	assert.Zero(t, req.Version())
	assert.Equal(t, DiscoveryUnset, req.H3Discovery())
	assert.False(t, req.ExpectContinue())
}

func TestRequestBuilder_Validation(t *testing.T) {
	tests := []struct {
		name string
		b    *RequestBuilder
	}{
		{"bad url", NewRequestBuilder("http://[::1")},
		{"unsupported scheme", NewRequestBuilder("ftp://example.com/")},
		{"no host", NewRequestBuilder("https:///path")},
		{"user info", NewRequestBuilder("https://user:pw@example.com/")},
		{"bad method", NewRequestBuilder("https://example.com/").Method("GE T", nil)},
		{"restricted header", NewRequestBuilder("https://example.com/").Header("Content-Length", "3")},
		{"connection header", NewRequestBuilder("https://example.com/").SetHeader("connection", "close")},
		{"bad header value", NewRequestBuilder("https://example.com/").Header("X-A", "a\r\nb")},
		{"bad header name", NewRequestBuilder("https://example.com/").Header("X A", "b")},
		{"zero timeout", NewRequestBuilder("https://example.com/").Timeout(0)},
		{"negative timeout", NewRequestBuilder("https://example.com/").Timeout(-time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Build()
			assert.Error(t, err)
		})
	}

	_, err := NewRequestBuilder("https://example.com/").Header("Host", "x").Build()
	var he *HeaderError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "restricted header", he.Reason)
}

func TestRequestBuilder_BuildIsolatesRequests(t *testing.T) {
	b := NewRequestBuilder("https://example.com/").Header("X-A", "1")
	first, err := b.Build()
	require.NoError(t, err)

	b.Header("X-A", "2").POST(StringBody("abc")).Timeout(time.Second)
	second, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"1"}, first.Header().Values("X-A"))
	assert.Equal(t, http.MethodGet, first.Method())
	assert.Equal(t, []string{"1", "2"}, second.Header().Values("X-A"))
	assert.Equal(t, http.MethodPost, second.Method())
	assert.Equal(t, time.Second, second.Timeout())

	// Accessors hand out copies.
	second.Header().Set("X-A", "mutated")
	second.URL().Path = "/mutated"
	assert.Equal(t, "1", second.Header().Get("X-A"))
	assert.Equal(t, "/", second.URL().Path)
}

func TestRequest_Copy(t *testing.T) {
	orig, err := NewRequestBuilder("https://example.com/a").
		PUT(StringBody("x")).
		Header("X-Trace", "t1").
		Version(HTTP3).
		H3Discovery(DiscoveryAltSvc).
		ExpectContinue(true).
		Build()
	require.NoError(t, err)

	cp, err := orig.Copy().SetHeader("X-Trace", "t2").Build()
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, cp.Method())
	assert.Equal(t, HTTP3, cp.Version())
	assert.Equal(t, DiscoveryAltSvc, cp.H3Discovery())
	assert.True(t, cp.ExpectContinue())
	assert.Equal(t, "t2", cp.Header().Get("X-Trace"))
	assert.Equal(t, "t1", orig.Header().Get("X-Trace"))
}

func TestRequest_Idempotent(t *testing.T) {
	for method, want := range map[string]bool{
		http.MethodGet:     true,
		http.MethodHead:    true,
		http.MethodPut:     true,
		http.MethodDelete:  true,
		http.MethodOptions: true,
		http.MethodPost:    false,
		http.MethodPatch:   false,
	} {
		req, err := NewRequestBuilder("https://example.com/").Method(method, nil).Build()
		require.NoError(t, err)
		assert.Equal(t, want, req.idempotent(), method)
	}
}

func TestAuthorityAndHostHeader(t *testing.T) {
	tests := []struct {
		raw, authority, host string
	}{
		{"https://example.com/", "example.com:443", "example.com"},
		{"http://example.com/", "example.com:80", "example.com"},
		{"https://example.com:8443/", "example.com:8443", "example.com:8443"},
		{"http://example.com:443/", "example.com:443", "example.com:443"},
		{"https://[::1]/", "[::1]:443", "[::1]"},
		{"http://[2001:db8::1]:8080/", "[2001:db8::1]:8080", "[2001:db8::1]:8080"},
	}
	for _, tt := range tests {
		u := mustParse(t, tt.raw)
		assert.Equal(t, tt.authority, authority(u), tt.raw)
		assert.Equal(t, tt.host, hostHeader(u), tt.raw)
	}
}

func TestParseVersionAndDiscovery(t *testing.T) {
	for in, want := range map[string]Version{"h1": HTTP11, "HTTP/1.1": HTTP11, "h2": HTTP2, "http/3": HTTP3, "": 0} {
		got, err := ParseVersion(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseVersion("spdy")
	assert.Error(t, err)

	for in, want := range map[string]H3Discovery{"any": DiscoveryAny, "alt-svc": DiscoveryAltSvc, "URI-ONLY": DiscoveryURIOnly} {
		got, err := ParseDiscovery(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err = ParseDiscovery("dns")
	assert.Error(t, err)

	assert.Equal(t, "HTTP/2", HTTP2.String())
	assert.Equal(t, "alt-svc", DiscoveryAltSvc.String())
}

// drain collects every chunk a reader yields.
func drain(t *testing.T, r BodyReader) ([]byte, error) {
	t.Helper()
	var buf bytes.Buffer
	for {
		chunk, err := r.Next()
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
		buf.Write(chunk)
	}
}

func TestBodyPublishers(t *testing.T) {
	large := bytes.Repeat([]byte("x"), bodyChunkSize+10)
	r := mustOpen(t, BytesBody(large))
	first, err := r.Next()
	require.NoError(t, err)
	assert.Len(t, first, bodyChunkSize)
	rest, err := drain(t, r)
	require.NoError(t, err)
	assert.Len(t, rest, 10)

	// Replayable: every Open starts over.
	pub := StringBody("hello")
	for i := 0; i < 2; i++ {
		got, err := drain(t, mustOpen(t, pub))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
	}

	opens := 0
	rb := ReaderBody(func() (io.ReadCloser, error) {
		opens++
		return io.NopCloser(bytes.NewReader([]byte("stream"))), nil
	}, -1)
	got, err := drain(t, mustOpen(t, rb))
	require.NoError(t, err)
	assert.Equal(t, "stream", string(got))
	assert.Equal(t, int64(-1), rb.ContentLength())
	_, _ = drain(t, mustOpen(t, rb))
	assert.Equal(t, 2, opens)

	failing := ReaderBody(func() (io.ReadCloser, error) { return nil, errors.New("no file") }, 3)
	_, err = failing.Open()
	assert.Error(t, err)
}

func TestCheckLength(t *testing.T) {
	short := checkLength(mustOpen(t, ChunksBody([][]byte{[]byte("abc")}, 10)), 10)
	_, err := drain(t, short)
	var ble *BodyLengthError
	require.ErrorAs(t, err, &ble)
	assert.ErrorIs(t, err, ErrBodyTooShort)
	assert.Equal(t, int64(10), ble.Declared)
	assert.Equal(t, int64(3), ble.Actual)

	long := checkLength(mustOpen(t, ChunksBody([][]byte{[]byte("ab"), []byte("cd")}, 3)), 3)
	got, err := drain(t, long)
	assert.ErrorIs(t, err, ErrBodyTooLong)
	assert.Equal(t, "ab", string(got), "the overflowing chunk is never handed out")

	exact := checkLength(mustOpen(t, ChunksBody([][]byte{[]byte("ab"), []byte("c")}, 3)), 3)
	got, err = drain(t, exact)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	unknown := checkLength(mustOpen(t, ChunksBody([][]byte{[]byte("abc")}, -1)), -1)
	_, err = drain(t, unknown)
	assert.NoError(t, err)
}

func TestPushPublisher(t *testing.T) {
	p := NewPushPublisher(-1)
	r, err := p.Open()
	require.NoError(t, err)
	_, err = p.Open()
	assert.ErrorIs(t, err, ErrBodyNotReplayable)

	go func() {
		ctx := context.Background()
		_ = p.Push(ctx, []byte("one "))
		_ = p.Push(ctx, []byte("two"))
		p.Complete()
	}()
	got, err := drain(t, r)
	require.NoError(t, err)
	assert.Equal(t, "one two", string(got))
	assert.Error(t, p.Push(context.Background(), []byte("late")))
}

func TestPushPublisher_FailAndClose(t *testing.T) {
	boom := errors.New("source failed")
	p := NewPushPublisher(5)
	r, err := p.Open()
	require.NoError(t, err)
	p.Fail(boom)
	_, err = r.Next()
	assert.ErrorIs(t, err, boom)

	p2 := NewPushPublisher(-1)
	r2, err := p2.Open()
	require.NoError(t, err)
	require.NoError(t, r2.Close())
	assert.ErrorIs(t, p2.Push(context.Background(), []byte("x")), io.ErrClosedPipe)

	p3 := NewPushPublisher(-1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p3.Push(ctx, []byte("x")), context.Canceled)
}
