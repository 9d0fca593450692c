package customhttp

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/idna"
)

// restrictedHeaders are owned by the engine and cannot be set by callers.
var restrictedHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Expect":            true,
	"Host":              true,
	"Upgrade":           true,
	"Transfer-Encoding": true,
	"Te":                true,
	"Keep-Alive":        true,
}

// Request is an immutable description of an HTTP request. Build one with
// NewRequestBuilder.
type Request struct {
	method         string
	url            *url.URL
	header         http.Header
	body           BodyPublisher
	timeout        time.Duration
	version        Version
	discovery      H3Discovery
	expectContinue bool
}

func (r *Request) Method() string { return r.method }

// URL returns a copy of the request URL.
func (r *Request) URL() *url.URL {
	u := *r.url
	return &u
}

// Header returns a copy of the user-supplied headers.
func (r *Request) Header() http.Header { return r.header.Clone() }

func (r *Request) Body() BodyPublisher { return r.body }

// Timeout is the per-request timeout; zero means the client default.
func (r *Request) Timeout() time.Duration { return r.timeout }

// Version is the requested protocol version; zero means the client default.
func (r *Request) Version() Version { return r.version }

func (r *Request) H3Discovery() H3Discovery { return r.discovery }

func (r *Request) ExpectContinue() bool { return r.expectContinue }

// Copy returns a builder seeded with every field of r.
func (r *Request) Copy() *RequestBuilder {
	c := r.clone()
	return &RequestBuilder{req: c}
}

func (r *Request) clone() *Request {
	c := *r
	u := *r.url
	c.url = &u
	c.header = r.header.Clone()
	return &c
}

// withURL is used by redirects; the header set is copied.
func (r *Request) withURL(u *url.URL) *Request {
	c := r.clone()
	c.url = u
	return c
}

func (r *Request) idempotent() bool {
	switch r.method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// RequestBuilder accumulates request fields. Errors are reported by Build.
type RequestBuilder struct {
	req *Request
	err error
}

// NewRequestBuilder starts a GET request for rawURL.
func NewRequestBuilder(rawURL string) *RequestBuilder {
	b := &RequestBuilder{req: &Request{method: http.MethodGet, header: make(http.Header), body: NoBody()}}
	u, err := url.Parse(rawURL)
	if err != nil {
		b.err = fmt.Errorf("invalid request URL: %w", err)
		return b
	}
	b.req.url = u
	return b
}

func (b *RequestBuilder) GET() *RequestBuilder { return b.Method(http.MethodGet, NoBody()) }

func (b *RequestBuilder) HEAD() *RequestBuilder { return b.Method(http.MethodHead, NoBody()) }

func (b *RequestBuilder) DELETE() *RequestBuilder { return b.Method(http.MethodDelete, NoBody()) }

func (b *RequestBuilder) POST(body BodyPublisher) *RequestBuilder {
	return b.Method(http.MethodPost, body)
}

func (b *RequestBuilder) PUT(body BodyPublisher) *RequestBuilder {
	return b.Method(http.MethodPut, body)
}

// Method sets an arbitrary method token and body. A nil body means NoBody.
func (b *RequestBuilder) Method(method string, body BodyPublisher) *RequestBuilder {
	if !httpguts.ValidHeaderFieldName(method) {
		b.fail(fmt.Errorf("invalid method %q", method))
		return b
	}
	if body == nil {
		body = NoBody()
	}
	b.req.method = method
	b.req.body = body
	return b
}

// Header appends a header value.
func (b *RequestBuilder) Header(name, value string) *RequestBuilder {
	if err := checkHeader(name, value); err != nil {
		b.fail(err)
		return b
	}
	b.req.header.Add(name, value)
	return b
}

// SetHeader replaces all values of a header.
func (b *RequestBuilder) SetHeader(name, value string) *RequestBuilder {
	if err := checkHeader(name, value); err != nil {
		b.fail(err)
		return b
	}
	b.req.header.Set(name, value)
	return b
}

// Timeout sets the request timeout. It covers the whole exchange,
// including delivery of the response body. It must be positive.
func (b *RequestBuilder) Timeout(d time.Duration) *RequestBuilder {
	if d <= 0 {
		b.fail(fmt.Errorf("request timeout must be positive, got %s", d))
		return b
	}
	b.req.timeout = d
	return b
}

func (b *RequestBuilder) Version(v Version) *RequestBuilder {
	b.req.version = v
	return b
}

func (b *RequestBuilder) H3Discovery(d H3Discovery) *RequestBuilder {
	b.req.discovery = d
	return b
}

// ExpectContinue asks the server to confirm before the body is sent.
func (b *RequestBuilder) ExpectContinue(enable bool) *RequestBuilder {
	b.req.expectContinue = enable
	return b
}

func (b *RequestBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build validates and returns the request. The builder may be reused;
// later changes do not affect requests already built.
func (b *RequestBuilder) Build() (*Request, error) {
	if b.err != nil {
		return nil, b.err
	}
	u := b.req.url
	if u == nil {
		return nil, fmt.Errorf("request URL is required")
	}
	canonical, err := canonicalURL(u)
	if err != nil {
		return nil, err
	}
	out := b.req.clone()
	out.url = canonical
	return out, nil
}

// canonicalURL validates u as a request target and returns a copy with an
// ASCII host and no fragment.
func canonicalURL(u *url.URL) (*url.URL, error) {
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("request URL %q has no host", u.String())
	}
	if u.User != nil {
		return nil, fmt.Errorf("request URL must not carry user info")
	}
	host, err := idna.Lookup.ToASCII(u.Hostname())
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", u.Hostname(), err)
	}
	out := *u
	out.Host = joinHostPort(host, u.Port())
	out.Fragment, out.RawFragment = "", ""
	return &out, nil
}

func checkHeader(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return &HeaderError{Name: name, Reason: "invalid field name"}
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return &HeaderError{Name: name, Reason: "invalid field value"}
	}
	canonical := http.CanonicalHeaderKey(name)
	if restrictedHeaders[canonical] {
		return &HeaderError{Name: name, Reason: "restricted header"}
	}
	if strings.HasPrefix(name, ":") {
		return &HeaderError{Name: name, Reason: "pseudo-header"}
	}
	return nil
}

func joinHostPort(host, port string) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port == "" {
		return host
	}
	return host + ":" + port
}

// authority returns host:port with the scheme's default port filled in.
func authority(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return joinHostPort(u.Hostname(), port)
}

// hostHeader omits default ports, as browsers and curl do.
func hostHeader(u *url.URL) string {
	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		port = ""
	}
	return joinHostPort(u.Hostname(), port)
}
