package customhttp

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hxengine/pkg/network"
	"github.com/xkilldash9x/hxengine/pkg/tracker"
)

/*
Sentinel error returned when credentials are not available for a given host and realm.

	Signals to the client that authentication cannot be handled and the original 401/407
	response should be returned.
*/
var ErrCredentialsNotFound = errors.New("credentials not found")

/*
Defines an interface for dynamically supplying credentials in response to an

	HTTP authentication challenge (Basic only). Allows the client to support
	authentication without hardcoding usernames and passwords.
*/
type CredentialsProvider interface {
	/** Called when the client receives a 401 (Unauthorized) or 407 (Proxy Authentication Required)
	  response, or when a proxy rejects a CONNECT with 407.

	  Parameters:
	    - host: The host (e.g., "example.com:443") that issued the challenge. For
	      proxy challenges this is the proxy's address.
	    - realm: The authentication realm specified in the challenge header.

	  Should return the username, password, and nil on success. If credentials
	  are not available, it must return ErrCredentialsNotFound. Other errors
	  will halt the request. */
	GetCredentials(host string, realm string) (username string, password string, err error)
}

// StaticCredentials answers every challenge with the same user and password.
type StaticCredentials struct {
	Username string
	Password string
}

func (s StaticCredentials) GetCredentials(string, string) (string, string, error) {
	if s.Username == "" {
		return "", "", ErrCredentialsNotFound
	}
	return s.Username, s.Password, nil
}

/*
Encapsulates the rules for retrying requests that failed before a response

	arrived. Supports exponential backoff with jitter so that a fleet of clients
	does not retry in lockstep.
*/
type RetryPolicy struct {
	// Maximum number of retry attempts after the initial request fails.
	MaxRetries int
	// Base duration to wait before the first retry.
	InitialBackoff time.Duration
	// Upper limit for the backoff duration.
	MaxBackoff time.Duration
	// Multiplier for the exponential backoff calculation (e.g., 2.0).
	BackoffFactor float64
	// If true, the computed backoff is scaled by a random factor in [0.5, 1.0).
	Jitter bool
	// Retry non-idempotent requests (POST, PATCH) whose connection closed
	// before any response byte arrived. Requests the peer provably never
	// processed are retried regardless.
	RetryNonIdempotent bool
}

// Creates and returns a policy with sensible defaults: 3 max retries with
// exponential backoff starting at 500ms.
func NewDefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// Defines configuration parameters specific to HTTP/2 connections.
type H2Settings struct {
	// Time between sending PING frames to the server to check for connection
	// liveness. Zero disables pinging.
	PingInterval time.Duration
	// Maximum time to wait for a PING acknowledgment before considering the
	// connection dead and closing it.
	PingTimeout time.Duration
	// Speak HTTP/2 immediately on cleartext connections instead of asking
	// for an h2c upgrade.
	PriorKnowledge bool
	// Accept an HTTP/1.1 connection when TLS negotiation does not select h2.
	AllowH1Fallback bool
}

// Returns a default configuration with a 30-second ping interval and a 5-second
// ping timeout.
func DefaultH2Settings() H2Settings {
	return H2Settings{
		PingInterval:    30 * time.Second,
		PingTimeout:     5 * time.Second,
		AllowH1Fallback: true,
	}
}

// Defines configuration parameters specific to HTTP/3 (QUIC) connections.
type H3Settings struct {
	// Frequency of keep-alive packets sent to maintain the QUIC connection and
	// prevent NAT timeouts.
	KeepAlivePeriod time.Duration
	// Maximum duration the connection can remain idle before being closed by the
	// QUIC layer.
	MaxIdleTimeout time.Duration
	// Discovery mode used when the request does not choose one.
	Discovery H3Discovery
}

// Returns standard QUIC parameters optimized for robustness.
func DefaultH3Settings() H3Settings {
	return H3Settings{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
		Discovery:       DiscoveryAny,
	}
}

// RedirectPolicy decides which redirects are followed.
type RedirectPolicy int

const (
	// RedirectNormal follows redirects except from https to http.
	RedirectNormal RedirectPolicy = iota
	RedirectNever
	RedirectAlways
)

func (p RedirectPolicy) String() string {
	switch p {
	case RedirectNever:
		return "never"
	case RedirectAlways:
		return "always"
	default:
		return "normal"
	}
}

// ParseRedirectPolicy parses never, always or normal.
func ParseRedirectPolicy(s string) (RedirectPolicy, error) {
	switch s {
	case "", "normal":
		return RedirectNormal, nil
	case "never":
		return RedirectNever, nil
	case "always":
		return RedirectAlways, nil
	}
	return RedirectNormal, fmt.Errorf("unknown redirect policy %q", s)
}

/*
The primary configuration struct for a Client. Aggregates all configurable

	aspects of the engine: dialing, pooling, cookies, timeouts, redirection,
	retries, authentication, and protocol-specific settings.
*/
type ClientConfig struct {
	// Low-level configuration for establishing TCP and TLS connections,
	// including a fixed proxy.
	DialerConfig *network.DialerConfig

	// Optional per-request proxy selector. A nil URL means connect directly.
	// Takes precedence over DialerConfig.ProxyURL.
	Proxy func(target *url.URL) (*url.URL, error)

	// Specifies the cookie jar for the client. If nil, cookies are not managed.
	CookieJar http.CookieJar

	// Default protocol version for requests that do not pin one.
	Version Version

	// Time allowed to establish a connection, TLS and proxy tunnel included.
	// timeout.Unbounded (or zero) means no limit.
	ConnectTimeout time.Duration

	// Default per-request timeout covering headers and body. Zero means none.
	RequestTimeout time.Duration

	// Idle time after which a pooled HTTP/1.1 connection is closed.
	KeepAliveTimeout time.Duration

	// Idle time after which an HTTP/2 or HTTP/3 connection with no open
	// streams is closed. Zero means KeepAliveTimeout.
	H2IdleTimeout time.Duration

	// Upper bound on connections per origin. Zero means unlimited.
	MaxConnsPerOrigin int

	// Redirect handling.
	RedirectPolicy RedirectPolicy
	MaxRedirects   int

	// Defines the rules for retrying failed requests.
	RetryPolicy *RetryPolicy

	// Interface for dynamically supplying credentials for HTTP authentication.
	CredentialsProvider CredentialsProvider

	// Upper bound on consecutive authentication challenges per request.
	MaxAuthAttempts int

	// How long to wait for 100 Continue before sending the body anyway.
	ExpectContinueTimeout time.Duration

	// Transparently decode gzip, deflate and br response bodies.
	DecompressBodies bool

	// Settings specific to HTTP/2 connections.
	H2Config H2Settings

	// Settings specific to HTTP/3 connections.
	H3Config H3Settings

	// Runs async completions. Nil means a goroutine per task.
	Executor Executor

	// Limits the rate of new connection dials, client-wide. Zero disables.
	DialsPerSecond float64
	DialBurst      int

	// Clock drives timeouts, backoff and idle eviction. Nil means the wall
	// clock.
	Clock clock.Clock

	// Optional registry the client's tracker is published to.
	Registry *tracker.Registry

	Logger *zap.Logger
}

/*
Creates a new configuration with the engine's defaults: HTTP/2 preferred,
30s keep-alive, 5 redirects, 3 authentication attempts and the default retry
policy. A cookie jar is attached.
*/
func NewDefaultClientConfig() *ClientConfig {
	// Error is only if PublicSuffixList is provided and invalid.
	jar, _ := cookiejar.New(nil)

	return &ClientConfig{
		DialerConfig:          network.NewDialerConfig(),
		CookieJar:             jar,
		Version:               HTTP2,
		ConnectTimeout:        15 * time.Second,
		KeepAliveTimeout:      30 * time.Second,
		RedirectPolicy:        RedirectNormal,
		MaxRedirects:          5,
		RetryPolicy:           NewDefaultRetryPolicy(),
		MaxAuthAttempts:       3,
		ExpectContinueTimeout: time.Second,
		H2Config:              DefaultH2Settings(),
		H3Config:              DefaultH3Settings(),
	}
}

/*
A convenience method to configure an HTTP/HTTPS proxy. Sets the `ProxyURL` field
in the underlying `DialerConfig`.
*/
func (c *ClientConfig) SetProxy(proxyURL *url.URL) {
	if c.DialerConfig == nil {
		c.DialerConfig = network.NewDialerConfig()
	}
	c.DialerConfig.ProxyURL = proxyURL
}

// Validate reports configuration values the engine cannot honour.
func (c *ClientConfig) Validate() error {
	switch {
	case c.ConnectTimeout < 0:
		return fmt.Errorf("connect timeout must not be negative")
	case c.RequestTimeout < 0:
		return fmt.Errorf("request timeout must not be negative")
	case c.KeepAliveTimeout < 0 || c.H2IdleTimeout < 0:
		return fmt.Errorf("idle timeouts must not be negative")
	case c.MaxConnsPerOrigin < 0:
		return fmt.Errorf("max connections per origin must not be negative")
	case c.MaxRedirects < 0:
		return fmt.Errorf("max redirects must not be negative")
	case c.MaxAuthAttempts < 0:
		return fmt.Errorf("max auth attempts must not be negative")
	case c.DialsPerSecond < 0:
		return fmt.Errorf("dial rate must not be negative")
	}
	if c.Version < 0 || c.Version > HTTP3 {
		return fmt.Errorf("unknown default version %d", c.Version)
	}
	if rp := c.RetryPolicy; rp != nil {
		if rp.MaxRetries < 0 {
			return fmt.Errorf("retry limit must not be negative")
		}
		if rp.BackoffFactor != 0 && rp.BackoffFactor < 1 {
			return fmt.Errorf("backoff factor must be at least 1, got %v", rp.BackoffFactor)
		}
	}
	return nil
}

func (c *ClientConfig) h2IdleTimeout() time.Duration {
	if c.H2IdleTimeout > 0 {
		return c.H2IdleTimeout
	}
	return c.KeepAliveTimeout
}
