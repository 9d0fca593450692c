// Package network dials the TCP and TLS connections the HTTP engine runs on,
// optionally tunnelled through an HTTP CONNECT proxy.
package network

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xkilldash9x/hxengine/pkg/timeout"
)

// DefaultTLSHandshakeTimeout caps the handshake when the dialer timeout is
// unset or longer.
const DefaultTLSHandshakeTimeout = 10 * time.Second

// DialerConfig holds configuration for the low-level dialer.
type DialerConfig struct {
	// Timeout bounds TCP connect plus TLS handshake. Zero means no limit
	// beyond the context.
	Timeout   time.Duration
	KeepAlive time.Duration
	TLSConfig *tls.Config
	// NoDelay controls TCP_NODELAY.
	NoDelay  bool
	Resolver *net.Resolver
	// LocalAddr binds outgoing connections to a local address.
	LocalAddr net.Addr
	// ProxyURL selects an http or https proxy reached with CONNECT.
	ProxyURL *url.URL
	// ProxyHeader is added to every CONNECT request, e.g. Proxy-Authorization.
	ProxyHeader http.Header
}

// Clone returns a deep copy of the DialerConfig.
func (c *DialerConfig) Clone() *DialerConfig {
	if c == nil {
		return NewDialerConfig()
	}
	clone := *c
	if c.TLSConfig != nil {
		clone.TLSConfig = c.TLSConfig.Clone()
	}
	if c.ProxyURL != nil {
		proxyURLCopy := *c.ProxyURL
		clone.ProxyURL = &proxyURLCopy
	}
	if c.ProxyHeader != nil {
		clone.ProxyHeader = c.ProxyHeader.Clone()
	}
	return &clone
}

// NewDialerConfig creates a default configuration with modern TLS settings.
func NewDialerConfig() *DialerConfig {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			// TLS 1.3 suites
			tls.TLS_AES_128_GCM_SHA256,
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			// TLS 1.2 suites with PFS (ECDHE)
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
		ClientSessionCache: tls.NewLRUClientSessionCache(512),
	}

	return &DialerConfig{
		Timeout:   15 * time.Second,
		KeepAlive: 30 * time.Second,
		TLSConfig: tlsConfig,
		NoDelay:   true,
		Resolver:  net.DefaultResolver,
	}
}

// DialError reports a failed connection attempt that was not a timeout.
type DialError struct {
	Addr string
	Err  error
	// Cause is set when the dial was aborted by its context.
	Cause error
}

func (e *DialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connect to %s: %v: %v", e.Addr, e.Cause, e.Err)
	}
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

func (e *DialError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Cause, e.Err}
	}
	return []error{e.Err}
}

// ProxyAuthError is returned when the proxy answers CONNECT with 407.
type ProxyAuthError struct {
	Proxy      string
	StatusCode int
	Header     http.Header
}

func (e *ProxyAuthError) Error() string {
	return fmt.Sprintf("proxy %s requires authentication (status %d)", e.Proxy, e.StatusCode)
}

// Challenges returns the Proxy-Authenticate values sent with the 407.
func (e *ProxyAuthError) Challenges() []string {
	return e.Header.Values("Proxy-Authenticate")
}

// DialTCPContext establishes a raw TCP connection, tunnelled through the
// configured proxy if any. Failures are classified: a timeout becomes a
// *timeout.ConnectTimeoutError, a 407 from the proxy a *ProxyAuthError, and
// anything else a *DialError.
func DialTCPContext(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	if config == nil {
		config = NewDialerConfig()
	}
	dialCtx, cancel := withDialTimeout(ctx, config)
	defer cancel()

	var conn net.Conn
	var err error
	if config.ProxyURL != nil {
		conn, err = dialViaProxy(dialCtx, network, address, config)
	} else {
		conn, err = dialDirect(dialCtx, network, address, config)
	}
	if err != nil {
		return nil, classify(ctx, address, config, err)
	}
	return conn, nil
}

// DialContext establishes a connection and performs the TLS handshake when
// config.TLSConfig is set. The handshake counts against the same timeout as
// the TCP connect.
func DialContext(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	if config == nil {
		config = NewDialerConfig()
	}
	dialCtx, cancel := withDialTimeout(ctx, config)
	defer cancel()

	var conn net.Conn
	var err error
	if config.ProxyURL != nil {
		conn, err = dialViaProxy(dialCtx, network, address, config)
	} else {
		conn, err = dialDirect(dialCtx, network, address, config)
	}
	if err == nil && config.TLSConfig != nil {
		conn, err = wrapTLS(dialCtx, conn, address, config)
	}
	if err != nil {
		return nil, classify(ctx, address, config, err)
	}
	return conn, nil
}

func withDialTimeout(ctx context.Context, config *DialerConfig) (context.Context, context.CancelFunc) {
	if config.Timeout <= 0 || timeout.IsUnbounded(config.Timeout) {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, config.Timeout)
}

// classify maps a raw dial failure onto the engine's error types. ctx is the
// caller's context, before the dialer timeout was applied.
func classify(ctx context.Context, address string, config *DialerConfig, err error) error {
	var proxyErr *ProxyAuthError
	if errors.As(err, &proxyErr) {
		return err
	}
	if cause := context.Cause(ctx); cause != nil {
		var te *timeout.Error
		if errors.As(cause, &te) && te.Phase == timeout.PhaseConnect {
			return &timeout.ConnectTimeoutError{Addr: address, After: te.After, Err: err}
		}
		return &DialError{Addr: address, Err: err, Cause: cause}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &timeout.ConnectTimeoutError{Addr: address, After: config.Timeout, Err: err}
	}
	return &DialError{Addr: address, Err: err}
}

func dialDirect(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	dialer := &net.Dialer{
		KeepAlive: config.KeepAlive,
		// Happy Eyeballs (RFC 8305) for faster IPv4/IPv6 fallback.
		FallbackDelay: 300 * time.Millisecond,
		Resolver:      config.Resolver,
		LocalAddr:     config.LocalAddr,
	}

	rawConn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		if err := configureTCP(tcpConn, config); err != nil {
			_ = tcpConn.Close()
			return nil, err
		}
	}
	return rawConn, nil
}

// ProxyAddress returns host:port for a proxy URL, defaulting the port by scheme.
func ProxyAddress(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func dialViaProxy(ctx context.Context, network, targetAddress string, config *DialerConfig) (net.Conn, error) {
	proxyURL := config.ProxyURL
	proxyAddress := ProxyAddress(proxyURL)

	var proxyConn net.Conn
	var err error

	switch proxyURL.Scheme {
	case "http":
		proxyConn, err = dialDirect(ctx, network, proxyAddress, config)
	case "https":
		proxyDialerConfig := config.Clone()
		if proxyDialerConfig.TLSConfig == nil {
			proxyDialerConfig.TLSConfig = NewDialerConfig().TLSConfig.Clone()
		}
		// ALPN for the target must not leak into the handshake with the proxy.
		proxyDialerConfig.TLSConfig.NextProtos = nil
		proxyDialerConfig.TLSConfig.ServerName = ""

		var rawConn net.Conn
		rawConn, err = dialDirect(ctx, network, proxyAddress, proxyDialerConfig)
		if err == nil {
			proxyConn, err = wrapTLS(ctx, rawConn, proxyAddress, proxyDialerConfig)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s (only http/https supported)", proxyURL.Scheme)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy %s: %w", proxyAddress, err)
	}

	conn, err := establishProxyTunnel(ctx, proxyConn, targetAddress, config)
	if err != nil {
		_ = proxyConn.Close()
		return nil, err
	}
	return conn, nil
}

// establishProxyTunnel sends CONNECT and verifies the response. Bytes the
// proxy sent past the response head stay readable on the returned conn.
func establishProxyTunnel(ctx context.Context, conn net.Conn, targetAddress string, config *DialerConfig) (net.Conn, error) {
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetAddress},
		Host:   targetAddress,
		Header: make(http.Header),
	}
	for k, vs := range config.ProxyHeader {
		for _, v := range vs {
			connectReq.Header.Add(k, v)
		}
	}

	if user := config.ProxyURL.User; user != nil && connectReq.Header.Get("Proxy-Authorization") == "" {
		if password, ok := user.Password(); ok {
			auth := user.Username() + ":" + password
			connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := connectReq.Write(conn); err != nil {
		return nil, fmt.Errorf("failed to write CONNECT request: %w", ctxErr(ctx, err))
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		return nil, fmt.Errorf("failed to read CONNECT response: %w", ctxErr(ctx, err))
	}
	_ = resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusProxyAuthRequired:
		return nil, &ProxyAuthError{
			Proxy:      config.ProxyURL.Redacted(),
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
		}
	default:
		return nil, fmt.Errorf("proxy responded with non-200 status for CONNECT: %s", resp.Status)
	}

	if br.Buffered() > 0 {
		return &prefixedConn{Conn: conn, prefix: br}, nil
	}
	return conn, nil
}

// ctxErr prefers the context's error when the connection failed because the
// context ended.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

// prefixedConn reads first from prefix, then from the underlying Conn.
type prefixedConn struct {
	net.Conn
	prefix io.Reader
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if c.prefix != nil {
		n, err := c.prefix.Read(p)
		if err == io.EOF {
			c.prefix = nil
			if n > 0 {
				return n, nil
			}
		} else if n > 0 || err != nil {
			return n, err
		}
	}
	return c.Conn.Read(p)
}

// configureTCP applies TCP specific settings. Keep-alive failures are not
// fatal since some platforms do not support them.
func configureTCP(conn *net.TCPConn, config *DialerConfig) error {
	if config.KeepAlive > 0 {
		_ = conn.SetKeepAlive(true)
		_ = conn.SetKeepAlivePeriod(config.KeepAlive)
	}
	if err := conn.SetNoDelay(config.NoDelay); err != nil {
		return fmt.Errorf("failed to set TCP NoDelay: %w", err)
	}
	return nil
}

// wrapTLS performs the client handshake.
func wrapTLS(ctx context.Context, conn net.Conn, address string, config *DialerConfig) (net.Conn, error) {
	tlsConfig := config.TLSConfig.Clone()

	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		// crypto/tls omits IP literals from the SNI extension but still
		// verifies the certificate against them.
		tlsConfig.ServerName = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}

	tlsConn := tls.Client(conn, tlsConfig)

	handshakeTimeout := config.Timeout
	if handshakeTimeout <= 0 || handshakeTimeout > DefaultTLSHandshakeTimeout {
		handshakeTimeout = DefaultTLSHandshakeTimeout
	}
	handshakeCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > handshakeTimeout {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}

	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	return tlsConn, nil
}
