package cmd

import (
	"crypto/x509"
	"fmt"
	"net"
	"net/http/cookiejar"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hxengine/internal/config"
	"github.com/xkilldash9x/hxengine/pkg/customhttp"
	"github.com/xkilldash9x/hxengine/pkg/network"
)

// newClientConfig translates the application configuration into an engine
// configuration.
func newClientConfig(c config.Interface, logger *zap.Logger) (*customhttp.ClientConfig, error) {
	cc := customhttp.NewDefaultClientConfig()
	cl := c.Client()

	version, err := customhttp.ParseVersion(cl.Version)
	if err != nil {
		return nil, err
	}
	discovery, err := customhttp.ParseDiscovery(cl.H3Discovery)
	if err != nil {
		return nil, err
	}
	redirects, err := customhttp.ParseRedirectPolicy(cl.RedirectPolicy)
	if err != nil {
		return nil, err
	}

	cc.Version = version
	cc.ConnectTimeout = cl.ConnectTimeout
	cc.RequestTimeout = cl.RequestTimeout
	cc.KeepAliveTimeout = cl.KeepAliveTimeout
	cc.H2IdleTimeout = cl.H2IdleTimeout
	cc.ExpectContinueTimeout = cl.ExpectContinueTimeout
	cc.MaxConnsPerOrigin = cl.MaxConnsPerOrigin
	cc.RedirectPolicy = redirects
	cc.MaxRedirects = cl.MaxRedirects
	cc.MaxAuthAttempts = cl.MaxAuthAttempts
	cc.DecompressBodies = cl.DecompressBodies
	cc.DialsPerSecond = cl.DialsPerSecond
	cc.DialBurst = cl.DialBurst
	cc.Logger = logger
	if cl.Cookies {
		// Error is only if PublicSuffixList is provided and invalid.
		jar, _ := cookiejar.New(nil)
		cc.CookieJar = jar
	} else {
		cc.CookieJar = nil
	}
	if cl.Workers > 0 {
		cc.Executor = customhttp.NewWorkerPool(cl.Workers, cl.QueueSize, logger)
	}

	r := c.Retry()
	cc.RetryPolicy = &customhttp.RetryPolicy{
		MaxRetries:         r.MaxRetries,
		InitialBackoff:     r.InitialBackoff,
		MaxBackoff:         r.MaxBackoff,
		BackoffFactor:      r.BackoffFactor,
		Jitter:             r.Jitter,
		RetryNonIdempotent: r.RetryNonIdempotent,
	}

	h2 := c.H2()
	cc.H2Config = customhttp.H2Settings{
		PingInterval:    h2.PingInterval,
		PingTimeout:     h2.PingTimeout,
		PriorKnowledge:  h2.PriorKnowledge,
		AllowH1Fallback: h2.AllowH1Fallback,
	}
	h3 := c.H3()
	cc.H3Config = customhttp.H3Settings{
		KeepAlivePeriod: h3.KeepAlivePeriod,
		MaxIdleTimeout:  h3.MaxIdleTimeout,
		Discovery:       discovery,
	}

	dc, err := newDialerConfig(c.TLS(), cl.LocalAddress)
	if err != nil {
		return nil, err
	}
	cc.DialerConfig = dc
	if raw := c.Proxy().URL; raw != "" {
		u, err := config.ParseProxyURL(raw)
		if err != nil {
			return nil, err
		}
		cc.SetProxy(u)
	}

	if a := c.Auth(); a.Username != "" {
		cc.CredentialsProvider = customhttp.StaticCredentials{Username: a.Username, Password: a.Password}
	}
	return cc, nil
}

func newDialerConfig(t config.TLSConfig, localAddress string) (*network.DialerConfig, error) {
	dc := network.NewDialerConfig()
	minVersion, err := config.TLSMinVersion(t.MinVersion)
	if err != nil {
		return nil, err
	}
	dc.TLSConfig.MinVersion = minVersion
	dc.TLSConfig.InsecureSkipVerify = t.InsecureSkipVerify
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		dc.TLSConfig.RootCAs = pool
	}
	if localAddress != "" {
		addr, err := resolveLocal(localAddress)
		if err != nil {
			return nil, err
		}
		dc.LocalAddr = addr
	}
	return dc, nil
}

// resolveLocal accepts a bare host or a host:port.
func resolveLocal(s string) (*net.TCPAddr, error) {
	if _, _, err := net.SplitHostPort(s); err != nil {
		s = net.JoinHostPort(s, "0")
	}
	addr, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		return nil, fmt.Errorf("client.local_address: %w", err)
	}
	return addr, nil
}
