// Package forwardproxy implements a small forward proxy that tunnels CONNECT
// requests and relays absolute-form HTTP requests, optionally demanding Basic
// proxy authentication. The proxy command and the engine's tests use it as
// the proxy side of tunnelled connections.
package forwardproxy

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hxengine/pkg/network"
)

// DefaultRealm is announced in Proxy-Authenticate when Config.Realm is empty.
const DefaultRealm = "hxengine"

// Config controls the proxy.
type Config struct {
	// Username and Password enable Basic proxy authentication when Username
	// is non-empty.
	Username string
	Password string
	Realm    string
	// DialerConfig is used for upstream connections. Nil means defaults.
	DialerConfig *network.DialerConfig
}

// Stats counts proxy activity.
type Stats struct {
	Tunnels      int64
	Requests     int64
	AuthFailures int64
}

// Proxy is an http.Handler.
type Proxy struct {
	proxy  *goproxy.ProxyHttpServer
	cfg    Config
	logger *zap.Logger

	server      *http.Server
	serverMutex sync.Mutex

	tunnels      atomic.Int64
	requests     atomic.Int64
	authFailures atomic.Int64
}

// New builds a proxy.
func New(cfg Config, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Realm == "" {
		cfg.Realm = DefaultRealm
	}
	dialerConfig := cfg.DialerConfig.Clone()
	// Upstream dials are plain TCP; clients run their own TLS through the tunnel.
	dialerConfig.TLSConfig = nil

	gp := goproxy.NewProxyHttpServer()
	gp.Tr = &http.Transport{
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   network.DefaultTLSHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
		DialContext: func(ctx context.Context, netw, addr string) (net.Conn, error) {
			return network.DialTCPContext(ctx, netw, addr, dialerConfig)
		},
	}
	gp.ConnectDial = func(netw, addr string) (net.Conn, error) {
		return network.DialTCPContext(context.Background(), netw, addr, dialerConfig)
	}

	p := &Proxy{
		proxy:  gp,
		cfg:    cfg,
		logger: logger.Named("forward_proxy"),
	}
	p.setupHandlers()
	return p
}

func (p *Proxy) setupHandlers() {
	p.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if !p.authorized(ctx.Req) {
			p.authFailures.Add(1)
			p.logger.Debug("Rejecting unauthenticated CONNECT", zap.String("host", host))
			return &goproxy.ConnectAction{Action: goproxy.ConnectHijack, Hijack: p.writeChallenge}, host
		}
		p.tunnels.Add(1)
		p.logger.Debug("Tunnelling", zap.String("host", host))
		return goproxy.OkConnect, host
	}))

	p.proxy.OnRequest().DoFunc(func(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		if !p.authorized(r) {
			p.authFailures.Add(1)
			resp := goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusProxyAuthRequired, "proxy authentication required")
			resp.Header.Set("Proxy-Authenticate", p.challenge())
			return r, resp
		}
		r.Header.Del("Proxy-Authorization")
		p.requests.Add(1)
		return r, nil
	})
}

func (p *Proxy) challenge() string {
	return fmt.Sprintf("Basic realm=%q", p.cfg.Realm)
}

func (p *Proxy) writeChallenge(_ *http.Request, client net.Conn, _ *goproxy.ProxyCtx) {
	defer client.Close()
	_, _ = fmt.Fprintf(client, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", p.challenge())
}

func (p *Proxy) authorized(r *http.Request) bool {
	if p.cfg.Username == "" {
		return true
	}
	if r == nil {
		return false
	}
	scheme, encoded, ok := strings.Cut(r.Header.Get("Proxy-Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(user), []byte(p.cfg.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(p.cfg.Password)) == 1
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}

// Stats returns a snapshot of the counters.
func (p *Proxy) Stats() Stats {
	return Stats{
		Tunnels:      p.tunnels.Load(),
		Requests:     p.requests.Load(),
		AuthFailures: p.authFailures.Load(),
	}
}

// Serve accepts connections on l until ctx is cancelled, then shuts down
// gracefully.
func (p *Proxy) Serve(ctx context.Context, l net.Listener) error {
	p.serverMutex.Lock()
	if p.server != nil {
		p.serverMutex.Unlock()
		return errors.New("proxy already serving")
	}
	p.server = &http.Server{Handler: p, ReadHeaderTimeout: 10 * time.Second}
	server := p.server
	p.serverMutex.Unlock()

	p.logger.Info("Forward proxy listening", zap.String("addr", l.Addr().String()),
		zap.Bool("auth", p.cfg.Username != ""))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(l) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Hijacked tunnels are not tracked by Shutdown; they end with their peers.
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("proxy shutdown: %w", err)
		}
		<-errCh
		return nil
	}
}
