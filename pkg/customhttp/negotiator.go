package customhttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/hxengine/pkg/altsvc"
	"github.com/xkilldash9x/hxengine/pkg/network"
	"github.com/xkilldash9x/hxengine/pkg/pool"
	"github.com/xkilldash9x/hxengine/pkg/timeout"
)

const (
	alpnH2   = "h2"
	alpnH1   = "http/1.1"
	alpnNone = ""
)

// candidate is one way of reaching an origin, tried in plan order.
type candidate struct {
	proto string
	keys  []pool.Key
	// alpn offered on TLS; the negotiated protocol decides the connection type.
	alpn []string
	// allowH1 accepts an http/1.1 answer to an h2 offer.
	allowH1 bool
	// prior speaks HTTP/2 on a cleartext connection without upgrading.
	prior bool
	// h3Addr is the QUIC endpoint. altSvc marks it as learned from Alt-Svc.
	h3Addr string
	altSvc bool
	// fallback lets the next candidate run when this one fails to connect.
	fallback bool
}

// lease is a connection checked out for one attempt.
type lease struct {
	conn   connection
	origin pool.Origin
	proxy  *url.URL
	// absolute is set for plain http through a proxy (absolute-form target).
	absolute bool
	// upgrade asks for this request to be sent as an h2c upgrade.
	upgrade bool
	// reused is set when the connection came from the pool, so a failure
	// may be a stale connection rather than a server problem.
	reused bool
}

// negotiator decides which protocol carries a request and hands out
// connections for it, dialing through the pool's slots.
type negotiator struct {
	cfg      *ClientConfig
	pool     *pool.Pool
	altsvc   *altsvc.Cache
	timeouts *timeout.Engine
	limiter  *rate.Limiter
	opts     connOptions
	logger   *zap.Logger

	mu             sync.Mutex
	h2Unsupported  map[pool.Origin]bool
	h2cUnsupported map[pool.Origin]bool
	h3Failed       map[pool.Origin]bool
}

func newNegotiator(cfg *ClientConfig, p *pool.Pool, cache *altsvc.Cache, timeouts *timeout.Engine, opts connOptions) *negotiator {
	n := &negotiator{
		cfg:            cfg,
		pool:           p,
		altsvc:         cache,
		timeouts:       timeouts,
		opts:           opts,
		logger:         opts.logger.Named("negotiator"),
		h2Unsupported:  make(map[pool.Origin]bool),
		h2cUnsupported: make(map[pool.Origin]bool),
		h3Failed:       make(map[pool.Origin]bool),
	}
	if cfg.DialsPerSecond > 0 {
		burst := max(cfg.DialBurst, 1)
		n.limiter = rate.NewLimiter(rate.Limit(cfg.DialsPerSecond), burst)
	}
	return n
}

func (n *negotiator) remember(m map[pool.Origin]bool, o pool.Origin) {
	n.mu.Lock()
	m[o] = true
	n.mu.Unlock()
}

func (n *negotiator) known(m map[pool.Origin]bool, o pool.Origin) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return m[o]
}

func (n *negotiator) proxyFor(u *url.URL) (*url.URL, error) {
	if n.cfg.Proxy != nil {
		p, err := n.cfg.Proxy(u)
		if err != nil {
			return nil, fmt.Errorf("proxy selection for %s failed: %w", u.Host, err)
		}
		return p, nil
	}
	if n.cfg.DialerConfig != nil {
		return n.cfg.DialerConfig.ProxyURL, nil
	}
	return nil, nil
}

func (n *negotiator) versionFor(req *Request) Version {
	if req.version != 0 {
		return req.version
	}
	if n.cfg.Version != 0 {
		return n.cfg.Version
	}
	return HTTP2
}

func (n *negotiator) discoveryFor(req *Request) H3Discovery {
	if req.discovery != DiscoveryUnset {
		return req.discovery
	}
	if n.cfg.H3Config.Discovery != DiscoveryUnset {
		return n.cfg.H3Config.Discovery
	}
	return DiscoveryAny
}

// plan orders the candidates for req.
func (n *negotiator) plan(req *Request, origin pool.Origin, proxied bool) ([]candidate, error) {
	key := func(proto string) pool.Key { return pool.KeyFor(origin, proto) }
	h1 := candidate{proto: pool.ProtoH1, keys: []pool.Key{key(pool.ProtoH1)}, alpn: []string{alpnH1}}
	https := origin.Scheme == "https"

	tcp := func(allowH1 bool) []candidate {
		switch {
		case !https && proxied:
			return []candidate{h1}
		case !https && n.cfg.H2Config.PriorKnowledge:
			return []candidate{{proto: pool.ProtoH2, keys: []pool.Key{key(pool.ProtoH2)}, prior: true}}
		case !https:
			// An h2c upgrade rides on an HTTP/1.1 connection; once it
			// succeeded the origin's HTTP/2 connection is preferred.
			return []candidate{{proto: pool.ProtoH1, keys: []pool.Key{key(pool.ProtoH2), key(pool.ProtoH1)}}}
		case n.known(n.h2Unsupported, origin) && allowH1:
			return []candidate{h1}
		}
		c := candidate{proto: pool.ProtoH2, keys: []pool.Key{key(pool.ProtoH2)}, alpn: []string{alpnH2, alpnH1}, allowH1: allowH1}
		if allowH1 {
			c.keys = append(c.keys, key(pool.ProtoH1))
		}
		return []candidate{c}
	}

	switch n.versionFor(req) {
	case HTTP11:
		return []candidate{h1}, nil
	case HTTP2:
		return tcp(n.cfg.H2Config.AllowH1Fallback), nil
	}

	mode := n.discoveryFor(req)
	switch {
	case proxied && mode == DiscoveryURIOnly:
		return nil, fmt.Errorf("HTTP/3 cannot be used through proxy %s", origin.Proxy)
	case !https && mode == DiscoveryURIOnly:
		return nil, fmt.Errorf("HTTP/3 requires https, got %s", origin.Scheme)
	case proxied || !https:
		return tcp(true), nil
	}

	h3Keys := []pool.Key{key(pool.ProtoH3)}
	direct := candidate{proto: pool.ProtoH3, keys: h3Keys, h3Addr: origin.Authority}
	var out []candidate
	if mode == DiscoveryURIOnly {
		return []candidate{direct}, nil
	}
	if svc, ok := n.altsvc.Lookup(origin.Authority, altsvc.ALPNH3); ok {
		host, _, _ := net.SplitHostPort(origin.Authority)
		out = append(out, candidate{proto: pool.ProtoH3, keys: h3Keys, h3Addr: svc.Authority(host), altSvc: true, fallback: true})
	} else if mode == DiscoveryAny && !n.known(n.h3Failed, origin) {
		direct.fallback = true
		out = append(out, direct)
	} else {
		// A previously learned HTTP/3 connection stays usable.
		out = append(out, candidate{proto: pool.ProtoH3, keys: h3Keys, fallback: true})
	}
	return append(out, tcp(true)...), nil
}

// acquire returns a connection for req. proxyAuth, when set, supplies the
// Proxy-Authorization value sent on CONNECT. fresh skips pooled connections.
func (n *negotiator) acquire(ctx context.Context, req *Request, fresh bool, proxyAuth func(proxy *url.URL) string) (*lease, error) {
	u := req.url
	proxy, err := n.proxyFor(u)
	if err != nil {
		return nil, err
	}
	origin := pool.Origin{Scheme: u.Scheme, Authority: authority(u)}
	connectAuth := ""
	if proxy != nil {
		origin.Proxy = proxy.Redacted()
		if proxyAuth != nil {
			connectAuth = proxyAuth(proxy)
		}
	}
	plan, err := n.plan(req, origin, proxy != nil)
	if err != nil {
		return nil, err
	}

	for i, cand := range plan {
		if cand.proto == pool.ProtoH3 && cand.h3Addr == "" {
			// Pool lookup only.
			if conn := n.pooled(origin, cand.keys); conn != nil {
				return &lease{conn: conn, origin: origin, reused: true}, nil
			}
			continue
		}
		l, err := n.try(ctx, req, origin, proxy, cand, fresh, connectAuth)
		if err == nil {
			return l, nil
		}
		if !cand.fallback || i == len(plan)-1 || ctx.Err() != nil {
			return nil, err
		}
		n.logger.Debug("Falling back after connect failure",
			zap.Stringer("origin", origin), zap.String("proto", cand.proto), zap.Error(err))
	}
	return nil, fmt.Errorf("no route to %s", origin)
}

// pooled takes an available pooled connection without dialing.
func (n *negotiator) pooled(origin pool.Origin, keys []pool.Key) connection {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn, slot, err := n.pool.Acquire(ctx, origin, keys, false)
	if slot != nil {
		slot.Release()
	}
	if err != nil || conn == nil {
		return nil
	}
	return conn.(connection)
}

func (n *negotiator) try(ctx context.Context, req *Request, origin pool.Origin, proxy *url.URL, cand candidate, fresh bool, proxyAuth string) (*lease, error) {
	l := &lease{origin: origin, proxy: proxy, absolute: proxy != nil && origin.Scheme == "http"}

	pc, slot, err := n.pool.Acquire(ctx, origin, cand.keys, fresh)
	if err != nil {
		if errors.Is(err, pool.ErrPoolClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	if pc != nil {
		l.conn = pc.(connection)
		l.reused = true
		l.upgrade = n.wantsUpgrade(req, origin, cand, l.conn)
		return l, nil
	}

	conn, err := n.dial(ctx, origin, proxy, cand, proxyAuth)
	if err != nil {
		slot.Release()
		return nil, err
	}
	if err := slot.Bind(pool.KeyFor(origin, protoOf(conn)), conn); err != nil {
		if errors.Is(err, pool.ErrPoolClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	l.conn = conn
	l.upgrade = n.wantsUpgrade(req, origin, cand, conn)
	return l, nil
}

// wantsUpgrade reports whether an HTTP/1.1 connection to a cleartext origin
// should offer h2c. Requests with a body are sent as plain HTTP/1.1.
func (n *negotiator) wantsUpgrade(req *Request, origin pool.Origin, cand candidate, conn connection) bool {
	return origin.Scheme == "http" && origin.Proxy == "" && conn.Version() == HTTP11 &&
		n.versionFor(req) != HTTP11 && !n.cfg.H2Config.PriorKnowledge &&
		req.body.ContentLength() == 0 && !n.known(n.h2cUnsupported, origin) &&
		lo.Contains(cand.keys, pool.KeyFor(origin, pool.ProtoH2))
}

func protoOf(c connection) string {
	switch c.Version() {
	case HTTP2:
		return pool.ProtoH2
	case HTTP3:
		return pool.ProtoH3
	default:
		return pool.ProtoH1
	}
}

func (n *negotiator) dial(ctx context.Context, origin pool.Origin, proxy *url.URL, cand candidate, proxyAuth string) (connection, error) {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for dial rate limiter: %w", err)
		}
	}
	dctx, stop := n.timeouts.WithTimeout(ctx, timeout.PhaseConnect, n.cfg.ConnectTimeout)
	defer stop()

	if cand.proto == pool.ProtoH3 {
		return n.dialH3(dctx, ctx, origin, cand)
	}

	nc, state, err := n.dialTCP(dctx, origin, proxy, cand.alpn, proxyAuth)
	if err != nil {
		return nil, err
	}

	proto := alpnNone
	if state != nil {
		proto = state.NegotiatedProtocol
	}
	switch {
	case cand.prior || proto == alpnH2:
		c := newH2Conn(nc, nil, state, n.opts)
		if err := c.start(); err != nil {
			return nil, err
		}
		return c, nil
	case cand.proto == pool.ProtoH2 && !cand.allowH1:
		nc.Close()
		return nil, fmt.Errorf("%w: %s selected %q", ErrH2NotNegotiated, origin.Authority, proto)
	case cand.proto == pool.ProtoH2:
		n.remember(n.h2Unsupported, origin)
		n.logger.Debug("Server did not negotiate h2, using HTTP/1.1", zap.Stringer("origin", origin), zap.String("alpn", proto))
	}
	return newH1Conn(nc, state, n.opts), nil
}

func (n *negotiator) dialTCP(ctx context.Context, origin pool.Origin, proxy *url.URL, alpn []string, proxyAuth string) (net.Conn, *tls.ConnectionState, error) {
	dc := n.cfg.DialerConfig.Clone()
	dc.Timeout = n.cfg.ConnectTimeout
	dc.ProxyURL = nil
	address := origin.Authority

	switch {
	case proxy != nil && origin.Scheme == "http":
		// Plain http goes to the proxy itself in absolute-form.
		address = network.ProxyAddress(proxy)
		if proxy.Scheme != "https" {
			dc.TLSConfig = nil
		} else {
			dc.TLSConfig.NextProtos = nil
		}
	case proxy != nil:
		dc.ProxyURL = proxy
		if proxyAuth != "" {
			if dc.ProxyHeader == nil {
				dc.ProxyHeader = make(http.Header)
			}
			dc.ProxyHeader.Set("Proxy-Authorization", proxyAuth)
		}
	}
	if origin.Scheme == "https" {
		if dc.TLSConfig == nil {
			dc.TLSConfig = network.NewDialerConfig().TLSConfig
		}
		dc.TLSConfig.NextProtos = alpn
	} else if proxy == nil {
		dc.TLSConfig = nil
	}

	nc, err := network.DialContext(ctx, "tcp", address, dc)
	if err != nil {
		return nil, nil, err
	}
	var state *tls.ConnectionState
	if tc, ok := nc.(*tls.Conn); ok && origin.Scheme == "https" {
		s := tc.ConnectionState()
		state = &s
	}
	return nc, state, nil
}

// dialH3 connects over QUIC. A failed Alt-Svc endpoint is forgotten and a
// failed direct attempt is remembered so later requests go straight to TCP.
func (n *negotiator) dialH3(dctx, ctx context.Context, origin pool.Origin, cand candidate) (connection, error) {
	host, _, err := net.SplitHostPort(origin.Authority)
	if err != nil {
		host = origin.Authority
	}
	var base *tls.Config
	if n.cfg.DialerConfig != nil {
		base = n.cfg.DialerConfig.TLSConfig
	}
	c, err := dialH3(dctx, cand.h3Addr, strings.Trim(host, "[]"), base, n.opts)
	if err == nil {
		return c, nil
	}

	if cand.altSvc {
		n.altsvc.Invalidate(origin.Authority, altsvc.ALPNH3)
	} else {
		n.remember(n.h3Failed, origin)
	}
	if cause := context.Cause(dctx); cause != nil && ctx.Err() == nil {
		var te *timeout.Error
		if errors.As(cause, &te) {
			return nil, &timeout.ConnectTimeoutError{Addr: cand.h3Addr, After: te.After, Err: err}
		}
	}
	return nil, &network.DialError{Addr: cand.h3Addr, Err: mapH3Error(err)}
}

// learn records Alt-Svc advertisements from responses on secure, direct
// connections.
func (n *negotiator) learn(l *lease, header http.Header) {
	if l.origin.Scheme != "https" || l.origin.Proxy != "" {
		return
	}
	values := header.Values("Alt-Svc")
	if len(values) == 0 {
		return
	}
	host, _, err := net.SplitHostPort(l.origin.Authority)
	if err != nil {
		return
	}
	n.altsvc.Update(l.origin.Authority, host, values)
}

// upgradeH2C sends head (which carries no body) as an HTTP/1.1 request
// offering h2c. On 101 the socket becomes an HTTP/2 connection and the
// response arrives on stream 1. Any other status is the final HTTP/1.1
// response and the origin is remembered as not supporting h2c.
func (n *negotiator) upgradeH2C(ctx context.Context, l *lease, head *RequestHead) (Exchange, error) {
	h1, ok := l.conn.(*h1Conn)
	if !ok {
		return nil, fmt.Errorf("h2c upgrade needs an HTTP/1.1 connection, got %s", l.conn.Version())
	}
	ex, err := h1.newExchange()
	if err != nil {
		return nil, err
	}

	offer := *head
	offer.Header = head.Header.Clone()
	if offer.Header == nil {
		offer.Header = make(http.Header)
	}
	offer.Header.Set("Connection", "Upgrade, HTTP2-Settings")
	offer.Header.Set("Upgrade", "h2c")
	offer.Header.Set("HTTP2-Settings", h2cSettingsHeader(n.opts))

	if err := ex.WriteHeaders(ctx, &offer, true); err != nil {
		return ex, err
	}
	resp, err := ex.ReadResponse(ctx)
	if err != nil {
		return ex, err
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		n.remember(n.h2cUnsupported, l.origin)
		return ex, nil
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "h2c") {
		ex.Cancel(fmt.Errorf("unexpected protocol switch to %q", resp.Header.Get("Upgrade")))
		return ex, &ProtocolError{Version: HTTP11, Name: "BAD_UPGRADE", Reason: "101 response without Upgrade: h2c"}
	}

	nc, br := h1.hijack()
	h2 := newH2Conn(nc, br, nil, n.opts)
	stream := h2.upgradeStream()
	if err := h2.start(); err != nil {
		n.pool.Remove(h1)
		return nil, err
	}
	if err := n.pool.Replace(h1, pool.KeyFor(l.origin, pool.ProtoH2), h2); err != nil {
		h2.Close()
		return nil, err
	}
	l.conn = h2
	n.logger.Debug("Upgraded to h2c", zap.Stringer("origin", l.origin))
	return stream, nil
}
