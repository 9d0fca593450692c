package customhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hxengine/pkg/network"
	"github.com/xkilldash9x/hxengine/pkg/timeout"
	"github.com/xkilldash9x/hxengine/pkg/tracker"
)

// operation is one logical request, across retries, redirects and
// authentication, until its final response body is done.
type operation struct {
	c      *client
	id     uint64
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	timer *timeout.Timer
	once  sync.Once
}

func (op *operation) arm(phase timeout.Phase, d time.Duration) {
	timer := op.c.timeouts.Schedule(phase, d, op.cancel)
	op.mu.Lock()
	op.timer = timer
	op.mu.Unlock()
}

// bodyPhase moves what is left of the request timeout onto the response
// body.
func (op *operation) bodyPhase() {
	op.mu.Lock()
	t := op.timer
	op.mu.Unlock()
	if t == nil || t.Deadline().IsZero() {
		return
	}
	t.Cancel()
	remaining := t.Deadline().Sub(op.c.clock.Now())
	if remaining <= 0 {
		op.cancel(&timeout.Error{Phase: timeout.PhaseResponseBody})
		return
	}
	op.arm(timeout.PhaseResponseBody, remaining)
}

func (op *operation) end() {
	op.once.Do(func() {
		op.mu.Lock()
		t := op.timer
		op.mu.Unlock()
		t.Cancel()
		op.cancel(nil)
		op.c.end(op)
	})
}

// err reports why the operation's context ended, if it has.
func (op *operation) err() error {
	if op.ctx.Err() == nil {
		return nil
	}
	return context.Cause(op.ctx)
}

// attempt is one exchange on one leased connection.
type attempt struct {
	c    *client
	l    *lease
	ex   Exchange
	kind tracker.Kind
	stop func() bool
	once sync.Once

	// Credentials the request carried, so a rejected value can be dropped
	// from the cache.
	authSent      string
	proxyAuthSent string

	// The caller set the header itself. Challenges are then left to the
	// caller.
	userAuth      bool
	userProxyAuth bool
}

func kindOf(v Version) tracker.Kind {
	switch v {
	case HTTP2:
		return tracker.H2Streams
	case HTTP3:
		return tracker.H3Streams
	default:
		return tracker.H1Operations
	}
}

// bind attaches ex and aborts it when the operation ends early.
func (a *attempt) bind(op *operation, ex Exchange) {
	a.ex = ex
	a.kind = kindOf(ex.Version())
	a.c.counters.Inc(a.kind)
	a.stop = context.AfterFunc(op.ctx, func() {
		ex.Cancel(context.Cause(op.ctx))
	})
}

// release ends the exchange and hands the connection back to the pool.
func (a *attempt) release() {
	a.once.Do(func() {
		reusable := false
		if a.ex != nil {
			a.stop()
			a.ex.finish()
			reusable = a.ex.reusable()
			a.c.counters.Dec(a.kind)
		}
		a.c.pool.Release(a.l.conn, reusable)
	})
}

// discard drains an intermediate response so its connection can be
// reused, then releases it.
func (a *attempt) discard() {
	drainAndClose(a.ex.Body())
	a.release()
}

func (c *client) send(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("request must not be nil")
	}
	op, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	d := req.timeout
	if d == 0 {
		d = c.cfg.RequestTimeout
	}
	op.arm(timeout.PhaseRequest, d)

	resp, err := c.run(op, req)
	if err != nil {
		op.end()
		return nil, err
	}
	return resp, nil
}

// run drives the retry, redirect and authentication state machine.
func (c *client) run(op *operation, req *Request) (*Response, error) {
	m := &machine{}
	defer func() {
		if m.terminal() {
			c.logger.Debug("Request finished",
				zap.Uint64("operation", op.id),
				zap.Stringer("state", m.state),
				zap.Int("attempts", m.attempts),
				zap.Int("retries", m.retries),
				zap.Int("redirects", m.redirects))
		}
	}()
	cur := req
	var prev *Response
	fresh := false
	staleRetried := false

	for {
		m.to(StateSent)
		a, head, err := c.attempt(op, cur, fresh)
		fresh = false
		if err != nil {
			if cause := op.err(); cause != nil {
				err = cause
			}

			var pae *network.ProxyAuthError
			if errors.As(err, &pae) {
				m.to(StateAuthChallenged)
				resp, retry, aerr := c.proxyChallenge(m, cur, pae, prev)
				if aerr != nil {
					m.to(StateTerminalFailure)
					return nil, aerr
				}
				if retry {
					continue
				}
				m.to(StateCompleted)
				op.end()
				return resp, nil
			}

			re, ok := asRetryable(err)
			retryStale := ok && a != nil && a.l.reused && !staleRetried &&
				(re.unsent || cur.idempotent() || c.cfg.RetryPolicy != nil && c.cfg.RetryPolicy.RetryNonIdempotent)
			if op.err() == nil && (retryStale || shouldRetry(c.cfg.RetryPolicy, cur, err, m.retries)) {
				m.to(StateRetryableFailure)
				fresh = true
				if retryStale {
					staleRetried = true
					c.logger.Debug("Retrying on a new connection after stale pooled connection failed", zap.Error(err))
					continue
				}
				m.retries++
				backoff := calculateBackoff(c.cfg.RetryPolicy, m.retries)
				c.logger.Warn("Request failed, retrying",
					zap.String("url", cur.url.String()),
					zap.Int("retry", m.retries),
					zap.Duration("backoff", backoff),
					zap.Error(err))
				if err := c.sleep(op, backoff); err != nil {
					m.to(StateTerminalFailure)
					return nil, err
				}
				continue
			}
			m.to(StateTerminalFailure)
			return nil, err
		}

		resp := c.newResponse(a, cur, head, prev)
		storeCookies(c.cfg.CookieJar, cur.url, head.Header)
		c.neg.learn(a.l, head.Header)

		switch status := head.StatusCode; {
		case status == http.StatusUnauthorized || (status == http.StatusProxyAuthRequired && a.l.absolute):
			if c.auth.provider == nil || a.userSetAuth(status) {
				break
			}
			m.to(StateAuthChallenged)
			sent := a.sentAuth(status)
			retry, err := c.auth.challenge(m, cur, a.l.proxy, status, head.Header, sent)
			if err != nil {
				a.discard()
				m.to(StateTerminalFailure)
				return nil, err
			}
			if !retry {
				m.to(StateCompleted)
				return c.deliver(op, a, resp)
			}
			a.discard()
			prev = resp.withoutBody()
			continue

		case isRedirect(status):
			target, err := redirectTarget(c.cfg.RedirectPolicy, cur, status, head.Header)
			if err != nil {
				a.discard()
				m.to(StateTerminalFailure)
				return nil, err
			}
			if target == nil {
				break
			}
			m.to(StateRedirected)
			if m.redirects >= c.cfg.MaxRedirects {
				a.discard()
				m.to(StateTerminalFailure)
				return nil, fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, c.cfg.MaxRedirects)
			}
			m.redirects++
			a.discard()
			prev = resp.withoutBody()
			cur = prepareNextRequest(cur, target, status)
			c.logger.Debug("Following redirect", zap.Int("status", status), zap.String("location", target.String()))
			continue
		}

		m.to(StateCompleted)
		return c.deliver(op, a, resp)
	}
}

// sleep waits out a retry backoff on the client clock.
func (c *client) sleep(op *operation, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-op.ctx.Done():
		return context.Cause(op.ctx)
	}
}

// attempt sends cur once. On success the returned attempt holds the
// exchange, whose response body is not yet consumed.
func (c *client) attempt(op *operation, cur *Request, fresh bool) (*attempt, *ResponseHead, error) {
	l, err := c.neg.acquire(op.ctx, cur, fresh, c.auth.proxyAuthorization)
	if err != nil {
		return nil, nil, err
	}
	a := &attempt{
		c:             c,
		l:             l,
		userAuth:      cur.header.Get("Authorization") != "",
		userProxyAuth: cur.header.Get("Proxy-Authorization") != "",
	}

	head := c.requestHead(cur, l)
	a.authSent = head.Header.Get("Authorization")
	a.proxyAuthSent = head.Header.Get("Proxy-Authorization")
	if a.proxyAuthSent == "" && l.proxy != nil {
		a.proxyAuthSent = c.auth.proxyAuthorization(l.proxy)
	}

	var ex Exchange
	if l.upgrade {
		ex, err = c.neg.upgradeH2C(op.ctx, l, head)
		if ex != nil {
			a.bind(op, ex)
		}
		if err == nil {
			var rh *ResponseHead
			rh, err = ex.ReadResponse(op.ctx)
			if err == nil {
				return a, rh, nil
			}
		}
		a.fail(err)
		return a, nil, err
	}

	ex, err = l.conn.newExchange()
	if err != nil {
		a.fail(err)
		return a, nil, err
	}
	a.bind(op, ex)

	body, err := cur.body.Open()
	if err != nil {
		a.fail(err)
		if errors.Is(err, ErrBodyNotReplayable) {
			return a, nil, err
		}
		return a, nil, fmt.Errorf("failed to open request body: %w", err)
	}
	body = checkLength(body, head.ContentLength)

	rh, err := roundTrip(op.ctx, ex, head, body, c.cfg.ExpectContinueTimeout)
	if err != nil {
		a.fail(err)
		return a, nil, err
	}
	return a, rh, nil
}

// fail releases a failed attempt. A dead connection is dropped from the
// pool.
func (a *attempt) fail(err error) {
	if a.ex != nil {
		a.ex.Cancel(err)
	}
	a.release()
	if !a.l.conn.Alive() {
		a.c.pool.Remove(a.l.conn)
	}
}

// requestHead builds the wire request for one attempt. Cookies and cached
// credentials are recomputed every time.
func (c *client) requestHead(cur *Request, l *lease) *RequestHead {
	u := cur.url
	h := cur.header.Clone()
	if cookie := cookieHeader(c.cfg.CookieJar, u, h.Values("Cookie")); cookie != "" {
		h.Set("Cookie", cookie)
	}
	if h.Get("Authorization") == "" {
		if v := c.auth.authorization(u); v != "" {
			h.Set("Authorization", v)
		}
	}
	if l.absolute && h.Get("Proxy-Authorization") == "" {
		if v := c.auth.proxyAuthorization(l.proxy); v != "" {
			h.Set("Proxy-Authorization", v)
		}
	}
	if c.cfg.DecompressBodies && h.Get("Accept-Encoding") == "" {
		h.Set("Accept-Encoding", network.AcceptEncoding)
	}

	target := u.RequestURI()
	if l.absolute {
		abs := *u
		abs.Fragment = ""
		target = abs.String()
	}
	return &RequestHead{
		Method:         cur.method,
		Scheme:         u.Scheme,
		Authority:      hostHeader(u),
		Target:         target,
		Header:         h,
		ContentLength:  cur.body.ContentLength(),
		ExpectContinue: cur.expectContinue,
	}
}

func (a *attempt) userSetAuth(status int) bool {
	if status == http.StatusProxyAuthRequired {
		return a.userProxyAuth
	}
	return a.userAuth
}

func (a *attempt) sentAuth(status int) string {
	if status == http.StatusProxyAuthRequired {
		return a.proxyAuthSent
	}
	return a.authSent
}

// proxyChallenge answers a 407 to CONNECT. Without usable credentials the
// 407 is returned to the caller as a bodiless response.
func (c *client) proxyChallenge(m *machine, cur *Request, pae *network.ProxyAuthError, prev *Response) (*Response, bool, error) {
	proxy, err := c.neg.proxyFor(cur.url)
	if err != nil {
		return nil, false, err
	}
	sent := c.auth.proxyAuthorization(proxy)
	retry, err := c.auth.challenge(m, cur, proxy, pae.StatusCode, pae.Header, sent)
	if err != nil {
		return nil, false, err
	}
	if retry {
		return nil, true, nil
	}
	return &Response{
		StatusCode:    pae.StatusCode,
		Status:        statusLine(pae.StatusCode),
		Header:        pae.Header,
		Version:       HTTP11,
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       cur,
		Previous:      prev,
	}, false, nil
}

func statusLine(code int) string {
	return fmt.Sprintf("%d %s", code, http.StatusText(code))
}

func (c *client) newResponse(a *attempt, cur *Request, head *ResponseHead, prev *Response) *Response {
	return &Response{
		StatusCode:    head.StatusCode,
		Status:        statusLine(head.StatusCode),
		Header:        head.Header,
		Version:       a.ex.Version(),
		ContentLength: head.ContentLength,
		TLS:           a.l.conn.tlsState(),
		Request:       cur,
		Previous:      prev,
	}
}

// withoutBody is the copy kept in a Previous chain.
func (r *Response) withoutBody() *Response {
	cp := *r
	cp.Body = http.NoBody
	return &cp
}

// deliver attaches the tracked body to resp. The operation ends when the
// body reaches EOF, is closed, or the operation is cancelled.
func (c *client) deliver(op *operation, a *attempt, resp *Response) (*Response, error) {
	if err := op.err(); err != nil {
		a.fail(err)
		return nil, err
	}
	op.bodyPhase()
	b := &trackedBody{a: a, op: op, resp: resp}
	var rc io.ReadCloser = a.ex.Body()
	if c.cfg.DecompressBodies {
		decoded, ok, err := network.Decompress(resp.Header, rc)
		if err != nil {
			a.fail(err)
			return nil, fmt.Errorf("failed to decode response body: %w", err)
		}
		if ok {
			resp.Header = resp.Header.Clone()
			resp.Header.Del("Content-Encoding")
			resp.Header.Del("Content-Length")
			resp.ContentLength = -1
		}
		rc = decoded
	}
	b.rc = rc
	c.counters.Inc(tracker.Subscribers)
	stop := context.AfterFunc(op.ctx, func() {
		b.fail(context.Cause(op.ctx))
	})
	b.mu.Lock()
	b.stop = stop
	b.mu.Unlock()
	resp.Body = b
	return resp, nil
}

// trackedBody is a response body that returns its connection and ends its
// operation exactly once.
type trackedBody struct {
	a    *attempt
	op   *operation
	resp *Response
	rc   io.ReadCloser
	stop func() bool

	mu   sync.Mutex
	err  error
	done atomic.Bool
	once sync.Once
}

func (b *trackedBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	err := b.err
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.resp.Trailer = b.a.ex.trailer()
		b.release()
		return n, io.EOF
	}
	if err != nil {
		if cause := b.op.err(); cause != nil {
			err = cause
		}
		b.fail(err)
	}
	return n, err
}

func (b *trackedBody) Close() error {
	err := b.rc.Close()
	b.release()
	return err
}

// fail aborts the exchange and finishes the body with err.
func (b *trackedBody) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	if !b.done.Load() {
		b.a.ex.Cancel(err)
	}
	b.release()
}

func (b *trackedBody) release() {
	b.once.Do(func() {
		b.done.Store(true)
		b.mu.Lock()
		stop := b.stop
		b.mu.Unlock()
		if stop != nil {
			stop()
		}
		b.a.release()
		b.op.c.counters.Dec(tracker.Subscribers)
		b.op.end()
	})
}

var _ io.ReadCloser = (*trackedBody)(nil)
