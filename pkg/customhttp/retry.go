package customhttp

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// State is a step of the per-request retry, redirect and auth state machine.
type State int

const (
	StateInitial State = iota
	StateSent
	StateCompleted
	StateRetryableFailure
	StateRedirected
	StateAuthChallenged
	StateTerminalFailure
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateSent:
		return "SENT"
	case StateCompleted:
		return "COMPLETED"
	case StateRetryableFailure:
		return "RETRYABLE_FAILURE"
	case StateRedirected:
		return "REDIRECTED"
	case StateAuthChallenged:
		return "AUTH_CHALLENGED"
	case StateTerminalFailure:
		return "TERMINAL_FAILURE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var transitions = map[State][]State{
	StateInitial:          {StateSent, StateTerminalFailure},
	StateSent:             {StateCompleted, StateRetryableFailure, StateRedirected, StateAuthChallenged, StateTerminalFailure},
	StateRetryableFailure: {StateSent, StateTerminalFailure},
	// A redirect or challenge that is not followed delivers the response.
	StateRedirected:     {StateSent, StateCompleted, StateTerminalFailure},
	StateAuthChallenged: {StateSent, StateCompleted, StateTerminalFailure},
}

// machine tracks one logical request across attempts.
type machine struct {
	state     State
	attempts  int
	retries   int
	redirects int
	auths     int
}

// to moves to next. An illegal transition is an engine bug and panics.
func (m *machine) to(next State) {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			if next == StateSent {
				m.attempts++
			}
			m.state = next
			return
		}
	}
	panic(fmt.Sprintf("customhttp: illegal state transition %s -> %s", m.state, next))
}

func (m *machine) terminal() bool {
	return m.state == StateCompleted || m.state == StateTerminalFailure
}

// shouldRetry decides whether a failed attempt runs again on a fresh
// connection. Failures after any response byte never qualify.
func shouldRetry(policy *RetryPolicy, req *Request, err error, retries int) bool {
	if policy == nil || retries >= policy.MaxRetries {
		return false
	}
	re, ok := asRetryable(err)
	if !ok {
		return false
	}
	return re.unsent || req.idempotent() || policy.RetryNonIdempotent
}

func calculateBackoff(policy *RetryPolicy, attemptNum int) time.Duration {
	backoff := float64(policy.InitialBackoff) * math.Pow(policy.BackoffFactor, float64(attemptNum-1))

	if backoff > float64(policy.MaxBackoff) || backoff <= 0 {
		if policy.MaxBackoff > 0 {
			backoff = float64(policy.MaxBackoff)
		} else {
			return policy.InitialBackoff
		}
	}

	duration := time.Duration(backoff)

	if policy.Jitter {
		if duration > 0 {
			jitterFactor := 0.5 + rand.Float64()*0.5
			duration = time.Duration(float64(duration) * jitterFactor)
		}
	}

	return duration
}

// -- Redirect Handling --

func isRedirect(statusCode int) bool {
	switch statusCode {
	case 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}

func isSameOrigin(u1, u2 *url.URL) bool {
	if u1 == nil || u2 == nil {
		return false
	}
	return u1.Scheme == u2.Scheme && strings.EqualFold(authority(u1), authority(u2))
}

// redirectTarget resolves Location against the request URL. It returns nil
// when the redirect should not be followed under policy.
func redirectTarget(policy RedirectPolicy, req *Request, status int, header http.Header) (*url.URL, error) {
	if policy == RedirectNever || !isRedirect(status) {
		return nil, nil
	}
	location := header.Get("Location")
	if location == "" {
		return nil, nil
	}
	next, err := req.url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect Location '%s': %w", location, err)
	}
	if next.Scheme != "http" && next.Scheme != "https" {
		return nil, nil
	}
	if policy == RedirectNormal && req.url.Scheme == "https" && next.Scheme == "http" {
		return nil, nil
	}
	return canonicalURL(next)
}

// prepareNextRequest derives the request sent to a redirect target. 301,
// 302 and 303 switch to GET without a body (HEAD stays HEAD); 307 and 308
// keep the method and replay the body.
func prepareNextRequest(originalReq *Request, nextURL *url.URL, statusCode int) *Request {
	next := originalReq.withURL(nextURL)
	method := originalReq.method
	dropBody := false

	switch statusCode {
	case http.StatusSeeOther: // 303
		if method != http.MethodHead {
			method = http.MethodGet
		}
		dropBody = true
	case http.StatusFound, http.StatusMovedPermanently: // 302, 301
		if method != http.MethodGet && method != http.MethodHead {
			method = http.MethodGet
			dropBody = true
		}
	}
	next.method = method
	if dropBody {
		next.body = NoBody()
		next.header.Del("Content-Type")
		next.expectContinue = false
	}

	if !isSameOrigin(originalReq.url, nextURL) {
		next.header.Del("Authorization")
		next.header.Del("Proxy-Authorization")
		next.header.Del("Cookie")
	}

	if !(originalReq.url.Scheme == "https" && nextURL.Scheme == "http") {
		refererURL := *originalReq.url
		refererURL.User = nil
		refererURL.Fragment = ""
		next.header.Set("Referer", refererURL.String())
	}
	return next
}

// maxDrainBytes bounds how much of an intermediate response body is read
// so its connection can be reused.
const maxDrainBytes = 256 << 10

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	io.CopyN(io.Discard, body, maxDrainBytes)
	body.Close()
}
