// Package timeout provides deadline arithmetic and timer bookkeeping for the
// client engine. Durations near the top of the representable range are treated
// as unbounded: every addition saturates instead of wrapping.
package timeout

import (
	"errors"
	"fmt"
	"math"
	"net"
	"time"
)

// Unbounded is the saturation point for all duration arithmetic in this package.
const Unbounded = time.Duration(math.MaxInt64)

// unboundedThreshold marks durations so large that no real deadline could be
// derived from them. Anything at or beyond it is treated as "never expires".
const unboundedThreshold = 100 * 365 * 24 * time.Hour

// Phase identifies which part of an exchange a deadline protects.
type Phase int

const (
	PhaseConnect Phase = iota
	PhaseRequest
	PhaseResponseBody
	PhaseIdle
)

func (p Phase) String() string {
	switch p {
	case PhaseConnect:
		return "connect"
	case PhaseRequest:
		return "request"
	case PhaseResponseBody:
		return "response body"
	case PhaseIdle:
		return "idle"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Add returns a+b, clamped to [0, Unbounded]. Negative inputs are treated as zero.
func Add(a, b time.Duration) time.Duration {
	if a < 0 {
		a = 0
	}
	if b < 0 {
		b = 0
	}
	if a > Unbounded-b {
		return Unbounded
	}
	return a + b
}

// Mul returns d*n, clamped to [0, Unbounded].
func Mul(d time.Duration, n int64) time.Duration {
	if d <= 0 || n <= 0 {
		return 0
	}
	if d > Unbounded/time.Duration(n) {
		return Unbounded
	}
	return d * time.Duration(n)
}

// IsUnbounded reports whether d is too large to produce a meaningful deadline.
func IsUnbounded(d time.Duration) bool {
	return d >= unboundedThreshold
}

// Deadline converts a relative timeout into an absolute deadline. The zero
// time is returned when d is non-positive or unbounded, which callers treat
// as "no deadline" (the same convention net.Conn.SetDeadline uses).
func Deadline(now time.Time, d time.Duration) time.Time {
	if d <= 0 || IsUnbounded(d) {
		return time.Time{}
	}
	return now.Add(d)
}

// Error is returned when a request or response-body deadline expires.
type Error struct {
	Phase Phase
	// After is the duration that expired.
	After time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Phase, e.After)
}

// Timeout implements net.Error.
func (e *Error) Timeout() bool { return true }

// Temporary implements net.Error.
func (e *Error) Temporary() bool { return true }

var _ net.Error = (*Error)(nil)

// ConnectTimeoutError reports that connection establishment exceeded the
// configured connect timeout. Err is the lower-level dial failure.
type ConnectTimeoutError struct {
	Addr  string
	After time.Duration
	Err   error
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("connect to %s timed out after %s: %v", e.Addr, e.After, e.Err)
}

func (e *ConnectTimeoutError) Unwrap() error { return e.Err }

// Timeout implements net.Error.
func (e *ConnectTimeoutError) Timeout() bool { return true }

// Temporary implements net.Error.
func (e *ConnectTimeoutError) Temporary() bool { return true }

// IsTimeout reports whether err carries any timeout from this package.
func IsTimeout(err error) bool {
	var te *Error
	var ce *ConnectTimeoutError
	return errors.As(err, &te) || errors.As(err, &ce)
}
