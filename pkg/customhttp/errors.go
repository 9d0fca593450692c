package customhttp

import (
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrClosed is returned for requests submitted after shutdown began.
	ErrClosed = errors.New("http client is closed")
	// ErrShutdownNow fails every exchange aborted by ShutdownNow.
	ErrShutdownNow = errors.New("http client shut down by ShutdownNow")
	// ErrCancelled is the cause of a caller-initiated cancellation.
	ErrCancelled = errors.New("request cancelled")

	ErrTooManyRedirects    = errors.New("too many redirects")
	ErrTooManyAuthAttempts = errors.New("too many authentication attempts")

	// ErrBodyTooShort and ErrBodyTooLong classify a BodyLengthError.
	ErrBodyTooShort = errors.New("too few bytes")
	ErrBodyTooLong  = errors.New("too many bytes")

	// ErrBodyNotReplayable means a redirect or retry needed the request
	// body a second time but the publisher is single use.
	ErrBodyNotReplayable = errors.New("request body cannot be replayed")

	// ErrH2NotNegotiated is returned when HTTP/2 was required but the
	// server selected another protocol.
	ErrH2NotNegotiated = errors.New("server did not negotiate HTTP/2")
)

// StreamResetError reports a single stream aborted by the peer (HTTP/2
// RST_STREAM, HTTP/3 stream reset or STOP_SENDING). Sibling streams on the
// same connection are unaffected.
type StreamResetError struct {
	Version  Version
	StreamID int64
	Code     uint64
	Name     string
	Remote   bool
}

func (e *StreamResetError) Error() string {
	who := "locally"
	if e.Remote {
		who = "by peer"
	}
	return fmt.Sprintf("%s stream %d reset %s: %s (0x%x)", e.Version, e.StreamID, who, e.Name, e.Code)
}

// ProtocolError is a connection-level failure signalled by the peer, such
// as GOAWAY with an error code or an HTTP/3 H3_EXCESSIVE_LOAD close.
type ProtocolError struct {
	Version Version
	Code    uint64
	Name    string
	Reason  string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s protocol error %s (0x%x)", e.Version, e.Name, e.Code)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// MissingChallengeError is returned when a 401 or 407 arrives without the
// challenge header while a CredentialsProvider is configured.
type MissingChallengeError struct {
	Header     string
	StatusCode int
}

func (e *MissingChallengeError) Error() string {
	return fmt.Sprintf("%s header missing for response code %d", e.Header, e.StatusCode)
}

// BodyLengthError reports a publisher that disagreed with its declared
// content length. Kind is ErrBodyTooShort or ErrBodyTooLong.
type BodyLengthError struct {
	Kind     error
	Declared int64
	Actual   int64
}

func (e *BodyLengthError) Error() string {
	if e.Kind == ErrBodyTooLong {
		return fmt.Sprintf("request body publisher sent %s: declared %d, got at least %d", e.Kind, e.Declared, e.Actual)
	}
	return fmt.Sprintf("request body publisher sent %s: declared %d, got %d", e.Kind, e.Declared, e.Actual)
}

func (e *BodyLengthError) Unwrap() error { return e.Kind }

// HeaderError is a request header rejected while building the request.
type HeaderError struct {
	Name   string
	Reason string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("invalid header %q: %s", e.Name, e.Reason)
}

// RejectedError is returned when the executor refused a task.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string { return fmt.Sprintf("executor rejected task: %v", e.Err) }

func (e *RejectedError) Unwrap() error { return e.Err }

// retryableError marks a failure the retry state machine may repeat on a
// fresh connection. unsent means the peer provably did not process the
// request, so even non-idempotent methods may be retried. stale means the
// failure hit a pooled connection that had gone bad while idle.
type retryableError struct {
	err    error
	unsent bool
	stale  bool
}

func (e *retryableError) Error() string { return e.err.Error() }

func (e *retryableError) Unwrap() error { return e.err }

func retryable(err error, unsent bool) error {
	if err == nil {
		return nil
	}
	var re *retryableError
	if errors.As(err, &re) {
		return err
	}
	return &retryableError{err: err, unsent: unsent}
}

func asRetryable(err error) (*retryableError, bool) {
	var re *retryableError
	ok := errors.As(err, &re)
	return re, ok
}

// IsShutdownError reports whether err belongs to the family of failures
// caused by closing the client or cancelling the request: ErrClosed,
// ErrShutdownNow, ErrCancelled, a closed connection or pipe, or a stream
// reset with the CANCEL code.
func IsShutdownError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrShutdownNow) || errors.Is(err, ErrCancelled) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var sre *StreamResetError
	if errors.As(err, &sre) {
		return sre.Name == "CANCEL" || sre.Name == "H3_REQUEST_CANCELLED"
	}
	return false
}

// Result is the outcome of an asynchronous operation: exactly one of Value
// or Err is meaningful. A non-2xx response is a Value, not an Err.
type Result[T any] struct {
	Value T
	Err   error
}

// OK reports whether the operation succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// Unpack returns the value and error.
func (r Result[T]) Unpack() (T, error) { return r.Value, r.Err }
