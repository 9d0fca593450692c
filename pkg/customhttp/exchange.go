package customhttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// errBodySuppressed means the server answered before 100 Continue, so the
// request body was never sent.
var errBodySuppressed = errors.New("request body suppressed by early response")

// RequestHead is the wire-level request line and header block.
type RequestHead struct {
	Method string
	Scheme string
	// Authority is the Host header or :authority pseudo-header.
	Authority string
	// Target is the request target: origin-form, or absolute-form for
	// plain HTTP through a proxy.
	Target string
	Header http.Header
	// ContentLength is -1 for an unknown length and 0 for no body.
	ContentLength  int64
	ExpectContinue bool
}

// ResponseHead is a final response status line and header block.
type ResponseHead struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
}

// Exchange is one request/response pair on a connection. Implementations
// are *H1Exchange, *H2Stream and *H3Stream.
//
// WriteHeaders is called once, then WriteBody until last is true (unless
// endStream was set). ReadResponse may run concurrently with body writes.
// Cancel aborts the exchange; pending and future calls fail with cause.
type Exchange interface {
	Version() Version
	WriteHeaders(ctx context.Context, head *RequestHead, endStream bool) error
	WriteBody(ctx context.Context, chunk []byte, last bool) error
	// AwaitContinue waits for 100 Continue. It returns a non-nil head when
	// the server sent a final response instead, in which case the body
	// must not be sent. A timeout is not an error.
	AwaitContinue(ctx context.Context, d time.Duration) (*ResponseHead, error)
	// ReadResponse returns the final response head, skipping interim 1xx
	// responses.
	ReadResponse(ctx context.Context) (*ResponseHead, error)
	// Body is valid after ReadResponse succeeded.
	Body() io.ReadCloser
	Cancel(cause error)

	trailer() http.Header
	// finish releases per-exchange resources after the response body is
	// done or abandoned.
	finish()
	// reusable reports whether the connection may carry another exchange
	// once this one is done.
	reusable() bool
}

// headQueue collects response heads as the connection's reader delivers
// them. Interim responses only flip the continued flag.
type headQueue struct {
	mu        sync.Mutex
	continued bool
	final     *ResponseHead
	err       error
	notify    chan struct{}
}

func newHeadQueue() *headQueue {
	return &headQueue{notify: make(chan struct{})}
}

func (q *headQueue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// push records a head. A second final head is ignored.
func (q *headQueue) push(h *ResponseHead) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case h.StatusCode == http.StatusContinue:
		q.continued = true
	case h.StatusCode >= 100 && h.StatusCode < 200 && h.StatusCode != http.StatusSwitchingProtocols:
		return
	case q.final == nil:
		q.final = h
	}
	q.wakeLocked()
}

// fail records the first error. Waiters that already have a final head
// still receive it.
func (q *headQueue) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		q.err = err
	}
	q.wakeLocked()
}

func (q *headQueue) hasFinal() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.final != nil
}

func (q *headQueue) wait(ctx context.Context, expired <-chan time.Time, done func() bool) (timedOut bool, err error) {
	for {
		q.mu.Lock()
		if done() {
			q.mu.Unlock()
			return false, nil
		}
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return false, err
		}
		ch := q.notify
		q.mu.Unlock()

		select {
		case <-ch:
		case <-expired:
			return true, nil
		case <-ctx.Done():
			return false, context.Cause(ctx)
		}
	}
}

func (q *headQueue) awaitContinue(ctx context.Context, clk clock.Clock, d time.Duration) (*ResponseHead, error) {
	var expired <-chan time.Time
	if d > 0 {
		t := clk.Timer(d)
		defer t.Stop()
		expired = t.C
	}
	timedOut, err := q.wait(ctx, expired, func() bool { return q.continued || q.final != nil })
	if err != nil || timedOut {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.final, nil
}

func (q *headQueue) readFinal(ctx context.Context) (*ResponseHead, error) {
	if _, err := q.wait(ctx, nil, func() bool { return q.final != nil }); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.final, nil
}

// roundTrip drives one exchange: headers, then the body on a separate
// goroutine while the response head is awaited. A body failure before the
// response head cancels the exchange. When the head wins the race the body
// keeps streaming until the exchange ends.
func roundTrip(ctx context.Context, ex Exchange, head *RequestHead, body BodyReader, continueTimeout time.Duration) (*ResponseHead, error) {
	hasBody := head.ContentLength != 0
	if err := ex.WriteHeaders(ctx, head, !hasBody); err != nil {
		body.Close()
		return nil, err
	}
	if !hasBody {
		body.Close()
		return ex.ReadResponse(ctx)
	}

	bodyErr := make(chan error, 1)
	go func() {
		defer body.Close()
		bodyErr <- sendBody(ctx, ex, head, body, continueTimeout)
	}()

	type result struct {
		head *ResponseHead
		err  error
	}
	final := make(chan result, 1)
	go func() {
		h, err := ex.ReadResponse(ctx)
		final <- result{h, err}
	}()

	select {
	case err := <-bodyErr:
		if err != nil && !errors.Is(err, errBodySuppressed) {
			ex.Cancel(err)
			<-final
			return nil, err
		}
		r := <-final
		return r.head, r.err
	case r := <-final:
		return r.head, r.err
	}
}

func sendBody(ctx context.Context, ex Exchange, head *RequestHead, body BodyReader, continueTimeout time.Duration) error {
	if head.ExpectContinue {
		early, err := ex.AwaitContinue(ctx, continueTimeout)
		if err != nil {
			return err
		}
		if early != nil {
			return errBodySuppressed
		}
	}
	for {
		chunk, err := body.Next()
		if err == io.EOF {
			return ex.WriteBody(ctx, nil, true)
		}
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			continue
		}
		if err := ex.WriteBody(ctx, chunk, false); err != nil {
			return err
		}
	}
}
