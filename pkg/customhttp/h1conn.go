package customhttp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/hxengine/pkg/tracker"
)

// errConnClosedBeforeResponse is the retryable failure of a connection that
// went away before the first response byte.
var errConnClosedBeforeResponse = errors.New("connection closed before any response byte")

// h1Conn is an HTTP/1.1 connection carrying one exchange at a time.
type h1Conn struct {
	nc     net.Conn
	cr     *countingReader
	br     *bufio.Reader
	bw     *bufio.Writer
	tls    *tls.ConnectionState
	opts   connOptions
	logger *zap.Logger

	busy      atomic.Bool
	broken    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func newH1Conn(nc net.Conn, state *tls.ConnectionState, opts connOptions) *h1Conn {
	opts = opts.withDefaults()
	cr := &countingReader{r: nc}
	c := &h1Conn{
		nc:     nc,
		cr:     cr,
		br:     bufio.NewReaderSize(cr, 16*1024),
		bw:     bufio.NewWriterSize(nc, 16*1024),
		tls:    state,
		opts:   opts,
		logger: opts.logger.Named("h1").With(zap.String("remote", nc.RemoteAddr().String())),
	}
	opts.counters.Inc(tracker.TCPConnections)
	return c
}

func (c *h1Conn) Version() Version { return HTTP11 }

func (c *h1Conn) tlsState() *tls.ConnectionState { return c.tls }

func (c *h1Conn) Multiplexed() bool { return false }

func (c *h1Conn) Available() bool { return !c.busy.Load() }

func (c *h1Conn) Alive() bool { return !c.closed.Load() && !c.broken.Load() }

func (c *h1Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
		c.opts.counters.Dec(tracker.TCPConnections)
	})
	return err
}

// hijack hands the socket to another protocol (h2c upgrade). The h1Conn
// no longer owns or counts it.
func (c *h1Conn) hijack() (net.Conn, *bufio.Reader) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.opts.counters.Dec(tracker.TCPConnections)
	})
	return c.nc, c.br
}

func (c *h1Conn) newExchange() (Exchange, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("http/1.1 connection already has an exchange in flight")
	}
	if !c.Alive() {
		c.busy.Store(false)
		return nil, retryable(net.ErrClosed, true)
	}
	return &H1Exchange{c: c, heads: newHeadQueue(), startRead: c.cr.n.Load()}, nil
}

// H1Exchange is a request on an HTTP/1.1 connection.
type H1Exchange struct {
	c         *h1Conn
	heads     *headQueue
	startRead int64

	wmu     sync.Mutex
	chunked bool
	cw      io.WriteCloser

	resp       *http.Response
	body       atomic.Pointer[h1Body]
	writeDone  atomic.Bool
	bodyDone   atomic.Bool
	closeAfter atomic.Bool
	cancelled  atomic.Bool
	released   sync.Once
}

func (e *H1Exchange) Version() Version { return HTTP11 }

func (e *H1Exchange) WriteHeaders(ctx context.Context, head *RequestHead, endStream bool) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()

	bw := e.c.bw
	fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", head.Method, head.Target)
	fmt.Fprintf(bw, "Host: %s\r\n", head.Authority)
	switch {
	case head.ContentLength > 0:
		fmt.Fprintf(bw, "Content-Length: %s\r\n", strconv.FormatInt(head.ContentLength, 10))
	case head.ContentLength < 0:
		e.chunked = true
		bw.WriteString("Transfer-Encoding: chunked\r\n")
	case head.Method == http.MethodPost || head.Method == http.MethodPut || head.Method == http.MethodPatch:
		bw.WriteString("Content-Length: 0\r\n")
	}
	if head.ExpectContinue && head.ContentLength != 0 {
		bw.WriteString("Expect: 100-continue\r\n")
	}
	if err := head.Header.Write(bw); err != nil {
		return e.writeFailed(err)
	}
	bw.WriteString("\r\n")
	if err := e.flush(ctx); err != nil {
		return e.writeFailed(err)
	}
	if endStream {
		e.writeDone.Store(true)
	}

	go e.readHeads(head.Method)
	return nil
}

func (e *H1Exchange) flush(ctx context.Context) error {
	if d, ok := ctx.Deadline(); ok {
		e.c.nc.SetWriteDeadline(d)
		defer e.c.nc.SetWriteDeadline(time.Time{})
	}
	return e.c.bw.Flush()
}

func (e *H1Exchange) writeFailed(err error) error {
	e.c.broken.Store(true)
	if e.cancelled.Load() {
		return err
	}
	return retryable(fmt.Errorf("failed to write request: %w", err), false)
}

func (e *H1Exchange) WriteBody(ctx context.Context, chunk []byte, last bool) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if e.cancelled.Load() {
		return net.ErrClosed
	}

	bw := e.c.bw
	if e.chunked {
		if e.cw == nil {
			e.cw = httputil.NewChunkedWriter(bw)
		}
		if len(chunk) > 0 {
			if _, err := e.cw.Write(chunk); err != nil {
				return e.writeFailed(err)
			}
		}
		if last {
			if err := e.cw.Close(); err != nil {
				return e.writeFailed(err)
			}
			bw.WriteString("\r\n")
		}
	} else if len(chunk) > 0 {
		if _, err := bw.Write(chunk); err != nil {
			return e.writeFailed(err)
		}
	}
	if err := e.flush(ctx); err != nil {
		return e.writeFailed(err)
	}
	if last {
		e.writeDone.Store(true)
	}
	return nil
}

func (e *H1Exchange) readHeads(method string) {
	for {
		resp, err := http.ReadResponse(e.c.br, &http.Request{Method: method})
		if err != nil {
			e.c.broken.Store(true)
			if e.cancelled.Load() {
				return
			}
			if e.c.cr.n.Load() == e.startRead && e.c.br.Buffered() == 0 && closedByPeer(err) {
				err = retryable(fmt.Errorf("%w: %w", errConnClosedBeforeResponse, err), false)
			} else {
				err = fmt.Errorf("failed to read response: %w", err)
			}
			e.heads.fail(err)
			return
		}
		head := &ResponseHead{StatusCode: resp.StatusCode, Header: resp.Header, ContentLength: resp.ContentLength}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			e.heads.push(head)
			continue
		}
		if resp.Close {
			e.closeAfter.Store(true)
		}
		e.resp = resp
		if resp.Body == http.NoBody {
			e.bodyDone.Store(true)
		}
		e.body.Store(&h1Body{e: e, rc: resp.Body})
		e.heads.push(head)
		return
	}
}

func closedByPeer(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

func (e *H1Exchange) AwaitContinue(ctx context.Context, d time.Duration) (*ResponseHead, error) {
	return e.heads.awaitContinue(ctx, e.c.opts.clock, d)
}

func (e *H1Exchange) ReadResponse(ctx context.Context) (*ResponseHead, error) {
	return e.heads.readFinal(ctx)
}

func (e *H1Exchange) Body() io.ReadCloser {
	if b := e.body.Load(); b != nil {
		return b
	}
	return http.NoBody
}

func (e *H1Exchange) trailer() http.Header {
	if e.resp == nil {
		return nil
	}
	return e.resp.Trailer
}

// Cancel closes the connection; HTTP/1.1 has no way to abort a single
// exchange.
func (e *H1Exchange) Cancel(cause error) {
	if !e.cancelled.CompareAndSwap(false, true) {
		return
	}
	e.heads.fail(cause)
	if b := e.body.Load(); b != nil {
		b.fail(cause)
	}
	e.c.broken.Store(true)
	e.c.Close()
}

func (e *H1Exchange) reusable() bool {
	return e.writeDone.Load() && e.bodyDone.Load() && !e.closeAfter.Load() &&
		!e.cancelled.Load() && !e.c.broken.Load()
}

// finish returns the connection to the available state once the exchange
// is done with the socket.
func (e *H1Exchange) finish() {
	e.released.Do(func() { e.c.busy.Store(false) })
}

type h1Body struct {
	e  *H1Exchange
	rc io.ReadCloser

	mu     sync.Mutex
	err    error
	closed bool
}

func (b *h1Body) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
}

func (b *h1Body) Read(p []byte) (int, error) {
	b.mu.Lock()
	err := b.err
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.e.bodyDone.Store(true)
		return n, io.EOF
	}
	if err != nil {
		b.e.c.broken.Store(true)
		b.mu.Lock()
		if b.err != nil {
			err = b.err
		}
		b.mu.Unlock()
	}
	return n, err
}

// Close before EOF closes the socket instead of draining it.
func (b *h1Body) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	if !b.e.bodyDone.Load() {
		b.e.c.broken.Store(true)
		b.e.c.Close()
	}
	b.rc.Close()
	return nil
}
