package customhttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hxengine/pkg/tracker"
)

// Streams opened concurrently before the pool prefers another connection.
// quic-go's default peer limit is 100 bidirectional streams.
const h3MaxConcurrentStreams = 100

// h3Conn is a QUIC connection carrying HTTP/3 request streams.
type h3Conn struct {
	qconn  quic.Connection
	rt     *http3.SingleDestinationRoundTripper
	tls    *tls.ConnectionState
	opts   connOptions
	logger *zap.Logger

	active    atomic.Int32
	closeOnce sync.Once
}

// dialH3 performs the QUIC handshake with addr. serverName is the origin
// host, which differs from addr's host for an Alt-Svc alternative.
func dialH3(ctx context.Context, addr, serverName string, base *tls.Config, opts connOptions) (*h3Conn, error) {
	opts = opts.withDefaults()
	tlsConf := &tls.Config{}
	if base != nil {
		tlsConf = base.Clone()
	}
	tlsConf.NextProtos = []string{http3.NextProtoH3}
	if tlsConf.ServerName == "" {
		tlsConf.ServerName = serverName
	}
	quicConf := &quic.Config{
		KeepAlivePeriod: opts.h3.KeepAlivePeriod,
		MaxIdleTimeout:  opts.h3.MaxIdleTimeout,
	}
	if d, ok := ctx.Deadline(); ok {
		quicConf.HandshakeIdleTimeout = time.Until(d)
	}

	qconn, err := quic.DialAddrEarly(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to establish QUIC connection to %s: %w", addr, err)
	}
	// Wait for the handshake so that a failure surfaces here, not on the
	// first request.
	select {
	case <-qconn.HandshakeComplete():
	case <-ctx.Done():
		qconn.CloseWithError(quic.ApplicationErrorCode(http3.ErrCodeNoError), "")
		return nil, fmt.Errorf("QUIC handshake with %s: %w", addr, context.Cause(ctx))
	case <-qconn.Context().Done():
		return nil, fmt.Errorf("QUIC handshake with %s: %w", addr, context.Cause(qconn.Context()))
	}

	state := qconn.ConnectionState().TLS
	c := &h3Conn{
		qconn: qconn,
		rt: &http3.SingleDestinationRoundTripper{
			Connection:         qconn,
			DisableCompression: true,
		},
		tls:    &state,
		opts:   opts,
		logger: opts.logger.Named("h3").With(zap.String("remote", addr)),
	}
	c.rt.Start()
	opts.counters.Inc(tracker.QUICConnections)
	c.logger.Debug("HTTP/3 connection established")
	return c, nil
}

func (c *h3Conn) Version() Version { return HTTP3 }

func (c *h3Conn) tlsState() *tls.ConnectionState { return c.tls }

func (c *h3Conn) Multiplexed() bool { return true }

func (c *h3Conn) Alive() bool { return c.qconn.Context().Err() == nil }

func (c *h3Conn) Available() bool {
	return c.Alive() && c.active.Load() < h3MaxConcurrentStreams
}

func (c *h3Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.qconn.CloseWithError(quic.ApplicationErrorCode(http3.ErrCodeNoError), "")
		c.opts.counters.Dec(tracker.QUICConnections)
		c.logger.Debug("HTTP/3 connection closed")
	})
	return err
}

func (c *h3Conn) newExchange() (Exchange, error) {
	if !c.Alive() {
		return nil, retryable(fmt.Errorf("QUIC connection closed: %w", net.ErrClosed), true)
	}
	c.active.Add(1)
	return &H3Stream{c: c, heads: newHeadQueue()}, nil
}

// H3Stream is one request stream on a QUIC connection.
type H3Stream struct {
	c     *h3Conn
	heads *headQueue

	mu        sync.Mutex
	str       http3.RequestStream
	resp      *http.Response
	body      *h3Body
	sent      bool
	writeDone bool
	cancelled error

	finished sync.Once
}

func (s *H3Stream) Version() Version { return HTTP3 }

func (s *H3Stream) WriteHeaders(ctx context.Context, head *RequestHead, endStream bool) error {
	str, err := s.c.rt.OpenRequestStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return retryable(mapH3Error(err), true)
	}

	s.mu.Lock()
	if s.cancelled != nil {
		s.mu.Unlock()
		str.CancelWrite(quic.StreamErrorCode(http3.ErrCodeRequestCanceled))
		str.CancelRead(quic.StreamErrorCode(http3.ErrCodeRequestCanceled))
		return s.cancelled
	}
	s.str = str
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, head.Method, "https://"+head.Authority+head.Target, nil)
	if err != nil {
		return err
	}
	req.Host = head.Authority
	req.Header = head.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if head.ExpectContinue && head.ContentLength != 0 {
		req.Header.Set("Expect", "100-continue")
	}
	switch {
	case head.ContentLength > 0:
		// The header writer only emits content-length for a non-nil body.
		req.ContentLength = head.ContentLength
		req.Body = io.NopCloser(eofReader{})
	case head.ContentLength == 0:
		req.Body = http.NoBody
	}

	if err := str.SendRequestHeader(req); err != nil {
		return retryable(mapH3Error(err), false)
	}
	s.mu.Lock()
	s.sent = true
	s.mu.Unlock()
	if endStream {
		if err := s.closeWrite(); err != nil {
			return err
		}
	}
	go s.readHeads()
	return nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func (s *H3Stream) closeWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDone = true
	if err := s.str.Close(); err != nil {
		return mapH3Error(err)
	}
	return nil
}

func (s *H3Stream) WriteBody(ctx context.Context, chunk []byte, last bool) error {
	s.mu.Lock()
	str, cancelled := s.str, s.cancelled
	s.mu.Unlock()
	if cancelled != nil {
		return cancelled
	}
	if len(chunk) > 0 {
		stop := context.AfterFunc(ctx, func() {
			str.CancelWrite(quic.StreamErrorCode(http3.ErrCodeRequestCanceled))
		})
		_, err := str.Write(chunk)
		if !stop() {
			return context.Cause(ctx)
		}
		if err != nil {
			return mapH3Error(err)
		}
	}
	if last {
		return s.closeWrite()
	}
	return nil
}

func (s *H3Stream) readHeads() {
	for {
		resp, err := s.str.ReadResponse()
		if err != nil {
			s.mu.Lock()
			cancelled := s.cancelled
			s.mu.Unlock()
			if cancelled != nil {
				return
			}
			mapped := mapH3Error(err)
			if !s.c.Alive() {
				mapped = retryable(fmt.Errorf("%w: %w", errConnClosedBeforeResponse, mapped), false)
			}
			s.heads.fail(mapped)
			return
		}
		head := &ResponseHead{StatusCode: resp.StatusCode, Header: resp.Header, ContentLength: resp.ContentLength}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 {
			s.heads.push(head)
			continue
		}
		s.mu.Lock()
		s.resp = resp
		s.body = &h3Body{s: s, rc: resp.Body}
		s.mu.Unlock()
		s.heads.push(head)
		return
	}
}

func (s *H3Stream) AwaitContinue(ctx context.Context, d time.Duration) (*ResponseHead, error) {
	return s.heads.awaitContinue(ctx, s.c.opts.clock, d)
}

func (s *H3Stream) ReadResponse(ctx context.Context) (*ResponseHead, error) {
	return s.heads.readFinal(ctx)
}

func (s *H3Stream) Body() io.ReadCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body == nil {
		return http.NoBody
	}
	return s.body
}

func (s *H3Stream) trailer() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resp == nil {
		return nil
	}
	return s.resp.Trailer
}

// Cancel resets both directions with H3_REQUEST_CANCELLED.
func (s *H3Stream) Cancel(cause error) {
	s.mu.Lock()
	if s.cancelled != nil {
		s.mu.Unlock()
		return
	}
	s.cancelled = cause
	str, body := s.str, s.body
	s.mu.Unlock()

	s.heads.fail(cause)
	if body != nil {
		body.fail(cause)
	}
	if str != nil {
		str.CancelWrite(quic.StreamErrorCode(http3.ErrCodeRequestCanceled))
		str.CancelRead(quic.StreamErrorCode(http3.ErrCodeRequestCanceled))
	}
}

func (s *H3Stream) finish() {
	s.finished.Do(func() {
		s.mu.Lock()
		str, writeDone := s.str, s.writeDone
		s.mu.Unlock()
		if str != nil && !writeDone {
			str.CancelWrite(quic.StreamErrorCode(http3.ErrCodeRequestCanceled))
		}
		s.c.active.Add(-1)
	})
}

func (s *H3Stream) reusable() bool { return true }

type h3Body struct {
	s  *H3Stream
	rc io.ReadCloser

	mu   sync.Mutex
	err  error
	eof  bool
	done bool
}

func (b *h3Body) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
}

func (b *h3Body) Read(p []byte) (int, error) {
	b.mu.Lock()
	err := b.err
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.mu.Lock()
		b.eof = true
		b.mu.Unlock()
		return n, err
	}
	if err != nil {
		b.mu.Lock()
		if b.err != nil {
			err = b.err
		} else {
			err = mapH3Error(err)
		}
		b.mu.Unlock()
	}
	return n, err
}

// Close before EOF stops the peer with H3_REQUEST_CANCELLED.
func (b *h3Body) Close() error {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return nil
	}
	b.done = true
	eof := b.eof
	b.mu.Unlock()
	if !eof {
		b.s.str.CancelRead(quic.StreamErrorCode(http3.ErrCodeRequestCanceled))
	}
	b.s.finish()
	return nil
}

// mapH3Error turns quic-go errors into StreamResetError and ProtocolError.
// A rejected request was provably not processed and may be retried.
func mapH3Error(err error) error {
	var se *quic.StreamError
	if errors.As(err, &se) {
		code := http3.ErrCode(se.ErrorCode)
		rse := &StreamResetError{
			Version:  HTTP3,
			StreamID: int64(se.StreamID),
			Code:     uint64(se.ErrorCode),
			Name:     code.String(),
			Remote:   se.Remote,
		}
		if code == http3.ErrCodeRequestRejected {
			return retryable(rse, true)
		}
		return rse
	}
	var ae *quic.ApplicationError
	if errors.As(err, &ae) {
		code := http3.ErrCode(ae.ErrorCode)
		if code == http3.ErrCodeNoError {
			return fmt.Errorf("HTTP/3 connection closed: %w", net.ErrClosed)
		}
		return &ProtocolError{Version: HTTP3, Code: uint64(ae.ErrorCode), Name: code.String(), Reason: ae.ErrorMessage}
	}
	return err
}
