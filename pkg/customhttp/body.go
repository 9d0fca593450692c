package customhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const bodyChunkSize = 32 * 1024

// BodyPublisher supplies a request body. ContentLength is -1 when unknown,
// in which case HTTP/1.1 uses chunked encoding. Each Open returns an
// independent reader positioned at the start, unless the publisher is
// single use.
type BodyPublisher interface {
	ContentLength() int64
	Open() (BodyReader, error)
}

// BodyReader yields body chunks on demand. Next returns io.EOF after the
// last chunk. The engine calls Next once per chunk it is ready to send.
type BodyReader interface {
	Next() ([]byte, error)
	Close() error
}

type noBody struct{}

// NoBody is the empty body.
func NoBody() BodyPublisher { return noBody{} }

func (noBody) ContentLength() int64 { return 0 }

func (noBody) Open() (BodyReader, error) { return &chunksReader{}, nil }

type bytesBody []byte

// BytesBody publishes b. The slice must not be modified afterwards.
func BytesBody(b []byte) BodyPublisher { return bytesBody(b) }

// StringBody publishes s.
func StringBody(s string) BodyPublisher { return bytesBody(s) }

func (b bytesBody) ContentLength() int64 { return int64(len(b)) }

func (b bytesBody) Open() (BodyReader, error) {
	var chunks [][]byte
	for rest := []byte(b); len(rest) > 0; {
		n := min(len(rest), bodyChunkSize)
		chunks = append(chunks, rest[:n])
		rest = rest[n:]
	}
	return &chunksReader{chunks: chunks}, nil
}

type chunksBody struct {
	chunks   [][]byte
	declared int64
}

// ChunksBody publishes the given chunks as separate writes and declares
// the given length, which may disagree with the actual total.
func ChunksBody(chunks [][]byte, declared int64) BodyPublisher {
	return &chunksBody{chunks: chunks, declared: declared}
}

func (c *chunksBody) ContentLength() int64 { return c.declared }

func (c *chunksBody) Open() (BodyReader, error) {
	return &chunksReader{chunks: c.chunks}, nil
}

type chunksReader struct {
	chunks [][]byte
}

func (r *chunksReader) Next() ([]byte, error) {
	if len(r.chunks) == 0 {
		return nil, io.EOF
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, nil
}

func (r *chunksReader) Close() error { return nil }

type readerBody struct {
	open   func() (io.ReadCloser, error)
	length int64
}

// ReaderBody publishes whatever open returns, read in fixed-size chunks.
// open is called once per Open, so the body is replayable when open is.
func ReaderBody(open func() (io.ReadCloser, error), length int64) BodyPublisher {
	return &readerBody{open: open, length: length}
}

func (r *readerBody) ContentLength() int64 { return r.length }

func (r *readerBody) Open() (BodyReader, error) {
	rc, err := r.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open request body: %w", err)
	}
	return &streamReader{rc: rc, buf: make([]byte, bodyChunkSize)}, nil
}

type streamReader struct {
	rc  io.ReadCloser
	buf []byte
}

func (s *streamReader) Next() ([]byte, error) {
	for {
		n, err := s.rc.Read(s.buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, s.buf[:n])
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *streamReader) Close() error { return s.rc.Close() }

// PushPublisher is a single-use body fed by the caller. Push blocks until
// the engine asks for the next chunk.
type PushPublisher struct {
	length   int64
	opened   atomic.Bool
	items    chan []byte
	finished chan struct{}
	closed   chan struct{}

	finishOnce sync.Once
	closeOnce  sync.Once
	err        error
}

// NewPushPublisher returns a publisher declaring length (-1 for unknown).
func NewPushPublisher(length int64) *PushPublisher {
	return &PushPublisher{
		length:   length,
		items:    make(chan []byte),
		finished: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (p *PushPublisher) ContentLength() int64 { return p.length }

func (p *PushPublisher) Open() (BodyReader, error) {
	if !p.opened.CompareAndSwap(false, true) {
		return nil, ErrBodyNotReplayable
	}
	return &pushReader{p: p}, nil
}

// Push hands chunk to the engine once it has demand. It fails if the
// exchange already finished with the body.
func (p *PushPublisher) Push(ctx context.Context, chunk []byte) error {
	select {
	case <-p.finished:
		return errors.New("push after Complete")
	default:
	}
	select {
	case p.items <- chunk:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Complete ends the body. It never waits for demand.
func (p *PushPublisher) Complete() {
	p.finishOnce.Do(func() { close(p.finished) })
}

// Fail ends the body with err, which aborts the exchange.
func (p *PushPublisher) Fail(err error) {
	p.finishOnce.Do(func() {
		p.err = err
		close(p.finished)
	})
}

type pushReader struct {
	p *PushPublisher
}

func (r *pushReader) Next() ([]byte, error) {
	select {
	case b := <-r.p.items:
		return b, nil
	case <-r.p.finished:
		if r.p.err != nil {
			return nil, r.p.err
		}
		return nil, io.EOF
	case <-r.p.closed:
		return nil, io.ErrClosedPipe
	}
}

func (r *pushReader) Close() error {
	r.p.closeOnce.Do(func() { close(r.p.closed) })
	return nil
}

// lengthChecker enforces a declared content length. An overrun is
// reported before the offending chunk is returned, so excess bytes never
// reach the wire.
type lengthChecker struct {
	BodyReader
	declared int64
	sent     int64
}

func checkLength(r BodyReader, declared int64) BodyReader {
	if declared < 0 {
		return r
	}
	return &lengthChecker{BodyReader: r, declared: declared}
}

func (c *lengthChecker) Next() ([]byte, error) {
	b, err := c.BodyReader.Next()
	if err == io.EOF {
		if c.sent < c.declared {
			return nil, &BodyLengthError{Kind: ErrBodyTooShort, Declared: c.declared, Actual: c.sent}
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	if c.sent+int64(len(b)) > c.declared {
		return nil, &BodyLengthError{Kind: ErrBodyTooLong, Declared: c.declared, Actual: c.sent + int64(len(b))}
	}
	c.sent += int64(len(b))
	return b, nil
}
