package customhttp

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/xkilldash9x/hxengine/pkg/tracker"
)

const (
	// H2 specific constants (RFC 9113)
	DefaultH2InitialWindowSize = 65535
	DefaultH2MaxFrameSize      = 16384

	// Define target receive window sizes for better throughput.
	TargetH2ConnWindowSize   = 8 * 1024 * 1024 // 8 MB
	TargetH2StreamWindowSize = 4 * 1024 * 1024 // 4 MB

	// Used until the peer's SETTINGS advertise a limit.
	defaultH2MaxConcurrentStreams = 1000
	maxH2StreamID                 = 1<<31 - 1
)

var errStreamCapacity = errors.New("http2 connection has no free stream capacity")

// h2WriteRequest is an interface for items that can be sent to the writeLoop.
type h2WriteRequest interface {
	writeFrame(c *h2Conn) error
	handleError(err error)
}

// h2Conn manages a single HTTP/2 connection and multiplexes H2Streams over
// it. Frame writes are serialised through writeLoop, which also owns the
// HPACK encoder and assigns stream ids so they hit the wire in order.
type h2Conn struct {
	nc     net.Conn
	tls    *tls.ConnectionState
	opts   connOptions
	logger *zap.Logger

	framer    *http2.Framer
	hpEncoder *hpack.Encoder
	hpackBuf  *bytes.Buffer

	streamWindow int64
	connWindow   int64

	mu             sync.Mutex
	connected      bool
	goingAway      bool
	goAwayErr      error
	nextStreamID   uint32
	streams        map[uint32]*H2Stream
	reserved       int
	peerMaxStreams uint32

	// Flow control for sending data to the server.
	connSendWindow          int64
	maxFrameSize            uint32
	initialStreamSendWindow int32

	// Flow control for receiving data from the server. connUnacked is
	// consumed data not yet returned with WINDOW_UPDATE.
	connRecvWindow int64
	connUnacked    int64

	pingAcks map[uint64]chan struct{}

	writeChan chan h2WriteRequest

	doneChan   chan struct{}
	loopWG     sync.WaitGroup
	fatalError error
	closeOnce  sync.Once
}

// newH2Conn wraps an established transport. r is the reader frames are
// parsed from; after an h2c upgrade it holds bytes buffered by HTTP/1.1.
func newH2Conn(nc net.Conn, r io.Reader, state *tls.ConnectionState, opts connOptions) *h2Conn {
	opts = opts.withDefaults()
	if r == nil {
		r = nc
	}
	hbuf := new(bytes.Buffer)
	const defaultDynamicTableSize = 4096

	streamWindow, connWindow := opts.h2StreamWindow, opts.h2ConnWindow
	if streamWindow <= 0 {
		streamWindow = TargetH2StreamWindowSize
	}
	if connWindow <= 0 {
		connWindow = TargetH2ConnWindowSize
	}

	c := &h2Conn{
		nc:                      nc,
		tls:                     state,
		opts:                    opts,
		logger:                  opts.logger.Named("h2").With(zap.String("remote", nc.RemoteAddr().String())),
		framer:                  http2.NewFramer(nc, r),
		hpackBuf:                hbuf,
		hpEncoder:               hpack.NewEncoder(hbuf),
		streamWindow:            streamWindow,
		connWindow:              connWindow,
		nextStreamID:            1, // Client-initiated streams must be odd
		streams:                 make(map[uint32]*H2Stream),
		peerMaxStreams:          defaultH2MaxConcurrentStreams,
		connSendWindow:          DefaultH2InitialWindowSize,
		initialStreamSendWindow: DefaultH2InitialWindowSize,
		maxFrameSize:            DefaultH2MaxFrameSize,
		connRecvWindow:          connWindow,
		pingAcks:                make(map[uint64]chan struct{}),
		writeChan:               make(chan h2WriteRequest, 64),
		doneChan:                make(chan struct{}),
	}
	c.framer.ReadMetaHeaders = hpack.NewDecoder(defaultDynamicTableSize, nil)
	opts.counters.Inc(tracker.TCPConnections)
	return c
}

func (c *h2Conn) initialSettings() []http2.Setting {
	return []http2.Setting{
		{ID: http2.SettingEnablePush, Val: 0},
		{ID: http2.SettingInitialWindowSize, Val: uint32(c.streamWindow)},
	}
}

// h2cSettingsHeader is the HTTP2-Settings value for an h2c upgrade: the
// SETTINGS payload, base64url encoded without padding.
func h2cSettingsHeader(opts connOptions) string {
	window := opts.h2StreamWindow
	if window <= 0 {
		window = TargetH2StreamWindowSize
	}
	var buf bytes.Buffer
	for _, s := range []http2.Setting{
		{ID: http2.SettingEnablePush, Val: 0},
		{ID: http2.SettingInitialWindowSize, Val: uint32(window)},
	} {
		var b [6]byte
		binary.BigEndian.PutUint16(b[:2], uint16(s.ID))
		binary.BigEndian.PutUint32(b[2:], s.Val)
		buf.Write(b[:])
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes())
}

// start sends the preface, SETTINGS and the connection WINDOW_UPDATE, then
// launches the background loops.
func (c *h2Conn) start() error {
	if _, err := c.nc.Write([]byte(http2.ClientPreface)); err != nil {
		c.Close()
		return fmt.Errorf("failed to write H2 preface: %w", err)
	}
	if err := c.framer.WriteSettings(c.initialSettings()...); err != nil {
		c.Close()
		return fmt.Errorf("failed to write initial SETTINGS: %w", err)
	}
	if c.connRecvWindow > DefaultH2InitialWindowSize {
		increment := uint32(c.connRecvWindow - DefaultH2InitialWindowSize)
		if err := c.framer.WriteWindowUpdate(0, increment); err != nil {
			c.Close()
			return fmt.Errorf("failed to write initial connection WINDOW_UPDATE: %w", err)
		}
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	ping := c.opts.h2.PingInterval > 0
	loopsToStart := 2
	if ping {
		loopsToStart++
	}
	c.loopWG.Add(loopsToStart)
	go c.readLoop()
	go c.writeLoop()
	if ping {
		go c.pingLoop()
	}

	c.logger.Debug("H2 connection established and initialized")
	return nil
}

// upgradeStream registers stream 1, which carries the request that was
// sent as HTTP/1.1 with Upgrade: h2c. Must be called before start.
func (c *h2Conn) upgradeStream() *H2Stream {
	s := c.newStream()
	c.mu.Lock()
	defer c.mu.Unlock()
	s.id = 1
	s.localEnded = true
	s.sendWindow = int64(c.initialStreamSendWindow)
	c.streams[1] = s
	c.nextStreamID = 3
	c.reserved++
	return s
}

func (c *h2Conn) Version() Version { return HTTP2 }

func (c *h2Conn) tlsState() *tls.ConnectionState { return c.tls }

func (c *h2Conn) Multiplexed() bool { return true }

func (c *h2Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.goingAway
}

func (c *h2Conn) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.goingAway && uint32(c.reserved) < c.peerMaxStreams
}

// Close sends GOAWAY and shuts the connection down.
func (c *h2Conn) Close() error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if connected {
		wg := &writeGoAway{code: http2.ErrCodeNo}
		wg.init()
		if c.queue(wg) == nil {
			wg.wait(c.doneChan)
		}
	}
	err := c.shutdown(http2.ErrCodeNo, net.ErrClosed)
	c.loopWG.Wait()
	c.logger.Debug("H2 connection closed fully.")
	return err
}

func (c *h2Conn) shutdown(_ http2.ErrCode, err error) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		if c.goAwayErr != nil && !errors.Is(err, net.ErrClosed) {
			err = c.goAwayErr
		}
		if err == nil {
			err = io.EOF
		}
		c.fatalError = err
		streams := c.streams
		c.streams = make(map[uint32]*H2Stream)
		for _, s := range streams {
			failure := err
			if s.status == 0 {
				failure = retryable(fmt.Errorf("%w: %w", errConnClosedBeforeResponse, err), false)
			}
			s.failLocked(failure)
			s.closeLocked()
		}
		c.mu.Unlock()

		close(c.doneChan)
		closeErr = c.nc.Close()
		c.opts.counters.Dec(tracker.TCPConnections)
		c.logger.Debug("H2 connection shutdown initiated", zap.Error(err))
	})
	return closeErr
}

func (c *h2Conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatalError != nil {
		return fmt.Errorf("H2 connection closed due to error: %w", c.fatalError)
	}
	return fmt.Errorf("H2 connection closed: %w", net.ErrClosed)
}

func (c *h2Conn) queue(w h2WriteRequest) error {
	select {
	case <-c.doneChan:
		return c.closedErr()
	default:
	}
	select {
	case c.writeChan <- w:
		return nil
	case <-c.doneChan:
		return c.closedErr()
	}
}

func (c *h2Conn) newStream() *H2Stream {
	s := &H2Stream{c: c, heads: newHeadQueue(), recvWindow: c.streamWindow}
	s.cond = sync.NewCond(&c.mu)
	return s
}

func (c *h2Conn) newExchange() (Exchange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.goingAway {
		return nil, retryable(fmt.Errorf("H2 connection is not accepting streams: %w", net.ErrClosed), true)
	}
	if uint32(c.reserved) >= c.peerMaxStreams {
		return nil, retryable(errStreamCapacity, true)
	}
	c.reserved++
	return c.newStream(), nil
}

// -- Streams --

// H2Stream is one exchange on an HTTP/2 connection. Fields below c are
// guarded by c.mu; cond waits on it for send credit and body data.
type H2Stream struct {
	c     *h2Conn
	heads *headQueue
	cond  *sync.Cond

	id          uint32
	sendWindow  int64
	recvWindow  int64
	unacked     int64
	buf         bytes.Buffer
	status      int
	header      http.Header
	trailers    http.Header
	localEnded  bool
	remoteEnded bool
	sendStopped bool
	closed      bool
	err         error
}

func (s *H2Stream) Version() Version { return HTTP2 }

// ID is the stream id, zero until HEADERS were written.
func (s *H2Stream) ID() uint32 {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.id
}

func (s *H2Stream) WriteHeaders(ctx context.Context, head *RequestHead, endStream bool) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	wh := &writeHeaders{stream: s, fields: encodeHeaderFields(head), endStream: endStream}
	wh.init()
	if err := s.c.queue(wh); err != nil {
		return retryable(err, true)
	}
	if err := wh.wait(s.c.doneChan); err != nil {
		var re *retryableError
		if errors.As(err, &re) {
			return err
		}
		return retryable(fmt.Errorf("failed to write HEADERS frame: %w", err), false)
	}
	return nil
}

func (s *H2Stream) WriteBody(ctx context.Context, chunk []byte, last bool) error {
	c := s.c
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		s.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	data := chunk
	for len(data) > 0 || last {
		c.mu.Lock()
		for len(data) > 0 && (c.connSendWindow <= 0 || s.sendWindow <= 0) {
			if err := s.sendBlockedLocked(ctx); err != nil {
				c.mu.Unlock()
				return err
			}
			s.cond.Wait()
		}
		if err := s.sendBlockedLocked(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
		if s.sendStopped {
			c.mu.Unlock()
			return nil
		}

		limit := min(c.connSendWindow, s.sendWindow, int64(c.maxFrameSize))
		n := min(int64(len(data)), limit)
		frame := data[:n]
		data = data[n:]
		endStream := last && len(data) == 0

		c.connSendWindow -= n
		s.sendWindow -= n
		if endStream {
			s.localEnded = true
		}
		c.mu.Unlock()

		wd := &writeData{streamID: s.id, data: frame, endStream: endStream}
		wd.init()
		if err := c.queue(wd); err != nil {
			return err
		}
		if err := wd.wait(c.doneChan); err != nil {
			return fmt.Errorf("failed to write DATA frame: %w", err)
		}
		if endStream {
			c.mu.Lock()
			if s.remoteEnded {
				s.closeLocked()
			}
			c.mu.Unlock()
			return nil
		}
	}
	return nil
}

// sendBlockedLocked reports why the body can no longer be sent.
func (s *H2Stream) sendBlockedLocked(ctx context.Context) error {
	switch {
	case s.sendStopped:
		return nil
	case s.err != nil:
		return s.err
	case !s.c.connected:
		return fmt.Errorf("connection closed while waiting for flow control window: %w", net.ErrClosed)
	case ctx.Err() != nil:
		return context.Cause(ctx)
	}
	return nil
}

func (s *H2Stream) AwaitContinue(ctx context.Context, d time.Duration) (*ResponseHead, error) {
	return s.heads.awaitContinue(ctx, s.c.opts.clock, d)
}

func (s *H2Stream) ReadResponse(ctx context.Context) (*ResponseHead, error) {
	return s.heads.readFinal(ctx)
}

func (s *H2Stream) Body() io.ReadCloser { return &h2Body{s: s} }

func (s *H2Stream) trailer() http.Header {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.trailers
}

// Cancel resets the stream with CANCEL. Sibling streams are unaffected.
func (s *H2Stream) Cancel(cause error) {
	c := s.c
	c.mu.Lock()
	if s.err == nil {
		s.failLocked(cause)
	}
	s.buf.Reset()
	needRST := s.id != 0 && !s.closed && c.connected
	s.closeLocked()
	c.mu.Unlock()
	if needRST {
		c.resetStream(s.id, http2.ErrCodeCancel)
	}
}

// finish resets a stream the peer is still sending on (or still expects a
// body for) and returns its concurrency slot.
func (s *H2Stream) finish() {
	c := s.c
	c.mu.Lock()
	needRST := s.id != 0 && !s.closed && c.connected && !(s.remoteEnded && s.localEnded)
	if s.buf.Len() > 0 {
		c.connUnacked += int64(s.buf.Len())
		s.buf.Reset()
	}
	update := c.connUpdateLocked()
	s.closeLocked()
	c.mu.Unlock()
	if needRST {
		c.resetStream(s.id, http2.ErrCodeCancel)
	}
	c.sendWindowUpdates(update)
}

func (s *H2Stream) reusable() bool { return true }

func (s *H2Stream) failLocked(err error) {
	if s.err == nil {
		s.err = err
	}
	s.heads.fail(err)
	s.cond.Broadcast()
}

func (s *H2Stream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if s.id != 0 {
		delete(s.c.streams, s.id)
	}
	s.c.reserved--
	s.cond.Broadcast()
}

func (c *h2Conn) resetStream(id uint32, code http2.ErrCode) {
	wrst := &writeRSTStream{streamID: id, errCode: code}
	wrst.init()
	if err := c.queue(wrst); err != nil {
		c.logger.Debug("Failed to queue RST_STREAM", zap.Uint32("streamID", id), zap.Error(err))
	}
}

type h2Body struct {
	s *H2Stream
}

func (b *h2Body) Read(p []byte) (int, error) {
	s, c := b.s, b.s.c
	c.mu.Lock()
	for s.buf.Len() == 0 && !s.remoteEnded && s.err == nil {
		s.cond.Wait()
	}
	if s.buf.Len() > 0 {
		n, _ := s.buf.Read(p)
		updates := c.consumedLocked(s, n)
		c.mu.Unlock()
		c.sendWindowUpdates(updates...)
		return n, nil
	}
	err := s.err
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return 0, io.EOF
}

func (b *h2Body) Close() error {
	b.s.finish()
	return nil
}

// consumedLocked returns credit for n body bytes read by the application.
func (c *h2Conn) consumedLocked(s *H2Stream, n int) []*writeWindowUpdate {
	c.connUnacked += int64(n)
	s.unacked += int64(n)
	var updates []*writeWindowUpdate
	if u := c.connUpdateLocked(); u != nil {
		updates = append(updates, u)
	}
	if !s.remoteEnded && !s.closed && s.unacked >= c.streamWindow/2 {
		updates = append(updates, &writeWindowUpdate{streamID: s.id, increment: uint32(s.unacked)})
		s.recvWindow += s.unacked
		s.unacked = 0
	}
	return updates
}

func (c *h2Conn) connUpdateLocked() *writeWindowUpdate {
	if c.connUnacked < c.connWindow/2 || !c.connected {
		return nil
	}
	u := &writeWindowUpdate{streamID: 0, increment: uint32(c.connUnacked)}
	c.connRecvWindow += c.connUnacked
	c.connUnacked = 0
	return u
}

func (c *h2Conn) sendWindowUpdates(updates ...*writeWindowUpdate) {
	for _, u := range updates {
		if u == nil {
			continue
		}
		u.init()
		if err := c.queue(u); err != nil {
			return
		}
	}
}

func encodeHeaderFields(head *RequestHead) []hpack.HeaderField {
	target := head.Target
	if target == "" {
		target = "/"
	}
	fields := []hpack.HeaderField{
		{Name: ":method", Value: head.Method},
		{Name: ":scheme", Value: head.Scheme},
		{Name: ":authority", Value: head.Authority},
		{Name: ":path", Value: target},
	}
	if head.ContentLength > 0 {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(head.ContentLength, 10)})
	}
	if head.ExpectContinue && head.ContentLength != 0 {
		fields = append(fields, hpack.HeaderField{Name: "expect", Value: "100-continue"})
	}

	for k, vv := range head.Header {
		canonicalKey := http.CanonicalHeaderKey(k)
		if canonicalKey == "Host" || canonicalKey == "Content-Length" ||
			canonicalKey == "Connection" || canonicalKey == "Keep-Alive" || canonicalKey == "Proxy-Connection" ||
			canonicalKey == "Transfer-Encoding" || canonicalKey == "Upgrade" || canonicalKey == "Http2-Settings" {
			continue
		}
		if canonicalKey == "Te" && !httpguts.HeaderValuesContainsToken(vv, "trailers") {
			continue
		}

		name := strings.ToLower(k)
		for _, v := range vv {
			if name == "cookie" {
				cookies := strings.Split(v, "; ")
				for _, cookie := range cookies {
					if cookie != "" {
						fields = append(fields, hpack.HeaderField{Name: name, Value: cookie})
					}
				}
			} else {
				fields = append(fields, hpack.HeaderField{Name: name, Value: v})
			}
		}
	}
	return fields
}

// -- Background Loops --

func (c *h2Conn) writeLoop() {
	defer c.loopWG.Done()
	const writeTimeout = 15 * time.Second

	for {
		select {
		case <-c.doneChan:
			c.drainWriteQueue(c.closedErr())
			return
		case req := <-c.writeChan:
			c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := req.writeFrame(c)
			c.nc.SetWriteDeadline(time.Time{})

			if err != nil {
				c.logger.Error("Error writing frame, closing connection", zap.Error(err))
				req.handleError(err)
				c.shutdown(http2.ErrCodeInternal, fmt.Errorf("frame write error: %w", err))
				c.drainWriteQueue(err)
				return
			}
			req.handleError(nil)
		}
	}
}

func (c *h2Conn) drainWriteQueue(err error) {
	for {
		select {
		case req := <-c.writeChan:
			req.handleError(err)
		default:
			return
		}
	}
}

func (c *h2Conn) pingLoop() {
	defer c.loopWG.Done()

	interval := c.opts.h2.PingInterval
	timeout := c.opts.h2.PingTimeout
	if timeout <= 0 {
		timeout = interval
	}

	ticker := c.opts.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.doneChan:
			return
		case <-ticker.C:
			ackChan, err := c.sendPing()
			if err != nil {
				c.logger.Debug("Failed to send H2 PING", zap.Error(err))
				return
			}

			timer := c.opts.clock.Timer(timeout)
			select {
			case <-ackChan:
				timer.Stop()
				c.logger.Debug("H2 PING ACK received")
			case <-timer.C:
				c.logger.Warn("H2 PING timeout, closing connection")
				c.shutdown(http2.ErrCodeNo, fmt.Errorf("PING timeout after %s", timeout))
				return
			case <-c.doneChan:
				timer.Stop()
				return
			}
		}
	}
}

func (c *h2Conn) sendPing() (<-chan struct{}, error) {
	var payload [8]byte
	if _, err := rand.Read(payload[:]); err != nil {
		binary.BigEndian.PutUint64(payload[:], uint64(time.Now().UnixNano()))
	}

	payloadInt := binary.BigEndian.Uint64(payload[:])
	ackChan := make(chan struct{})

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.pingAcks[payloadInt] = ackChan
	c.mu.Unlock()

	wp := &writePing{data: payload, ack: false}
	wp.init()
	if err := c.queue(wp); err != nil {
		c.mu.Lock()
		delete(c.pingAcks, payloadInt)
		c.mu.Unlock()
		return nil, err
	}
	return ackChan, nil
}

func (c *h2Conn) readLoop() {
	defer c.loopWG.Done()

	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				c.streamError(se)
				continue
			}
			if errors.Is(err, io.EOF) {
				c.shutdown(http2.ErrCodeNo, fmt.Errorf("connection closed by peer: %w", io.EOF))
				return
			}
			select {
			case <-c.doneChan:
				return
			default:
			}
			c.logger.Debug("Error reading frame, closing connection", zap.Error(err))
			c.shutdown(http2.ErrCodeInternal, fmt.Errorf("frame read error: %w", err))
			return
		}

		if err := c.processFrame(frame); err != nil {
			c.logger.Error("Error processing frame, closing connection", zap.Error(err))
			errCode := http2.ErrCodeProtocol
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				errCode = http2.ErrCode(ce)
			}
			c.shutdown(errCode, &ProtocolError{Version: HTTP2, Code: uint64(errCode), Name: errCode.String(), Reason: err.Error()})
			return
		}
	}
}

// streamError resets one stream after a local protocol violation.
func (c *h2Conn) streamError(se http2.StreamError) {
	c.logger.Debug("Stream error", zap.Uint32("streamID", se.StreamID), zap.Error(se))
	c.mu.Lock()
	s, ok := c.streams[se.StreamID]
	if ok {
		s.failLocked(&StreamResetError{Version: HTTP2, StreamID: int64(se.StreamID), Code: uint64(se.Code), Name: se.Code.String()})
		s.closeLocked()
	}
	c.mu.Unlock()
	c.resetStream(se.StreamID, se.Code)
}

func (c *h2Conn) processFrame(frame http2.Frame) error {
	streamID := frame.Header().StreamID

	if streamID == 0 {
		return c.processControlFrame(frame)
	}

	c.mu.Lock()
	stream, exists := c.streams[streamID]
	c.mu.Unlock()

	if !exists {
		if frame.Header().Type == http2.FramePushPromise {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		// Data for a stream we already abandoned still consumed
		// connection credit.
		if f, ok := frame.(*http2.DataFrame); ok && f.Header().Length > 0 {
			c.mu.Lock()
			c.connRecvWindow -= int64(f.Header().Length)
			c.connUnacked += int64(f.Header().Length)
			update := c.connUpdateLocked()
			c.mu.Unlock()
			c.sendWindowUpdates(update)
		}
		return nil
	}

	var err error
	switch f := frame.(type) {
	case *http2.MetaHeadersFrame:
		err = c.processHeadersFrame(stream, f)
	case *http2.DataFrame:
		err = c.processDataFrame(stream, f)
	case *http2.RSTStreamFrame:
		c.processRSTStreamFrame(stream, f)
	case *http2.WindowUpdateFrame:
		err = c.processWindowUpdateFrame(stream, f)
	case *http2.PriorityFrame:
		// RFC 9113 Section 5.3.2: Priority scheme deprecated.
	default:
	}

	var se http2.StreamError
	if errors.As(err, &se) {
		c.streamError(se)
		return nil
	}
	return err
}

func (c *h2Conn) processControlFrame(frame http2.Frame) error {
	switch f := frame.(type) {
	case *http2.SettingsFrame:
		return c.processSettingsFrame(f)
	case *http2.PingFrame:
		return c.processPingFrame(f)
	case *http2.GoAwayFrame:
		c.processGoAwayFrame(f)
		return nil
	case *http2.WindowUpdateFrame:
		return c.processWindowUpdateFrame(nil, f)
	default:
		switch f.Header().Type {
		case http2.FrameData, http2.FrameHeaders, http2.FramePriority, http2.FrameRSTStream, http2.FramePushPromise, http2.FrameContinuation:
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return nil
	}
}

func (c *h2Conn) processSettingsFrame(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}

	c.mu.Lock()
	var tableSize *uint32
	err := f.ForeachSetting(func(setting http2.Setting) error {
		switch setting.ID {
		case http2.SettingInitialWindowSize:
			if setting.Val > math.MaxInt32 {
				return http2.ConnectionError(http2.ErrCodeFlowControl)
			}
			newWindowSize := int32(setting.Val)
			delta := int64(newWindowSize) - int64(c.initialStreamSendWindow)
			c.initialStreamSendWindow = newWindowSize

			for _, stream := range c.streams {
				stream.sendWindow += delta
				stream.cond.Broadcast()
			}
		case http2.SettingMaxFrameSize:
			if setting.Val < DefaultH2MaxFrameSize || setting.Val > (1<<24-1) {
				return http2.ConnectionError(http2.ErrCodeProtocol)
			}
			c.maxFrameSize = setting.Val
		case http2.SettingMaxConcurrentStreams:
			c.peerMaxStreams = setting.Val
		case http2.SettingHeaderTableSize:
			v := setting.Val
			tableSize = &v
		}
		return nil
	})
	c.mu.Unlock()

	if err != nil {
		return err
	}

	ws := &writeSettings{isAck: true, headerTableSize: tableSize}
	ws.init()
	if err := c.queue(ws); err != nil {
		c.logger.Debug("Failed to queue SETTINGS ACK", zap.Error(err))
	}
	return nil
}

func (c *h2Conn) processPingFrame(f *http2.PingFrame) error {
	if f.IsAck() {
		payloadInt := binary.BigEndian.Uint64(f.Data[:])
		c.mu.Lock()
		if ackChan, exists := c.pingAcks[payloadInt]; exists {
			close(ackChan)
			delete(c.pingAcks, payloadInt)
		}
		c.mu.Unlock()
		return nil
	}
	wp := &writePing{data: f.Data, ack: true}
	wp.init()
	if err := c.queue(wp); err != nil {
		c.logger.Debug("Failed to queue PING ACK", zap.Error(err))
	}
	return nil
}

// processGoAwayFrame retires the connection. Streams above the last
// processed id never reached the application and fail retryably; the
// rest run to completion.
func (c *h2Conn) processGoAwayFrame(f *http2.GoAwayFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.goingAway = true
	if f.ErrCode != http2.ErrCodeNo {
		c.goAwayErr = &ProtocolError{Version: HTTP2, Code: uint64(f.ErrCode), Name: f.ErrCode.String(), Reason: string(f.DebugData())}
	}
	c.logger.Debug("Received GOAWAY", zap.Uint32("lastStreamID", f.LastStreamID), zap.Stringer("code", f.ErrCode))

	for id, s := range c.streams {
		if id > f.LastStreamID {
			s.failLocked(retryable(fmt.Errorf("stream %d not processed: server sent GOAWAY (last stream %d, %s)", id, f.LastStreamID, f.ErrCode), true))
			s.closeLocked()
		}
	}
}

func (c *h2Conn) processRSTStreamFrame(s *H2Stream, f *http2.RSTStreamFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.remoteEnded {
		// Response complete: only stop sending the request body.
		s.sendStopped = true
		s.closeLocked()
		return
	}
	var err error = &StreamResetError{Version: HTTP2, StreamID: int64(s.id), Code: uint64(f.ErrCode), Name: f.ErrCode.String(), Remote: true}
	if f.ErrCode == http2.ErrCodeRefusedStream {
		err = retryable(err, true)
	}
	s.failLocked(err)
	s.closeLocked()
}

func (c *h2Conn) processWindowUpdateFrame(stream *H2Stream, f *http2.WindowUpdateFrame) error {
	increment := f.Increment
	if increment == 0 {
		if stream == nil {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return http2.StreamError{StreamID: stream.id, Code: http2.ErrCodeProtocol}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if stream == nil {
		if c.connSendWindow > math.MaxInt32-int64(increment) {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		c.connSendWindow += int64(increment)
		for _, s := range c.streams {
			s.cond.Broadcast()
		}
		return nil
	}

	if stream.sendWindow > math.MaxInt32-int64(increment) {
		return http2.StreamError{StreamID: stream.id, Code: http2.ErrCodeFlowControl}
	}
	stream.sendWindow += int64(increment)
	stream.cond.Broadcast()
	return nil
}

func (c *h2Conn) processHeadersFrame(s *H2Stream, f *http2.MetaHeadersFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.status != 0 {
		// Trailers must end the stream and carry no pseudo-headers.
		if !f.StreamEnded() || f.PseudoValue("status") != "" {
			return http2.StreamError{StreamID: s.id, Code: http2.ErrCodeProtocol}
		}
		s.trailers = make(http.Header)
		for _, hf := range f.RegularFields() {
			s.trailers.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
		}
		c.remoteEndLocked(s)
		return nil
	}

	status, err := strconv.Atoi(f.PseudoValue("status"))
	if err != nil || status < 100 || status > 999 {
		return http2.StreamError{StreamID: s.id, Code: http2.ErrCodeProtocol}
	}
	header := make(http.Header)
	for _, hf := range f.RegularFields() {
		header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}

	if status < 200 {
		if f.StreamEnded() {
			return http2.StreamError{StreamID: s.id, Code: http2.ErrCodeProtocol}
		}
		s.heads.push(&ResponseHead{StatusCode: status, Header: header, ContentLength: -1})
		return nil
	}

	contentLength := int64(-1)
	if cl := header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			contentLength = n
		}
	}
	if f.StreamEnded() && contentLength < 0 {
		contentLength = 0
	}
	s.status = status
	s.header = header
	s.heads.push(&ResponseHead{StatusCode: status, Header: header, ContentLength: contentLength})
	if f.StreamEnded() {
		c.remoteEndLocked(s)
	}
	return nil
}

func (c *h2Conn) processDataFrame(s *H2Stream, f *http2.DataFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.status == 0 {
		return http2.StreamError{StreamID: s.id, Code: http2.ErrCodeProtocol}
	}

	// Padding counts against flow control.
	frameLen := int64(f.Header().Length)
	data := f.Data()
	if frameLen > 0 {
		if c.connRecvWindow < frameLen {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		if s.recvWindow < frameLen {
			return http2.StreamError{StreamID: s.id, Code: http2.ErrCodeFlowControl}
		}
		c.connRecvWindow -= frameLen
		s.recvWindow -= frameLen
		if pad := frameLen - int64(len(data)); pad > 0 {
			c.connUnacked += pad
			s.unacked += pad
		}
	}

	if s.err == nil && len(data) > 0 {
		s.buf.Write(data)
		s.cond.Broadcast()
	} else if len(data) > 0 {
		// Body already abandoned; hand the credit straight back.
		c.connUnacked += int64(len(data))
	}
	if f.StreamEnded() {
		c.remoteEndLocked(s)
	}
	return nil
}

func (c *h2Conn) remoteEndLocked(s *H2Stream) {
	s.remoteEnded = true
	s.cond.Broadcast()
	if s.localEnded {
		s.closeLocked()
	}
}

// -- Write Request Implementations --

type baseWriteRequest struct {
	doneChan chan error
}

func (b *baseWriteRequest) init() {
	b.doneChan = make(chan error, 1)
}

func (b *baseWriteRequest) handleError(err error) {
	select {
	case b.doneChan <- err:
	default:
	}
}

// wait returns the write result, or an error once the connection is gone
// and the request can no longer be processed.
func (b *baseWriteRequest) wait(connDone <-chan struct{}) error {
	select {
	case err := <-b.doneChan:
		return err
	case <-connDone:
		select {
		case err := <-b.doneChan:
			return err
		default:
			return fmt.Errorf("connection closed: %w", net.ErrClosed)
		}
	}
}

type writeSettings struct {
	baseWriteRequest
	settings        []http2.Setting
	isAck           bool
	headerTableSize *uint32
}

func (w *writeSettings) writeFrame(c *h2Conn) error {
	if w.headerTableSize != nil {
		c.hpEncoder.SetMaxDynamicTableSize(*w.headerTableSize)
	}
	if w.isAck {
		return c.framer.WriteSettingsAck()
	}
	return c.framer.WriteSettings(w.settings...)
}

type writeWindowUpdate struct {
	baseWriteRequest
	streamID  uint32
	increment uint32
}

func (w *writeWindowUpdate) writeFrame(c *h2Conn) error {
	return c.framer.WriteWindowUpdate(w.streamID, w.increment)
}

type writePing struct {
	baseWriteRequest
	data [8]byte
	ack  bool
}

func (w *writePing) writeFrame(c *h2Conn) error {
	return c.framer.WritePing(w.ack, w.data)
}

type writeRSTStream struct {
	baseWriteRequest
	streamID uint32
	errCode  http2.ErrCode
}

func (w *writeRSTStream) writeFrame(c *h2Conn) error {
	return c.framer.WriteRSTStream(w.streamID, w.errCode)
}

// writeHeaders opens a stream. The id is allocated here, in write order,
// and the block is HPACK-encoded by the single writer.
type writeHeaders struct {
	baseWriteRequest
	stream    *H2Stream
	fields    []hpack.HeaderField
	endStream bool
}

func (w *writeHeaders) writeFrame(c *h2Conn) error {
	s := w.stream
	c.mu.Lock()
	switch {
	case s.err != nil:
		c.mu.Unlock()
		// Refused before anything was written; the connection is fine.
		w.handleError(s.err)
		return nil
	case !c.connected || c.goingAway || c.nextStreamID > maxH2StreamID:
		c.goingAway = true
		c.mu.Unlock()
		w.handleError(retryable(fmt.Errorf("H2 connection stopped accepting streams: %w", net.ErrClosed), true))
		return nil
	}
	s.id = c.nextStreamID
	c.nextStreamID += 2
	s.sendWindow = int64(c.initialStreamSendWindow)
	s.localEnded = w.endStream
	c.streams[s.id] = s
	maxFrameSize := c.maxFrameSize
	c.mu.Unlock()

	c.hpackBuf.Reset()
	for _, hf := range w.fields {
		c.hpEncoder.WriteField(hf)
	}
	headerBlock := c.hpackBuf.Bytes()

	// Handle fragmentation (CONTINUATION frames).
	if uint32(len(headerBlock)) <= maxFrameSize {
		return c.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      s.id,
			BlockFragment: headerBlock,
			EndStream:     w.endStream,
			EndHeaders:    true,
		})
	}

	chunk := headerBlock[:maxFrameSize]
	headerBlock = headerBlock[maxFrameSize:]
	err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      s.id,
		BlockFragment: chunk,
		EndStream:     w.endStream,
		EndHeaders:    false,
	})
	if err != nil {
		return err
	}

	for len(headerBlock) > 0 {
		chunkSize := uint32(len(headerBlock))
		endHeaders := false
		if chunkSize > maxFrameSize {
			chunkSize = maxFrameSize
		} else {
			endHeaders = true
		}

		chunk := headerBlock[:chunkSize]
		headerBlock = headerBlock[chunkSize:]

		if err := c.framer.WriteContinuation(s.id, endHeaders, chunk); err != nil {
			return err
		}
	}
	return nil
}

type writeData struct {
	baseWriteRequest
	streamID  uint32
	data      []byte
	endStream bool
}

func (w *writeData) writeFrame(c *h2Conn) error {
	return c.framer.WriteData(w.streamID, w.endStream, w.data)
}

type writeGoAway struct {
	baseWriteRequest
	maxStreamID uint32
	code        http2.ErrCode
	debugData   []byte
}

func (w *writeGoAway) writeFrame(c *h2Conn) error {
	return c.framer.WriteGoAway(w.maxStreamID, w.code, w.debugData)
}
