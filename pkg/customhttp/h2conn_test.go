package customhttp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// peerFrame is a copy of the parts of a frame the tests inspect. Framer
// buffers are reused, so nothing here aliases them.
type peerFrame struct {
	typ       http2.FrameType
	streamID  uint32
	endStream bool
	ack       bool
	fields    map[string]string
	data      []byte
	code      http2.ErrCode
	increment uint32
}

// h2Peer is the server side of an in-memory HTTP/2 connection.
type h2Peer struct {
	t      *testing.T
	nc     net.Conn
	fr     *http2.Framer
	enc    *hpack.Encoder
	encBuf bytes.Buffer
	frames chan peerFrame
	done   chan struct{}
}

// newH2Pair starts an h2Conn against a scripted peer that advertises
// settings. It returns once the client acknowledged them.
func newH2Pair(t *testing.T, settings ...http2.Setting) (*h2Conn, *h2Peer) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	conn := newH2Conn(clientSide, nil, nil, connOptions{logger: zaptest.NewLogger(t)})

	p := &h2Peer{
		t:      t,
		nc:     serverSide,
		fr:     http2.NewFramer(serverSide, serverSide),
		frames: make(chan peerFrame, 64),
		done:   make(chan struct{}),
	}
	p.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	p.enc = hpack.NewEncoder(&p.encBuf)

	started := make(chan error, 1)
	go func() { started <- conn.start() }()

	preface := make([]byte, len(http2.ClientPreface))
	_, err := io.ReadFull(serverSide, preface)
	require.NoError(t, err)
	require.Equal(t, http2.ClientPreface, string(preface))

	f, err := p.fr.ReadFrame()
	require.NoError(t, err)
	sf, ok := f.(*http2.SettingsFrame)
	require.True(t, ok, "expected SETTINGS, got %T", f)
	v, ok := sf.Value(http2.SettingEnablePush)
	require.True(t, ok)
	assert.Zero(t, v, "client must disable push")

	f, err = p.fr.ReadFrame()
	require.NoError(t, err)
	wu, ok := f.(*http2.WindowUpdateFrame)
	require.True(t, ok, "expected WINDOW_UPDATE, got %T", f)
	assert.Equal(t, uint32(TargetH2ConnWindowSize-DefaultH2InitialWindowSize), wu.Increment)
	require.NoError(t, <-started)

	require.NoError(t, p.fr.WriteSettings(settings...))
	for {
		f, err := p.fr.ReadFrame()
		require.NoError(t, err)
		if sf, ok := f.(*http2.SettingsFrame); ok && sf.IsAck() {
			break
		}
	}

	go p.readLoop()
	t.Cleanup(func() {
		conn.Close()
		serverSide.Close()
		<-p.done
	})
	return conn, p
}

func (p *h2Peer) readLoop() {
	defer close(p.done)
	defer close(p.frames)
	for {
		f, err := p.fr.ReadFrame()
		if err != nil {
			return
		}
		pf := peerFrame{typ: f.Header().Type, streamID: f.Header().StreamID}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			pf.endStream = f.StreamEnded()
			pf.fields = make(map[string]string)
			for _, hf := range f.Fields {
				pf.fields[hf.Name] = hf.Value
			}
		case *http2.DataFrame:
			pf.endStream = f.StreamEnded()
			pf.data = append([]byte(nil), f.Data()...)
		case *http2.SettingsFrame:
			pf.ack = f.IsAck()
		case *http2.RSTStreamFrame:
			pf.code = f.ErrCode
		case *http2.GoAwayFrame:
			pf.code = f.ErrCode
		case *http2.WindowUpdateFrame:
			pf.increment = f.Increment
		}
		p.frames <- pf
	}
}

// next returns the next frame of type typ, skipping others.
func (p *h2Peer) next(typ http2.FrameType) peerFrame {
	p.t.Helper()
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-p.frames:
			require.True(p.t, ok, "connection closed while waiting for %s", typ)
			if f.typ == typ {
				return f
			}
		case <-timer.C:
			p.t.Fatalf("timed out waiting for %s frame", typ)
		}
	}
}

func (p *h2Peer) writeHeaders(streamID uint32, endStream bool, kv ...string) {
	p.t.Helper()
	p.encBuf.Reset()
	for i := 0; i+1 < len(kv); i += 2 {
		require.NoError(p.t, p.enc.WriteField(hpack.HeaderField{Name: kv[i], Value: kv[i+1]}))
	}
	require.NoError(p.t, p.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: p.encBuf.Bytes(),
		EndStream:     endStream,
		EndHeaders:    true,
	}))
}

func getHead(path string) *RequestHead {
	return &RequestHead{
		Method:    http.MethodGet,
		Scheme:    "https",
		Authority: "example.com",
		Target:    path,
		Header:    http.Header{"X-Test": {"1"}},
	}
}

// openStream writes a GET on a new stream and returns it with its id.
func openStream(t *testing.T, conn *h2Conn, p *h2Peer, path string) (*H2Stream, uint32) {
	t.Helper()
	ex, err := conn.newExchange()
	require.NoError(t, err)
	s := ex.(*H2Stream)
	require.NoError(t, s.WriteHeaders(context.Background(), getHead(path), true))
	f := p.next(http2.FrameHeaders)
	require.Equal(t, path, f.fields[":path"])
	return s, f.streamID
}

func TestH2Conn_GetRoundTrip(t *testing.T) {
	conn, p := newH2Pair(t)

	ex, err := conn.newExchange()
	require.NoError(t, err)
	require.NoError(t, ex.WriteHeaders(context.Background(), getHead("/hello"), true))

	f := p.next(http2.FrameHeaders)
	assert.Equal(t, uint32(1), f.streamID)
	assert.True(t, f.endStream)
	assert.Equal(t, "GET", f.fields[":method"])
	assert.Equal(t, "https", f.fields[":scheme"])
	assert.Equal(t, "example.com", f.fields[":authority"])
	assert.Equal(t, "/hello", f.fields[":path"])
	assert.Equal(t, "1", f.fields["x-test"])

	p.writeHeaders(1, false, ":status", "200", "content-type", "text/plain", "content-length", "5")
	require.NoError(t, p.fr.WriteData(1, true, []byte("hello")))

	head, err := ex.ReadResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, head.StatusCode)
	assert.Equal(t, int64(5), head.ContentLength)
	assert.Equal(t, "text/plain", head.Header.Get("Content-Type"))

	body := ex.Body()
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	require.NoError(t, body.Close())

	assert.True(t, conn.Alive())
	assert.True(t, conn.Available())
}

func TestH2Conn_Trailers(t *testing.T) {
	conn, p := newH2Pair(t)
	s, id := openStream(t, conn, p, "/trailers")

	p.writeHeaders(id, false, ":status", "200")
	require.NoError(t, p.fr.WriteData(id, false, []byte("ab")))
	p.writeHeaders(id, true, "x-checksum", "42")

	_, err := s.ReadResponse(context.Background())
	require.NoError(t, err)
	b, err := io.ReadAll(s.Body())
	require.NoError(t, err)
	assert.Equal(t, "ab", string(b))
	assert.Equal(t, "42", s.trailer().Get("X-Checksum"))
}

func TestH2Conn_InterimResponsesAreSkipped(t *testing.T) {
	conn, p := newH2Pair(t)
	s, id := openStream(t, conn, p, "/early-hints")

	p.writeHeaders(id, false, ":status", "103", "link", "</style.css>; rel=preload")
	p.writeHeaders(id, true, ":status", "204")

	head, err := s.ReadResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 204, head.StatusCode)
	assert.Equal(t, int64(0), head.ContentLength)
}

func TestH2Conn_ResetIsolatesStream(t *testing.T) {
	conn, p := newH2Pair(t)
	s1, id1 := openStream(t, conn, p, "/one")
	s3, id3 := openStream(t, conn, p, "/three")
	require.Equal(t, uint32(1), id1)
	require.Equal(t, uint32(3), id3)

	require.NoError(t, p.fr.WriteRSTStream(id1, http2.ErrCodeInternal))

	_, err := s1.ReadResponse(context.Background())
	var sre *StreamResetError
	require.ErrorAs(t, err, &sre)
	assert.Equal(t, "INTERNAL_ERROR", sre.Name)
	assert.Equal(t, int64(1), sre.StreamID)
	assert.True(t, sre.Remote)
	assert.Equal(t, HTTP2, sre.Version)
	_, isRetryable := asRetryable(err)
	assert.False(t, isRetryable)

	p.writeHeaders(id3, true, ":status", "200")
	head, err := s3.ReadResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, head.StatusCode)
	assert.True(t, conn.Alive(), "a stream reset must not affect the connection")
}

func TestH2Conn_ResetAfterContinue(t *testing.T) {
	for _, code := range []http2.ErrCode{http2.ErrCodeNo, http2.ErrCodeProtocol} {
		t.Run(code.String(), func(t *testing.T) {
			conn, p := newH2Pair(t)
			ex, err := conn.newExchange()
			require.NoError(t, err)

			head := &RequestHead{
				Method:         http.MethodPost,
				Scheme:         "https",
				Authority:      "example.com",
				Target:         "/upload",
				Header:         http.Header{},
				ContentLength:  5,
				ExpectContinue: true,
			}
			errc := make(chan error, 1)
			go func() {
				_, err := roundTrip(context.Background(), ex, head, mustOpen(t, StringBody("hello")), time.Second)
				errc <- err
			}()

			f := p.next(http2.FrameHeaders)
			assert.False(t, f.endStream)
			assert.Equal(t, "POST", f.fields[":method"])
			p.writeHeaders(f.streamID, false, ":status", "100")
			require.NoError(t, p.fr.WriteRSTStream(f.streamID, code))

			var rtErr error
			select {
			case rtErr = <-errc:
			case <-time.After(5 * time.Second):
				t.Fatal("round trip did not fail after reset")
			}
			var sre *StreamResetError
			require.ErrorAs(t, rtErr, &sre)
			assert.Equal(t, uint64(code), sre.Code)
			assert.True(t, sre.Remote)
			assert.True(t, conn.Alive(), "a stream reset leaves the connection up")
		})
	}
}

func TestH2Conn_RefusedStreamIsRetryable(t *testing.T) {
	conn, p := newH2Pair(t)
	s, id := openStream(t, conn, p, "/refused")

	require.NoError(t, p.fr.WriteRSTStream(id, http2.ErrCodeRefusedStream))

	_, err := s.ReadResponse(context.Background())
	re, ok := asRetryable(err)
	require.True(t, ok, "REFUSED_STREAM must be retryable: %v", err)
	assert.True(t, re.unsent)
	var sre *StreamResetError
	require.ErrorAs(t, err, &sre)
	assert.Equal(t, "REFUSED_STREAM", sre.Name)
}

func TestH2Conn_GoAwayFailsUnprocessedStreams(t *testing.T) {
	conn, p := newH2Pair(t)
	s1, id1 := openStream(t, conn, p, "/kept")
	s3, _ := openStream(t, conn, p, "/dropped")

	require.NoError(t, p.fr.WriteGoAway(id1, http2.ErrCodeNo, nil))

	_, err := s3.ReadResponse(context.Background())
	re, ok := asRetryable(err)
	require.True(t, ok, "streams above the GOAWAY id must be retryable: %v", err)
	assert.True(t, re.unsent)

	assert.False(t, conn.Alive())
	assert.False(t, conn.Available())
	_, err = conn.newExchange()
	re, ok = asRetryable(err)
	require.True(t, ok)
	assert.True(t, re.unsent)

	// Streams at or below the last id still complete.
	p.writeHeaders(id1, true, ":status", "200")
	head, err := s1.ReadResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, head.StatusCode)
}

func TestH2Conn_GoAwayWithErrorFailsConnection(t *testing.T) {
	conn, p := newH2Pair(t)
	s, _ := openStream(t, conn, p, "/x")

	require.NoError(t, p.fr.WriteGoAway(0, http2.ErrCodeEnhanceYourCalm, []byte("slow down")))
	_, err := s.ReadResponse(context.Background())
	require.Error(t, err)

	p.nc.Close()
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.fatalError != nil
	}, 5*time.Second, 10*time.Millisecond)

	conn.mu.Lock()
	fatal := conn.fatalError
	conn.mu.Unlock()
	var pe *ProtocolError
	require.ErrorAs(t, fatal, &pe)
	assert.Equal(t, "ENHANCE_YOUR_CALM", pe.Name)
	assert.Equal(t, "slow down", pe.Reason)
}

func TestH2Conn_SendFlowControl(t *testing.T) {
	conn, p := newH2Pair(t, http2.Setting{ID: http2.SettingInitialWindowSize, Val: 10})

	ex, err := conn.newExchange()
	require.NoError(t, err)
	payload := []byte("abcdefghijklmnopqrstuvwxy")
	head := &RequestHead{
		Method:        http.MethodPost,
		Scheme:        "https",
		Authority:     "example.com",
		Target:        "/upload",
		ContentLength: int64(len(payload)),
	}
	require.NoError(t, ex.WriteHeaders(context.Background(), head, false))
	hf := p.next(http2.FrameHeaders)
	assert.False(t, hf.endStream)
	assert.Equal(t, "25", hf.fields["content-length"])

	written := make(chan error, 1)
	go func() { written <- ex.WriteBody(context.Background(), payload, true) }()

	first := p.next(http2.FrameData)
	assert.Equal(t, payload[:10], first.data)
	assert.False(t, first.endStream)

	select {
	case f := <-p.frames:
		t.Fatalf("client exceeded the stream window: got %s frame", f.typ)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.fr.WriteWindowUpdate(hf.streamID, 10))
	second := p.next(http2.FrameData)
	assert.Equal(t, payload[10:20], second.data)

	require.NoError(t, p.fr.WriteWindowUpdate(hf.streamID, 100))
	third := p.next(http2.FrameData)
	assert.Equal(t, payload[20:], third.data)
	assert.True(t, third.endStream)

	require.NoError(t, <-written)
}

func TestH2Conn_CancelSendsRST(t *testing.T) {
	conn, p := newH2Pair(t)
	s, id := openStream(t, conn, p, "/cancel")

	s.Cancel(ErrCancelled)

	f := p.next(http2.FrameRSTStream)
	assert.Equal(t, id, f.streamID)
	assert.Equal(t, http2.ErrCodeCancel, f.code)

	_, err := s.ReadResponse(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, conn.Alive())
}

func TestH2Conn_ReadResponseHonoursContext(t *testing.T) {
	conn, p := newH2Pair(t)
	s, _ := openStream(t, conn, p, "/slow")

	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("caller gave up")
	cancel(cause)
	_, err := s.ReadResponse(ctx)
	assert.ErrorIs(t, err, cause)
}

func TestH2Conn_PeerCloseBeforeResponse(t *testing.T) {
	conn, p := newH2Pair(t)
	s, _ := openStream(t, conn, p, "/gone")

	p.nc.Close()

	_, err := s.ReadResponse(context.Background())
	re, ok := asRetryable(err)
	require.True(t, ok, "close before any response must be retryable: %v", err)
	assert.False(t, re.unsent, "the request was written, so the peer may have seen it")
	assert.ErrorIs(t, err, errConnClosedBeforeResponse)
	require.Eventually(t, func() bool { return !conn.Alive() }, 5*time.Second, 10*time.Millisecond)
}

func TestH2Conn_MaxConcurrentStreams(t *testing.T) {
	conn, _ := newH2Pair(t, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 1})

	ex, err := conn.newExchange()
	require.NoError(t, err)
	assert.False(t, conn.Available())

	_, err = conn.newExchange()
	assert.ErrorIs(t, err, errStreamCapacity)

	ex.Cancel(ErrCancelled)
	assert.True(t, conn.Available())
}

func TestH2cSettingsHeader(t *testing.T) {
	got := h2cSettingsHeader(connOptions{h2StreamWindow: 1 << 20})
	// ENABLE_PUSH=0, INITIAL_WINDOW_SIZE=1MiB.
	assert.Equal(t, "AAIAAAAAAAQAEAAA", got)
}
