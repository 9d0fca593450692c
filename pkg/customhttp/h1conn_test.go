package customhttp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// h1Server is the far end of an in-memory HTTP/1.1 connection.
type h1Server struct {
	nc net.Conn
	br *bufio.Reader
}

func newH1Pair(t *testing.T) (*h1Conn, *h1Server) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	conn := newH1Conn(clientSide, nil, connOptions{logger: zaptest.NewLogger(t)})
	t.Cleanup(func() {
		conn.Close()
		serverSide.Close()
	})
	return conn, &h1Server{nc: serverSide, br: bufio.NewReader(serverSide)}
}

// serve answers n requests with handle, forwarding each parsed request
// and its body.
func (s *h1Server) serve(n int, handle func(req *http.Request, body []byte, w io.Writer)) <-chan *http.Request {
	seen := make(chan *http.Request, n)
	go func() {
		defer close(seen)
		for i := 0; i < n; i++ {
			req, err := http.ReadRequest(s.br)
			if err != nil {
				return
			}
			body, _ := io.ReadAll(req.Body)
			seen <- req
			handle(req, body, s.nc)
		}
	}()
	return seen
}

func getH1Head(path string) *RequestHead {
	return &RequestHead{Method: http.MethodGet, Scheme: "http", Authority: "example.com", Target: path, Header: http.Header{}}
}

func TestH1Conn_KeepAliveReuse(t *testing.T) {
	conn, srv := newH1Pair(t)
	seen := srv.serve(2, func(_ *http.Request, _ []byte, w io.Writer) {
		fmt.Fprint(w, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	})

	for i := 0; i < 2; i++ {
		ex, err := conn.newExchange()
		require.NoError(t, err)
		require.False(t, conn.Available(), "one exchange at a time")

		require.NoError(t, ex.WriteHeaders(context.Background(), getH1Head(fmt.Sprintf("/r%d", i)), true))
		head, err := ex.ReadResponse(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 200, head.StatusCode)
		assert.Equal(t, int64(2), head.ContentLength)

		b, err := io.ReadAll(ex.Body())
		require.NoError(t, err)
		assert.Equal(t, "ok", string(b))
		require.NoError(t, ex.Body().Close())

		assert.True(t, ex.reusable())
		ex.finish()
		assert.True(t, conn.Available())
		assert.True(t, conn.Alive())

		req := <-seen
		assert.Equal(t, fmt.Sprintf("/r%d", i), req.RequestURI)
		assert.Equal(t, "example.com", req.Host)
	}
}

func TestH1Conn_BusyConnectionRejectsSecondExchange(t *testing.T) {
	conn, _ := newH1Pair(t)
	_, err := conn.newExchange()
	require.NoError(t, err)
	_, err = conn.newExchange()
	assert.Error(t, err)
}

func TestH1Conn_ConnectionCloseIsNotReusable(t *testing.T) {
	conn, srv := newH1Pair(t)
	srv.serve(1, func(_ *http.Request, _ []byte, w io.Writer) {
		fmt.Fprint(w, "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
	})

	ex, err := conn.newExchange()
	require.NoError(t, err)
	require.NoError(t, ex.WriteHeaders(context.Background(), getH1Head("/"), true))
	_, err = ex.ReadResponse(context.Background())
	require.NoError(t, err)
	require.NoError(t, ex.Body().Close())
	assert.False(t, ex.reusable())
}

func TestH1Conn_EmptyBodyIsReusableWithoutReading(t *testing.T) {
	conn, srv := newH1Pair(t)
	srv.serve(1, func(_ *http.Request, _ []byte, w io.Writer) {
		fmt.Fprint(w, "HTTP/1.1 204 No Content\r\n\r\n")
	})

	ex, err := conn.newExchange()
	require.NoError(t, err)
	require.NoError(t, ex.WriteHeaders(context.Background(), getH1Head("/"), true))
	head, err := ex.ReadResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 204, head.StatusCode)
	require.NoError(t, ex.Body().Close())
	assert.True(t, ex.reusable())
	assert.True(t, conn.Alive())
}

func TestH1Conn_ChunkedRequestBody(t *testing.T) {
	conn, srv := newH1Pair(t)
	type got struct {
		te   []string
		body string
	}
	bodies := make(chan got, 1)
	srv.serve(1, func(req *http.Request, body []byte, w io.Writer) {
		bodies <- got{te: req.TransferEncoding, body: string(body)}
		fmt.Fprint(w, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\nX-Sum: 3\r\n\r\n")
	})

	ex, err := conn.newExchange()
	require.NoError(t, err)
	head := &RequestHead{Method: http.MethodPost, Scheme: "http", Authority: "example.com", Target: "/upload", Header: http.Header{}, ContentLength: -1}
	ctx := context.Background()
	require.NoError(t, ex.WriteHeaders(ctx, head, false))
	require.NoError(t, ex.WriteBody(ctx, []byte("hello "), false))
	require.NoError(t, ex.WriteBody(ctx, []byte("world"), false))
	require.NoError(t, ex.WriteBody(ctx, nil, true))

	g := <-bodies
	assert.Equal(t, []string{"chunked"}, g.te)
	assert.Equal(t, "hello world", g.body)

	resp, err := ex.ReadResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), resp.ContentLength)
	b, err := io.ReadAll(ex.Body())
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
	assert.Equal(t, "3", ex.trailer().Get("X-Sum"))
	assert.True(t, ex.reusable())
}

func TestH1Conn_ExpectContinueAccepted(t *testing.T) {
	conn, srv := newH1Pair(t)
	received := make(chan string, 1)
	go func() {
		req, err := http.ReadRequest(srv.br)
		if err != nil {
			return
		}
		if req.Header.Get("Expect") != "100-continue" {
			return
		}
		fmt.Fprint(srv.nc, "HTTP/1.1 100 Continue\r\n\r\n")
		body, _ := io.ReadAll(req.Body)
		received <- string(body)
		fmt.Fprint(srv.nc, "HTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n")
	}()

	ex, err := conn.newExchange()
	require.NoError(t, err)
	head := &RequestHead{Method: http.MethodPut, Scheme: "http", Authority: "example.com", Target: "/doc", Header: http.Header{}, ContentLength: 5, ExpectContinue: true}
	resp, err := roundTrip(context.Background(), ex, head, mustOpen(t, StringBody("hello")), 0)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "hello", <-received)
}

func TestH1Conn_ExpectContinueRejected(t *testing.T) {
	conn, srv := newH1Pair(t)
	go func() {
		if _, err := http.ReadRequest(srv.br); err != nil {
			return
		}
		fmt.Fprint(srv.nc, "HTTP/1.1 417 Expectation Failed\r\nContent-Length: 0\r\n\r\n")
	}()

	ex, err := conn.newExchange()
	require.NoError(t, err)
	head := &RequestHead{Method: http.MethodPut, Scheme: "http", Authority: "example.com", Target: "/doc", Header: http.Header{}, ContentLength: 5, ExpectContinue: true}
	resp, err := roundTrip(context.Background(), ex, head, mustOpen(t, StringBody("hello")), 0)
	require.NoError(t, err)
	assert.Equal(t, 417, resp.StatusCode)
	assert.False(t, ex.reusable(), "the unsent body leaves the connection in an unknown state")
}

func TestH1Conn_PeerCloseBeforeResponse(t *testing.T) {
	conn, srv := newH1Pair(t)
	go func() {
		if _, err := http.ReadRequest(srv.br); err == nil {
			srv.nc.Close()
		}
	}()

	ex, err := conn.newExchange()
	require.NoError(t, err)
	require.NoError(t, ex.WriteHeaders(context.Background(), getH1Head("/"), true))
	_, err = ex.ReadResponse(context.Background())
	re, ok := asRetryable(err)
	require.True(t, ok, "close before any response byte must be retryable: %v", err)
	assert.False(t, re.unsent)
	assert.ErrorIs(t, err, errConnClosedBeforeResponse)
	assert.False(t, conn.Alive())
}

func TestH1Conn_TruncatedResponseIsNotRetryable(t *testing.T) {
	conn, srv := newH1Pair(t)
	go func() {
		if _, err := http.ReadRequest(srv.br); err == nil {
			fmt.Fprint(srv.nc, "HTTP/1.1 200 OK\r\nContent-")
			srv.nc.Close()
		}
	}()

	ex, err := conn.newExchange()
	require.NoError(t, err)
	require.NoError(t, ex.WriteHeaders(context.Background(), getH1Head("/"), true))
	_, err = ex.ReadResponse(context.Background())
	require.Error(t, err)
	_, ok := asRetryable(err)
	assert.False(t, ok, "the peer started answering: %v", err)
}

func TestH1Conn_EarlyBodyCloseDropsConnection(t *testing.T) {
	conn, srv := newH1Pair(t)
	go func() {
		if _, err := http.ReadRequest(srv.br); err == nil {
			fmt.Fprint(srv.nc, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n12345")
		}
	}()

	ex, err := conn.newExchange()
	require.NoError(t, err)
	require.NoError(t, ex.WriteHeaders(context.Background(), getH1Head("/"), true))
	_, err = ex.ReadResponse(context.Background())
	require.NoError(t, err)

	buf := make([]byte, 3)
	_, err = io.ReadFull(ex.Body(), buf)
	require.NoError(t, err)
	require.NoError(t, ex.Body().Close())

	assert.False(t, ex.reusable())
	assert.False(t, conn.Alive())
}

func TestH1Conn_CancelClosesConnection(t *testing.T) {
	conn, srv := newH1Pair(t)
	go func() { _, _ = http.ReadRequest(srv.br) }()

	ex, err := conn.newExchange()
	require.NoError(t, err)
	require.NoError(t, ex.WriteHeaders(context.Background(), getH1Head("/"), true))

	ex.Cancel(ErrCancelled)
	_, err = ex.ReadResponse(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, conn.Alive())
	assert.True(t, IsShutdownError(err))
}

func mustOpen(t *testing.T, b BodyPublisher) BodyReader {
	t.Helper()
	r, err := b.Open()
	require.NoError(t, err)
	return r
}
