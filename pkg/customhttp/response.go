package customhttp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Response is a response head plus a streaming body. The body must be read
// to EOF or closed; until then the request counts as outstanding and, for
// HTTP/1.1, holds its connection.
type Response struct {
	StatusCode    int
	Status        string
	Header        http.Header
	Trailer       http.Header
	Version       Version
	Body          io.ReadCloser
	ContentLength int64
	TLS           *tls.ConnectionState
	// Request is the request that produced this response, after redirects
	// and authentication.
	Request *Request
	// Previous is the response that caused this one to be requested, if
	// any. Its Body is always empty.
	Previous *Response
}

func (r *Response) String() string {
	return fmt.Sprintf("%s %s", r.Version, r.Status)
}

// BodyHandler converts a response body into a value. The handler owns the
// body and must close it.
type BodyHandler[T any] func(resp *Response) (T, error)

// OfString reads the whole body as a string.
func OfString() BodyHandler[string] {
	return func(resp *Response) (string, error) {
		b, err := OfBytes()(resp)
		return string(b), err
	}
}

// OfBytes reads the whole body.
func OfBytes() BodyHandler[[]byte] {
	return func(resp *Response) ([]byte, error) {
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		return b, nil
	}
}

// Discarding drains the body and reports how many bytes it had.
func Discarding() BodyHandler[int64] {
	return func(resp *Response) (int64, error) {
		defer resp.Body.Close()
		n, err := io.Copy(io.Discard, resp.Body)
		if err != nil {
			return n, fmt.Errorf("failed to drain response body: %w", err)
		}
		return n, nil
	}
}

// OfLines splits the body on newlines.
func OfLines() BodyHandler[[]string] {
	return func(resp *Response) ([]string, error) {
		defer resp.Body.Close()
		var lines []string
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		if err := sc.Err(); err != nil {
			return lines, fmt.Errorf("failed to read response lines: %w", err)
		}
		return lines, nil
	}
}

// TypedResponse is a response whose body has been consumed by a
// BodyHandler.
type TypedResponse[T any] struct {
	*Response
	Value T
}

// SendAs sends req and applies h to the body.
func SendAs[T any](ctx context.Context, c *Client, req *Request, h BodyHandler[T]) (*TypedResponse[T], error) {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	v, err := h(resp)
	if err != nil {
		return nil, err
	}
	return &TypedResponse[T]{Response: resp, Value: v}, nil
}

// SendAsyncAs is SendAs on a background goroutine.
func SendAsyncAs[T any](ctx context.Context, c *Client, req *Request, h BodyHandler[T]) *Future[*TypedResponse[T]] {
	return goAsync(ctx, c.inner, func(ctx context.Context) (*TypedResponse[T], error) {
		return SendAs(ctx, c, req, h)
	}, func(tr *TypedResponse[T]) {})
}

// SendAll sends every request concurrently. The first failure cancels the
// remaining requests and is returned; on success the results are in
// request order.
func SendAll[T any](ctx context.Context, c *Client, reqs []*Request, h BodyHandler[T]) ([]*TypedResponse[T], error) {
	out := make([]*TypedResponse[T], len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			tr, err := SendAs(gctx, c, req, h)
			if err != nil {
				return fmt.Errorf("request %d (%s %s): %w", i, req.Method(), req.URL(), err)
			}
			out[i] = tr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
