package customhttp

import (
	"crypto/tls"
	"io"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hxengine/pkg/pool"
	"github.com/xkilldash9x/hxengine/pkg/tracker"
)

// connection is a pooled transport able to start exchanges.
type connection interface {
	pool.Conn
	Version() Version
	newExchange() (Exchange, error)
	tlsState() *tls.ConnectionState
}

// connOptions is what every connection variant needs from the client.
type connOptions struct {
	logger   *zap.Logger
	counters *tracker.Counters
	clock    clock.Clock
	h2       H2Settings
	h3       H3Settings

	// Receive windows advertised on HTTP/2 connections. Zero means the
	// Target* defaults.
	h2StreamWindow int64
	h2ConnWindow   int64
}

func (o connOptions) withDefaults() connOptions {
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.counters == nil {
		o.counters = tracker.NewCounters("detached")
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	return o
}

// countingReader records how many bytes the transport delivered, so a
// failure can be classified as "closed before any response byte".
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
