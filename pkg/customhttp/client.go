package customhttp

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hxengine/internal/observability"
	"github.com/xkilldash9x/hxengine/pkg/altsvc"
	"github.com/xkilldash9x/hxengine/pkg/network"
	"github.com/xkilldash9x/hxengine/pkg/pool"
	"github.com/xkilldash9x/hxengine/pkg/timeout"
	"github.com/xkilldash9x/hxengine/pkg/tracker"
)

// Client sends HTTP/1.1, HTTP/2 and HTTP/3 requests over pooled
// connections, handling redirects, retries, authentication and cookies.
//
// Client is a handle on an engine. Once the handle becomes unreachable the
// engine begins a graceful shutdown; requests still in flight, including
// unread response bodies, keep it running until they finish.
type Client struct {
	inner *client
}

// client is the engine behind a Client. Nothing it owns refers back to the
// handle.
type client struct {
	id       string
	cfg      ClientConfig
	logger   *zap.Logger
	clock    clock.Clock
	timeouts *timeout.Engine
	pool     *pool.Pool
	altsvc   *altsvc.Cache
	neg      *negotiator
	auth     *authFilter
	executor Executor
	counters *tracker.Counters

	unregister func()

	mu         sync.Mutex
	closing    bool
	refs       int
	nextOp     uint64
	ops        map[uint64]*operation
	terminated chan struct{}
	termOnce   sync.Once
	closeErr   error

	stopEvict chan struct{}
	evictWG   sync.WaitGroup
}

// NewClient creates a client from config. A nil config means
// NewDefaultClientConfig. The config is copied; later changes to it have
// no effect.
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		config = NewDefaultClientConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}
	cfg := *config
	if cfg.DialerConfig == nil {
		cfg.DialerConfig = network.NewDialerConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Executor == nil {
		cfg.Executor = GoroutineExecutor()
	}
	if cfg.Version == 0 {
		cfg.Version = HTTP2
	}
	// If no logger is provided, fetch the global logger.
	logger := cfg.Logger
	if logger == nil {
		logger = observability.GetLogger()
	}

	id := uuid.NewString()
	logger = logger.Named("customhttp_client").With(zap.String("client_id", id))
	counters := tracker.NewCounters("hxengine-" + id)

	c := &client{
		id:         id,
		cfg:        cfg,
		logger:     logger,
		clock:      cfg.Clock,
		timeouts:   timeout.NewEngine(cfg.Clock),
		altsvc:     altsvc.NewCache(logger),
		executor:   cfg.Executor,
		counters:   counters,
		ops:        make(map[uint64]*operation),
		terminated: make(chan struct{}),
		stopEvict:  make(chan struct{}),
	}
	c.pool = pool.New(pool.Options{
		MaxPerOrigin:  cfg.MaxConnsPerOrigin,
		KeepAlive:     cfg.KeepAliveTimeout,
		MultiplexIdle: cfg.h2IdleTimeout(),
		Clock:         cfg.Clock,
		Logger:        logger,
	})
	opts := connOptions{
		logger:   logger,
		counters: counters,
		clock:    cfg.Clock,
		h2:       cfg.H2Config,
		h3:       cfg.H3Config,
	}
	c.neg = newNegotiator(&c.cfg, c.pool, c.altsvc, c.timeouts, opts)
	c.auth = newAuthFilter(cfg.CredentialsProvider, cfg.MaxAuthAttempts, logger)

	if cfg.Registry != nil {
		c.unregister = cfg.Registry.Register(counters)
	}
	counters.MarkStarted()

	c.evictWG.Add(1)
	go c.connectionEvictor()

	h := &Client{inner: c}
	runtime.AddCleanup(h, func(inner *client) { inner.shutdown() }, c)
	c.logger.Debug("Client started")
	return h, nil
}

// Send performs req and returns once the response head has arrived. The
// response body streams from the connection and must be closed.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	return c.inner.send(ctx, req)
}

// SendAsync performs req on a background goroutine.
func (c *Client) SendAsync(ctx context.Context, req *Request) *Future[*Response] {
	inner := c.inner
	return goAsync(ctx, inner, func(ctx context.Context) (*Response, error) {
		return inner.send(ctx, req)
	}, func(resp *Response) {
		resp.Body.Close()
	})
}

// Shutdown stops accepting requests and returns immediately. The client
// terminates once outstanding requests, bodies included, are done.
func (c *Client) Shutdown() { c.inner.shutdown() }

// Close shuts the client down and waits for termination. It returns the
// errors from closing pooled connections.
func (c *Client) Close() error {
	c.inner.shutdown()
	<-c.inner.terminated
	return c.inner.closeErr
}

// ShutdownNow shuts the client down and aborts every outstanding request
// and response body with ErrShutdownNow.
func (c *Client) ShutdownNow() { c.inner.shutdownNow() }

// AwaitTermination waits up to d for the client to terminate and reports
// whether it did.
func (c *Client) AwaitTermination(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.inner.terminated:
		return true
	case <-t.C:
		return false
	}
}

// IsTerminated reports whether shutdown has completed.
func (c *Client) IsTerminated() bool {
	select {
	case <-c.inner.terminated:
		return true
	default:
		return false
	}
}

// Tracker exposes the client's outstanding-work counters.
func (c *Client) Tracker() tracker.Tracker { return c.inner.counters }

// ID is the client's unique identifier, also used as its tracker name
// suffix.
func (c *Client) ID() string { return c.inner.id }

func (c *client) shutdown() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	idle := c.refs == 0
	c.mu.Unlock()

	c.counters.MarkShutdownRequested()
	c.logger.Debug("Client shutdown requested", zap.Bool("idle", idle))
	if idle {
		c.terminate()
	}
}

func (c *client) shutdownNow() {
	c.shutdown()
	c.mu.Lock()
	ops := make([]*operation, 0, len(c.ops))
	for _, op := range c.ops {
		ops = append(ops, op)
	}
	c.mu.Unlock()

	for _, op := range ops {
		op.cancel(ErrShutdownNow)
	}
	if err := c.pool.Close(); err != nil {
		c.logger.Debug("Errors closing connections", zap.Error(err))
	}
}

// terminate runs once, after shutdown, when no operation is outstanding.
func (c *client) terminate() {
	c.termOnce.Do(func() {
		close(c.stopEvict)
		c.evictWG.Wait()

		var err error
		err = multierr.Append(err, c.pool.Close())
		c.altsvc.Purge()
		c.closeErr = err

		c.counters.MarkTerminated()
		if c.unregister != nil {
			c.unregister()
		}
		c.logger.Debug("Client terminated", zap.Stringer("tracker", c.counters.Snapshot()))
		close(c.terminated)
	})
}

// begin registers an operation. It fails once shutdown has started.
func (c *client) begin(parent context.Context) (*operation, error) {
	ctx, cancel := context.WithCancelCause(parent)
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		cancel(ErrClosed)
		return nil, ErrClosed
	}
	c.nextOp++
	op := &operation{c: c, id: c.nextOp, ctx: ctx, cancel: cancel}
	c.ops[op.id] = op
	c.refs++
	c.mu.Unlock()
	c.counters.Inc(tracker.Requests)
	return op, nil
}

func (c *client) end(op *operation) {
	c.counters.Dec(tracker.Requests)
	c.mu.Lock()
	delete(c.ops, op.id)
	c.refs--
	done := c.refs == 0 && c.closing
	c.mu.Unlock()
	if done {
		c.terminate()
	}
}

// connectionEvictor runs in the background and periodically closes idle
// connections and expired Alt-Svc records.
func (c *client) connectionEvictor() {
	defer c.evictWG.Done()

	idleTimeout := c.cfg.KeepAliveTimeout
	if h2 := c.cfg.h2IdleTimeout(); h2 > 0 && (idleTimeout <= 0 || h2 < idleTimeout) {
		idleTimeout = h2
	}
	if idleTimeout <= 0 {
		return // Eviction disabled.
	}

	checkInterval := idleTimeout / 2
	if checkInterval < 1*time.Second {
		checkInterval = 1 * time.Second
	}

	ticker := c.clock.Ticker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopEvict:
			return
		case <-ticker.C:
			if n := c.pool.EvictIdle(); n > 0 {
				c.logger.Debug("Evicted idle connections", zap.Int("count", n))
			}
			c.altsvc.Purge()
		}
	}
}
