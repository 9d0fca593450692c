// Package pool caches client connections per origin. HTTP/1.1 connections are
// checked out exclusively; multiplexed (HTTP/2, HTTP/3) connections are shared
// and carry a use count instead of a busy flag.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// Protocol identifiers used in keys.
const (
	ProtoH1 = "h1"
	ProtoH2 = "h2"
	ProtoH3 = "h3"
)

// Origin identifies where connections lead: the target scheme and authority
// plus the proxy (if any) they are tunnelled through.
type Origin struct {
	Scheme    string
	Authority string
	Proxy     string
}

func (o Origin) String() string {
	if o.Proxy == "" {
		return o.Scheme + "://" + o.Authority
	}
	return o.Scheme + "://" + o.Authority + " via " + o.Proxy
}

// Key is an Origin plus the wire protocol of the connection.
type Key struct {
	Scheme    string
	Authority string
	Proxy     string
	Proto     string
}

// Origin drops the protocol from the key.
func (k Key) Origin() Origin {
	return Origin{Scheme: k.Scheme, Authority: k.Authority, Proxy: k.Proxy}
}

func (k Key) String() string { return k.Proto + " " + k.Origin().String() }

// KeyFor builds the key for origin o speaking proto.
func KeyFor(o Origin, proto string) Key {
	return Key{Scheme: o.Scheme, Authority: o.Authority, Proxy: o.Proxy, Proto: proto}
}

// Conn is what the pool needs to know about a connection.
type Conn interface {
	Close() error
	// Alive reports whether the connection can still carry new exchanges.
	Alive() bool
	// Multiplexed reports whether concurrent exchanges share the connection.
	Multiplexed() bool
	// Available reports spare stream capacity on a multiplexed connection.
	Available() bool
}

// Options configures a Pool.
type Options struct {
	// MaxPerOrigin caps connections (including ones being dialed) per origin.
	// Zero means unlimited.
	MaxPerOrigin int
	// KeepAlive is how long an idle HTTP/1.1 connection is kept.
	KeepAlive time.Duration
	// MultiplexIdle is how long a multiplexed connection with no active
	// streams is kept.
	MultiplexIdle time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
}

type entry struct {
	key       Key
	conn      Conn
	uses      int
	idleSince time.Time
}

func (e *entry) multiplexed() bool { return e.conn.Multiplexed() }

// Pool is safe for concurrent use.
type Pool struct {
	opts   Options
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	closed  bool
	entries map[Conn]*entry
	byKey   map[Key][]*entry
	limits  map[Origin]*semaphore.Weighted
	changed chan struct{}
}

// New creates a pool.
func New(opts Options) *Pool {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger.Named("pool"),
		entries: make(map[Conn]*entry),
		byKey:   make(map[Key][]*entry),
		limits:  make(map[Origin]*semaphore.Weighted),
		changed: make(chan struct{}),
	}
}

// Slot is permission to dial one new connection for an origin. Exactly one
// of Bind or Release must be called.
type Slot struct {
	pool   *Pool
	origin Origin
	once   sync.Once
}

// Bind registers a freshly dialed connection under key and returns it
// checked out (or, for multiplexed connections, with one use).
func (s *Slot) Bind(key Key, conn Conn) error {
	bound := false
	var err error
	s.once.Do(func() {
		bound = true
		err = s.pool.bind(s.origin, key, conn)
	})
	if !bound {
		return fmt.Errorf("pool slot for %s already used", s.origin)
	}
	return err
}

// Release gives the slot back without binding a connection.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.pool.releaseLimit(s.origin)
		s.pool.mu.Lock()
		s.pool.broadcastLocked()
		s.pool.mu.Unlock()
	})
}

// Acquire returns a usable pooled connection for one of keys, or a Slot
// allowing the caller to dial a new one. When the origin is at its limit it
// waits for a release or for ctx to end. With fresh set, idle connections are
// skipped so the caller always dials.
func (p *Pool) Acquire(ctx context.Context, origin Origin, keys []Key, fresh bool) (Conn, *Slot, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, nil, ErrPoolClosed
		}
		var expired []Conn
		if !fresh {
			var conn Conn
			conn, expired = p.takeLocked(keys)
			if conn != nil {
				p.mu.Unlock()
				closeAll(expired)
				return conn, nil, nil
			}
		}
		sem := p.limitLocked(origin)
		wait := p.changed
		p.mu.Unlock()
		closeAll(expired)

		if sem == nil || sem.TryAcquire(1) {
			return nil, &Slot{pool: p, origin: origin}, nil
		}

		if fresh {
			// At the limit: retire an idle connection to make room.
			if p.evictOneIdle(origin) {
				continue
			}
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, nil, context.Cause(ctx)
		}
	}
}

// takeLocked finds a reusable connection. Expired or dead idle connections
// encountered on the way are removed and returned for closing.
func (p *Pool) takeLocked(keys []Key) (Conn, []Conn) {
	now := p.clock.Now()
	var expired []Conn
	for _, key := range keys {
		list := p.byKey[key]
		// Newest first: the most recently used connection is least likely stale.
		for i := len(list) - 1; i >= 0; i-- {
			e := list[i]
			if e.multiplexed() {
				if !e.conn.Alive() {
					if e.uses == 0 {
						expired = append(expired, p.removeLocked(e))
					}
					continue
				}
				if !e.conn.Available() {
					continue
				}
				if e.uses == 0 && p.expiredLocked(e, now) {
					expired = append(expired, p.removeLocked(e))
					continue
				}
				e.uses++
				return e.conn, expired
			}
			if e.uses > 0 {
				continue
			}
			if !e.conn.Alive() || p.expiredLocked(e, now) {
				expired = append(expired, p.removeLocked(e))
				continue
			}
			e.uses = 1
			return e.conn, expired
		}
	}
	return nil, expired
}

func (p *Pool) expiredLocked(e *entry, now time.Time) bool {
	limit := p.opts.KeepAlive
	if e.multiplexed() {
		limit = p.opts.MultiplexIdle
	}
	return limit > 0 && now.Sub(e.idleSince) >= limit
}

func (p *Pool) limitLocked(o Origin) *semaphore.Weighted {
	if p.opts.MaxPerOrigin <= 0 {
		return nil
	}
	sem, ok := p.limits[o]
	if !ok {
		sem = semaphore.NewWeighted(int64(p.opts.MaxPerOrigin))
		p.limits[o] = sem
	}
	return sem
}

func (p *Pool) releaseLimit(o Origin) {
	p.mu.Lock()
	sem := p.limits[o]
	p.mu.Unlock()
	if sem != nil {
		sem.Release(1)
	}
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) bind(origin Origin, key Key, conn Conn) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.releaseLimit(origin)
		conn.Close()
		return ErrPoolClosed
	}
	e := &entry{key: key, conn: conn, uses: 1, idleSince: p.clock.Now()}
	p.entries[conn] = e
	p.byKey[key] = append(p.byKey[key], e)
	if conn.Multiplexed() {
		// Other waiters may share this connection right away.
		p.broadcastLocked()
	}
	p.mu.Unlock()
	p.logger.Debug("Connection added", zap.Stringer("key", key))
	return nil
}

// Release hands a connection back after an exchange. An HTTP/1.1 connection
// returns to the idle list only when reusable is true; otherwise it is closed.
func (p *Pool) Release(conn Conn, reusable bool) {
	p.mu.Lock()
	e, ok := p.entries[conn]
	if !ok {
		p.mu.Unlock()
		if !conn.Multiplexed() {
			conn.Close()
		}
		return
	}
	if e.uses > 0 {
		e.uses--
	}
	var toClose Conn
	switch {
	case e.multiplexed():
		if e.uses == 0 {
			e.idleSince = p.clock.Now()
			if !conn.Alive() || p.closed {
				toClose = p.removeLocked(e)
			}
		}
	case reusable && conn.Alive() && !p.closed:
		e.idleSince = p.clock.Now()
	default:
		toClose = p.removeLocked(e)
	}
	p.broadcastLocked()
	p.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
}

// Replace swaps a checked-out connection for one that took over its socket
// (an HTTP/1.1 connection upgraded to h2c). The origin slot and use count
// carry over; old is not closed.
func (p *Pool) Replace(old Conn, key Key, conn Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[old]
	if !ok {
		return fmt.Errorf("connection for %s is not pooled", key)
	}
	if p.closed {
		return ErrPoolClosed
	}
	delete(p.entries, old)
	list := lo.Without(p.byKey[e.key], e)
	if len(list) == 0 {
		delete(p.byKey, e.key)
	} else {
		p.byKey[e.key] = list
	}
	ne := &entry{key: key, conn: conn, uses: e.uses, idleSince: p.clock.Now()}
	p.entries[conn] = ne
	p.byKey[key] = append(p.byKey[key], ne)
	p.broadcastLocked()
	return nil
}

// Remove forgets conn and closes it.
func (p *Pool) Remove(conn Conn) {
	p.mu.Lock()
	e, ok := p.entries[conn]
	if ok {
		p.removeLocked(e)
		p.broadcastLocked()
	}
	p.mu.Unlock()
	conn.Close()
}

// removeLocked unlinks e and frees its origin slot. The caller closes the
// returned connection outside the lock.
func (p *Pool) removeLocked(e *entry) Conn {
	if _, ok := p.entries[e.conn]; !ok {
		return e.conn
	}
	delete(p.entries, e.conn)
	list := lo.Without(p.byKey[e.key], e)
	if len(list) == 0 {
		delete(p.byKey, e.key)
	} else {
		p.byKey[e.key] = list
	}
	if sem := p.limits[e.key.Origin()]; sem != nil {
		sem.Release(1)
	}
	return e.conn
}

func (p *Pool) evictOneIdle(origin Origin) bool {
	p.mu.Lock()
	var victim Conn
	for _, e := range p.entries {
		if e.key.Origin() == origin && e.uses == 0 {
			victim = p.removeLocked(e)
			break
		}
	}
	if victim != nil {
		p.broadcastLocked()
	}
	p.mu.Unlock()
	if victim == nil {
		return false
	}
	victim.Close()
	return true
}

// EvictIdle closes idle connections past their timeout, plus dead ones
// nobody is using. It returns how many were closed.
func (p *Pool) EvictIdle() int {
	now := p.clock.Now()
	p.mu.Lock()
	var victims []Conn
	for _, e := range p.entries {
		if e.uses > 0 {
			continue
		}
		if !e.conn.Alive() || p.expiredLocked(e, now) {
			victims = append(victims, p.removeLocked(e))
		}
	}
	if len(victims) > 0 {
		p.broadcastLocked()
	}
	p.mu.Unlock()

	if len(victims) > 0 {
		p.logger.Debug("Evicting idle connections", zap.Int("count", len(victims)))
		closeAll(victims)
	}
	return len(victims)
}

// Close closes every connection and rejects further Acquire calls.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := lo.Keys(p.entries)
	p.entries = make(map[Conn]*entry)
	p.byKey = make(map[Key][]*entry)
	p.broadcastLocked()
	p.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// KeyStats summarizes connections under one key.
type KeyStats struct {
	Total int
	Idle  int
	Uses  int
}

// Stats reports per-key connection counts.
func (p *Pool) Stats() map[Key]KeyStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo.MapValues(p.byKey, func(list []*entry, _ Key) KeyStats {
		var s KeyStats
		for _, e := range list {
			s.Total++
			s.Uses += e.uses
			if e.uses == 0 {
				s.Idle++
			}
		}
		return s
	})
}

// Len reports the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func closeAll(conns []Conn) {
	for _, c := range conns {
		c.Close()
	}
}
