// Package tracker exposes the outstanding-operation counts of a client so
// callers and tests can verify that every request, stream, connection and
// body subscriber is released once the client shuts down.
package tracker

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind names one category of outstanding work.
type Kind int

const (
	Requests Kind = iota
	H1Operations
	H2Streams
	H3Streams
	TCPConnections
	QUICConnections
	Subscribers
	numKinds
)

var kindNames = [numKinds]string{
	Requests:        "requests",
	H1Operations:    "h1_operations",
	H2Streams:       "h2_streams",
	H3Streams:       "h3_streams",
	TCPConnections:  "tcp_connections",
	QUICConnections: "quic_connections",
	Subscribers:     "subscribers",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Tracker is the diagnostic view a client exposes.
type Tracker interface {
	Name() string
	Snapshot() Snapshot
}

// Snapshot is a point-in-time copy of a tracker's counters.
type Snapshot struct {
	Name              string `json:"name"`
	Requests          int64  `json:"requests"`
	H1Operations      int64  `json:"h1_operations"`
	H2Streams         int64  `json:"h2_streams"`
	H3Streams         int64  `json:"h3_streams"`
	TCPConnections    int64  `json:"tcp_connections"`
	QUICConnections   int64  `json:"quic_connections"`
	Subscribers       int64  `json:"subscribers"`
	Started           bool   `json:"started"`
	Alive             bool   `json:"alive"`
	ShutdownRequested bool   `json:"shutdown_requested"`
}

// Outstanding sums every counter.
func (s Snapshot) Outstanding() int64 {
	return s.Requests + s.H1Operations + s.H2Streams + s.H3Streams +
		s.TCPConnections + s.QUICConnections + s.Subscribers
}

// Idle reports whether nothing is outstanding.
func (s Snapshot) Idle() bool { return s.Outstanding() == 0 }

// Terminated mirrors the client's isTerminated: started and no longer alive.
func (s Snapshot) Terminated() bool { return s.Started && !s.Alive }

func (s Snapshot) String() string {
	return fmt.Sprintf("%s{requests=%d h1=%d h2=%d h3=%d tcp=%d quic=%d subscribers=%d alive=%t}",
		s.Name, s.Requests, s.H1Operations, s.H2Streams, s.H3Streams,
		s.TCPConnections, s.QUICConnections, s.Subscribers, s.Alive)
}

// Counters is the concrete Tracker owned by each client. It doubles as a
// prometheus.Collector so a caller may register it with any registry.
type Counters struct {
	name   string
	counts [numKinds]atomic.Int64

	started  atomic.Bool
	alive    atomic.Bool
	shutdown atomic.Bool

	outstanding *prometheus.Desc
	aliveDesc   *prometheus.Desc
}

// NewCounters creates an empty counter set.
func NewCounters(name string) *Counters {
	labels := prometheus.Labels{"client": name}
	return &Counters{
		name: name,
		outstanding: prometheus.NewDesc(
			"hxengine_outstanding_operations",
			"Outstanding operations by kind.",
			[]string{"kind"}, labels,
		),
		aliveDesc: prometheus.NewDesc(
			"hxengine_client_alive",
			"1 while the client still owns background work.",
			nil, labels,
		),
	}
}

func (c *Counters) Name() string { return c.name }

// Add adjusts the counter for k by delta.
func (c *Counters) Add(k Kind, delta int64) int64 {
	return c.counts[k].Add(delta)
}

// Inc increments k.
func (c *Counters) Inc(k Kind) { c.counts[k].Add(1) }

// Dec decrements k.
func (c *Counters) Dec(k Kind) { c.counts[k].Add(-1) }

// Get returns the current value of k.
func (c *Counters) Get(k Kind) int64 { return c.counts[k].Load() }

// MarkStarted flags the client as running.
func (c *Counters) MarkStarted() {
	c.started.Store(true)
	c.alive.Store(true)
}

// MarkShutdownRequested records that close or shutdownNow was called.
func (c *Counters) MarkShutdownRequested() { c.shutdown.Store(true) }

// MarkTerminated records that all background work has stopped.
func (c *Counters) MarkTerminated() { c.alive.Store(false) }

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Name:              c.name,
		Requests:          c.Get(Requests),
		H1Operations:      c.Get(H1Operations),
		H2Streams:         c.Get(H2Streams),
		H3Streams:         c.Get(H3Streams),
		TCPConnections:    c.Get(TCPConnections),
		QUICConnections:   c.Get(QUICConnections),
		Subscribers:       c.Get(Subscribers),
		Started:           c.started.Load(),
		Alive:             c.alive.Load(),
		ShutdownRequested: c.shutdown.Load(),
	}
}

// Describe implements prometheus.Collector.
func (c *Counters) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.outstanding
	ch <- c.aliveDesc
}

// Collect implements prometheus.Collector.
func (c *Counters) Collect(ch chan<- prometheus.Metric) {
	for k := Kind(0); k < numKinds; k++ {
		ch <- prometheus.MustNewConstMetric(c.outstanding, prometheus.GaugeValue, float64(c.Get(k)), k.String())
	}
	alive := 0.0
	if c.alive.Load() {
		alive = 1
	}
	ch <- prometheus.MustNewConstMetric(c.aliveDesc, prometheus.GaugeValue, alive)
}

var _ prometheus.Collector = (*Counters)(nil)

// Registry indexes trackers by name. It is owned by whoever creates it;
// there is no process-wide instance.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]Tracker
}

func NewRegistry() *Registry {
	return &Registry{trackers: make(map[string]Tracker)}
}

// Register adds t and returns a function that removes it again.
func (r *Registry) Register(t Tracker) func() {
	r.mu.Lock()
	r.trackers[t.Name()] = t
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if r.trackers[t.Name()] == t {
			delete(r.trackers, t.Name())
		}
		r.mu.Unlock()
	}
}

// Lookup finds a tracker by name.
func (r *Registry) Lookup(name string) (Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[name]
	return t, ok
}

// Snapshots returns a snapshot of every registered tracker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.trackers))
	for _, t := range r.trackers {
		out = append(out, t.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports how many trackers are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trackers)
}
