package tracker

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters_BalancedUnderConcurrency(t *testing.T) {
	c := NewCounters("client-1")
	c.MarkStarted()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc(Requests)
			c.Inc(H2Streams)
			c.Inc(Subscribers)
			c.Dec(Subscribers)
			c.Dec(H2Streams)
			c.Dec(Requests)
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.True(t, snap.Idle())
	assert.True(t, snap.Alive)
	assert.False(t, snap.Terminated())

	c.MarkShutdownRequested()
	c.MarkTerminated()
	snap = c.Snapshot()
	assert.True(t, snap.Terminated())
	assert.True(t, snap.ShutdownRequested)
}

func TestSnapshot_Outstanding(t *testing.T) {
	c := NewCounters("c")
	c.Add(TCPConnections, 2)
	c.Inc(H1Operations)

	want := Snapshot{Name: "c", TCPConnections: 2, H1Operations: 1}
	if diff := cmp.Diff(want, c.Snapshot()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(3), c.Snapshot().Outstanding())
	assert.Contains(t, c.Snapshot().String(), "tcp=2")
}

func TestCounters_Collector(t *testing.T) {
	c := NewCounters("metrics")
	c.Inc(Requests)
	c.MarkStarted()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))
	assert.Equal(t, int(numKinds)+1, testutil.CollectAndCount(c))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := NewCounters("a")
	b := NewCounters("b")
	unregisterA := r.Register(a)
	r.Register(b)

	got, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Name)

	unregisterA()
	assert.Equal(t, 1, r.Len())
	_, ok = r.Lookup("a")
	assert.False(t, ok)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "h2_streams", H2Streams.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
