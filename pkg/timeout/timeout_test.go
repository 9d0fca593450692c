package timeout

import (
	"context"
	"errors"
	"math"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestAdd_Saturates(t *testing.T) {
	tests := []struct {
		name string
		a, b time.Duration
		want time.Duration
	}{
		{"small", time.Second, time.Second, 2 * time.Second},
		{"max plus one", Unbounded, 1, Unbounded},
		{"max plus max", Unbounded, Unbounded, Unbounded},
		{"near max", Unbounded - time.Second, 2 * time.Second, Unbounded},
		{"negative clamps", -time.Second, time.Second, time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Add(tc.a, tc.b)
			assert.Equal(t, tc.want, got)
			assert.GreaterOrEqual(t, got, time.Duration(0))
		})
	}
}

func TestMul_Saturates(t *testing.T) {
	assert.Equal(t, 6*time.Second, Mul(2*time.Second, 3))
	assert.Equal(t, Unbounded, Mul(Unbounded/2, 3))
	assert.Equal(t, time.Duration(0), Mul(time.Second, 0))
}

func TestDeadline_UnboundedMeansNone(t *testing.T) {
	now := time.Now()
	assert.True(t, Deadline(now, time.Duration(math.MaxInt64)).IsZero())
	assert.True(t, Deadline(now, 0).IsZero())
	assert.True(t, Deadline(now, -time.Second).IsZero())
	assert.Equal(t, now.Add(time.Second), Deadline(now, time.Second))
}

func TestErrors(t *testing.T) {
	var netErr net.Error = &Error{Phase: PhaseRequest, After: time.Second}
	assert.True(t, netErr.Timeout())
	assert.Contains(t, netErr.Error(), "request timed out")

	cause := errors.New("connection refused")
	ce := &ConnectTimeoutError{Addr: "10.0.0.1:443", After: 100 * time.Millisecond, Err: cause}
	assert.ErrorIs(t, ce, cause)
	assert.True(t, IsTimeout(ce))
	assert.True(t, IsTimeout(netErr))
	assert.False(t, IsTimeout(cause))
}

func TestEngine_FiresAndDeregisters(t *testing.T) {
	defer goleak.VerifyNone(t)

	mock := clock.NewMock()
	e := NewEngine(mock)

	var got atomic.Pointer[error]
	e.Schedule(PhaseRequest, time.Second, func(err error) { got.Store(&err) })
	require.Equal(t, 1, e.Pending())

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return got.Load() != nil }, time.Second, 5*time.Millisecond)

	var te *Error
	require.ErrorAs(t, *got.Load(), &te)
	assert.Equal(t, PhaseRequest, te.Phase)
	assert.Equal(t, 0, e.Pending())
}

func TestEngine_CancelIsIdempotent(t *testing.T) {
	mock := clock.NewMock()
	e := NewEngine(mock)

	var fired atomic.Bool
	timer := e.Schedule(PhaseResponseBody, time.Second, func(error) { fired.Store(true) })
	timer.Cancel()
	timer.Cancel()
	assert.Equal(t, 0, e.Pending())

	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestEngine_UnboundedRegistersNothing(t *testing.T) {
	e := NewEngine(clock.NewMock())
	timer := e.Schedule(PhaseRequest, Unbounded, func(error) { t.Fatal("must not fire") })
	assert.Equal(t, 0, e.Pending())
	assert.True(t, timer.Deadline().IsZero())
	timer.Cancel()
}

func TestEngine_NextDeadline(t *testing.T) {
	mock := clock.NewMock()
	e := NewEngine(mock)
	_, ok := e.NextDeadline()
	assert.False(t, ok)

	t1 := e.Schedule(PhaseRequest, 3*time.Second, func(error) {})
	t2 := e.Schedule(PhaseConnect, time.Second, func(error) {})
	defer t1.Cancel()
	defer t2.Cancel()

	next, ok := e.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, mock.Now().Add(time.Second), next)
}

func TestEngine_WithTimeout(t *testing.T) {
	mock := clock.NewMock()
	e := NewEngine(mock)

	ctx, stop := e.WithTimeout(context.Background(), PhaseRequest, 100*time.Millisecond)
	defer stop()

	mock.Add(time.Second)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
	var te *Error
	require.ErrorAs(t, context.Cause(ctx), &te)
	assert.Equal(t, PhaseRequest, te.Phase)
	assert.Equal(t, 0, e.Pending())
}
