package timeout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Engine owns every timer scheduled on behalf of in-flight exchanges. A timer
// is registered until it fires or is cancelled, so Pending reaching zero
// means no exchange is still holding a deadline.
type Engine struct {
	clock clock.Clock

	mu     sync.Mutex
	nextID uint64
	timers map[uint64]*Timer
}

// NewEngine creates an Engine driven by clk. A nil clock means wall time.
func NewEngine(clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		clock:  clk,
		timers: make(map[uint64]*Timer),
	}
}

// Clock returns the clock the engine schedules against.
func (e *Engine) Clock() clock.Clock { return e.clock }

// Timer is a single registered deadline.
type Timer struct {
	engine   *Engine
	id       uint64
	phase    Phase
	timeout  time.Duration
	deadline time.Time
	inner    *clock.Timer
	once     sync.Once
}

// Phase reports which phase the timer guards.
func (t *Timer) Phase() Phase { return t.phase }

// Deadline reports when the timer fires. The zero time means never.
func (t *Timer) Deadline() time.Time { return t.deadline }

// Cancel stops the timer and removes its registration. It is safe to call
// more than once and after the timer has fired.
func (t *Timer) Cancel() {
	if t == nil || t.engine == nil {
		return
	}
	t.once.Do(func() {
		t.engine.mu.Lock()
		inner := t.inner
		t.engine.mu.Unlock()
		if inner != nil {
			inner.Stop()
		}
		t.engine.deregister(t.id)
	})
}

// Schedule registers fn to run once d elapses. fn receives an *Error naming
// the phase. Non-positive and unbounded durations register nothing and the
// returned Timer is inert.
func (e *Engine) Schedule(phase Phase, d time.Duration, fn func(err error)) *Timer {
	if d <= 0 || IsUnbounded(d) {
		return &Timer{phase: phase, timeout: d}
	}

	e.mu.Lock()
	e.nextID++
	t := &Timer{
		engine:   e,
		id:       e.nextID,
		phase:    phase,
		timeout:  d,
		deadline: e.clock.Now().Add(d),
	}
	e.timers[t.id] = t
	e.mu.Unlock()

	inner := e.clock.AfterFunc(d, func() {
		fired := false
		t.once.Do(func() {
			fired = true
			e.deregister(t.id)
		})
		if fired {
			fn(&Error{Phase: phase, After: d})
		}
	})
	e.mu.Lock()
	t.inner = inner
	e.mu.Unlock()
	return t
}

func (e *Engine) deregister(id uint64) {
	e.mu.Lock()
	delete(e.timers, id)
	e.mu.Unlock()
}

// Pending reports how many timers are registered.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// NextDeadline returns the earliest registered deadline, if any.
func (e *Engine) NextDeadline() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.timers) == 0 {
		return time.Time{}, false
	}
	deadlines := make([]time.Time, 0, len(e.timers))
	for _, t := range e.timers {
		deadlines = append(deadlines, t.deadline)
	}
	sort.Slice(deadlines, func(i, j int) bool { return deadlines[i].Before(deadlines[j]) })
	return deadlines[0], true
}

// WithTimeout derives a context that is cancelled with an *Error cause when d
// elapses. The returned stop function releases the timer and must be called.
func (e *Engine) WithTimeout(ctx context.Context, phase Phase, d time.Duration) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	t := e.Schedule(phase, d, cancel)
	return ctx, func() {
		t.Cancel()
		cancel(context.Canceled)
	}
}
