package customhttp

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrExecutorShutdown  = errors.New("executor is shut down")
	ErrExecutorSaturated = errors.New("executor queue is full")
)

// Executor runs completion callbacks and async results. Execute returns an
// error when the task was not accepted.
type Executor interface {
	Execute(task func()) error
}

type goroutineExecutor struct{}

// GoroutineExecutor runs every task on its own goroutine. It is the
// default and never rejects.
func GoroutineExecutor() Executor { return goroutineExecutor{} }

func (goroutineExecutor) Execute(task func()) error {
	go task()
	return nil
}

// WorkerPool is a bounded executor with a fixed number of workers.
type WorkerPool struct {
	tasks  chan func()
	logger *zap.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts workers goroutines draining a queue of the given
// capacity.
func NewWorkerPool(workers, queue int, logger *zap.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &WorkerPool{
		tasks:  make(chan func(), queue),
		logger: logger.Named("executor"),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Executor task panicked", zap.Any("panic", r))
		}
	}()
	task()
}

// Execute queues task, failing fast when the queue is full or the pool
// has been shut down.
func (p *WorkerPool) Execute(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrExecutorShutdown
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return fmt.Errorf("%w (capacity %d)", ErrExecutorSaturated, cap(p.tasks))
	}
}

// Shutdown rejects new tasks and waits for queued ones to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
