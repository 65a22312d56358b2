package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work for the worker pool.
type Task interface {
	Name() string
	Process(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc struct {
	ID string
	Fn func(ctx context.Context) error
}

func (t TaskFunc) Name() string                      { return t.ID }
func (t TaskFunc) Process(ctx context.Context) error { return t.Fn(ctx) }

// Options configures a WorkerPool.
type Options struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	// Backoff is the base delay between attempts; it doubles per retry.
	Backoff time.Duration
	Logger  *zap.Logger
}

// WorkerPool manages a pool of worker goroutines
// and a queue of tasks to process
type WorkerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	opts   Options

	tasks    chan Task
	stopOnce sync.Once

	deadLetter   []Task
	deadLetterMu sync.Mutex
}

// PoolStats holds monitoring information about the worker pool
type PoolStats struct {
	ActiveWorkers int
	QueueLength   int
	DeadLetters   int
}

// NewWorkerPool creates a new WorkerPool.
func NewWorkerPool(opts Options) *WorkerPool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		ctx:    ctx,
		cancel: cancel,
		opts:   opts,
		tasks:  make(chan Task, opts.QueueSize),
	}
}

// Start launches the worker goroutines
func (p *WorkerPool) Start() {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
}

// Stop drains queued tasks and waits for the workers to finish. Tasks still
// retrying are abandoned once ctx is done.
func (p *WorkerPool) Stop(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.tasks) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
	}
	p.cancel()
}

// Submit adds a task to the queue, returns false if the queue is full
func (p *WorkerPool) Submit(task Task) (ok bool) {
	defer func() {
		// Submitting after Stop is a no-op.
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// workerLoop is the main loop for each worker goroutine
func (p *WorkerPool) workerLoop() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.processWithRetry(task)
	}
}

// processWithRetry processes a task, retrying up to MaxRetries, then moves it
// to the dead letter queue
func (p *WorkerPool) processWithRetry(task Task) {
	delay := p.opts.Backoff
	var err error
	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		if err = task.Process(p.ctx); err == nil {
			return
		}
		p.opts.Logger.Warn("task failed",
			zap.String("task", task.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == p.opts.MaxRetries {
			break
		}
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}

	p.opts.Logger.Error("task moved to dead letter queue", zap.String("task", task.Name()), zap.Error(err))
	p.deadLetterMu.Lock()
	p.deadLetter = append(p.deadLetter, task)
	p.deadLetterMu.Unlock()
}

// DeadLetterCount returns the number of tasks in the dead letter queue
func (p *WorkerPool) DeadLetterCount() int {
	p.deadLetterMu.Lock()
	defer p.deadLetterMu.Unlock()
	return len(p.deadLetter)
}

// Workers returns the number of worker goroutines
func (p *WorkerPool) Workers() int {
	return p.opts.Workers
}

// Stats returns current statistics about the worker pool
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		ActiveWorkers: p.opts.Workers,
		QueueLength:   len(p.tasks),
		DeadLetters:   p.DeadLetterCount(),
	}
}
