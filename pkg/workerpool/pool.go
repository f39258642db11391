// Package workerpool runs bundle mapping jobs on a fixed set of goroutines
// behind a bounded queue.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolStopped is returned by Submit once Stop has been called.
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("task queue is full")
)

// Task is one unit of work.
type Task struct {
	ID      string
	Payload any
	Context context.Context

	done chan *Result
}

// Result is the outcome of a task.
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     any
	Attempts int
}

// WorkerFunc processes a task. A non-nil Result is required.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// RetryableFunc reports whether a failed result should be retried.
type RetryableFunc func(err error) bool

// Config holds worker pool configuration
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	// RetryDelay grows linearly with the attempt number.
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
	// Retryable defaults to retrying every error.
	Retryable RetryableFunc
}

// DefaultConfig returns the defaults used by the mapping worker.
func DefaultConfig() Config {
	return Config{
		Workers:                 10,
		QueueSize:               1000,
		MaxRetries:              2,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = defaults.GracefulShutdownTimeout
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(error) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without waiting. Its result is delivered on Results.
func (p *Pool) Submit(task *Task) error {
	return p.enqueue(task)
}

// SubmitWait queues a task and blocks until that task's result is ready or
// ctx is done. The result is not also delivered on Results.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.done = make(chan *Result, 1)
	if err := p.enqueue(task); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-task.done:
		return result, nil
	}
}

func (p *Pool) enqueue(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Results returns the result channel for tasks queued with Submit.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Stop drains the queue and waits for the workers, bounded by the shutdown
// timeout. It is safe to call more than once.
func (p *Pool) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")

		p.mu.Lock()
		p.stopped = true
		close(p.taskChan)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
			close(p.resultChan)
		case <-time.After(p.config.GracefulShutdownTimeout):
			err = fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
			p.logger.Warn("worker pool shutdown timed out")
		}
		p.cancel()
	})
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))
	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		p.deliver(task, p.processTask(id, task))
	}

	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

func (p *Pool) processTask(workerID int, task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var result *Result
	attempt := 0
	for {
		attempt++
		if err := ctx.Err(); err != nil {
			result = &Result{TaskID: task.ID, Error: err}
			break
		}

		result = p.workerFunc(ctx, task)
		if result == nil {
			result = &Result{Error: errors.New("worker returned no result")}
		}
		result.TaskID = task.ID
		if result.Success || attempt > p.config.MaxRetries || !p.config.Retryable(result.Error) {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(result.Error))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
		}
	}
	result.Attempts = attempt

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", attempt),
			zap.Error(result.Error))
	}
	return result
}

func (p *Pool) deliver(task *Task, result *Result) {
	if task.done != nil {
		task.done <- result
		return
	}
	select {
	case p.resultChan <- result:
	default:
		p.logger.Warn("result channel full, dropping result",
			zap.String("task_id", task.ID))
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity.
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
