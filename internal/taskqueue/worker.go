// internal/taskqueue/worker.go
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/logging"
)

// HandlerFunc processes one task. Implementations must be idempotent:
// a crash between handling and settling replays the task. The task is
// read-only; Attempts and MaxAttempts let a handler detect its last try.
type HandlerFunc func(ctx context.Context, t *Task) error

// Pool runs task handlers on a fixed set of workers.
type Pool struct {
	queue    *Queue
	logger   *logging.Logger
	poll     time.Duration
	workers  int
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a worker pool. workers must be >= 1.
func NewPool(queue *Queue, logger *logging.Logger, workers int, pollInterval time.Duration) *Pool {
	if workers < 1 {
		workers = 4
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &Pool{
		queue:    queue,
		logger:   logger.Named("taskqueue"),
		poll:     pollInterval,
		workers:  workers,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a task type. Unknown task types fail and
// eventually dead-letter, which surfaces wiring mistakes in monitoring.
func (p *Pool) Register(taskType string, handler HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = handler
}

// Start launches the workers. They run until Stop or context cancellation.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Stop cancels the workers and waits for in-flight tasks to settle.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, worker int) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		// Drain runnable tasks before sleeping.
		for {
			if ctx.Err() != nil {
				return
			}
			task, err := p.queue.claim(ctx)
			if errors.Is(err, ErrNoTask) {
				break
			}
			if err != nil {
				p.logger.Error(ctx, "task claim failed", zap.Int("worker", worker), zap.Error(err))
				break
			}
			p.handle(ctx, task)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handle runs one task inside a panic boundary and settles the outcome.
func (p *Pool) handle(ctx context.Context, t *Task) {
	p.mu.RLock()
	handler, ok := p.handlers[t.Type]
	p.mu.RUnlock()

	var err error
	start := time.Now()
	if !ok {
		err = fmt.Errorf("no handler registered for task type %q", t.Type)
	} else {
		err = p.invoke(ctx, handler, t)
	}
	taskDuration.WithLabelValues(t.Type).Observe(time.Since(start).Seconds())

	if err != nil {
		p.logger.Warn(ctx, "task failed",
			zap.String("type", t.Type),
			zap.Int64("task_id", t.ID),
			zap.Int("attempt", t.Attempts+1),
			zap.Int("max_attempts", t.MaxAttempts),
			zap.Error(err))
	}
	if settleErr := p.queue.settle(ctx, t, err); settleErr != nil {
		p.logger.Error(ctx, "task settle failed",
			zap.Int64("task_id", t.ID), zap.Error(settleErr))
	}
}

func (p *Pool) invoke(ctx context.Context, handler HandlerFunc, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return handler(ctx, t)
}

// DrainOnce processes runnable tasks until the queue is empty. For tests
// and the admin reindex path where synchronous convergence is wanted.
func (p *Pool) DrainOnce(ctx context.Context) error {
	for {
		task, err := p.queue.claim(ctx)
		if errors.Is(err, ErrNoTask) {
			return nil
		}
		if err != nil {
			return err
		}
		p.handle(ctx, task)
	}
}
