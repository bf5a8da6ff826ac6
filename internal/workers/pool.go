// Package workers provides the bounded goroutine pool used for event-bus
// fan-in and hub broadcast tasks. Submission never blocks: when the queue
// is full the task is dropped and counted, which keeps producers fast at
// the cost of shed load.
package workers

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
)

// Task is a unit of work.
type Task func()

// Pool runs tasks on a fixed set of workers fed by a bounded queue.
type Pool struct {
	workerCount int
	taskQueue   chan Task
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started      atomic.Bool
	droppedTasks int64
}

// NewPool sizes the pool. workerCount and queueSize must be positive.
func NewPool(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize <= 0 {
		queueSize = workerCount * 16
	}
	return &Pool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "workers").Logger(),
	}
}

// Start launches the workers. Idempotent.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info().
		Int("workers", p.workerCount).
		Int("queue_size", cap(p.taskQueue)).
		Msg("Worker pool started")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(id, task)
		}
	}
}

// run executes one task behind a recover so a panicking task cannot kill
// the worker.
func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Int("worker_id", id).
				Interface("panic", r).
				Msg("Task panicked")
		}
	}()
	task()
}

// Submit enqueues task without blocking. Returns false when the queue is
// full and the task was dropped.
func (p *Pool) Submit(task Task) bool {
	select {
	case p.taskQueue <- task:
		metrics.SetWorkerQueueDepth(len(p.taskQueue))
		return true
	default:
		atomic.AddInt64(&p.droppedTasks, 1)
		metrics.RecordWorkerTaskDropped()
		return false
	}
}

// DroppedTasks reports how many submissions were shed.
func (p *Pool) DroppedTasks() int64 {
	return atomic.LoadInt64(&p.droppedTasks)
}

// QueueDepth reports the number of queued tasks.
func (p *Pool) QueueDepth() int { return len(p.taskQueue) }

// Stop drains in-flight workers and returns once they exit.
func (p *Pool) Stop() {
	if !p.started.Load() || p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info().
		Int64("dropped_tasks", p.DroppedTasks()).
		Msg("Worker pool stopped")
}
