// Package outbox implements the persistent submission queue: tasks are
// attempted strictly in FIFO order by a single drain loop, and a failing head
// task is retried with capped exponential backoff until it succeeds.
package outbox

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.NewStd("outbox: queue closed")

// Queue is a FIFO outbox with at most one drain loop active at a time.
type Queue struct {
	exec      Executor
	store     Store
	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     Sleeper
	log       logger.Logger
	rec       Recorder

	// addMu keeps store order and memory order identical across concurrent Adds.
	addMu sync.Mutex

	mu       sync.Mutex
	tasks    []Task
	flushing bool
	attempt  int // consecutive failures of the current head, reset on success
	listener func(attempt int)
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue that runs tasks through exec. When a Store is
// configured its pending tasks are loaded in FIFO order; they are not drained
// until Add or Flush is called.
func New(ctx context.Context, exec Executor, opts ...Option) (*Queue, error) {
	if exec == nil {
		return nil, errors.Newf("outbox executor is nil").
			Component("outbox").
			Category(errors.CategoryConfiguration).
			Build()
	}

	q := &Queue{
		exec:      exec,
		baseDelay: DefaultBaseDelay,
		maxDelay:  DefaultMaxDelay,
		sleep:     sleepContext,
		log:       logger.NewDiscard(),
		rec:       noopRecorder{},
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.Module("outbox")

	if q.store != nil {
		tasks, err := q.store.Load(ctx)
		if err != nil {
			return nil, errors.Newf("failed to load persisted outbox: %w", err).
				Component("outbox").
				Category(errors.CategoryStorage).
				Build()
		}
		q.tasks = tasks
		if len(tasks) > 0 {
			q.log.Info("restored pending tasks", logger.Int("count", len(tasks)))
		}
	}
	q.rec.SetDepth(len(q.tasks))

	// Background drains outlive the constructor's ctx; Close stops them.
	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return q, nil
}

// SetRetryListener registers fn as the single retry observer, replacing any
// previous one. fn is called after each failure with the attempt count.
func (q *Queue) SetRetryListener(fn func(attempt int)) {
	q.mu.Lock()
	q.listener = fn
	q.mu.Unlock()
}

// Add appends task to the tail and starts a background drain if none is
// running. A task that cannot be persisted is still queued in memory.
func (q *Queue) Add(ctx context.Context, task Task) error {
	if task.ID == "" || task.Endpoint == "" {
		return errors.Newf("outbox task requires an id and endpoint").
			Component("outbox").
			Category(errors.CategoryValidation).
			Context("task_id", task.ID).
			Build()
	}

	q.addMu.Lock()
	defer q.addMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	persisted := false
	if q.store != nil {
		if err := q.store.Append(ctx, task); err != nil {
			q.log.Error("failed to persist task, keeping it in memory only",
				logger.String("task_id", task.ID),
				logger.Error(err))
		} else {
			persisted = true
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if persisted {
			q.forget(ctx, task.ID)
		}
		return ErrClosed
	}
	q.tasks = append(q.tasks, task)
	depth := len(q.tasks)
	start := q.claimLocked()
	q.mu.Unlock()

	q.rec.SetDepth(depth)
	q.log.Debug("task queued",
		logger.String("task_id", task.ID),
		logger.String("endpoint", task.Endpoint),
		logger.Int("depth", depth))

	if start {
		q.spawn()
	}
	return nil
}

// forget removes a task persisted by an Add that lost the race with Close.
func (q *Queue) forget(ctx context.Context, id string) {
	if err := q.store.Remove(context.WithoutCancel(ctx), id); err != nil {
		q.log.Warn("failed to remove task rejected after close",
			logger.String("task_id", id),
			logger.Error(err))
	}
}

func (q *Queue) spawn() {
	go func() {
		defer q.wg.Done()
		_ = q.drain(q.ctx)
	}()
}

// Wake starts a background drain unless one is running or the queue is
// empty. It never blocks.
func (q *Queue) Wake() {
	q.mu.Lock()
	start := q.claimLocked()
	q.mu.Unlock()
	if start {
		q.spawn()
	}
}

// Flush drains the queue in the calling goroutine until it is empty or ctx
// is done. It returns immediately if a drain is already running or there is
// nothing to do.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	start := q.claimLocked()
	q.mu.Unlock()
	if !start {
		return nil
	}
	defer q.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(q.ctx, cancel)
	defer stop()

	return q.drain(ctx)
}

// claimLocked sets the drain flag if a drain should start. Caller holds q.mu.
func (q *Queue) claimLocked() bool {
	if q.closed || q.flushing || len(q.tasks) == 0 {
		return false
	}
	q.flushing = true
	q.wg.Add(1)
	return true
}

// drain runs the single active loop. The caller must have claimed the flag.
func (q *Queue) drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		// Length is re-checked under the lock before the flag is cleared, so
		// a task added concurrently is never stranded.
		if len(q.tasks) == 0 || ctx.Err() != nil {
			q.flushing = false
			q.mu.Unlock()
			return ctx.Err()
		}
		head := q.tasks[0]
		q.mu.Unlock()

		err := q.exec.Execute(ctx, head)
		if err == nil {
			q.complete(ctx, head)
			continue
		}

		if err := q.fail(ctx, head, err); err != nil {
			q.mu.Lock()
			q.flushing = false
			q.mu.Unlock()
			return err
		}
	}
}

func (q *Queue) complete(ctx context.Context, head Task) {
	q.mu.Lock()
	q.tasks = q.tasks[1:]
	q.attempt = 0
	depth := len(q.tasks)
	q.mu.Unlock()

	if q.store != nil {
		if err := q.store.Remove(context.WithoutCancel(ctx), head.ID); err != nil {
			q.log.Error("failed to remove delivered task from store",
				logger.String("task_id", head.ID),
				logger.Error(err))
		}
	}
	q.rec.Delivered()
	q.rec.SetDepth(depth)
	q.log.Info("task delivered",
		logger.String("task_id", head.ID),
		logger.String("endpoint", head.Endpoint),
		logger.Int("remaining", depth))
}

// fail records a failed attempt, notifies the listener and waits out the backoff.
func (q *Queue) fail(ctx context.Context, head Task, cause error) error {
	q.mu.Lock()
	q.attempt++
	attempt := q.attempt
	listener := q.listener
	q.mu.Unlock()

	delay := Backoff(attempt, q.baseDelay, q.maxDelay)

	if q.store != nil {
		if err := q.store.RecordFailure(context.WithoutCancel(ctx), head.ID, attempt, cause); err != nil {
			q.log.Warn("failed to record attempt",
				logger.String("task_id", head.ID),
				logger.Error(err))
		}
	}
	q.rec.RetryScheduled(attempt, delay)
	q.log.Warn("task failed, retry scheduled",
		logger.String("task_id", head.ID),
		logger.String("endpoint", head.Endpoint),
		logger.Int("attempt", attempt),
		logger.Duration("delay", delay),
		logger.Error(cause))

	if listener != nil {
		listener(attempt)
	}
	return q.sleep(ctx, delay)
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Pending returns a copy of the pending tasks, head first.
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.tasks)
}

// Draining reports whether a drain loop is active.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flushing
}

// Close stops any active drain and waits for it to return. Pending tasks stay
// in the store.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}
