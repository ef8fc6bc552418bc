package outbox

import (
	"context"
	"time"

	"github.com/els-fr/livreur/internal/logger"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Recorder receives queue metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	SetDepth(n int)
	RetryScheduled(attempt int, delay time.Duration)
	Delivered()
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore persists tasks so they survive a restart.
func WithStore(s Store) Option {
	return func(q *Queue) { q.store = s }
}

// WithBackoff overrides the retry schedule.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(q *Queue) {
		q.baseDelay = base
		q.maxDelay = maxDelay
	}
}

// WithSleeper replaces the backoff wait, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(q *Queue) { q.sleep = s }
}

// WithLogger sets the queue logger.
func WithLogger(l logger.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithRecorder reports depth, retries and deliveries.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.rec = r }
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type noopRecorder struct{}

func (noopRecorder) SetDepth(int)                      {}
func (noopRecorder) RetryScheduled(int, time.Duration) {}
func (noopRecorder) Delivered()                        {}
