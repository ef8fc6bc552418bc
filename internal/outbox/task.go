package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/els-fr/livreur/internal/errors"
)

// Task is a deferred network operation: an endpoint name plus the JSON body to
// send. Tasks are plain data so they can be persisted and replayed after a
// restart.
type Task struct {
	ID        string          `json:"id"`
	Endpoint  string          `json:"endpoint"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewTask marshals payload into a task addressed to endpoint.
func NewTask(endpoint string, payload any) (Task, error) {
	if endpoint == "" {
		return Task{}, errors.Newf("task endpoint is empty").
			Component("outbox").
			Category(errors.CategoryValidation).
			Build()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Task{}, errors.Newf("failed to encode task payload: %w", err).
			Component("outbox").
			Category(errors.CategoryValidation).
			Context("endpoint", endpoint).
			Build()
	}
	return Task{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Executor performs a task. A nil error means the task is done and leaves the
// queue; any error schedules a retry of the same task.
type Executor interface {
	Execute(ctx context.Context, task Task) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// ErrUnknownEndpoint is returned by Router for tasks with no registered handler.
var ErrUnknownEndpoint = errors.NewStd("outbox: no handler for endpoint")

// Router dispatches tasks to handlers by endpoint name.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]ExecutorFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]ExecutorFunc)}
}

// Handle registers fn for endpoint, replacing any previous handler.
func (r *Router) Handle(endpoint string, fn ExecutorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[endpoint] = fn
}

// Execute runs the handler registered for task.Endpoint.
// A task without a handler stays queued: the handler may be registered later
// in the process lifetime, and dropping it would lose a submission.
func (r *Router) Execute(ctx context.Context, task Task) error {
	r.mu.RLock()
	fn, ok := r.handlers[task.Endpoint]
	r.mu.RUnlock()
	if !ok {
		return errors.New(ErrUnknownEndpoint).
			Component("outbox").
			Category(errors.CategoryState).
			Context("endpoint", task.Endpoint).
			Context("task_id", task.ID).
			Build()
	}
	return fn(ctx, task)
}
