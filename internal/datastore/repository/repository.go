package repository

import (
	"context"

	"github.com/els-fr/livreur/internal/datastore/entities"
	"github.com/els-fr/livreur/internal/errors"
)

var (
	// ErrTaskNotFound is returned when a queued task does not exist.
	ErrTaskNotFound = errors.NewStd("outbox task not found")
	// ErrPreferenceNotFound is returned when a preference key is not set.
	ErrPreferenceNotFound = errors.NewStd("preference not found")
)

// OutboxRepository persists the outbox queue in FIFO order.
type OutboxRepository interface {
	Append(ctx context.Context, task *entities.OutboxTask) error
	// List returns every pending task, oldest first.
	List(ctx context.Context) ([]entities.OutboxTask, error)
	Delete(ctx context.Context, taskID string) error
	RecordFailure(ctx context.Context, taskID string, attempts int, lastErr string) error
	Count(ctx context.Context) (int64, error)
}

// PreferenceRepository stores small key/value settings such as the device id.
type PreferenceRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
