package outbox

import (
	"context"

	"github.com/els-fr/livreur/internal/datastore/entities"
	"github.com/els-fr/livreur/internal/datastore/repository"
	"github.com/els-fr/livreur/internal/errors"
)

// Store persists queued tasks across restarts.
type Store interface {
	Append(ctx context.Context, task Task) error
	// Load returns persisted tasks oldest first.
	Load(ctx context.Context) ([]Task, error)
	Remove(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, attempts int, cause error) error
}

// RepositoryStore adapts the sqlite outbox repository to Store.
type RepositoryStore struct {
	repo repository.OutboxRepository
}

// NewRepositoryStore wraps repo.
func NewRepositoryStore(repo repository.OutboxRepository) *RepositoryStore {
	return &RepositoryStore{repo: repo}
}

func (s *RepositoryStore) Append(ctx context.Context, task Task) error {
	return s.repo.Append(ctx, &entities.OutboxTask{
		TaskID:    task.ID,
		Endpoint:  task.Endpoint,
		Payload:   task.Payload,
		CreatedAt: task.CreatedAt,
	})
}

func (s *RepositoryStore) Load(ctx context.Context) ([]Task, error) {
	rows, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, Task{
			ID:        rows[i].TaskID,
			Endpoint:  rows[i].Endpoint,
			Payload:   rows[i].Payload,
			CreatedAt: rows[i].CreatedAt,
		})
	}
	return tasks, nil
}

func (s *RepositoryStore) Remove(ctx context.Context, id string) error {
	err := s.repo.Delete(ctx, id)
	if errors.Is(err, repository.ErrTaskNotFound) {
		return nil
	}
	return err
}

func (s *RepositoryStore) RecordFailure(ctx context.Context, id string, attempts int, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.repo.RecordFailure(ctx, id, attempts, msg)
}
