package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/els-fr/livreur/internal/datastore/entities"
)

// outboxRepository implements OutboxRepository.
type outboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &outboxRepository{db: db}
}

// Append inserts a task at the tail of the queue.
func (r *outboxRepository) Append(ctx context.Context, task *entities.OutboxTask) error {
	if task.TaskID == "" {
		return fmt.Errorf("failed to append outbox task: missing task ID")
	}
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to append outbox task %s: %w", task.TaskID, err)
	}
	return nil
}

// List returns all pending tasks in insertion order.
func (r *outboxRepository) List(ctx context.Context) ([]entities.OutboxTask, error) {
	var tasks []entities.OutboxTask
	if err := r.db.WithContext(ctx).Order("seq ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list outbox tasks: %w", err)
	}
	return tasks, nil
}

// Delete removes a delivered task.
func (r *outboxRepository) Delete(ctx context.Context, taskID string) error {
	result := r.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&entities.OutboxTask{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete outbox task %s: %w", taskID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// RecordFailure stores the attempt count and last error of a task.
func (r *outboxRepository) RecordFailure(ctx context.Context, taskID string, attempts int, lastErr string) error {
	result := r.db.WithContext(ctx).Model(&entities.OutboxTask{}).
		Where("task_id = ?", taskID).
		Updates(map[string]any{"attempts": attempts, "last_error": lastErr})
	if result.Error != nil {
		return fmt.Errorf("failed to record failure for outbox task %s: %w", taskID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Count returns the number of pending tasks.
func (r *outboxRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&entities.OutboxTask{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count outbox tasks: %w", err)
	}
	return n, nil
}
