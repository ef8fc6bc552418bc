package swcache

import (
	"context"
	"slices"
	"sync"

	"github.com/els-fr/livreur/internal/logger"
)

// SyncManager emulates the platform background sync facility: tags are
// registered while offline and fired once connectivity returns.
type SyncManager struct {
	worker *Worker

	mu   sync.Mutex
	tags []string
}

// NewSyncManager creates a manager dispatching sync events to w.
func NewSyncManager(w *Worker) *SyncManager {
	return &SyncManager{worker: w}
}

// Register records tag. Registering the same tag twice is a no-op.
func (m *SyncManager) Register(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.tags, tag) {
		m.tags = append(m.tags, tag)
	}
}

// Tags returns the pending tags.
func (m *SyncManager) Tags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.tags)
}

// Fire dispatches one sync event per pending tag. Tags whose handler fails
// stay registered for the next Fire.
func (m *SyncManager) Fire(ctx context.Context) int {
	m.mu.Lock()
	tags := m.tags
	m.tags = nil
	m.mu.Unlock()

	fired := 0
	var retry []string
	for _, tag := range tags {
		if _, err := m.worker.Dispatch(ctx, Event{Kind: EventSync, Tag: tag}); err != nil {
			m.worker.log.Warn("sync event failed", logger.String("tag", tag), logger.Error(err))
			retry = append(retry, tag)
			continue
		}
		fired++
	}

	if len(retry) > 0 {
		m.mu.Lock()
		for _, tag := range retry {
			if !slices.Contains(m.tags, tag) {
				m.tags = append(m.tags, tag)
			}
		}
		m.mu.Unlock()
	}
	return fired
}
