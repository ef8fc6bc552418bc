package telemetry

import (
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/els-fr/livreur/internal/errors"
)

type captured struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (c *captured) all() []*sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*sentry.Event(nil), c.events...)
}

func newHub(t *testing.T) (*sentry.Hub, *captured) {
	t.Helper()
	c := &captured{}
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(ev *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	return sentry.NewHub(client, sentry.NewScope()), c
}

func TestReporter_Categories(t *testing.T) {
	t.Parallel()

	tests := []struct {
		category errors.ErrorCategory
		reported bool
	}{
		{errors.CategoryStorage, true},
		{errors.CategoryState, true},
		{errors.CategoryConfiguration, true},
		{errors.CategoryGeneric, true},
		{errors.CategoryValidation, false},
		{errors.CategoryNotFound, false},
		{errors.CategoryNetwork, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			t.Parallel()

			hub, c := newHub(t)
			r := NewReporter(hub, nil)

			var ee *errors.EnhancedError
			require.True(t, errors.As(errors.Newf("boom").
				Component("outbox").
				Category(tt.category).
				Build(), &ee))
			r.Report(ee)

			if !tt.reported {
				assert.Empty(t, c.all())
				return
			}
			require.Len(t, c.all(), 1)
		})
	}
}

func TestReporter_TagsAndContext(t *testing.T) {
	t.Parallel()

	hub, c := newHub(t)
	r := NewReporter(hub, nil)

	var ee *errors.EnhancedError
	require.True(t, errors.As(errors.Newf("failed to persist task").
		Component("outbox").
		Category(errors.CategoryStorage).
		Context("task_id", "T1").
		Context("attempts", 3).
		Build(), &ee))
	r.Report(ee)

	events := c.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, sentry.LevelError, ev.Level)
	assert.Equal(t, "outbox", ev.Tags["component"])
	assert.Equal(t, "storage", ev.Tags["category"])
	require.Contains(t, ev.Contexts, "error")
	assert.Equal(t, "T1", ev.Contexts["error"]["task_id"])
	assert.Equal(t, "3", ev.Contexts["error"]["attempts"])
}

func TestInit_WithoutDSN(t *testing.T) {
	t.Parallel()

	flush, err := Init(Config{}, nil)
	require.NoError(t, err)
	require.NotNil(t, flush)
	flush()
}
