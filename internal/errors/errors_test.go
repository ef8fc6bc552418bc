package errors

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureReporter struct {
	mu   sync.Mutex
	errs []*EnhancedError
}

func (c *captureReporter) Report(err *EnhancedError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func TestBuilder_WrapsCause(t *testing.T) {
	err := Newf("fetch event info: %w", context.DeadlineExceeded).
		Component("backend").
		Category(CategoryNetwork).
		Context("event_id", "EVT-1").
		Build()

	require.Error(t, err)
	assert.True(t, Is(err, context.DeadlineExceeded))
	assert.True(t, IsCategory(err, CategoryNetwork))
	assert.False(t, IsCategory(err, CategoryStorage))

	var ee *EnhancedError
	require.True(t, As(err, &ee))
	assert.Equal(t, "backend", ee.GetComponent())
	assert.Equal(t, "EVT-1", ee.GetContext()["event_id"])
}

func TestBuilder_NestedCategory(t *testing.T) {
	inner := New(NewStd("disk full")).Category(CategoryStorage).Build()
	outer := Newf("enqueue: %w", inner).Category(CategoryState).Build()

	assert.True(t, IsCategory(outer, CategoryState))
	assert.True(t, IsCategory(outer, CategoryStorage))
}

func TestBuilder_Reports(t *testing.T) {
	rep := &captureReporter{}
	SetReporter(rep)
	t.Cleanup(func() { SetReporter(nil) })

	_ = Newf("boom").Component("test").Build()

	require.Len(t, rep.errs, 1)
	assert.Equal(t, "boom", rep.errs[0].Error())
}

func TestNewStd_NotReported(t *testing.T) {
	rep := &captureReporter{}
	SetReporter(rep)
	t.Cleanup(func() { SetReporter(nil) })

	_ = NewStd("sentinel")
	assert.Empty(t, rep.errs)
}
