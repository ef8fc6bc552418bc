package outbox

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/els-fr/livreur/internal/datastore"
	"github.com/els-fr/livreur/internal/datastore/repository"
	"github.com/els-fr/livreur/internal/errors"
)

var errOffline = errors.NewStd("network unreachable")

// recorder captures executions, retry notifications and backoff delays.
type recorder struct {
	mu       sync.Mutex
	executed []string
	attempts []int
	delays   []time.Duration
}

func (r *recorder) exec(fails map[string]int) ExecutorFunc {
	return func(_ context.Context, task Task) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.executed = append(r.executed, task.ID)
		if fails[task.ID] > 0 {
			fails[task.ID]--
			return errOffline
		}
		return nil
	}
}

func (r *recorder) listen(attempt int) {
	r.mu.Lock()
	r.attempts = append(r.attempts, attempt)
	r.mu.Unlock()
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() (executed []string, attempts []int, delays []time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.executed...), append([]int(nil), r.attempts...), append([]time.Duration(nil), r.delays...)
}

func task(id string) Task {
	return Task{ID: id, Endpoint: "saveDelivery", Payload: []byte(`{}`), CreatedAt: time.Now()}
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	require.Eventually(t, func() bool {
		return q.Len() == 0 && !q.Draining()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueue_FIFOWithRetry(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	q, err := New(t.Context(), rec.exec(map[string]int{"A": 1}), WithSleeper(rec.sleep))
	require.NoError(t, err)
	t.Cleanup(q.Close)
	q.SetRetryListener(rec.listen)

	require.NoError(t, q.Add(t.Context(), task("A")))
	require.NoError(t, q.Add(t.Context(), task("B")))
	require.NoError(t, q.Add(t.Context(), task("C")))
	waitIdle(t, q)

	executed, attempts, delays := rec.snapshot()
	assert.Equal(t, []string{"A", "A", "B", "C"}, executed)
	assert.Equal(t, []int{1}, attempts)
	assert.Equal(t, []time.Duration{5 * time.Second}, delays)
}

func TestQueue_AttemptCounterResetsBetweenTasks(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	q, err := New(t.Context(), rec.exec(map[string]int{"A": 3, "B": 1}), WithSleeper(rec.sleep))
	require.NoError(t, err)
	t.Cleanup(q.Close)
	q.SetRetryListener(rec.listen)

	require.NoError(t, q.Add(t.Context(), task("A")))
	require.NoError(t, q.Add(t.Context(), task("B")))
	waitIdle(t, q)

	_, attempts, delays := rec.snapshot()
	assert.Equal(t, []int{1, 2, 3, 1}, attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 5 * time.Second}, delays)
}

func TestQueue_RetryListenerIsReplaced(t *testing.T) {
	t.Parallel()

	var first, second atomic.Int32
	rec := &recorder{}
	q, err := New(t.Context(), rec.exec(map[string]int{"A": 2}), WithSleeper(rec.sleep))
	require.NoError(t, err)
	t.Cleanup(q.Close)

	q.SetRetryListener(func(int) { first.Add(1) })
	q.SetRetryListener(func(int) { second.Add(1) })

	require.NoError(t, q.Add(t.Context(), task("A")))
	waitIdle(t, q)

	assert.Zero(t, first.Load())
	assert.Equal(t, int32(2), second.Load())
}

func TestQueue_AtMostOneDrain(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight, runs atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	exec := ExecutorFunc(func(_ context.Context, _ Task) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	q, err := New(t.Context(), exec)
	require.NoError(t, err)
	t.Cleanup(q.Close)

	require.NoError(t, q.Add(t.Context(), task("A")))
	<-started

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, q.Flush(t.Context()))
		}()
	}
	// Both flushes return while the first drain is still blocked.
	wg.Wait()
	assert.True(t, q.Draining())

	require.NoError(t, q.Add(t.Context(), task("B")))
	close(release)
	waitIdle(t, q)

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, int32(2), runs.Load(), "each task runs exactly once")
}

func TestQueue_FlushEmptyReturnsImmediately(t *testing.T) {
	t.Parallel()

	q, err := New(t.Context(), ExecutorFunc(func(context.Context, Task) error {
		t.Fatal("executor must not run")
		return nil
	}))
	require.NoError(t, err)
	t.Cleanup(q.Close)

	assert.NoError(t, q.Flush(t.Context()))
	assert.False(t, q.Draining())
}

func TestQueue_OfflineThenFlush(t *testing.T) {
	t.Parallel()

	var online atomic.Bool
	var delivered atomic.Int32
	exec := ExecutorFunc(func(_ context.Context, _ Task) error {
		if !online.Load() {
			return errOffline
		}
		delivered.Add(1)
		return nil
	})

	// A backoff wait that never completes models a suspended page: the drain
	// loop gives up and only a later Flush resumes it.
	errSuspended := errors.NewStd("suspended")
	q, err := New(t.Context(), exec, WithSleeper(func(context.Context, time.Duration) error {
		return errSuspended
	}))
	require.NoError(t, err)
	t.Cleanup(q.Close)

	failed := make(chan int, 1)
	q.SetRetryListener(func(attempt int) { failed <- attempt })

	require.NoError(t, q.Add(t.Context(), task("A")))
	assert.Equal(t, 1, <-failed)
	require.Eventually(t, func() bool { return !q.Draining() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, q.Len(), "task stays queued while offline")
	assert.Zero(t, delivered.Load())

	online.Store(true)
	require.NoError(t, q.Flush(t.Context()))

	assert.Zero(t, q.Len())
	assert.Equal(t, int32(1), delivered.Load())
}

func TestQueue_PersistsAcrossRestart(t *testing.T) {
	t.Parallel()

	m, err := datastore.Open(datastore.Config{Path: filepath.Join(t.TempDir(), "livreur.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Initialize(t.Context()))
	repo := repository.NewOutboxRepository(m.DB())
	store := NewRepositoryStore(repo)

	failing := ExecutorFunc(func(context.Context, Task) error { return errOffline })
	parked := func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}

	q, err := New(t.Context(), failing, WithStore(store), WithSleeper(parked))
	require.NoError(t, err)
	failed := make(chan int, 1)
	q.SetRetryListener(func(attempt int) { failed <- attempt })

	require.NoError(t, q.Add(t.Context(), task("A")))
	<-failed
	require.NoError(t, q.Add(t.Context(), task("B")))
	q.Close()
	assert.ErrorIs(t, q.Add(t.Context(), task("C")), ErrClosed)

	rows, err := repo.List(t.Context())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Equal(t, errOffline.Error(), rows[0].LastError)

	rec := &recorder{}
	restarted, err := New(t.Context(), rec.exec(nil), WithStore(store))
	require.NoError(t, err)
	t.Cleanup(restarted.Close)

	pending := restarted.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "A", pending[0].ID)
	assert.Equal(t, "B", pending[1].ID)

	require.NoError(t, restarted.Flush(t.Context()))
	executed, _, _ := rec.snapshot()
	assert.Equal(t, []string{"A", "B"}, executed)

	n, err := repo.Count(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n, "delivered tasks are removed from the store")
}

func TestQueue_CloseInterruptsBackoff(t *testing.T) {
	t.Parallel()

	q, err := New(t.Context(), ExecutorFunc(func(context.Context, Task) error { return errOffline }))
	require.NoError(t, err)

	failed := make(chan int, 1)
	q.SetRetryListener(func(attempt int) { failed <- attempt })
	require.NoError(t, q.Add(t.Context(), task("A")))
	<-failed

	// The real 5s backoff timer is pending; Close must not wait for it.
	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on backoff wait")
	}

	assert.Equal(t, 1, q.Len())
	assert.False(t, q.Draining())
	assert.NoError(t, q.Flush(t.Context()), "flush after close is a no-op")
}

func TestQueue_AddValidation(t *testing.T) {
	t.Parallel()

	q, err := New(t.Context(), ExecutorFunc(func(context.Context, Task) error { return nil }))
	require.NoError(t, err)
	t.Cleanup(q.Close)

	err = q.Add(t.Context(), Task{Endpoint: "saveDelivery"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestNew_RequiresExecutor(t *testing.T) {
	t.Parallel()

	_, err := New(t.Context(), nil)
	assert.Error(t, err)
}

// gatedStore is an in-memory Store whose Append for one task id blocks until
// the gate is released.
type gatedStore struct {
	gateID  string
	entered chan struct{}
	gate    chan struct{}

	mu    sync.Mutex
	order []string
}

func newGatedStore(id string) *gatedStore {
	return &gatedStore{gateID: id, entered: make(chan struct{}), gate: make(chan struct{})}
}

func (s *gatedStore) Append(_ context.Context, task Task) error {
	if task.ID == s.gateID {
		close(s.entered)
		<-s.gate
	}
	s.mu.Lock()
	s.order = append(s.order, task.ID)
	s.mu.Unlock()
	return nil
}

func (s *gatedStore) Load(context.Context) ([]Task, error) { return nil, nil }

func (s *gatedStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return nil
}

func (s *gatedStore) RecordFailure(context.Context, string, int, error) error { return nil }

func (s *gatedStore) stored() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}

func TestQueue_ConcurrentAddsKeepStoreOrder(t *testing.T) {
	t.Parallel()

	store := newGatedStore("A")
	parked := func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	q, err := New(t.Context(), ExecutorFunc(func(context.Context, Task) error { return errOffline }),
		WithStore(store), WithSleeper(parked))
	require.NoError(t, err)
	t.Cleanup(q.Close)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, q.Add(t.Context(), task("A")))
	}()
	<-store.entered
	go func() {
		defer wg.Done()
		assert.NoError(t, q.Add(t.Context(), task("B")))
	}()

	// B waits behind A while A is still being persisted.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, store.stored())
	assert.Zero(t, q.Len())

	close(store.gate)
	wg.Wait()

	assert.Equal(t, []string{"A", "B"}, store.stored())
	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "A", pending[0].ID)
	assert.Equal(t, "B", pending[1].ID)
}

func TestQueue_AddRejectedByCloseIsNotPersisted(t *testing.T) {
	t.Parallel()

	store := newGatedStore("A")
	q, err := New(t.Context(), ExecutorFunc(func(context.Context, Task) error { return nil }), WithStore(store))
	require.NoError(t, err)

	added := make(chan error, 1)
	go func() { added <- q.Add(t.Context(), task("A")) }()
	<-store.entered

	q.Close()
	close(store.gate)

	require.ErrorIs(t, <-added, ErrClosed)
	assert.Empty(t, store.stored())
	assert.Zero(t, q.Len())
}
