package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/nkkko/pincer/internal/storage"
	"github.com/nkkko/pincer/internal/storage/sqlstore"
	"github.com/nkkko/pincer/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryTaskStore is a TaskStore kept in a slice
type memoryTaskStore struct {
	mu         sync.Mutex
	tasks      []model.BackgroundTask
	deleted    []string
	queries    []storage.TaskQuery
	failClaims int
}

func (m *memoryTaskStore) add(tasks ...model.BackgroundTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, tasks...)
}

func (m *memoryTaskStore) ClaimableTasks(ctx context.Context, q storage.TaskQuery) ([]model.BackgroundTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queries = append(m.queries, q)
	if m.failClaims > 0 {
		m.failClaims--
		return nil, errors.New("database is locked")
	}

	kinds := make(map[model.TaskKind]bool)
	for _, k := range q.ExcludeKinds {
		kinds[k] = true
	}
	ids := make(map[string]bool)
	for _, id := range q.ExcludeIDs {
		ids[id] = true
	}

	var out []model.BackgroundTask
	for _, t := range m.tasks {
		if kinds[t.Kind()] || ids[t.ID] || t.DueAt().After(q.Now) {
			continue
		}
		out = append(out, t)
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *memoryTaskStore) DeleteTasks(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gone := make(map[string]bool)
	for _, id := range ids {
		gone[id] = true
	}
	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if !gone[t.ID] {
			kept = append(kept, t)
		}
	}
	m.tasks = kept
	m.deleted = append(m.deleted, ids...)
	return nil
}

func (m *memoryTaskStore) remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *memoryTaskStore) deletedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func (m *memoryTaskStore) maxExcludedIDs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queries {
		n = max(n, len(q.ExcludeIDs))
	}
	return n
}

func (m *memoryTaskStore) lastQuery() storage.TaskQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries[len(m.queries)-1]
}

func task(id string, payload model.TaskPayload) model.BackgroundTask {
	return model.BackgroundTask{ID: id, Payload: payload, CreatedAt: time.Now().Add(-time.Minute)}
}

type countingHandler struct {
	calls atomic.Int32
	tasks atomic.Int32
	err   error
}

func (h *countingHandler) Handle(ctx context.Context, tasks []model.BackgroundTask) error {
	h.calls.Add(1)
	h.tasks.Add(int32(len(tasks)))
	return h.err
}

func fastConfig() Config {
	config := DefaultConfig()
	config.PollInterval = 20 * time.Millisecond
	config.MinBackoff = 5 * time.Millisecond
	config.MaxBackoff = 20 * time.Millisecond
	return config
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
}

func TestDispatcherDeletesHandledTasks(t *testing.T) {
	store := &memoryTaskStore{}
	store.add(
		task("t1", model.OpeningStarted{OpeningID: "o1"}),
		task("t2", model.OpeningStarted{OpeningID: "o2"}),
		task("t3", model.OpeningStarted{OpeningID: "o3"}),
	)

	h := &countingHandler{}
	d := NewDispatcher(store, nil, fastConfig())
	require.NoError(t, d.Register(model.TaskOpeningStarted, h, Options{MaxItemsPerBatch: 10}))
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return store.remaining() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), h.tasks.Load())
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, store.deletedIDs())
}

func TestDispatcherBackpressure(t *testing.T) {
	store := &memoryTaskStore{}
	store.add(openingTasks(5)...)

	recorder := &concurrencyRecorder{delay: 10 * time.Millisecond}
	d := NewDispatcher(store, nil, fastConfig())
	require.NoError(t, d.Register(model.TaskOpeningStarted, recorder, Options{
		MaxConcurrentBatches: 1,
		MaxItemsPerBatch:     2,
	}))
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return store.remaining() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2, 2, 1}, recorder.batchSizes())
	assert.Equal(t, int32(1), recorder.peak.Load())
}

// blockingHandler counts the tasks it was given and holds every batch until
// release is closed
type blockingHandler struct {
	started atomic.Int32
	release chan struct{}
}

func (h *blockingHandler) Handle(ctx context.Context, tasks []model.BackgroundTask) error {
	h.started.Add(int32(len(tasks)))
	select {
	case <-h.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDispatcherBoundsLargeBacklog(t *testing.T) {
	store := &memoryTaskStore{}
	store.add(openingTasks(2000)...)
	store.add(
		task("p1", model.PushDelivery{RequestID: "r1"}),
		task("p2", model.PushDelivery{RequestID: "r2"}),
	)

	opening := &blockingHandler{release: make(chan struct{})}
	push := &countingHandler{}
	d := NewDispatcher(store, nil, fastConfig())
	require.NoError(t, d.Register(model.TaskOpeningStarted, opening, DefaultOptions()))
	require.NoError(t, d.Register(model.TaskPushDelivery, push, Options{MaxItemsPerBatch: 10}))
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return push.tasks.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	// Many poll cycles pass while the opening handler is stuck.
	time.Sleep(200 * time.Millisecond)

	sched := d.schedulers[model.TaskOpeningStarted]
	assert.LessOrEqual(t, sched.Pending(), sched.Capacity())
	assert.Equal(t, int32(1), opening.started.Load())
	assert.LessOrEqual(t, store.maxExcludedIDs(), 2, "only tasks held by schedulers with room are excluded by id")
	assert.Equal(t, 2000, store.remaining())

	close(opening.release)
	require.Eventually(t, func() bool { return store.remaining() <= 1990 }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcherCapsInFlightTasks(t *testing.T) {
	store := &memoryTaskStore{}
	store.add(openingTasks(20)...)

	opening := &blockingHandler{release: make(chan struct{})}
	config := fastConfig()
	config.MaxInFlight = 3
	d := NewDispatcher(store, nil, config)
	require.NoError(t, d.Register(model.TaskOpeningStarted, opening, Options{
		MaxConcurrentBatches: 10,
		MaxItemsPerBatch:     1,
	}))
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return opening.started.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), opening.started.Load())
	assert.LessOrEqual(t, store.maxExcludedIDs(), 3)

	close(opening.release)
	require.Eventually(t, func() bool { return store.remaining() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcherFailureIsolation(t *testing.T) {
	store := &memoryTaskStore{}
	store.add(
		task("e1", model.EmailDelivery{RequestID: "r1"}),
		task("e2", model.EmailDelivery{RequestID: "r2"}),
		task("p1", model.PushDelivery{RequestID: "r3"}),
		task("p2", model.PushDelivery{RequestID: "r4"}),
	)

	email := &countingHandler{err: errors.New("smtp down")}
	push := &countingHandler{}
	d := NewDispatcher(store, nil, fastConfig())
	require.NoError(t, d.Register(model.TaskEmailDelivery, email, Options{MaxItemsPerBatch: 10}))
	require.NoError(t, d.Register(model.TaskPushDelivery, push, Options{MaxItemsPerBatch: 10}))
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return push.tasks.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return store.remaining() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"p1", "p2"}, store.deletedIDs())

	// Several poll cycles pass without retrying the failing kind.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), email.calls.Load())
	assert.Contains(t, store.lastQuery().ExcludeKinds, model.TaskEmailDelivery)
}

func TestDispatcherFailingKindCooldown(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	store := &memoryTaskStore{}
	store.add(model.BackgroundTask{ID: "t1", Payload: model.OpeningStarted{OpeningID: "o1"}, CreatedAt: clk.Now()})

	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, tasks []model.BackgroundTask) error {
		if calls.Add(1) == 1 {
			return errors.New("store timeout")
		}
		return nil
	})

	config := DefaultConfig()
	config.Clock = clk
	d := NewDispatcher(store, nil, config)
	require.NoError(t, d.Register(model.TaskOpeningStarted, handler, DefaultOptions()))
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// A wake pulse does not bypass the cooldown.
	d.Waker().Wake()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, store.remaining())

	require.Eventually(t, func() bool {
		clk.Advance(31 * time.Second)
		return store.remaining() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcherLeavesOwnedDeletionToHandler(t *testing.T) {
	store := &memoryTaskStore{}
	store.add(task("t1", model.EmailDelivery{RequestID: "r1"}))

	var handled atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, tasks []model.BackgroundTask) error {
		handled.Add(1)
		ids := make([]string, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		return store.DeleteTasks(ctx, ids)
	})

	d := NewDispatcher(store, nil, fastConfig())
	require.NoError(t, d.Register(model.TaskEmailDelivery, handler, Options{HandlerOwnsDeletion: true}))
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return store.remaining() == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"t1"}, store.deletedIDs(), "the dispatcher deletes nothing itself")
	assert.Equal(t, int32(1), handled.Load())
}

func TestDispatcherBacksOffOnStoreErrors(t *testing.T) {
	store := &memoryTaskStore{failClaims: 3}
	store.add(task("t1", model.OpeningStarted{OpeningID: "o1"}))

	h := &countingHandler{}
	d := NewDispatcher(store, nil, fastConfig())
	require.NoError(t, d.Register(model.TaskOpeningStarted, h, DefaultOptions()))
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return store.remaining() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestDispatcherExcludesKindsWithoutScheduler(t *testing.T) {
	store := &memoryTaskStore{}
	store.add(
		task("e1", model.EmailDelivery{RequestID: "r1"}),
		task("o1", model.OpeningStarted{OpeningID: "o1"}),
	)

	h := &countingHandler{}
	d := NewDispatcher(store, nil, fastConfig())
	require.NoError(t, d.Register(model.TaskOpeningStarted, h, DefaultOptions()))
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return store.remaining() == 1 }, 2*time.Second, 5*time.Millisecond)
	q := store.lastQuery()
	assert.Contains(t, q.ExcludeKinds, model.TaskEmailDelivery)
	assert.Contains(t, q.ExcludeKinds, model.TaskPushDelivery)
	assert.NotContains(t, q.ExcludeKinds, model.TaskOpeningStarted)
}

func TestDispatcherRoutesUnknownKindToError(t *testing.T) {
	d := NewDispatcher(&memoryTaskStore{}, nil, fastConfig())

	err := d.route(model.TaskPushDelivery)
	assert.ErrorIs(t, err, ErrNoScheduler)
	assert.True(t, d.missing[model.TaskPushDelivery])
}

func TestDispatcherWakesOnPulse(t *testing.T) {
	store := &memoryTaskStore{}
	h := &countingHandler{}

	config := fastConfig()
	config.PollInterval = time.Hour
	d := NewDispatcher(store, NewWaker(), config)
	require.NoError(t, d.Register(model.TaskOpeningStarted, h, DefaultOptions()))
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return d.Waker().State() == Idle }, 2*time.Second, 5*time.Millisecond)

	store.add(task("t1", model.OpeningStarted{OpeningID: "o1"}))
	d.Waker().Wake()

	require.Eventually(t, func() bool { return store.remaining() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestDispatcherRegisterRules(t *testing.T) {
	d := NewDispatcher(&memoryTaskStore{}, nil, fastConfig())
	h := &countingHandler{}

	require.NoError(t, d.Register(model.TaskOpeningStarted, h, DefaultOptions()))
	assert.Error(t, d.Register(model.TaskOpeningStarted, h, DefaultOptions()))

	startDispatcher(t, d)
	require.Eventually(t, func() bool { return d.Waker().State() == Idle && d.isRunning() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, d.Register(model.TaskPushDelivery, h, DefaultOptions()), ErrAlreadyRunning)
}

func TestDispatcherHonorsNotBefore(t *testing.T) {
	store, err := sqlstore.Open(sqlstore.Config{DSN: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	clk := testclock.NewClock(time.Now())
	start := clk.Now().Add(time.Hour)
	require.NoError(t, store.EnqueueTasks(context.Background(), model.BackgroundTask{
		ID:        "opening-task",
		Payload:   model.OpeningStarted{OpeningID: "o1"},
		CreatedAt: clk.Now(),
		NotBefore: &start,
	}))

	h := &countingHandler{}
	config := DefaultConfig()
	config.Clock = clk
	d := NewDispatcher(store, nil, config)
	require.NoError(t, d.Register(model.TaskOpeningStarted, h, DefaultOptions()))
	startDispatcher(t, d)

	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), h.calls.Load(), "the task is not due yet")

	require.Eventually(t, func() bool {
		clk.Advance(30 * time.Second)
		return h.calls.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		d.Waker().Wake()
		tasks, err := store.ClaimableTasks(context.Background(), storage.TaskQuery{Now: start.Add(time.Hour)})
		return err == nil && len(tasks) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
