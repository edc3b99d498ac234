package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nkkko/pincer/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openingTasks(n int) []model.BackgroundTask {
	tasks := make([]model.BackgroundTask, n)
	for i := range tasks {
		tasks[i] = model.BackgroundTask{
			ID:        fmt.Sprintf("task-%d", i),
			Payload:   model.OpeningStarted{OpeningID: fmt.Sprintf("opening-%d", i)},
			CreatedAt: time.Now(),
		}
	}
	return tasks
}

// concurrencyRecorder records batch sizes and the peak number of concurrent calls
type concurrencyRecorder struct {
	mu      sync.Mutex
	sizes   []int
	current atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
}

func (p *concurrencyRecorder) Handle(ctx context.Context, tasks []model.BackgroundTask) error {
	n := p.current.Add(1)
	defer p.current.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	p.mu.Lock()
	p.sizes = append(p.sizes, len(tasks))
	p.mu.Unlock()

	time.Sleep(p.delay)
	return nil
}

func (p *concurrencyRecorder) batchSizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.sizes...)
}

func collect(t *testing.T, results <-chan BatchResult, n int) []BatchResult {
	t.Helper()
	var out []BatchResult
	for len(out) < n {
		select {
		case r := <-results:
			out = append(out, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d of %d batch results", len(out), n)
		}
	}
	return out
}

func TestTypeSchedulerBackpressure(t *testing.T) {
	recorder := &concurrencyRecorder{delay: 10 * time.Millisecond}
	results := make(chan BatchResult, 10)
	s := NewTypeScheduler(model.TaskOpeningStarted, recorder, Options{
		MaxConcurrentBatches: 1,
		MaxItemsPerBatch:     2,
	}, results)

	s.Schedule(openingTasks(5)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	got := collect(t, results, 3)
	assert.Equal(t, []int{2, 2, 1}, recorder.batchSizes())
	assert.Equal(t, int32(1), recorder.peak.Load())

	var ids []string
	for _, r := range got {
		assert.NoError(t, r.Err)
		assert.Equal(t, model.TaskOpeningStarted, r.Kind)
		ids = append(ids, r.TaskIDs...)
	}
	assert.Equal(t, []string{"task-0", "task-1", "task-2", "task-3", "task-4"}, ids)
}

func TestTypeSchedulerRunsBatchesConcurrently(t *testing.T) {
	recorder := &concurrencyRecorder{delay: 50 * time.Millisecond}
	results := make(chan BatchResult, 10)
	s := NewTypeScheduler(model.TaskOpeningStarted, recorder, Options{
		MaxConcurrentBatches: 3,
		MaxItemsPerBatch:     1,
	}, results)

	s.Schedule(openingTasks(3)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	collect(t, results, 3)
	assert.Equal(t, int32(3), recorder.peak.Load())
}

func TestTypeSchedulerIsFull(t *testing.T) {
	release := make(chan struct{})
	results := make(chan BatchResult, 1)
	s := NewTypeScheduler(model.TaskOpeningStarted, HandlerFunc(func(ctx context.Context, tasks []model.BackgroundTask) error {
		<-release
		return nil
	}), Options{MaxConcurrentBatches: 1, MaxItemsPerBatch: 1}, results)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	assert.False(t, s.IsFull())
	s.Schedule(openingTasks(2)...)

	require.Eventually(t, s.IsFull, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Pending())

	close(release)
	collect(t, results, 2)
	assert.Eventually(t, func() bool { return !s.IsFull() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Pending())
}

func TestTypeSchedulerRoomCountsQueuedTasks(t *testing.T) {
	results := make(chan BatchResult, 1)
	s := NewTypeScheduler(model.TaskOpeningStarted, &countingHandler{}, Options{
		MaxConcurrentBatches: 2,
		MaxItemsPerBatch:     3,
	}, results)

	assert.Equal(t, 6, s.Capacity())
	assert.Equal(t, 6, s.Room())

	// Not running, so everything stays queued.
	s.Schedule(openingTasks(4)...)
	assert.Equal(t, 2, s.Room())
	assert.False(t, s.IsFull())

	s.Schedule(openingTasks(2)...)
	assert.Equal(t, 0, s.Room())
	assert.True(t, s.IsFull(), "a full round of queued tasks saturates the scheduler")
}

func TestTypeSchedulerReportsFailures(t *testing.T) {
	boom := errors.New("smtp unavailable")
	results := make(chan BatchResult, 1)
	s := NewTypeScheduler(model.TaskEmailDelivery, HandlerFunc(func(ctx context.Context, tasks []model.BackgroundTask) error {
		return boom
	}), Options{HandlerOwnsDeletion: true}, results)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Schedule(model.BackgroundTask{ID: "t1", Payload: model.EmailDelivery{RequestID: "r1"}})

	r := collect(t, results, 1)[0]
	assert.ErrorIs(t, r.Err, boom)
	assert.True(t, r.HandlerOwnsDeletion)
	assert.Equal(t, []string{"t1"}, r.TaskIDs)
}

func TestTypeSchedulerRecoversPanics(t *testing.T) {
	results := make(chan BatchResult, 1)
	s := NewTypeScheduler(model.TaskPushDelivery, HandlerFunc(func(ctx context.Context, tasks []model.BackgroundTask) error {
		panic("nil subscription")
	}), DefaultOptions(), results)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Schedule(model.BackgroundTask{ID: "t1", Payload: model.PushDelivery{RequestID: "r1"}})

	r := collect(t, results, 1)[0]
	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "panicked")
	assert.Contains(t, r.Err.Error(), "nil subscription")
}

func TestTypeSchedulerStopWaitsForBatches(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	results := make(chan BatchResult, 1)
	s := NewTypeScheduler(model.TaskOpeningStarted, HandlerFunc(func(ctx context.Context, tasks []model.BackgroundTask) error {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}), DefaultOptions(), results)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Schedule(openingTasks(3)...)
	<-started
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.True(t, finished.Load())
	assert.Equal(t, 0, s.Pending(), "queued tasks are abandoned")

	r := collect(t, results, 1)[0]
	assert.ErrorIs(t, r.Err, context.Canceled)
}

func TestNewTypeSchedulerAppliesDefaults(t *testing.T) {
	s := NewTypeScheduler(model.TaskOpeningStarted, HandlerFunc(func(context.Context, []model.BackgroundTask) error {
		return nil
	}), Options{}, make(chan BatchResult))

	assert.Equal(t, DefaultOptions(), s.Options())
	assert.Equal(t, model.TaskOpeningStarted, s.Kind())
}
