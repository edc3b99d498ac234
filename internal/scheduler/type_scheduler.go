package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nkkko/pincer/internal/metrics"
	"github.com/nkkko/pincer/internal/telemetry"
	"github.com/nkkko/pincer/pkg/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Handler processes one batch of tasks of a single kind
type Handler interface {
	Handle(ctx context.Context, tasks []model.BackgroundTask) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, tasks []model.BackgroundTask) error

// Handle calls f(ctx, tasks)
func (f HandlerFunc) Handle(ctx context.Context, tasks []model.BackgroundTask) error {
	return f(ctx, tasks)
}

// Options controls batching for one task kind
type Options struct {
	// MaxConcurrentBatches is the number of batches handled at the same time
	MaxConcurrentBatches int

	// MaxItemsPerBatch caps the number of tasks passed to one Handle call
	MaxItemsPerBatch int

	// HandlerOwnsDeletion means the handler removes task rows itself and
	// the dispatcher must not delete them on success
	HandlerOwnsDeletion bool
}

// DefaultOptions returns options for a handler that processes one task at a time
func DefaultOptions() Options {
	return Options{
		MaxConcurrentBatches: 1,
		MaxItemsPerBatch:     1,
	}
}

// BatchResult reports the outcome of one batch
type BatchResult struct {
	Kind                model.TaskKind
	TaskIDs             []string
	Err                 error
	HandlerOwnsDeletion bool
	Duration            time.Duration
}

// TypeScheduler queues tasks of one kind and hands them to the handler in
// batches, with at most MaxConcurrentBatches batches in flight
type TypeScheduler struct {
	kind    model.TaskKind
	handler Handler
	options Options
	results chan<- BatchResult

	mu       sync.Mutex
	queue    []model.BackgroundTask
	inFlight int
	signal   chan struct{}
	batches  sync.WaitGroup

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewTypeScheduler creates a scheduler for kind that reports completed
// batches on results
func NewTypeScheduler(kind model.TaskKind, handler Handler, options Options, results chan<- BatchResult) *TypeScheduler {
	if options.MaxConcurrentBatches <= 0 {
		options.MaxConcurrentBatches = DefaultOptions().MaxConcurrentBatches
	}
	if options.MaxItemsPerBatch <= 0 {
		options.MaxItemsPerBatch = DefaultOptions().MaxItemsPerBatch
	}

	return &TypeScheduler{
		kind:    kind,
		handler: handler,
		options: options,
		results: results,
		signal:  make(chan struct{}, 1),
		logger:  log.With().Str("component", "scheduler").Str("kind", string(kind)).Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Kind returns the task kind this scheduler handles
func (s *TypeScheduler) Kind() model.TaskKind {
	return s.kind
}

// Options returns the effective options
func (s *TypeScheduler) Options() Options {
	return s.options
}

// Schedule adds tasks to the intake queue. It never blocks.
func (s *TypeScheduler) Schedule(tasks ...model.BackgroundTask) {
	if len(tasks) == 0 {
		return
	}

	s.mu.Lock()
	s.queue = append(s.queue, tasks...)
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.SchedulerQueueDepth.WithLabelValues(string(s.kind)).Set(float64(depth))
	s.notify()
}

// Capacity is the number of tasks one round of batches holds. The intake
// queue never needs more than that.
func (s *TypeScheduler) Capacity() int {
	return s.options.MaxConcurrentBatches * s.options.MaxItemsPerBatch
}

// IsFull reports whether the scheduler should not be given more tasks:
// every batch slot is busy or the queue already holds a full round.
func (s *TypeScheduler) IsFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight >= s.options.MaxConcurrentBatches || len(s.queue) >= s.Capacity()
}

// Room returns how many more tasks the scheduler accepts, zero when full
func (s *TypeScheduler) Room() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight >= s.options.MaxConcurrentBatches {
		return 0
	}
	return max(s.Capacity()-len(s.queue), 0)
}

// Pending returns the number of queued tasks not yet in a batch
func (s *TypeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *TypeScheduler) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Run starts batches until ctx is cancelled, then waits for the batches in
// flight. Tasks still queued are abandoned; their rows stay in the store.
func (s *TypeScheduler) Run(ctx context.Context) error {
	s.logger.Debug().
		Int("max_concurrent_batches", s.options.MaxConcurrentBatches).
		Int("max_items_per_batch", s.options.MaxItemsPerBatch).
		Msg("Starting type scheduler")

	for {
		s.startBatches(ctx)

		select {
		case <-s.signal:
		case <-ctx.Done():
			s.batches.Wait()

			s.mu.Lock()
			abandoned := len(s.queue)
			s.queue = nil
			s.mu.Unlock()
			s.metrics.SchedulerQueueDepth.WithLabelValues(string(s.kind)).Set(0)

			if abandoned > 0 {
				s.logger.Info().Int("abandoned", abandoned).Msg("Type scheduler stopped with queued tasks")
			}
			return nil
		}
	}
}

func (s *TypeScheduler) startBatches(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.inFlight < s.options.MaxConcurrentBatches && len(s.queue) > 0 {
		if ctx.Err() != nil {
			return
		}

		n := min(len(s.queue), s.options.MaxItemsPerBatch)
		batch := make([]model.BackgroundTask, n)
		copy(batch, s.queue)
		s.queue = s.queue[n:]
		if len(s.queue) == 0 {
			s.queue = nil
		}

		s.inFlight++
		s.batches.Add(1)
		go s.handle(ctx, batch)
	}

	s.metrics.SchedulerQueueDepth.WithLabelValues(string(s.kind)).Set(float64(len(s.queue)))
	s.metrics.SchedulerBatchesInFlight.WithLabelValues(string(s.kind)).Set(float64(s.inFlight))
}

func (s *TypeScheduler) handle(ctx context.Context, batch []model.BackgroundTask) {
	defer s.batches.Done()

	ids := make([]string, len(batch))
	for i, t := range batch {
		ids[i] = t.ID
	}

	ctx, span := telemetry.StartSpan(ctx, "scheduler.batch")
	telemetry.AddSpanAttributes(ctx,
		attribute.String("task.kind", string(s.kind)),
		attribute.Int("batch.size", len(batch)),
	)

	start := time.Now()
	err := s.invoke(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		s.logger.Warn().Err(err).Int("tasks", len(batch)).Msg("Batch failed")
	}
	span.End()

	kind := string(s.kind)
	s.metrics.SchedulerBatchesTotal.WithLabelValues(kind, strconv.FormatBool(err == nil)).Inc()
	s.metrics.SchedulerBatchSize.WithLabelValues(kind).Observe(float64(len(batch)))
	s.metrics.SchedulerBatchDuration.WithLabelValues(kind).Observe(duration.Seconds())

	s.mu.Lock()
	s.inFlight--
	s.metrics.SchedulerBatchesInFlight.WithLabelValues(kind).Set(float64(s.inFlight))
	s.mu.Unlock()
	s.notify()

	s.results <- BatchResult{
		Kind:                s.kind,
		TaskIDs:             ids,
		Err:                 err,
		HandlerOwnsDeletion: s.options.HandlerOwnsDeletion,
		Duration:            duration,
	}
}

func (s *TypeScheduler) invoke(ctx context.Context, batch []model.BackgroundTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.SchedulerPanicsTotal.WithLabelValues(string(s.kind)).Inc()
			err = fmt.Errorf("handler for %s panicked: %v", s.kind, r)
		}
	}()
	return s.handler.Handle(ctx, batch)
}
