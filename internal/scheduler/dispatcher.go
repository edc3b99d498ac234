package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/nkkko/pincer/internal/metrics"
	"github.com/nkkko/pincer/internal/storage"
	"github.com/nkkko/pincer/pkg/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoScheduler is returned when a task kind has no registered scheduler
	ErrNoScheduler = errors.New("no scheduler registered for task kind")

	// ErrAlreadyRunning is returned when registering after Run started
	ErrAlreadyRunning = errors.New("dispatcher already running")
)

// TaskStore is the part of the durable store the dispatcher needs
type TaskStore interface {
	ClaimableTasks(ctx context.Context, q storage.TaskQuery) ([]model.BackgroundTask, error)
	DeleteTasks(ctx context.Context, ids []string) error
}

// Config contains dispatcher configuration
type Config struct {
	// PageSize is the number of tasks claimed per query
	PageSize int

	// MaxInFlight caps the claimed tasks held in memory. Their ids are bound
	// into the claim query, so it must stay below the driver's parameter limit.
	MaxInFlight int

	// PollInterval bounds how long the dispatcher sleeps without a wake pulse
	PollInterval time.Duration

	// FailureCooldown is how long a kind is excluded after a failed batch
	FailureCooldown time.Duration

	// Backoff bounds for store errors
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// ReclaimTimeout bounds the final deletion after cancellation
	ReclaimTimeout time.Duration

	// Clock drives polling, cooldowns and backoff, the wall clock when nil
	Clock clock.Clock
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		PageSize:        100,
		MaxInFlight:     10000,
		PollInterval:    30 * time.Second,
		FailureCooldown: time.Minute,
		MinBackoff:      500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		ReclaimTimeout:  5 * time.Second,
	}
}

// Dispatcher claims due tasks from the store, routes them to the scheduler
// of their kind and deletes them once handled. The in-flight set and the
// failing map are owned by the Run goroutine.
type Dispatcher struct {
	store   TaskStore
	waker   *Waker
	config  Config
	clock   clock.Clock
	backoff func(time.Duration, int) time.Duration

	mu         sync.Mutex
	running    bool
	schedulers map[model.TaskKind]*TypeScheduler
	results    chan BatchResult

	inFlight      map[string]model.TaskKind
	failing       map[model.TaskKind]time.Time
	missing       map[model.TaskKind]bool
	pendingDelete []string

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher. A nil waker gets a private one.
func NewDispatcher(store TaskStore, waker *Waker, config Config) *Dispatcher {
	defaults := DefaultConfig()
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = defaults.MaxInFlight
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.FailureCooldown <= 0 {
		config.FailureCooldown = defaults.FailureCooldown
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = defaults.MinBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = max(defaults.MaxBackoff, config.MinBackoff)
	}
	if config.ReclaimTimeout <= 0 {
		config.ReclaimTimeout = defaults.ReclaimTimeout
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	if waker == nil {
		waker = NewWaker()
	}

	return &Dispatcher{
		store:      store,
		waker:      waker,
		config:     config,
		clock:      clk,
		backoff:    retry.ExpBackoff(config.MinBackoff, config.MaxBackoff, 2, true),
		schedulers: make(map[model.TaskKind]*TypeScheduler),
		results:    make(chan BatchResult, 64),
		inFlight:   make(map[string]model.TaskKind),
		failing:    make(map[model.TaskKind]time.Time),
		missing:    make(map[model.TaskKind]bool),
		logger:     log.With().Str("component", "dispatcher").Logger(),
		metrics:    metrics.GetMetrics(),
	}
}

// Waker returns the wake signal producers pulse after enqueueing tasks
func (d *Dispatcher) Waker() *Waker {
	return d.waker
}

func (d *Dispatcher) isRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Register installs the handler for kind. It must be called before Run.
func (d *Dispatcher) Register(kind model.TaskKind, handler Handler, options Options) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}
	if _, exists := d.schedulers[kind]; exists {
		return fmt.Errorf("scheduler for %s already registered", kind)
	}
	d.schedulers[kind] = NewTypeScheduler(kind, handler, options, d.results)
	return nil
}

// Run dispatches until ctx is cancelled. Store errors are retried with
// backoff; Run only returns after every scheduler stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.mu.Unlock()

	for _, kind := range model.AllTaskKinds {
		if _, ok := d.schedulers[kind]; !ok {
			d.missing[kind] = true
			d.logger.Warn().Str("kind", string(kind)).Msg("No scheduler registered, tasks of this kind stay queued")
		}
	}

	var schedulers sync.WaitGroup
	for _, s := range d.schedulers {
		schedulers.Add(1)
		go func(s *TypeScheduler) {
			defer schedulers.Done()
			s.Run(ctx)
		}(s)
	}

	d.logger.Info().Int("schedulers", len(d.schedulers)).Msg("Starting task dispatcher")

	attempt := 0
	for {
		d.metrics.DispatcherCyclesTotal.Inc()
		d.waker.begin()
		d.drainResults()
		d.reclaim(ctx)

		more, err := d.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			attempt++
			delay := d.backoff(0, attempt)
			d.metrics.DispatcherStoreErrorsTotal.Inc()
			d.logger.Error().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Claiming tasks failed")
			d.waker.finish()
			if !d.sleep(ctx, delay) {
				break
			}
			continue
		}
		attempt = 0

		if again := d.waker.finish(); again || more {
			continue
		}
		if !d.wait(ctx) {
			break
		}
	}

	d.shutdown(ctx, &schedulers)
	return nil
}

// claim queries one page of due tasks and routes them. A scheduler is only
// given as many tasks as it has room for; the rest stay in the store. It
// reports whether the page was full and at least one task was routed.
func (d *Dispatcher) claim(ctx context.Context) (bool, error) {
	now := d.clock.Now()

	excluded := make(map[model.TaskKind]bool)
	for kind, until := range d.failing {
		if !now.Before(until) {
			delete(d.failing, kind)
			d.logger.Info().Str("kind", string(kind)).Msg("Task kind cooled down, claiming again")
			continue
		}
		excluded[kind] = true
	}
	d.metrics.DispatcherFailingKinds.Set(float64(len(d.failing)))

	for kind := range d.missing {
		excluded[kind] = true
	}

	budget := d.config.MaxInFlight - len(d.inFlight)
	if budget <= 0 {
		d.logger.Debug().Int("in_flight", len(d.inFlight)).Msg("In-flight limit reached, not claiming")
		return false, nil
	}

	room := make(map[model.TaskKind]int)
	for kind, s := range d.schedulers {
		if excluded[kind] {
			continue
		}
		if n := s.Room(); n > 0 {
			room[kind] = n
		} else {
			excluded[kind] = true
		}
	}

	exclude := make([]model.TaskKind, 0, len(excluded))
	claimable := 0
	for _, kind := range model.AllTaskKinds {
		if excluded[kind] {
			exclude = append(exclude, kind)
		} else {
			claimable++
		}
	}
	if claimable == 0 {
		return false, nil
	}

	// Tasks of excluded kinds cannot come back, so only the claimed ids of
	// the queried kinds are bound.
	var ids []string
	for id, kind := range d.inFlight {
		if !excluded[kind] {
			ids = append(ids, id)
		}
	}

	tasks, err := d.store.ClaimableTasks(ctx, storage.TaskQuery{
		ExcludeKinds: exclude,
		ExcludeIDs:   ids,
		Now:          now,
		Limit:        d.config.PageSize,
	})
	if err != nil {
		return false, err
	}

	routed := 0
	byKind := make(map[model.TaskKind][]model.BackgroundTask)
	for _, t := range tasks {
		kind := t.Kind()
		if _, claimed := d.inFlight[t.ID]; claimed {
			continue
		}
		if err := d.route(kind); err != nil {
			d.logger.Warn().Err(err).Str("task_id", t.ID).Msg("Cannot dispatch task")
			continue
		}
		if room[kind] == 0 || budget == 0 {
			continue
		}
		room[kind]--
		budget--

		d.inFlight[t.ID] = kind
		byKind[kind] = append(byKind[kind], t)
		routed++
	}
	for kind, batch := range byKind {
		d.schedulers[kind].Schedule(batch...)
		d.metrics.DispatcherClaimedTotal.WithLabelValues(string(kind)).Add(float64(len(batch)))
	}

	if routed > 0 {
		d.logger.Debug().Int("claimed", routed).Int("in_flight", len(d.inFlight)).Msg("Dispatched tasks")
	}
	return len(tasks) >= d.config.PageSize && routed > 0, nil
}

func (d *Dispatcher) route(kind model.TaskKind) error {
	if _, ok := d.schedulers[kind]; ok {
		return nil
	}
	d.missing[kind] = true
	return fmt.Errorf("%w: %s", ErrNoScheduler, kind)
}

func (d *Dispatcher) drainResults() {
	for {
		select {
		case r := <-d.results:
			d.complete(r)
		default:
			return
		}
	}
}

func (d *Dispatcher) complete(r BatchResult) {
	for _, id := range r.TaskIDs {
		delete(d.inFlight, id)
	}

	if r.Err != nil {
		until := d.clock.Now().Add(d.config.FailureCooldown)
		if _, already := d.failing[r.Kind]; !already {
			d.logger.Warn().
				Err(r.Err).
				Str("kind", string(r.Kind)).
				Time("until", until).
				Msg("Task kind failing, pausing claims")
		}
		d.failing[r.Kind] = until
		d.metrics.DispatcherFailingKinds.Set(float64(len(d.failing)))
		return
	}

	if !r.HandlerOwnsDeletion {
		d.pendingDelete = append(d.pendingDelete, r.TaskIDs...)
	}
}

// reclaim deletes handled tasks in one statement. Failed deletions are kept
// for the next cycle.
func (d *Dispatcher) reclaim(ctx context.Context) {
	if len(d.pendingDelete) == 0 {
		return
	}
	if err := d.store.DeleteTasks(ctx, d.pendingDelete); err != nil {
		d.metrics.DispatcherStoreErrorsTotal.Inc()
		d.logger.Error().Err(err).Int("tasks", len(d.pendingDelete)).Msg("Failed to delete handled tasks")
		return
	}
	d.metrics.DispatcherReclaimedTotal.Add(float64(len(d.pendingDelete)))
	d.pendingDelete = nil
}

// wait blocks until a wake pulse, a finished batch, a cooldown expiry or the
// poll interval. It returns false on cancellation.
func (d *Dispatcher) wait(ctx context.Context) bool {
	timeout := d.config.PollInterval
	now := d.clock.Now()
	for _, until := range d.failing {
		if remaining := until.Sub(now); remaining < timeout {
			timeout = max(remaining, 0)
		}
	}

	timer := d.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-d.waker.C():
		d.metrics.DispatcherWakeupsTotal.WithLabelValues("wake").Inc()
	case r := <-d.results:
		d.metrics.DispatcherWakeupsTotal.WithLabelValues("result").Inc()
		d.complete(r)
	case <-timer.Chan():
		d.metrics.DispatcherWakeupsTotal.WithLabelValues("poll").Inc()
	}
	return true
}

// sleep waits out a backoff delay. It returns false on cancellation.
func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	timer := d.clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func (d *Dispatcher) shutdown(ctx context.Context, schedulers *sync.WaitGroup) {
	d.logger.Info().Int("in_flight", len(d.inFlight)).Msg("Stopping task dispatcher")

	stopped := make(chan struct{})
	go func() {
		schedulers.Wait()
		close(stopped)
	}()

	for done := false; !done; {
		select {
		case r := <-d.results:
			d.complete(r)
		case <-stopped:
			d.drainResults()
			done = true
		}
	}

	reclaimCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.ReclaimTimeout)
	defer cancel()
	d.reclaim(reclaimCtx)

	if len(d.pendingDelete) > 0 {
		d.logger.Warn().Int("tasks", len(d.pendingDelete)).Msg("Handled tasks left in store, they will run again")
	}
	d.logger.Info().Msg("Task dispatcher stopped")
}
