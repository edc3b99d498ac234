package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	apichi "github.com/nkkko/pincer/internal/api/chi"
	"github.com/nkkko/pincer/internal/config"
	"github.com/nkkko/pincer/internal/delivery"
	"github.com/nkkko/pincer/internal/fanout"
	"github.com/nkkko/pincer/internal/scheduler"
	"github.com/nkkko/pincer/internal/storage/badger"
	"github.com/nkkko/pincer/internal/storage/sqlstore"
	"github.com/nkkko/pincer/internal/tasks"
	"github.com/nkkko/pincer/internal/telemetry"
	"github.com/nkkko/pincer/internal/topic"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Engine owns every long-lived component and runs them together
type Engine struct {
	config     *config.Config
	store      *sqlstore.Store
	ledger     *badger.Ledger
	index      *topic.IndexCache
	fanout     *fanout.Service
	waker      *scheduler.Waker
	relay      *scheduler.RedisRelay
	redis      *redis.Client
	dispatcher *scheduler.Dispatcher
	api        *apichi.ChiAPI
	logger     zerolog.Logger
}

// New opens the stores and wires the components from cfg. Nothing runs
// until Start.
func New(cfg *config.Config) (_ *Engine, err error) {
	e := &Engine{
		config: cfg,
		logger: log.With().Str("component", "engine").Logger(),
	}
	defer func() {
		if err != nil {
			e.close()
		}
	}()

	if e.store, err = sqlstore.Open(cfg.ToSQLStoreConfig()); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if e.ledger, err = badger.NewLedger(cfg.ToLedgerConfig()); err != nil {
		return nil, fmt.Errorf("failed to open delivery ledger: %w", err)
	}

	e.index = topic.NewIndexCache(e.store, cfg.ToIndexConfig())
	e.waker = scheduler.NewWaker()

	// Producers wake through the relay when there is one, so dispatchers of
	// other processes sharing the store pick up new tasks too
	var producerWaker interface{ Wake() } = e.waker
	if cfg.Redis.Enabled {
		e.redis = redis.NewClient(cfg.ToRedisOptions())
		e.relay = scheduler.NewRedisRelay(e.redis, cfg.Redis.Channel, e.waker)
		producerWaker = e.relay
	}

	if e.fanout, err = fanout.NewService(e.index, e.store, producerWaker, cfg.ToFanoutConfig()); err != nil {
		return nil, fmt.Errorf("failed to create fan-out service: %w", err)
	}

	e.dispatcher = scheduler.NewDispatcher(e.store, e.waker, cfg.ToDispatcherConfig())
	deps := tasks.Dependencies{
		Store:     e.store,
		Publisher: e.fanout,
		Ledger:    e.ledger,
		Email:     newEmailSender(cfg),
		Push:      delivery.NewGatewaySender(cfg.ToPushConfig()),
	}
	if err = tasks.Register(e.dispatcher, deps, cfg.ToTaskOptions()); err != nil {
		return nil, fmt.Errorf("failed to register task handlers: %w", err)
	}

	e.api = apichi.NewChiAPI(cfg.ToAPIConfig(), e.store, e.index, e.fanout, producerWaker)
	return e, nil
}

func newEmailSender(cfg *config.Config) delivery.EmailSender {
	if cfg.Email.Mode == "smtp" {
		return delivery.NewSMTPSender(cfg.ToSMTPConfig())
	}
	return delivery.NewLogEmailSender()
}

// Start runs every component until ctx is cancelled or one of them fails,
// then releases the stores
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting Pincer engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
		telShutdown = nil
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.ledger.Start(ctx)
	})

	g.Go(func() error {
		return e.dispatcher.Run(ctx)
	})

	if e.relay != nil {
		g.Go(func() error {
			// Polling still picks up remote work without the relay
			if err := e.relay.Run(ctx); err != nil {
				e.logger.Error().Err(err).Msg("Wake relay stopped, relying on polling")
			}
			return nil
		})
	}

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	shutdownCtx := context.WithoutCancel(ctx)
	if telShutdown != nil {
		if terr := telShutdown(shutdownCtx); terr != nil {
			e.logger.Error().Err(terr).Msg("Failed to shut down telemetry")
		}
	}
	e.close()

	if err != nil {
		return fmt.Errorf("error running engine: %w", err)
	}
	e.logger.Info().Msg("Pincer engine shut down successfully")
	return nil
}

// close releases what New opened. The dispatcher has stopped by then, so no
// handler uses the stores anymore.
func (e *Engine) close() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Error().Err(err).Msg("Failed to close redis client")
		}
	}
	if e.ledger != nil {
		if err := e.ledger.Shutdown(context.Background()); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down ledger")
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Error().Err(err).Msg("Failed to close store")
		}
	}
}

// Handler exposes the HTTP API without a listener
func (e *Engine) Handler() http.Handler {
	return e.api.Handler()
}
