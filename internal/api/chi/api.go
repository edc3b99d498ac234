package chi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/juju/clock"
	apierrors "github.com/nkkko/pincer/internal/api/errors"
	"github.com/nkkko/pincer/internal/api/models"
	"github.com/nkkko/pincer/internal/api/response"
	"github.com/nkkko/pincer/internal/logging"
	"github.com/nkkko/pincer/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// CORS
	AllowedOrigins []string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

// ChiAPI serves the HTTP API
type ChiAPI struct {
	config    Config
	router    *chi.Mux
	server    *http.Server
	store     Store
	index     Index
	publisher Publisher
	waker     Waker
	clock     clock.Clock
	logger    zerolog.Logger
}

// NewChiAPI creates a new API instance with its routes registered
func NewChiAPI(config Config, store Store, index Index, publisher Publisher, waker Waker) *ChiAPI {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}

	a := &ChiAPI{
		config:    config,
		store:     store,
		index:     index,
		publisher: publisher,
		waker:     waker,
		clock:     clock.WallClock,
		logger:    log.With().Str("component", "api-chi").Logger(),
	}
	a.router = a.newRouter()
	return a
}

// Handler returns the routed handler
func (a *ChiAPI) Handler() http.Handler {
	return a.router
}

func (a *ChiAPI) newRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware("pincer-api"))
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.config.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	a.registerRoutes(r)
	return r
}

// registerRoutes sets up all API endpoints
func (a *ChiAPI) registerRoutes(r chi.Router) {
	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/pages", func(r chi.Router) {
		r.Post("/", a.handleCreatePage)
		r.Post("/{id}/categories", a.handleCreateCategory)
		r.Get("/{id}/content-categories", a.handleContentCategories)
	})

	r.Route("/categories/{id}/includes/{target}", func(r chi.Router) {
		r.Put("/", a.handleAddInclusion)
		r.Delete("/", a.handleRemoveInclusion)
	})

	r.Route("/users", func(r chi.Router) {
		r.Post("/", a.handleCreateUser)
		r.Post("/{id}/push-subscriptions", a.handleAddPushSubscription)
		r.Get("/{id}/interests", a.handleListInterests)
		r.Put("/{id}/interests", a.handleSubscribe)
		r.Delete("/{id}/interests", a.handleUnsubscribe)
		r.Put("/{id}/selection", a.handleSelection)
	})

	r.Post("/events", a.handleCreateEvent)
	r.Post("/posts", a.handleCreatePost)
	r.Post("/openings", a.handleCreateOpening)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/index/invalidate", a.handleInvalidateIndex)
		r.Post("/dispatcher/wake", a.handleWakeDispatcher)
	})
}

// Start serves until ctx is cancelled, then shuts the server down
func (a *ChiAPI) Start(ctx context.Context) error {
	a.server = &http.Server{
		Addr:         a.config.Addr,
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.config.Addr).Msg("API server started")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.ShutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown stops the API server
func (a *ChiAPI) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *ChiAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.StatusResponse{Status: "ok"})
}

func (a *ChiAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Store not reachable")
		response.Error(w, r, apierrors.UnavailableError("store_unavailable", "Store is not reachable"))
		return
	}
	response.JSON(w, r, http.StatusOK, models.StatusResponse{Status: "ready"})
}

func (a *ChiAPI) handleInvalidateIndex(w http.ResponseWriter, r *http.Request) {
	a.index.Invalidate()
	response.JSON(w, r, http.StatusAccepted, models.StatusResponse{Status: "invalidated"})
}

func (a *ChiAPI) handleWakeDispatcher(w http.ResponseWriter, r *http.Request) {
	a.waker.Wake()
	response.JSON(w, r, http.StatusAccepted, models.StatusResponse{Status: "woken"})
}
