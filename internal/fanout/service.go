package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/nkkko/pincer/internal/metrics"
	"github.com/nkkko/pincer/internal/storage"
	"github.com/nkkko/pincer/internal/telemetry"
	"github.com/nkkko/pincer/internal/topic"
	"github.com/nkkko/pincer/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNoCategories is returned for a publication without categories
var ErrNoCategories = errors.New("publication has no categories")

// IndexSource hands out private copies of the topic graph
type IndexSource interface {
	Get(ctx context.Context) (*topic.Graph, error)
}

// Store is the part of the durable store fan-out needs
type Store interface {
	FindSubscribers(ctx context.Context, q storage.SubscriberQuery) ([]storage.Subscriber, error)
	PersistFanout(ctx context.Context, batch storage.FanoutBatch) error
}

// Waker is pulsed after new delivery tasks are committed
type Waker interface {
	Wake()
}

// Config contains fan-out configuration
type Config struct {
	// ClosureCacheSize is the number of memoized includer closures
	ClosureCacheSize int

	// Clock stamps notifications and tasks, the wall clock when nil
	Clock clock.Clock
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		ClosureCacheSize: 1024,
	}
}

// Publication describes published content
type Publication struct {
	// Categories the content was published under
	Categories []string

	// EventID is the content root, if any. Subscribers of the event are
	// notified as well.
	EventID string

	// Notification is the notification to emit. CreatedAt is assigned by
	// the service, and so is ID when empty.
	Notification model.Notification
}

// EventPublication is the publication of a newly created event
func EventPublication(event model.Event) Publication {
	return Publication{
		Categories:   event.CategoryIDs,
		Notification: model.EventPublished(event),
	}
}

// PostPublication is the publication of a post. Subscribers of the post's
// event are notified too.
func PostPublication(post model.Post) Publication {
	pub := Publication{
		Categories:   post.CategoryIDs,
		Notification: model.PostPublished(post),
	}
	if post.EventID != nil {
		pub.EventID = *post.EventID
	}
	return pub
}

// Service turns publications into notifications and delivery tasks
type Service struct {
	index    IndexSource
	store    Store
	waker    Waker
	clock    clock.Clock
	closures *closureCache
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewService creates a fan-out service
func NewService(index IndexSource, store Store, waker Waker, config Config) (*Service, error) {
	if config.ClosureCacheSize <= 0 {
		config.ClosureCacheSize = DefaultConfig().ClosureCacheSize
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	closures, err := newClosureCache(config.ClosureCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create closure cache: %w", err)
	}

	return &Service{
		index:    index,
		store:    store,
		waker:    waker,
		clock:    clk,
		closures: closures,
		logger:   log.With().Str("component", "fanout").Logger(),
		metrics:  metrics.GetMetrics(),
	}, nil
}

type recipient struct {
	userID  string
	channel model.Channel
}

// OnPublish creates one notification for the publication and one request
// per distinct (user, channel) among the subscribers of every category that
// includes the published ones. Everything is written in one transaction and
// the waker is pulsed afterwards. Publishing a notification ID that was
// already fanned out writes nothing and returns the notification.
func (s *Service) OnPublish(ctx context.Context, pub Publication) (*model.Notification, error) {
	if len(pub.Categories) == 0 {
		return nil, ErrNoCategories
	}

	ctx, span := telemetry.StartSpan(ctx, "fanout.OnPublish")
	defer span.End()
	timer := prometheus.NewTimer(s.metrics.FanoutDuration)
	defer timer.ObserveDuration()

	graph, err := s.index.Get(ctx)
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		return nil, fmt.Errorf("failed to get topic graph: %w", err)
	}
	interested := s.closures.includers(graph, pub.Categories)

	trigger := pub.Notification.Kind.Trigger()
	subscribers, err := s.store.FindSubscribers(ctx, storage.SubscriberQuery{
		CategoryIDs: interested,
		EventID:     pub.EventID,
		Kinds:       model.KindsFor(trigger),
	})
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		return nil, fmt.Errorf("failed to find subscribers: %w", err)
	}

	now := s.clock.Now().UTC()
	n := pub.Notification
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = now

	batch := storage.FanoutBatch{Notification: n}
	seen := make(map[recipient]bool, len(subscribers))
	for _, sub := range subscribers {
		_, channel, ok := sub.Kind.Delivery()
		if !ok {
			continue
		}
		key := recipient{userID: sub.UserID, channel: channel}
		if seen[key] {
			continue
		}
		seen[key] = true

		req := model.NotificationRequest{
			ID:             uuid.New().String(),
			NotificationID: n.ID,
			UserID:         sub.UserID,
			Channel:        channel,
			CreatedAt:      now,
		}
		batch.Requests = append(batch.Requests, req)
		batch.Tasks = append(batch.Tasks, model.BackgroundTask{
			ID:        uuid.New().String(),
			Payload:   req.DeliveryTask(),
			CreatedAt: now,
		})
	}

	err = s.store.PersistFanout(ctx, batch)
	if errors.Is(err, storage.ErrNotificationExists) {
		s.logger.Debug().Str("notification_id", n.ID).Msg("Notification already fanned out")
		return &n, nil
	}
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}

	if len(batch.Requests) > 0 && s.waker != nil {
		s.waker.Wake()
	}

	s.metrics.FanoutNotificationsTotal.WithLabelValues(string(n.Kind)).Inc()
	for _, r := range batch.Requests {
		s.metrics.FanoutRequestsTotal.WithLabelValues(string(r.Channel)).Inc()
	}
	telemetry.AddSpanAttributes(ctx,
		attribute.String("notification.id", n.ID),
		attribute.String("notification.kind", string(n.Kind)),
		attribute.Int("fanout.categories", len(interested)),
		attribute.Int("fanout.requests", len(batch.Requests)),
	)

	s.logger.Debug().
		Str("notification_id", n.ID).
		Str("kind", string(n.Kind)).
		Int("categories", len(interested)).
		Int("requests", len(batch.Requests)).
		Msg("Fan-out complete")

	return &n, nil
}
