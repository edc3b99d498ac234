package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/nkkko/pincer/internal/fanout"
	"github.com/nkkko/pincer/internal/storage"
	"github.com/nkkko/pincer/pkg/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ContentStore loads published content
type ContentStore interface {
	GetEvent(ctx context.Context, id string) (model.Event, error)
	GetPost(ctx context.Context, id string) (model.Post, error)
}

// ContentPublishedHandler fans out the notification of stored events and
// posts whose inline fan-out did not complete. The dispatcher deletes the
// task on success.
type ContentPublishedHandler struct {
	store     ContentStore
	publisher Publisher
	logger    zerolog.Logger
}

// NewContentPublishedHandler creates the handler
func NewContentPublishedHandler(store ContentStore, publisher Publisher) *ContentPublishedHandler {
	return &ContentPublishedHandler{
		store:     store,
		publisher: publisher,
		logger:    log.With().Str("component", "content-published").Logger(),
	}
}

// Handle fans out every publication in tasks
func (h *ContentPublishedHandler) Handle(ctx context.Context, tasks []model.BackgroundTask) error {
	var errs []error
	for _, task := range tasks {
		if err := h.handle(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *ContentPublishedHandler) handle(ctx context.Context, task model.BackgroundTask) error {
	p, err := readPayload(task, model.TaskContentPublished)
	if err != nil {
		return err
	}
	c := p.content

	pub, err := h.publication(ctx, c)
	if errors.Is(err, storage.ErrNotFound) {
		h.logger.Warn().Str("content_id", c.ContentID).Msg("Content no longer exists, dropping task")
		return nil
	}
	if err != nil {
		return err
	}
	pub.Notification.ID = c.NotificationID

	n, err := h.publisher.OnPublish(ctx, pub)
	if errors.Is(err, fanout.ErrNoCategories) {
		h.logger.Warn().Str("content_id", c.ContentID).Msg("Content has no categories, nobody to notify")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fanning out %s %s: %w", c.Content, c.ContentID, err)
	}

	h.logger.Info().
		Str("content", string(c.Content)).
		Str("content_id", c.ContentID).
		Str("notification_id", n.ID).
		Msg("Content published")
	return nil
}

func (h *ContentPublishedHandler) publication(ctx context.Context, c model.ContentPublished) (fanout.Publication, error) {
	switch c.Content {
	case model.ContentEvent:
		event, err := h.store.GetEvent(ctx, c.ContentID)
		if err != nil {
			return fanout.Publication{}, fmt.Errorf("loading event %s: %w", c.ContentID, err)
		}
		return fanout.EventPublication(event), nil
	case model.ContentPost:
		post, err := h.store.GetPost(ctx, c.ContentID)
		if err != nil {
			return fanout.Publication{}, fmt.Errorf("loading post %s: %w", c.ContentID, err)
		}
		return fanout.PostPublication(post), nil
	default:
		return fanout.Publication{}, fmt.Errorf("unknown content kind %q", c.Content)
	}
}
