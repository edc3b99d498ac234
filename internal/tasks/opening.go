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

// OpeningStore loads openings
type OpeningStore interface {
	GetOpening(ctx context.Context, id string) (model.Opening, error)
}

// OpeningStartedHandler fans out the notification of an opening once its
// start time has passed. The dispatcher deletes the task on success.
type OpeningStartedHandler struct {
	store     OpeningStore
	publisher Publisher
	logger    zerolog.Logger
}

// NewOpeningStartedHandler creates the handler
func NewOpeningStartedHandler(store OpeningStore, publisher Publisher) *OpeningStartedHandler {
	return &OpeningStartedHandler{
		store:     store,
		publisher: publisher,
		logger:    log.With().Str("component", "opening-started").Logger(),
	}
}

// Handle fans out every opening in tasks. Openings that vanished or have no
// categories are skipped so their tasks are deleted.
func (h *OpeningStartedHandler) Handle(ctx context.Context, tasks []model.BackgroundTask) error {
	var errs []error
	for _, task := range tasks {
		if err := h.handle(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *OpeningStartedHandler) handle(ctx context.Context, task model.BackgroundTask) error {
	p, err := readPayload(task, model.TaskOpeningStarted)
	if err != nil {
		return err
	}

	opening, err := h.store.GetOpening(ctx, p.openingID)
	if errors.Is(err, storage.ErrNotFound) {
		h.logger.Warn().Str("opening_id", p.openingID).Msg("Opening no longer exists, dropping task")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading opening %s: %w", p.openingID, err)
	}

	n, err := h.publisher.OnPublish(ctx, fanout.Publication{
		Categories:   opening.CategoryIDs,
		Notification: model.OpeningStartedNotification(opening),
	})
	if errors.Is(err, fanout.ErrNoCategories) {
		h.logger.Warn().Str("opening_id", opening.ID).Msg("Opening has no categories, nobody to notify")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fanning out opening %s: %w", opening.ID, err)
	}

	h.logger.Info().
		Str("opening_id", opening.ID).
		Str("notification_id", n.ID).
		Msg("Opening started")
	return nil
}
