package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkkko/pincer/internal/delivery"
	"github.com/nkkko/pincer/internal/metrics"
	"github.com/nkkko/pincer/internal/storage"
	"github.com/nkkko/pincer/pkg/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// deliverer holds what the email and push handlers share
type deliverer struct {
	channel model.Channel
	kind    model.TaskKind
	store   DeliveryStore
	ledger  Ledger
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func newDeliverer(channel model.Channel, kind model.TaskKind, store DeliveryStore, ledger Ledger) deliverer {
	return deliverer{
		channel: channel,
		kind:    kind,
		store:   store,
		ledger:  ledger,
		logger:  log.With().Str("component", string(channel)+"-delivery").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// load returns the delivery for task. done is true when there is nothing
// left to deliver and the task row has been removed.
func (d *deliverer) load(ctx context.Context, task model.BackgroundTask) (dl model.Delivery, done bool, err error) {
	p, err := readPayload(task, d.kind)
	if err != nil {
		return dl, false, err
	}

	dl, err = d.store.LoadDelivery(ctx, p.requestID)
	if errors.Is(err, storage.ErrNotFound) {
		d.logger.Debug().Str("request_id", p.requestID).Msg("Request already completed")
		if err := d.store.DeleteTasks(ctx, []string{task.ID}); err != nil {
			return dl, false, fmt.Errorf("deleting task %s: %w", task.ID, err)
		}
		return dl, true, nil
	}
	if err != nil {
		return dl, false, fmt.Errorf("loading request %s: %w", p.requestID, err)
	}
	return dl, false, nil
}

// sent reports whether key is in the ledger. Ledger failures count as not
// sent; a duplicate is better than a lost notification.
func (d *deliverer) sent(ctx context.Context, key string) bool {
	if d.ledger == nil {
		return false
	}
	delivered, err := d.ledger.Delivered(ctx, key)
	if err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("Ledger lookup failed")
		return false
	}
	if delivered {
		d.metrics.DeliveriesTotal.WithLabelValues(string(d.channel), "duplicate").Inc()
	}
	return delivered
}

func (d *deliverer) record(ctx context.Context, key string) {
	if d.ledger == nil {
		return
	}
	if err := d.ledger.MarkDelivered(ctx, key); err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("Failed to record delivery")
	}
}

// observe records the outcome of one send and classifies err
func (d *deliverer) observe(start time.Time, err error) string {
	d.metrics.DeliveryDuration.WithLabelValues(string(d.channel)).Observe(time.Since(start).Seconds())

	outcome := "sent"
	switch {
	case err == nil:
	case delivery.IsPermanent(err):
		outcome = "permanent"
	default:
		outcome = "retryable"
	}
	d.metrics.DeliveriesTotal.WithLabelValues(string(d.channel), outcome).Inc()
	return outcome
}

func (d *deliverer) complete(ctx context.Context, dl model.Delivery, task model.BackgroundTask) error {
	if err := d.store.CompleteDelivery(ctx, dl.Request.ID, task.ID); err != nil {
		return fmt.Errorf("completing request %s: %w", dl.Request.ID, err)
	}
	return nil
}

// EmailDeliveryHandler sends email requests. It deletes request and task
// rows itself; retryable failures leave both in place.
type EmailDeliveryHandler struct {
	deliverer
	sender delivery.EmailSender
}

// NewEmailDeliveryHandler creates the handler
func NewEmailDeliveryHandler(store DeliveryStore, ledger Ledger, sender delivery.EmailSender) *EmailDeliveryHandler {
	return &EmailDeliveryHandler{
		deliverer: newDeliverer(model.ChannelEmail, model.TaskEmailDelivery, store, ledger),
		sender:    sender,
	}
}

// Handle delivers every task and joins the retryable failures
func (h *EmailDeliveryHandler) Handle(ctx context.Context, tasks []model.BackgroundTask) error {
	var errs []error
	for _, task := range tasks {
		if err := h.handle(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *EmailDeliveryHandler) handle(ctx context.Context, task model.BackgroundTask) error {
	dl, done, err := h.load(ctx, task)
	if err != nil || done {
		return err
	}

	key := dl.Request.DedupKey()
	if h.sent(ctx, key) {
		return h.complete(ctx, dl, task)
	}

	start := time.Now()
	err = h.sender.Send(ctx, delivery.Email{
		To:      []string{dl.User.Email},
		Subject: dl.Notification.Title,
		Body:    dl.Notification.Body,
	})
	switch h.observe(start, err) {
	case "retryable":
		return fmt.Errorf("sending email for request %s: %w", dl.Request.ID, err)
	case "permanent":
		h.logger.Warn().Err(err).Str("request_id", dl.Request.ID).Str("user_id", dl.User.ID).Msg("Email rejected, dropping request")
	default:
		h.record(ctx, key)
	}
	return h.complete(ctx, dl, task)
}

// PushSubscriptionStore reads and prunes push subscriptions
type PushSubscriptionStore interface {
	ListPushSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, id string) error
}

// PushDeliveryStore is what the push handler needs from the store
type PushDeliveryStore interface {
	DeliveryStore
	PushSubscriptionStore
}

// PushDeliveryHandler sends push requests to every subscription of the
// recipient. Subscriptions reported gone are removed. It deletes request
// and task rows itself.
type PushDeliveryHandler struct {
	deliverer
	subs   PushSubscriptionStore
	sender delivery.PushSender
}

// NewPushDeliveryHandler creates the handler
func NewPushDeliveryHandler(store PushDeliveryStore, ledger Ledger, sender delivery.PushSender) *PushDeliveryHandler {
	return &PushDeliveryHandler{
		deliverer: newDeliverer(model.ChannelPush, model.TaskPushDelivery, store, ledger),
		subs:      store,
		sender:    sender,
	}
}

// Handle delivers every task and joins the retryable failures
func (h *PushDeliveryHandler) Handle(ctx context.Context, tasks []model.BackgroundTask) error {
	var errs []error
	for _, task := range tasks {
		if err := h.handle(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *PushDeliveryHandler) handle(ctx context.Context, task model.BackgroundTask) error {
	dl, done, err := h.load(ctx, task)
	if err != nil || done {
		return err
	}

	subs, err := h.subs.ListPushSubscriptions(ctx, dl.User.ID)
	if err != nil {
		return fmt.Errorf("listing push subscriptions of %s: %w", dl.User.ID, err)
	}

	msg := delivery.PushMessage{
		NotificationID: dl.Notification.ID,
		Kind:           string(dl.Notification.Kind),
		Title:          dl.Notification.Title,
		Body:           dl.Notification.Body,
	}

	var retry []error
	for _, sub := range subs {
		// Keyed per subscription so a retry skips devices that got it.
		key := dl.Request.DedupKey() + "/" + sub.ID
		if h.sent(ctx, key) {
			continue
		}

		start := time.Now()
		err := h.sender.Send(ctx, sub, msg)
		switch h.observe(start, err) {
		case "retryable":
			retry = append(retry, fmt.Errorf("push to subscription %s: %w", sub.ID, err))
		case "permanent":
			if errors.Is(err, delivery.ErrSubscriptionGone) {
				if err := h.subs.DeletePushSubscription(ctx, sub.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
					retry = append(retry, fmt.Errorf("removing subscription %s: %w", sub.ID, err))
					continue
				}
				h.logger.Info().Str("subscription_id", sub.ID).Str("user_id", dl.User.ID).Msg("Removed stale push subscription")
				continue
			}
			h.logger.Warn().Err(err).Str("subscription_id", sub.ID).Msg("Push rejected")
		default:
			h.record(ctx, key)
		}
	}

	if len(retry) > 0 {
		return fmt.Errorf("request %s: %w", dl.Request.ID, errors.Join(retry...))
	}
	return h.complete(ctx, dl, task)
}
