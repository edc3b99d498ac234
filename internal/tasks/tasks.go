// Package tasks implements the handlers for every background task kind.
package tasks

import (
	"context"
	"fmt"

	"github.com/nkkko/pincer/internal/delivery"
	"github.com/nkkko/pincer/internal/fanout"
	"github.com/nkkko/pincer/internal/scheduler"
	"github.com/nkkko/pincer/pkg/model"
)

// Ledger remembers deliveries that already went out
type Ledger interface {
	Delivered(ctx context.Context, key string) (bool, error)
	MarkDelivered(ctx context.Context, key string) error
}

// DeliveryStore is the part of the store delivery handlers need
type DeliveryStore interface {
	LoadDelivery(ctx context.Context, requestID string) (model.Delivery, error)
	CompleteDelivery(ctx context.Context, requestID, taskID string) error
	DeleteTasks(ctx context.Context, ids []string) error
}

// Publisher fans out a publication
type Publisher interface {
	OnPublish(ctx context.Context, pub fanout.Publication) (*model.Notification, error)
}

// payload extracts the ids carried by a task payload
type payload struct {
	kind      model.TaskKind
	requestID string
	openingID string
	content   model.ContentPublished
}

func (p *payload) VisitEmailDelivery(t model.EmailDelivery) error {
	p.kind, p.requestID = t.Kind(), t.RequestID
	return nil
}

func (p *payload) VisitPushDelivery(t model.PushDelivery) error {
	p.kind, p.requestID = t.Kind(), t.RequestID
	return nil
}

func (p *payload) VisitOpeningStarted(t model.OpeningStarted) error {
	p.kind, p.openingID = t.Kind(), t.OpeningID
	return nil
}

func (p *payload) VisitContentPublished(t model.ContentPublished) error {
	p.kind, p.content = t.Kind(), t
	return nil
}

func readPayload(task model.BackgroundTask, want model.TaskKind) (payload, error) {
	var p payload
	if err := task.Payload.Accept(&p); err != nil {
		return p, err
	}
	if p.kind != want {
		return p, fmt.Errorf("task %s has kind %s, handler expects %s", task.ID, p.kind, want)
	}
	return p, nil
}

// Dependencies are the collaborators of the task handlers
type Dependencies struct {
	Store     Store
	Publisher Publisher
	Ledger    Ledger
	Email     delivery.EmailSender
	Push      delivery.PushSender
}

// Store is everything the handlers read and write
type Store interface {
	DeliveryStore
	OpeningStore
	ContentStore
	PushSubscriptionStore
}

// Options per task kind
type Options struct {
	OpeningStarted   scheduler.Options
	ContentPublished scheduler.Options
	EmailDelivery    scheduler.Options
	PushDelivery     scheduler.Options
}

// DefaultOptions returns the batching used when nothing is configured.
// Delivery handlers delete their own rows.
func DefaultOptions() Options {
	return Options{
		OpeningStarted:   scheduler.Options{MaxConcurrentBatches: 1, MaxItemsPerBatch: 1},
		ContentPublished: scheduler.Options{MaxConcurrentBatches: 2, MaxItemsPerBatch: 10},
		EmailDelivery:    scheduler.Options{MaxConcurrentBatches: 4, MaxItemsPerBatch: 20, HandlerOwnsDeletion: true},
		PushDelivery:     scheduler.Options{MaxConcurrentBatches: 4, MaxItemsPerBatch: 20, HandlerOwnsDeletion: true},
	}
}

// Register installs a handler for every task kind on d
func Register(d *scheduler.Dispatcher, deps Dependencies, options Options) error {
	options.EmailDelivery.HandlerOwnsDeletion = true
	options.PushDelivery.HandlerOwnsDeletion = true
	options.OpeningStarted.HandlerOwnsDeletion = false
	options.ContentPublished.HandlerOwnsDeletion = false

	for _, kind := range model.AllTaskKinds {
		var (
			handler scheduler.Handler
			opts    scheduler.Options
		)
		switch kind {
		case model.TaskOpeningStarted:
			handler, opts = NewOpeningStartedHandler(deps.Store, deps.Publisher), options.OpeningStarted
		case model.TaskContentPublished:
			handler, opts = NewContentPublishedHandler(deps.Store, deps.Publisher), options.ContentPublished
		case model.TaskEmailDelivery:
			handler, opts = NewEmailDeliveryHandler(deps.Store, deps.Ledger, deps.Email), options.EmailDelivery
		case model.TaskPushDelivery:
			handler, opts = NewPushDeliveryHandler(deps.Store, deps.Ledger, deps.Push), options.PushDelivery
		default:
			return fmt.Errorf("%w: %s", scheduler.ErrNoScheduler, kind)
		}
		if err := d.Register(kind, handler, opts); err != nil {
			return fmt.Errorf("registering %s handler: %w", kind, err)
		}
	}
	return nil
}
