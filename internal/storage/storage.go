package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nkkko/pincer/pkg/model"
)

var (
	// ErrNotFound is returned when a referenced row does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness constraint
	ErrConflict = errors.New("conflict")

	// ErrNotificationExists is returned by PersistFanout when the
	// notification was already written; nothing else is written then
	ErrNotificationExists = errors.New("notification already persisted")
)

// TopicStore reads and writes pages, categories and inclusion edges
type TopicStore interface {
	// LoadTopicSnapshot reads pages, categories, edges and category interests
	// in one read-only, snapshot-consistent transaction
	LoadTopicSnapshot(ctx context.Context) (model.TopicSnapshot, error)

	// CreatePage creates a page together with its default category
	CreatePage(ctx context.Context, page model.Page) (model.Page, model.Category, error)

	// GetPage retrieves a page by ID
	GetPage(ctx context.Context, id string) (model.Page, error)

	// CreateCategory creates a named category owned by a page
	CreateCategory(ctx context.Context, pageID, name string) (model.Category, error)

	// AddInclusion makes from include to. Adding an existing edge is a no-op.
	AddInclusion(ctx context.Context, from, to string) error

	// RemoveInclusion deletes the edge if present
	RemoveInclusion(ctx context.Context, from, to string) error
}

// SubscriberQuery selects interest subscriptions relevant to a publish
type SubscriberQuery struct {
	CategoryIDs []string
	EventID     string
	Kinds       []model.InterestKind
}

// Subscriber is a user reached through an interest of some kind
type Subscriber struct {
	UserID string             `db:"user_id"`
	Kind   model.InterestKind `db:"kind"`
}

// InterestStore manages interests and user subscriptions to them
type InterestStore interface {
	// Subscribe subscribes a user to the interest, creating the interest
	// when it does not exist yet. Subscribing twice is a no-op.
	Subscribe(ctx context.Context, userID string, kind model.InterestKind, target model.InterestTarget) (model.Interest, error)

	// Unsubscribe removes the subscription if present
	Unsubscribe(ctx context.Context, userID string, kind model.InterestKind, target model.InterestTarget) error

	// ReplaceCategorySubscriptions makes categoryIDs the exact set of
	// categories the user follows with the given kind
	ReplaceCategorySubscriptions(ctx context.Context, userID string, kind model.InterestKind, categoryIDs []string) error

	// ListSubscriptions returns every subscription of a user
	ListSubscriptions(ctx context.Context, userID string) ([]model.InterestSubscription, error)

	// FindSubscribers returns the distinct (user, kind) pairs subscribed to
	// an interest of one of the kinds targeting one of the categories or the
	// event
	FindSubscribers(ctx context.Context, q SubscriberQuery) ([]Subscriber, error)
}

// ContentStore persists published content
type ContentStore interface {
	// CreateEvent stores the event and enqueues its publish task in one
	// transaction
	CreateEvent(ctx context.Context, event model.Event, publish model.BackgroundTask) (model.Event, error)
	GetEvent(ctx context.Context, id string) (model.Event, error)

	// CreatePost stores the post and enqueues its publish task in one
	// transaction
	CreatePost(ctx context.Context, post model.Post, publish model.BackgroundTask) (model.Post, error)
	GetPost(ctx context.Context, id string) (model.Post, error)

	// CreateOpening stores the opening and enqueues its start task in one
	// transaction
	CreateOpening(ctx context.Context, opening model.Opening, start model.BackgroundTask) (model.Opening, error)
	GetOpening(ctx context.Context, id string) (model.Opening, error)
}

// UserStore manages users and their push subscriptions
type UserStore interface {
	CreateUser(ctx context.Context, user model.User) (model.User, error)
	GetUser(ctx context.Context, id string) (model.User, error)

	AddPushSubscription(ctx context.Context, sub model.PushSubscription) (model.PushSubscription, error)
	ListPushSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, id string) error
}

// FanoutBatch is everything one publish writes
type FanoutBatch struct {
	Notification model.Notification
	Requests     []model.NotificationRequest
	Tasks        []model.BackgroundTask
}

// NotificationStore persists notifications and their pending requests
type NotificationStore interface {
	// PersistFanout writes the notification, its requests and their delivery
	// tasks in one transaction. A notification ID that already exists yields
	// ErrNotificationExists.
	PersistFanout(ctx context.Context, batch FanoutBatch) error

	// GetNotification retrieves a notification by ID
	GetNotification(ctx context.Context, id string) (model.Notification, error)

	// ListRequests returns the pending requests of a notification
	ListRequests(ctx context.Context, notificationID string) ([]model.NotificationRequest, error)

	// LoadDelivery loads a request with its notification and recipient.
	// Returns ErrNotFound when the request was already completed.
	LoadDelivery(ctx context.Context, requestID string) (model.Delivery, error)

	// CompleteDelivery deletes the request and the task that carried it in
	// one transaction
	CompleteDelivery(ctx context.Context, requestID, taskID string) error
}

// TaskQuery selects claimable background tasks
type TaskQuery struct {
	ExcludeKinds []model.TaskKind
	ExcludeIDs   []string
	Now          time.Time
	Limit        int
}

// TaskStore is the durable background task queue
type TaskStore interface {
	// EnqueueTasks inserts tasks, ignoring ids that already exist
	EnqueueTasks(ctx context.Context, tasks ...model.BackgroundTask) error

	// ClaimableTasks returns due tasks not excluded by the query, ordered by
	// due time, then creation time, then id
	ClaimableTasks(ctx context.Context, q TaskQuery) ([]model.BackgroundTask, error)

	// DeleteTasks removes tasks by id in one statement
	DeleteTasks(ctx context.Context, ids []string) error
}

// Store aggregates every store the service needs
type Store interface {
	TopicStore
	InterestStore
	ContentStore
	UserStore
	NotificationStore
	TaskStore

	// Ping checks the database is reachable
	Ping(ctx context.Context) error

	// Close releases the database
	Close() error
}
