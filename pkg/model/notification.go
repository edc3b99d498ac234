package model

import (
	"fmt"
	"time"
)

// NotificationKind is the closed set of facts the system notifies about
type NotificationKind string

const (
	NotificationPostPublished  NotificationKind = "post_published"
	NotificationEventPublished NotificationKind = "event_published"
	NotificationOpeningStarted NotificationKind = "opening_started"
)

// ParseNotificationKind converts a stored kind name
func ParseNotificationKind(s string) (NotificationKind, error) {
	switch NotificationKind(s) {
	case NotificationPostPublished, NotificationEventPublished, NotificationOpeningStarted:
		return NotificationKind(s), nil
	default:
		return "", fmt.Errorf("unknown notification kind %q", s)
	}
}

// Trigger returns the trigger family of the notification kind
func (k NotificationKind) Trigger() Trigger {
	switch k {
	case NotificationPostPublished, NotificationEventPublished:
		return TriggerPublish
	case NotificationOpeningStarted:
		return TriggerOrderStart
	default:
		panic(fmt.Sprintf("unhandled notification kind %q", string(k)))
	}
}

// Notification is an emitted fact, created once per triggering event
type Notification struct {
	ID        string           `json:"id" db:"id"`
	Kind      NotificationKind `json:"kind" db:"kind"`
	SubjectID string           `json:"subject_id" db:"subject_id"`
	Title     string           `json:"title" db:"title"`
	Body      string           `json:"body" db:"body"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// PostPublished builds the notification for a newly published post
func PostPublished(p Post) Notification {
	return Notification{
		Kind:      NotificationPostPublished,
		SubjectID: p.ID,
		Title:     p.Title,
		Body:      p.Body,
	}
}

// EventPublished builds the notification for a newly created event
func EventPublished(e Event) Notification {
	return Notification{
		Kind:      NotificationEventPublished,
		SubjectID: e.ID,
		Title:     e.Title,
	}
}

// OpeningStartedNotification builds the notification for a sale window that opened
func OpeningStartedNotification(o Opening) Notification {
	return Notification{
		Kind:      NotificationOpeningStarted,
		SubjectID: o.ID,
		Title:     o.Title,
		Body:      fmt.Sprintf("Ordering is open since %s", o.StartsAt.UTC().Format(time.RFC1123)),
	}
}

// NotificationRequest is one pending delivery of a notification to a user
// over one channel
type NotificationRequest struct {
	ID             string    `json:"id" db:"id"`
	NotificationID string    `json:"notification_id" db:"notification_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	Channel        Channel   `json:"channel" db:"channel"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// DedupKey identifies the request independently of its row id
func (r NotificationRequest) DedupKey() string {
	return r.NotificationID + "/" + r.UserID + "/" + string(r.Channel)
}

// DeliveryTask returns the background task that delivers the request
func (r NotificationRequest) DeliveryTask() TaskPayload {
	switch r.Channel {
	case ChannelEmail:
		return EmailDelivery{RequestID: r.ID}
	case ChannelPush:
		return PushDelivery{RequestID: r.ID}
	default:
		panic(fmt.Sprintf("unhandled channel %q", string(r.Channel)))
	}
}

// Delivery bundles a request with everything a handler needs to send it
type Delivery struct {
	Request      NotificationRequest
	Notification Notification
	User         User
}
