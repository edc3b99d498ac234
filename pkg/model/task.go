package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskKind discriminates background task payloads
type TaskKind string

const (
	TaskEmailDelivery  TaskKind = "email_delivery"
	TaskPushDelivery   TaskKind = "push_delivery"
	TaskOpeningStarted TaskKind = "opening_started"

	TaskContentPublished TaskKind = "content_published"
)

// AllTaskKinds lists every task kind
var AllTaskKinds = []TaskKind{
	TaskEmailDelivery,
	TaskPushDelivery,
	TaskOpeningStarted,
	TaskContentPublished,
}

// TaskVisitor handles each payload variant. Adding a variant adds a method
// here, so every consumer must handle it before the code compiles again.
type TaskVisitor interface {
	VisitEmailDelivery(EmailDelivery) error
	VisitPushDelivery(PushDelivery) error
	VisitOpeningStarted(OpeningStarted) error
	VisitContentPublished(ContentPublished) error
}

// TaskPayload is the sealed set of background task payloads
type TaskPayload interface {
	Kind() TaskKind
	Accept(TaskVisitor) error
	sealed()
}

// EmailDelivery sends one email notification request
type EmailDelivery struct {
	RequestID string `json:"request_id"`
}

func (EmailDelivery) Kind() TaskKind               { return TaskEmailDelivery }
func (p EmailDelivery) Accept(v TaskVisitor) error { return v.VisitEmailDelivery(p) }
func (EmailDelivery) sealed()                      {}

// PushDelivery sends one push notification request to every subscription of
// the user
type PushDelivery struct {
	RequestID string `json:"request_id"`
}

func (PushDelivery) Kind() TaskKind               { return TaskPushDelivery }
func (p PushDelivery) Accept(v TaskVisitor) error { return v.VisitPushDelivery(p) }
func (PushDelivery) sealed()                      {}

// OpeningStarted fans out the notification for a sale window once it opens
type OpeningStarted struct {
	OpeningID string `json:"opening_id"`
}

func (OpeningStarted) Kind() TaskKind               { return TaskOpeningStarted }
func (p OpeningStarted) Accept(v TaskVisitor) error { return v.VisitOpeningStarted(p) }
func (OpeningStarted) sealed()                      {}

// ContentKind names the table published content lives in
type ContentKind string

const (
	ContentEvent ContentKind = "event"
	ContentPost  ContentKind = "post"
)

// ContentPublished fans out the notification of a stored event or post. It
// is written together with the content; NotificationID is chosen up front so
// a second run finds the notification already persisted.
type ContentPublished struct {
	Content        ContentKind `json:"content"`
	ContentID      string      `json:"content_id"`
	NotificationID string      `json:"notification_id"`
}

func (ContentPublished) Kind() TaskKind               { return TaskContentPublished }
func (p ContentPublished) Accept(v TaskVisitor) error { return v.VisitContentPublished(p) }
func (ContentPublished) sealed()                      {}

// BackgroundTask is a durable unit of work
type BackgroundTask struct {
	ID        string
	Payload   TaskPayload
	CreatedAt time.Time
	NotBefore *time.Time
}

// Kind returns the payload discriminator
func (t BackgroundTask) Kind() TaskKind {
	return t.Payload.Kind()
}

// DueAt is the instant the task becomes claimable
func (t BackgroundTask) DueAt() time.Time {
	if t.NotBefore != nil {
		return *t.NotBefore
	}
	return t.CreatedAt
}

// EncodePayload serializes a payload for storage
func EncodePayload(p TaskPayload) (TaskKind, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("nil task payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s payload: %w", p.Kind(), err)
	}
	return p.Kind(), data, nil
}

// DecodePayload restores a payload from its stored kind and JSON body
func DecodePayload(kind string, data []byte) (TaskPayload, error) {
	var (
		p   TaskPayload
		err error
	)
	switch TaskKind(kind) {
	case TaskEmailDelivery:
		var v EmailDelivery
		err = json.Unmarshal(data, &v)
		p = v
	case TaskPushDelivery:
		var v PushDelivery
		err = json.Unmarshal(data, &v)
		p = v
	case TaskOpeningStarted:
		var v OpeningStarted
		err = json.Unmarshal(data, &v)
		p = v
	case TaskContentPublished:
		var v ContentPublished
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return p, nil
}
