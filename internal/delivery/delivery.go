// Package delivery holds the adapters that hand notifications to outbound
// providers. Errors are retryable unless IsPermanent reports otherwise.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/nkkko/pincer/pkg/model"
)

// ErrSubscriptionGone means the push provider no longer knows the
// subscription and it should be removed
var ErrSubscriptionGone = errors.New("push subscription gone")

// PermanentError marks a failure that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a permanent failure
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err must not be retried
func IsPermanent(err error) bool {
	if errors.Is(err, ErrSubscriptionGone) {
		return true
	}
	var perm *PermanentError
	return errors.As(err, &perm)
}

// Email is one outbound message
type Email struct {
	To      []string
	Subject string
	Body    string
}

// EmailSender sends rendered email
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

// PushMessage is the payload handed to the push provider
type PushMessage struct {
	NotificationID string `json:"notification_id"`
	Kind           string `json:"kind"`
	Title          string `json:"title"`
	Body           string `json:"body"`
}

// PushSender delivers a payload to one push subscription
type PushSender interface {
	Send(ctx context.Context, sub model.PushSubscription, msg PushMessage) error
}
