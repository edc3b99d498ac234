package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nkkko/pincer/internal/storage"
	"github.com/nkkko/pincer/pkg/model"
)

type deliveryRow struct {
	RequestID      string    `db:"request_id"`
	NotificationID string    `db:"notification_id"`
	UserID         string    `db:"user_id"`
	Channel        string    `db:"channel"`
	RequestedAt    time.Time `db:"requested_at"`
	Kind           string    `db:"kind"`
	SubjectID      string    `db:"subject_id"`
	Title          string    `db:"title"`
	Body           string    `db:"body"`
	NotifiedAt     time.Time `db:"notified_at"`
	Email          string    `db:"email"`
	UserCreatedAt  time.Time `db:"user_created_at"`
}

// PersistFanout writes the notification, its requests and their delivery
// tasks in one transaction. It writes nothing and returns
// storage.ErrNotificationExists when the notification is already stored.
func (s *Store) PersistFanout(ctx context.Context, batch storage.FanoutBatch) (err error) {
	defer s.observe("persist_fanout")(&err)

	n := batch.Notification
	return s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO notifications (id, kind, subject_id, title, body, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`),
			n.ID, string(n.Kind), n.SubjectID, n.Title, n.Body, utc(n.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("creating notification: %w", mapError(err))
		}
		if inserted, err := res.RowsAffected(); err == nil && inserted == 0 {
			return storage.ErrNotificationExists
		}

		if len(batch.Requests) > 0 {
			stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
				INSERT INTO notification_requests (id, notification_id, user_id, channel, created_at)
				VALUES (?, ?, ?, ?, ?)`))
			if err != nil {
				return fmt.Errorf("preparing request insert: %w", err)
			}
			defer stmt.Close()

			for _, r := range batch.Requests {
				if _, err := stmt.ExecContext(ctx, r.ID, r.NotificationID, r.UserID, string(r.Channel), utc(r.CreatedAt)); err != nil {
					return fmt.Errorf("creating request for user %s: %w", r.UserID, mapError(err))
				}
			}
		}

		return insertTasks(ctx, tx, batch.Tasks)
	})
}

// GetNotification retrieves a notification by ID
func (s *Store) GetNotification(ctx context.Context, id string) (model.Notification, error) {
	var n model.Notification
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(
		"SELECT id, kind, subject_id, title, body, created_at FROM notifications WHERE id = ?"), id); err != nil {
		return model.Notification{}, fmt.Errorf("getting notification %s: %w", id, mapError(err))
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return n, nil
}

// ListRequests returns the pending requests of a notification
func (s *Store) ListRequests(ctx context.Context, notificationID string) ([]model.NotificationRequest, error) {
	var reqs []model.NotificationRequest
	err := s.db.SelectContext(ctx, &reqs, s.db.Rebind(`
		SELECT id, notification_id, user_id, channel, created_at
		FROM notification_requests WHERE notification_id = ?
		ORDER BY user_id, channel`),
		notificationID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing requests of notification %s: %w", notificationID, err)
	}
	return reqs, nil
}

// LoadDelivery loads a request with its notification and recipient
func (s *Store) LoadDelivery(ctx context.Context, requestID string) (model.Delivery, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT r.id AS request_id, r.notification_id, r.user_id, r.channel, r.created_at AS requested_at,
		       n.kind, n.subject_id, n.title, n.body, n.created_at AS notified_at,
		       u.email, u.created_at AS user_created_at
		FROM notification_requests r
		JOIN notifications n ON n.id = r.notification_id
		JOIN users u ON u.id = r.user_id
		WHERE r.id = ?`),
		requestID,
	)
	if err != nil {
		return model.Delivery{}, fmt.Errorf("loading delivery %s: %w", requestID, mapError(err))
	}

	channel, err := model.ParseChannel(row.Channel)
	if err != nil {
		return model.Delivery{}, err
	}
	kind, err := model.ParseNotificationKind(row.Kind)
	if err != nil {
		return model.Delivery{}, err
	}

	return model.Delivery{
		Request: model.NotificationRequest{
			ID:             row.RequestID,
			NotificationID: row.NotificationID,
			UserID:         row.UserID,
			Channel:        channel,
			CreatedAt:      row.RequestedAt.UTC(),
		},
		Notification: model.Notification{
			ID:        row.NotificationID,
			Kind:      kind,
			SubjectID: row.SubjectID,
			Title:     row.Title,
			Body:      row.Body,
			CreatedAt: row.NotifiedAt.UTC(),
		},
		User: model.User{
			ID:        row.UserID,
			Email:     row.Email,
			CreatedAt: row.UserCreatedAt.UTC(),
		},
	}, nil
}

// CompleteDelivery deletes the request and its task in one transaction
func (s *Store) CompleteDelivery(ctx context.Context, requestID, taskID string) (err error) {
	defer s.observe("complete_delivery")(&err)

	return s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM notification_requests WHERE id = ?"), requestID); err != nil {
			return fmt.Errorf("deleting request %s: %w", requestID, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM background_tasks WHERE id = ?"), taskID); err != nil {
			return fmt.Errorf("deleting task %s: %w", taskID, err)
		}
		return nil
	})
}
