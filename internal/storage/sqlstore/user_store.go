package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/pincer/internal/storage"
	"github.com/nkkko/pincer/pkg/model"
)

// CreateUser inserts a new user. Generates a UUID if ID is empty.
func (s *Store) CreateUser(ctx context.Context, user model.User) (model.User, error) {
	if strings.TrimSpace(user.Email) == "" {
		return model.User{}, fmt.Errorf("user email must not be empty")
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)"),
		user.ID, user.Email, user.CreatedAt,
	)
	if err != nil {
		return model.User{}, fmt.Errorf("creating user: %w", mapError(err))
	}
	return user, nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	if err := s.db.GetContext(ctx, &u, s.db.Rebind(
		"SELECT id, email, created_at FROM users WHERE id = ?"), id); err != nil {
		return model.User{}, fmt.Errorf("getting user %s: %w", id, mapError(err))
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// AddPushSubscription registers a push endpoint. Registering a known
// endpoint again refreshes its keys.
func (s *Store) AddPushSubscription(ctx context.Context, sub model.PushSubscription) (model.PushSubscription, error) {
	if strings.TrimSpace(sub.Endpoint) == "" {
		return model.PushSubscription{}, fmt.Errorf("push endpoint must not be empty")
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth`),
		uuid.New().String(), sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, time.Now().UTC(),
	)
	if err != nil {
		return model.PushSubscription{}, fmt.Errorf("adding push subscription for user %s: %w", sub.UserID, mapError(err))
	}

	var stored model.PushSubscription
	if err := s.db.GetContext(ctx, &stored, s.db.Rebind(`
		SELECT id, user_id, endpoint, p256dh, auth, created_at
		FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`),
		sub.UserID, sub.Endpoint,
	); err != nil {
		return model.PushSubscription{}, fmt.Errorf("reading push subscription: %w", mapError(err))
	}
	stored.CreatedAt = stored.CreatedAt.UTC()
	return stored, nil
}

// ListPushSubscriptions returns the push endpoints of a user
func (s *Store) ListPushSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	err := s.db.SelectContext(ctx, &subs, s.db.Rebind(`
		SELECT id, user_id, endpoint, p256dh, auth, created_at
		FROM push_subscriptions WHERE user_id = ? ORDER BY created_at, id`),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing push subscriptions of user %s: %w", userID, err)
	}
	return subs, nil
}

// DeletePushSubscription removes a push endpoint
func (s *Store) DeletePushSubscription(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM push_subscriptions WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("deleting push subscription %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("push subscription %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
