package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nkkko/pincer/internal/storage"
	"github.com/nkkko/pincer/pkg/model"
)

// ensureInterest returns the interest for (kind, target), creating it first
// when needed
func ensureInterest(ctx context.Context, tx *sqlx.Tx, kind model.InterestKind, target model.InterestTarget) (model.Interest, error) {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO interests (id, kind, target_kind, target_id) VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		uuid.New().String(), string(kind), string(target.Kind), target.ID,
	); err != nil {
		return model.Interest{}, fmt.Errorf("creating interest: %w", err)
	}

	var id string
	if err := tx.GetContext(ctx, &id, tx.Rebind(
		"SELECT id FROM interests WHERE kind = ? AND target_kind = ? AND target_id = ?"),
		string(kind), string(target.Kind), target.ID,
	); err != nil {
		return model.Interest{}, fmt.Errorf("reading interest: %w", err)
	}
	return model.Interest{ID: id, Kind: kind, Target: target}, nil
}

func targetExists(ctx context.Context, tx *sqlx.Tx, target model.InterestTarget) error {
	var table string
	switch target.Kind {
	case model.TargetCategory:
		table = "categories"
	case model.TargetEvent:
		table = "events"
	default:
		return fmt.Errorf("unknown interest target kind %q", target.Kind)
	}

	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind("SELECT COUNT(*) FROM "+table+" WHERE id = ?"), target.ID); err != nil {
		return fmt.Errorf("checking %s %s: %w", target.Kind, target.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", storage.ErrNotFound, target.Kind, target.ID)
	}
	return nil
}

// Subscribe subscribes a user to an interest, creating the interest if needed
func (s *Store) Subscribe(ctx context.Context, userID string, kind model.InterestKind, target model.InterestTarget) (model.Interest, error) {
	if err := target.Validate(); err != nil {
		return model.Interest{}, err
	}

	var interest model.Interest
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if err := targetExists(ctx, tx, target); err != nil {
			return err
		}
		in, err := ensureInterest(ctx, tx, kind, target)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO interest_subscriptions (user_id, interest_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING`),
			userID, in.ID, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("subscribing user %s: %w", userID, mapError(err))
		}
		interest = in
		return nil
	})
	if err != nil {
		return model.Interest{}, err
	}
	return interest, nil
}

// Unsubscribe removes the subscription if present
func (s *Store) Unsubscribe(ctx context.Context, userID string, kind model.InterestKind, target model.InterestTarget) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM interest_subscriptions
		WHERE user_id = ? AND interest_id IN (
			SELECT id FROM interests WHERE kind = ? AND target_kind = ? AND target_id = ?
		)`),
		userID, string(kind), string(target.Kind), target.ID,
	)
	if err != nil {
		return fmt.Errorf("unsubscribing user %s: %w", userID, err)
	}
	return nil
}

// ReplaceCategorySubscriptions makes categoryIDs the exact set of categories
// the user follows with the given kind
func (s *Store) ReplaceCategorySubscriptions(ctx context.Context, userID string, kind model.InterestKind, categoryIDs []string) error {
	return s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		var users int
		if err := tx.GetContext(ctx, &users, tx.Rebind("SELECT COUNT(*) FROM users WHERE id = ?"), userID); err != nil {
			return fmt.Errorf("checking user %s: %w", userID, err)
		}
		if users == 0 {
			return fmt.Errorf("%w: user %s", storage.ErrNotFound, userID)
		}
		if err := categoriesExist(ctx, tx, categoryIDs); err != nil {
			return err
		}

		keep := make([]string, 0, len(categoryIDs))
		for _, id := range categoryIDs {
			in, err := ensureInterest(ctx, tx, kind, model.CategoryTarget(id))
			if err != nil {
				return err
			}
			keep = append(keep, in.ID)
		}

		del := `
			DELETE FROM interest_subscriptions
			WHERE user_id = ? AND interest_id IN (
				SELECT id FROM interests WHERE kind = ? AND target_kind = ?
			)`
		args := []interface{}{userID, string(kind), string(model.TargetCategory)}
		if len(keep) > 0 {
			del += " AND interest_id NOT IN (?)"
			args = append(args, keep)
		}
		q, qargs, err := sqlx.In(del, args...)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), qargs...); err != nil {
			return fmt.Errorf("clearing subscriptions of user %s: %w", userID, err)
		}

		now := time.Now().UTC()
		for _, interestID := range keep {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO interest_subscriptions (user_id, interest_id, created_at) VALUES (?, ?, ?)
				ON CONFLICT DO NOTHING`),
				userID, interestID, now,
			); err != nil {
				return fmt.Errorf("subscribing user %s: %w", userID, mapError(err))
			}
		}
		return nil
	})
}

// ListSubscriptions returns every subscription of a user
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]model.InterestSubscription, error) {
	var rows []interestRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT i.id, i.kind, i.target_kind, i.target_id
		FROM interest_subscriptions s
		JOIN interests i ON i.id = s.interest_id
		WHERE s.user_id = ?
		ORDER BY i.kind, i.target_kind, i.target_id`),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions of user %s: %w", userID, err)
	}

	subs := make([]model.InterestSubscription, 0, len(rows))
	for _, r := range rows {
		in, err := r.toModel()
		if err != nil {
			return nil, err
		}
		subs = append(subs, model.InterestSubscription{UserID: userID, Interest: in})
	}
	return subs, nil
}

// FindSubscribers returns the distinct (user, kind) pairs relevant to a publish
func (s *Store) FindSubscribers(ctx context.Context, q storage.SubscriberQuery) (subs []storage.Subscriber, err error) {
	defer s.observe("find_subscribers")(&err)

	if len(q.Kinds) == 0 || (len(q.CategoryIDs) == 0 && q.EventID == "") {
		return nil, nil
	}

	kinds := make([]string, len(q.Kinds))
	for i, k := range q.Kinds {
		kinds[i] = string(k)
	}

	var targets []string
	args := []interface{}{kinds}
	if len(q.CategoryIDs) > 0 {
		targets = append(targets, "(i.target_kind = ? AND i.target_id IN (?))")
		args = append(args, string(model.TargetCategory), q.CategoryIDs)
	}
	if q.EventID != "" {
		targets = append(targets, "(i.target_kind = ? AND i.target_id = ?)")
		args = append(args, string(model.TargetEvent), q.EventID)
	}

	query, qargs, err := s.inQuery(`
		SELECT DISTINCT s.user_id, i.kind
		FROM interest_subscriptions s
		JOIN interests i ON i.id = s.interest_id
		WHERE i.kind IN (?) AND (`+strings.Join(targets, " OR ")+`)
		ORDER BY s.user_id, i.kind`, args...)
	if err != nil {
		return nil, err
	}

	if err := s.db.SelectContext(ctx, &subs, query, qargs...); err != nil {
		return nil, fmt.Errorf("finding subscribers: %w", err)
	}
	return subs, nil
}
