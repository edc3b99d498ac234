package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nkkko/pincer/pkg/model"
)

// linkCategories inserts (owner, category) rows into a join table
func linkCategories(ctx context.Context, tx *sqlx.Tx, table, ownerColumn, ownerID string, categoryIDs []string) error {
	if err := categoriesExist(ctx, tx, categoryIDs); err != nil {
		return err
	}
	stmt, err := tx.PreparexContext(ctx, tx.Rebind(
		"INSERT INTO "+table+" ("+ownerColumn+", category_id) VALUES (?, ?) ON CONFLICT DO NOTHING"))
	if err != nil {
		return fmt.Errorf("preparing %s insert: %w", table, err)
	}
	defer stmt.Close()

	for _, id := range categoryIDs {
		if _, err := stmt.ExecContext(ctx, ownerID, id); err != nil {
			return fmt.Errorf("linking category %s: %w", id, mapError(err))
		}
	}
	return nil
}

func (s *Store) categoriesOf(ctx context.Context, table, ownerColumn, ownerID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(
		"SELECT category_id FROM "+table+" WHERE "+ownerColumn+" = ? ORDER BY category_id"), ownerID)
	if err != nil {
		return nil, fmt.Errorf("loading categories from %s: %w", table, err)
	}
	return ids, nil
}

// CreateEvent stores an event and its categories together with the task that
// publishes it
func (s *Store) CreateEvent(ctx context.Context, event model.Event, publish model.BackgroundTask) (model.Event, error) {
	if strings.TrimSpace(event.Title) == "" {
		return model.Event{}, fmt.Errorf("event title must not be empty")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.CreatedAt = utc(event.CreatedAt)

	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			"INSERT INTO events (id, page_id, title, created_at) VALUES (?, ?, ?, ?)"),
			event.ID, event.PageID, event.Title, event.CreatedAt,
		); err != nil {
			return fmt.Errorf("creating event: %w", mapError(err))
		}
		if err := linkCategories(ctx, tx, "event_categories", "event_id", event.ID, event.CategoryIDs); err != nil {
			return err
		}
		return insertTasks(ctx, tx, []model.BackgroundTask{publish})
	})
	if err != nil {
		return model.Event{}, err
	}
	return event, nil
}

// GetEvent retrieves an event with its categories
func (s *Store) GetEvent(ctx context.Context, id string) (model.Event, error) {
	var e model.Event
	if err := s.db.GetContext(ctx, &e, s.db.Rebind(
		"SELECT id, page_id, title, created_at FROM events WHERE id = ?"), id); err != nil {
		return model.Event{}, fmt.Errorf("getting event %s: %w", id, mapError(err))
	}
	cats, err := s.categoriesOf(ctx, "event_categories", "event_id", id)
	if err != nil {
		return model.Event{}, err
	}
	e.CategoryIDs = cats
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

// CreatePost stores a post and its categories together with the task that
// publishes it
func (s *Store) CreatePost(ctx context.Context, post model.Post, publish model.BackgroundTask) (model.Post, error) {
	if strings.TrimSpace(post.Title) == "" {
		return model.Post{}, fmt.Errorf("post title must not be empty")
	}
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	post.PublishedAt = utc(post.PublishedAt)

	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			"INSERT INTO posts (id, event_id, title, body, published_at) VALUES (?, ?, ?, ?, ?)"),
			post.ID, post.EventID, post.Title, post.Body, post.PublishedAt,
		); err != nil {
			return fmt.Errorf("creating post: %w", mapError(err))
		}
		if err := linkCategories(ctx, tx, "post_categories", "post_id", post.ID, post.CategoryIDs); err != nil {
			return err
		}
		return insertTasks(ctx, tx, []model.BackgroundTask{publish})
	})
	if err != nil {
		return model.Post{}, err
	}
	return post, nil
}

// GetPost retrieves a post with its categories
func (s *Store) GetPost(ctx context.Context, id string) (model.Post, error) {
	var p model.Post
	if err := s.db.GetContext(ctx, &p, s.db.Rebind(
		"SELECT id, event_id, title, body, published_at FROM posts WHERE id = ?"), id); err != nil {
		return model.Post{}, fmt.Errorf("getting post %s: %w", id, mapError(err))
	}
	cats, err := s.categoriesOf(ctx, "post_categories", "post_id", id)
	if err != nil {
		return model.Post{}, err
	}
	p.CategoryIDs = cats
	p.PublishedAt = p.PublishedAt.UTC()
	return p, nil
}

// CreateOpening stores the opening and enqueues its start task in one
// transaction
func (s *Store) CreateOpening(ctx context.Context, opening model.Opening, start model.BackgroundTask) (model.Opening, error) {
	if strings.TrimSpace(opening.Title) == "" {
		return model.Opening{}, fmt.Errorf("opening title must not be empty")
	}
	if opening.ID == "" {
		opening.ID = uuid.New().String()
	}
	if opening.StartsAt.IsZero() {
		return model.Opening{}, fmt.Errorf("opening start time is required")
	}
	opening.StartsAt = opening.StartsAt.UTC()
	opening.CreatedAt = utc(opening.CreatedAt)

	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			"INSERT INTO openings (id, title, starts_at, created_at) VALUES (?, ?, ?, ?)"),
			opening.ID, opening.Title, opening.StartsAt, opening.CreatedAt,
		); err != nil {
			return fmt.Errorf("creating opening: %w", mapError(err))
		}
		if err := linkCategories(ctx, tx, "opening_categories", "opening_id", opening.ID, opening.CategoryIDs); err != nil {
			return err
		}
		return insertTasks(ctx, tx, []model.BackgroundTask{start})
	})
	if err != nil {
		return model.Opening{}, err
	}
	return opening, nil
}

// GetOpening retrieves an opening with its categories
func (s *Store) GetOpening(ctx context.Context, id string) (model.Opening, error) {
	var o model.Opening
	if err := s.db.GetContext(ctx, &o, s.db.Rebind(
		"SELECT id, title, starts_at, created_at FROM openings WHERE id = ?"), id); err != nil {
		return model.Opening{}, fmt.Errorf("getting opening %s: %w", id, mapError(err))
	}
	cats, err := s.categoriesOf(ctx, "opening_categories", "opening_id", id)
	if err != nil {
		return model.Opening{}, err
	}
	o.CategoryIDs = cats
	o.StartsAt = o.StartsAt.UTC()
	o.CreatedAt = o.CreatedAt.UTC()
	return o, nil
}
