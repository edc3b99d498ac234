package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nkkko/pincer/internal/storage"
	"github.com/nkkko/pincer/pkg/model"
)

type pageRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	ExternalIDs string    `db:"external_ids"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r pageRow) toModel() (model.Page, error) {
	p := model.Page{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()}
	if r.ExternalIDs != "" {
		if err := json.Unmarshal([]byte(r.ExternalIDs), &p.ExternalIDs); err != nil {
			return model.Page{}, fmt.Errorf("decoding external ids of page %s: %w", r.ID, err)
		}
	}
	return p, nil
}

type edgeRow struct {
	IncluderID string `db:"includer_id"`
	IncludedID string `db:"included_id"`
}

type interestRow struct {
	ID         string `db:"id"`
	Kind       string `db:"kind"`
	TargetKind string `db:"target_kind"`
	TargetID   string `db:"target_id"`
}

func (r interestRow) toModel() (model.Interest, error) {
	kind, err := model.ParseInterestKind(r.Kind)
	if err != nil {
		return model.Interest{}, err
	}
	return model.Interest{
		ID:     r.ID,
		Kind:   kind,
		Target: model.InterestTarget{Kind: model.TargetKind(r.TargetKind), ID: r.TargetID},
	}, nil
}

// LoadTopicSnapshot reads the whole topic structure in one transaction
func (s *Store) LoadTopicSnapshot(ctx context.Context) (snapshot model.TopicSnapshot, err error) {
	defer s.observe("load_topic_snapshot")(&err)

	var (
		pages     []pageRow
		cats      []model.Category
		edges     []edgeRow
		interests []interestRow
	)
	err = s.withTx(ctx, s.snapshotOptions(), func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &pages,
			"SELECT id, name, external_ids, created_at, updated_at FROM pages ORDER BY id"); err != nil {
			return fmt.Errorf("loading pages: %w", err)
		}
		if err := tx.SelectContext(ctx, &cats,
			"SELECT id, page_id, name FROM categories ORDER BY id"); err != nil {
			return fmt.Errorf("loading categories: %w", err)
		}
		if err := tx.SelectContext(ctx, &edges,
			"SELECT includer_id, included_id FROM category_includes ORDER BY includer_id, included_id"); err != nil {
			return fmt.Errorf("loading inclusion edges: %w", err)
		}
		if err := tx.SelectContext(ctx, &interests, tx.Rebind(
			"SELECT id, kind, target_kind, target_id FROM interests WHERE target_kind = ? ORDER BY id"),
			string(model.TargetCategory)); err != nil {
			return fmt.Errorf("loading interests: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.TopicSnapshot{}, err
	}

	for _, r := range pages {
		p, err := r.toModel()
		if err != nil {
			return model.TopicSnapshot{}, err
		}
		snapshot.Pages = append(snapshot.Pages, p)
	}

	includes := make(map[string][]string, len(edges))
	for _, e := range edges {
		includes[e.IncluderID] = append(includes[e.IncluderID], e.IncludedID)
	}
	for i := range cats {
		cats[i].Includes = includes[cats[i].ID]
	}
	snapshot.Categories = cats

	for _, r := range interests {
		in, err := r.toModel()
		if err != nil {
			s.logger.Warn().Err(err).Str("interest_id", r.ID).Msg("Skipping interest with unknown kind")
			continue
		}
		snapshot.Interests = append(snapshot.Interests, in)
	}
	return snapshot, nil
}

// CreatePage creates a page together with its default category
func (s *Store) CreatePage(ctx context.Context, page model.Page) (model.Page, model.Category, error) {
	if strings.TrimSpace(page.Name) == "" {
		return model.Page{}, model.Category{}, fmt.Errorf("page name must not be empty")
	}
	if page.ID == "" {
		page.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	page.CreatedAt = now
	page.UpdatedAt = now
	if page.ExternalIDs == nil {
		page.ExternalIDs = []string{}
	}
	externalIDs, err := json.Marshal(page.ExternalIDs)
	if err != nil {
		return model.Page{}, model.Category{}, fmt.Errorf("marshaling external ids: %w", err)
	}

	def := model.Category{ID: uuid.New().String(), PageID: page.ID}

	err = s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO pages (id, name, external_ids, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`),
			page.ID, page.Name, string(externalIDs), page.CreatedAt, page.UpdatedAt,
		); err != nil {
			return fmt.Errorf("creating page: %w", mapError(err))
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			"INSERT INTO categories (id, page_id, name) VALUES (?, ?, NULL)"),
			def.ID, page.ID,
		); err != nil {
			return fmt.Errorf("creating default category: %w", mapError(err))
		}
		return nil
	})
	if err != nil {
		return model.Page{}, model.Category{}, err
	}
	return page, def, nil
}

// GetPage retrieves a page by ID
func (s *Store) GetPage(ctx context.Context, id string) (model.Page, error) {
	var row pageRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT id, name, external_ids, created_at, updated_at FROM pages WHERE id = ?"), id)
	if err != nil {
		return model.Page{}, fmt.Errorf("getting page %s: %w", id, mapError(err))
	}
	return row.toModel()
}

// CreateCategory creates a named category owned by a page
func (s *Store) CreateCategory(ctx context.Context, pageID, name string) (model.Category, error) {
	if strings.TrimSpace(name) == "" {
		return model.Category{}, fmt.Errorf("category name must not be empty")
	}
	c := model.Category{ID: uuid.New().String(), PageID: pageID, Name: &name}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO categories (id, page_id, name) VALUES (?, ?, ?)"),
		c.ID, c.PageID, name,
	)
	if err != nil {
		return model.Category{}, fmt.Errorf("creating category %q on page %s: %w", name, pageID, mapError(err))
	}
	return c, nil
}

// AddInclusion makes from include to
func (s *Store) AddInclusion(ctx context.Context, from, to string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO category_includes (includer_id, included_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING`),
		from, to,
	)
	if err != nil {
		return fmt.Errorf("adding inclusion %s -> %s: %w", from, to, mapError(err))
	}
	return nil
}

// RemoveInclusion deletes the edge if present
func (s *Store) RemoveInclusion(ctx context.Context, from, to string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM category_includes WHERE includer_id = ? AND included_id = ?"),
		from, to,
	)
	if err != nil {
		return fmt.Errorf("removing inclusion %s -> %s: %w", from, to, err)
	}
	return nil
}

// categoriesExist fails with ErrNotFound unless every id names a category
func categoriesExist(ctx context.Context, tx *sqlx.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	unique := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		unique[id] = struct{}{}
	}

	q, args, err := sqlx.In("SELECT COUNT(*) FROM categories WHERE id IN (?)", ids)
	if err != nil {
		return err
	}
	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(q), args...); err != nil {
		return fmt.Errorf("checking categories: %w", err)
	}
	if n != len(unique) {
		return fmt.Errorf("%w: unknown category in %v", storage.ErrNotFound, ids)
	}
	return nil
}
