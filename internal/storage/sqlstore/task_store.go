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

type taskRow struct {
	ID        string     `db:"id"`
	Kind      string     `db:"kind"`
	Payload   string     `db:"payload"`
	CreatedAt time.Time  `db:"created_at"`
	NotBefore *time.Time `db:"not_before"`
}

func insertTasks(ctx context.Context, tx *sqlx.Tx, tasks []model.BackgroundTask) error {
	if len(tasks) == 0 {
		return nil
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO background_tasks (id, kind, payload, created_at, not_before)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`))
	if err != nil {
		return fmt.Errorf("preparing task insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		kind, payload, err := model.EncodePayload(t.Payload)
		if err != nil {
			return err
		}
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		var notBefore *time.Time
		if t.NotBefore != nil {
			nb := t.NotBefore.UTC()
			notBefore = &nb
		}
		if _, err := stmt.ExecContext(ctx, t.ID, string(kind), string(payload), utc(t.CreatedAt), notBefore); err != nil {
			return fmt.Errorf("inserting task %s: %w", t.ID, err)
		}
	}
	return nil
}

// EnqueueTasks inserts tasks, ignoring ids that already exist
func (s *Store) EnqueueTasks(ctx context.Context, tasks ...model.BackgroundTask) (err error) {
	defer s.observe("enqueue_tasks")(&err)

	if len(tasks) == 0 {
		return nil
	}
	return s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		return insertTasks(ctx, tx, tasks)
	})
}

// ClaimableTasks returns due tasks ordered by due time, creation time and id.
// Only known task kinds are returned. Rows whose payload cannot be decoded
// are logged and deleted.
func (s *Store) ClaimableTasks(ctx context.Context, q storage.TaskQuery) (tasks []model.BackgroundTask, err error) {
	defer s.observe("claimable_tasks")(&err)

	excluded := make(map[model.TaskKind]bool, len(q.ExcludeKinds))
	for _, k := range q.ExcludeKinds {
		excluded[k] = true
	}
	var kinds []string
	for _, k := range model.AllTaskKinds {
		if !excluded[k] {
			kinds = append(kinds, string(k))
		}
	}
	if len(kinds) == 0 {
		return nil, nil
	}

	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	conds := []string{"kind IN (?)", "(not_before IS NULL OR not_before <= ?)"}
	args := []interface{}{kinds, now.UTC()}
	if len(q.ExcludeIDs) > 0 {
		conds = append(conds, "id NOT IN (?)")
		args = append(args, q.ExcludeIDs)
	}
	args = append(args, limit)

	query, qargs, err := s.inQuery(`
		SELECT id, kind, payload, created_at, not_before
		FROM background_tasks
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY COALESCE(not_before, created_at), created_at, id
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, qargs...); err != nil {
		return nil, fmt.Errorf("querying claimable tasks: %w", err)
	}

	tasks = make([]model.BackgroundTask, 0, len(rows))
	var undecodable []string
	for _, r := range rows {
		payload, err := model.DecodePayload(r.Kind, []byte(r.Payload))
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("task_id", r.ID).
				Str("kind", r.Kind).
				Str("payload", r.Payload).
				Msg("Dropping undecodable task")
			undecodable = append(undecodable, r.ID)
			continue
		}
		t := model.BackgroundTask{ID: r.ID, Payload: payload, CreatedAt: r.CreatedAt.UTC()}
		if r.NotBefore != nil {
			nb := r.NotBefore.UTC()
			t.NotBefore = &nb
		}
		tasks = append(tasks, t)
	}

	// Left in place they would fill every page ahead of the valid tasks.
	if len(undecodable) > 0 {
		if err := s.DeleteTasks(ctx, undecodable); err != nil {
			s.logger.Error().Err(err).Int("tasks", len(undecodable)).Msg("Failed to drop undecodable tasks")
		}
	}
	return tasks, nil
}

// DeleteTasks removes tasks by id in one statement
func (s *Store) DeleteTasks(ctx context.Context, ids []string) (err error) {
	defer s.observe("delete_tasks")(&err)

	if len(ids) == 0 {
		return nil
	}
	query, args, err := s.inQuery("DELETE FROM background_tasks WHERE id IN (?)", ids)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting %d tasks: %w", len(ids), err)
	}
	return nil
}
