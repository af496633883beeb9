package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"taskhub/domain"
)

const mediaColumns = `id, task_id, name, file, content_type, size, created_by, uploaded_at`

func listMedia(ctx context.Context, q sqlx.ExtContext, taskID int64) ([]domain.Media, error) {
	media := []domain.Media{}
	query := q.Rebind(`SELECT ` + mediaColumns + ` FROM media WHERE task_id = ? ORDER BY id`)
	if err := sqlx.SelectContext(ctx, q, &media, query, taskID); err != nil {
		return nil, fmt.Errorf("media for task %d: %w", taskID, mapError(err))
	}
	return media, nil
}

func (s *Store) ListMedia(ctx context.Context, taskID int64) ([]domain.Media, error) {
	return listMedia(ctx, s.db, taskID)
}

// ListMedia reads the media of a task inside the transaction so the
// snapshot sees the committed-to-be state.
func (t *Tx) ListMedia(ctx context.Context, taskID int64) ([]domain.Media, error) {
	return listMedia(ctx, t.tx, taskID)
}

// MediaByTask groups the media of several tasks in one query.
func (s *Store) MediaByTask(ctx context.Context, taskIDs []int64) (map[int64][]domain.Media, error) {
	out := make(map[int64][]domain.Media, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT `+mediaColumns+` FROM media WHERE task_id IN (?) ORDER BY id`, taskIDs)
	if err != nil {
		return nil, err
	}
	var media []domain.Media
	if err := sqlx.SelectContext(ctx, s.db, &media, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("media by task: %w", mapError(err))
	}
	for _, m := range media {
		if m.TaskID != nil {
			out[*m.TaskID] = append(out[*m.TaskID], m)
		}
	}
	return out, nil
}

// InsertMedia records an uploaded file. A non-nil TaskID must reference an
// existing task.
func (s *Store) InsertMedia(ctx context.Context, m domain.Media) (domain.Media, error) {
	m.UploadedAt = s.timestamp()
	var createdBy any
	if m.CreatedBy != nil {
		createdBy = *m.CreatedBy
	}
	var taskID any
	if m.TaskID != nil {
		taskID = *m.TaskID
	}
	query := s.db.Rebind(`INSERT INTO media (task_id, name, file, content_type, size, created_by, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	if err := s.db.QueryRowxContext(ctx, query, taskID, m.Name, m.File, m.ContentType, m.Size, createdBy, m.UploadedAt).Scan(&m.ID); err != nil {
		return domain.Media{}, fmt.Errorf("insert media: %w", mapError(err))
	}
	return m, nil
}

func (s *Store) GetMedia(ctx context.Context, id int64) (domain.Media, error) {
	var m domain.Media
	query := s.db.Rebind(`SELECT ` + mediaColumns + ` FROM media WHERE id = ?`)
	if err := sqlx.GetContext(ctx, s.db, &m, query, id); err != nil {
		return domain.Media{}, fmt.Errorf("media %d: %w", id, mapError(err))
	}
	return m, nil
}

func (s *Store) DeleteMedia(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM media WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete media %d: %w", id, mapError(err))
	}
	return expectRows(res, fmt.Sprintf("media %d", id))
}
