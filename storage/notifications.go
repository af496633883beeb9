package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"taskhub/domain"
)

// RecordNotification appends an unread notification for recipient as part
// of the surrounding mutation.
func (t *Tx) RecordNotification(ctx context.Context, recipient string, taskID *int64, message string) (domain.Notification, error) {
	n := domain.Notification{
		UserID:    recipient,
		TaskID:    taskID,
		Message:   message,
		CreatedAt: t.now(),
	}
	var tid any
	if taskID != nil {
		tid = *taskID
	}
	query := t.rebind(`INSERT INTO notifications (user_id, task_id, message, is_read, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`)
	if err := t.tx.QueryRowxContext(ctx, query, recipient, tid, message, false, n.CreatedAt).Scan(&n.ID); err != nil {
		return domain.Notification{}, fmt.Errorf("record notification: %w", mapError(err))
	}
	return n, nil
}

// ListUnread returns the unread notifications of a user, newest first.
func (s *Store) ListUnread(ctx context.Context, userID string) ([]domain.Notification, error) {
	out := []domain.Notification{}
	query := s.db.Rebind(`SELECT id, user_id, task_id, message, is_read, created_at FROM notifications
		WHERE user_id = ? AND is_read = ? ORDER BY created_at DESC, id DESC`)
	if err := sqlx.SelectContext(ctx, s.db, &out, query, userID, false); err != nil {
		return nil, fmt.Errorf("list unread: %w", mapError(err))
	}
	return out, nil
}

// MarkAllRead flips every unread notification of a user and returns how
// many changed. Repeating it is harmless and yields zero.
func (s *Store) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	query := s.db.Rebind(`UPDATE notifications SET is_read = ? WHERE user_id = ? AND is_read = ?`)
	res, err := s.db.ExecContext(ctx, query, true, userID, false)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", mapError(err))
	}
	return res.RowsAffected()
}
