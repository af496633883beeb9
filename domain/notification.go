package domain

import "time"

// Notification is a per-recipient record of a task change. Only IsRead ever
// changes after insert.
type Notification struct {
	ID        int64     `db:"id"`
	UserID    string    `db:"user_id"`
	TaskID    *int64    `db:"task_id"`
	Message   string    `db:"message"`
	IsRead    bool      `db:"is_read"`
	CreatedAt time.Time `db:"created_at"`
}

// NotificationView is the wire shape pushed to clients.
type NotificationView struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (n Notification) View() NotificationView {
	return NotificationView{ID: n.ID, Message: n.Message, CreatedAt: n.CreatedAt}
}
