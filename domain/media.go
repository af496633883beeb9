package domain

import "time"

// Media is a file attached to a task. TaskID is nil for uploads that were
// never linked or whose link was cleared.
type Media struct {
	ID          int64     `db:"id"`
	TaskID      *int64    `db:"task_id"`
	Name        string    `db:"name"`
	File        string    `db:"file"`
	ContentType string    `db:"content_type"`
	Size        int64     `db:"size"`
	CreatedBy   *string   `db:"created_by"`
	UploadedAt  time.Time `db:"uploaded_at"`
}
