package domain

import (
	"fmt"
	"time"
)

// Status names the board lane a task sits in.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
)

// Statuses lists every lane in board order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusDone}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusInProgress, StatusDone:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalid, s)
}

// Lifecycle is the explicit active/archived state of a task. ArchivedAt on
// Task only records when the transition happened.
type Lifecycle string

const (
	LifecycleActive   Lifecycle = "ACTIVE"
	LifecycleArchived Lifecycle = "ARCHIVED"
)

const MaxTitleLength = 128

// Task is a board item owned by the user that created it.
type Task struct {
	ID           int64      `db:"id"`
	Title        string     `db:"title"`
	Status       Status     `db:"status"`
	Order        int        `db:"sort_order"`
	Tags         Tags       `db:"tags"`
	Description  string     `db:"description"`
	ExpectedDate *time.Time `db:"expected_date"`
	Lifecycle    Lifecycle  `db:"lifecycle"`
	ArchivedAt   *time.Time `db:"archived_at"`
	CreatedBy    string     `db:"created_by"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

func (t Task) Archived() bool { return t.Lifecycle == LifecycleArchived }

// Lane identifies the ordering partition of an active task.
func (t Task) Lane() Status { return t.Status }

// Archive moves the task out of its lane. It reports whether the lifecycle
// actually changed.
func (t *Task) Archive(now time.Time) bool {
	if t.Lifecycle == LifecycleArchived {
		return false
	}
	t.Lifecycle = LifecycleArchived
	ts := now.UTC()
	t.ArchivedAt = &ts
	return true
}

// Restore returns an archived task to its lane.
func (t *Task) Restore() bool {
	if t.Lifecycle != LifecycleArchived {
		return false
	}
	t.Lifecycle = LifecycleActive
	t.ArchivedAt = nil
	return true
}

// NewTask carries the fields a client may set on creation. A nil Order
// appends to the lane.
type NewTask struct {
	Title        string
	Status       Status
	Order        *int
	Tags         []string
	Description  string
	ExpectedDate *time.Time
}

func (n NewTask) Validate() error {
	if n.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if len([]rune(n.Title)) > MaxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalid, MaxTitleLength)
	}
	if n.Status != "" {
		if _, err := ParseStatus(string(n.Status)); err != nil {
			return err
		}
	}
	return nil
}

// TaskPatch is a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Title        *string
	Status       *Status
	Order        *int
	Tags         *[]string
	Description  *string
	ExpectedDate *time.Time
}

func (p TaskPatch) Validate() error {
	if p.Title != nil {
		if *p.Title == "" {
			return fmt.Errorf("%w: title is required", ErrInvalid)
		}
		if len([]rune(*p.Title)) > MaxTitleLength {
			return fmt.Errorf("%w: title exceeds %d characters", ErrInvalid, MaxTitleLength)
		}
	}
	if p.Status != nil {
		if _, err := ParseStatus(string(*p.Status)); err != nil {
			return err
		}
	}
	return nil
}

// Apply copies the non-ordering fields of the patch onto t. Status and order
// are placed by the ordering engine.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Tags != nil {
		t.Tags = Tags(*p.Tags)
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.ExpectedDate != nil {
		d := *p.ExpectedDate
		t.ExpectedDate = &d
	}
}
