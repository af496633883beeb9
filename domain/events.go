package domain

import (
	"fmt"
	"time"
)

// EventKind is the discriminator carried in the "event" field of a frame.
type EventKind string

const (
	EventTaskCreated  EventKind = "task:created"
	EventTaskUpdated  EventKind = "task:updated"
	EventTaskArchived EventKind = "task:archived"

	EventNotificationList EventKind = "notification_list"
	EventNotification     EventKind = "notification"
)

// MediaRef is a media entry as clients see it: File is already an access URL.
type MediaRef struct {
	ID   int64  `json:"id"`
	File string `json:"file"`
}

// TaskSnapshot is the task state captured right after a committed mutation.
type TaskSnapshot struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title"`
	Status       Status     `json:"status"`
	Order        int        `json:"order"`
	Tags         []string   `json:"tags"`
	Description  string     `json:"description"`
	ExpectedDate *time.Time `json:"expected_date"`
	Lifecycle    Lifecycle  `json:"lifecycle"`
	DeletedAt    *time.Time `json:"deleted_at"`
	Medias       []MediaRef `json:"medias"`
	CreatedBy    User       `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func NewSnapshot(t Task, owner User, medias []MediaRef) TaskSnapshot {
	tags := []string(t.Tags)
	if tags == nil {
		tags = []string{}
	}
	if medias == nil {
		medias = []MediaRef{}
	}
	return TaskSnapshot{
		ID:           t.ID,
		Title:        t.Title,
		Status:       t.Status,
		Order:        t.Order,
		Tags:         tags,
		Description:  t.Description,
		ExpectedDate: t.ExpectedDate,
		Lifecycle:    t.Lifecycle,
		DeletedAt:    t.ArchivedAt,
		Medias:       medias,
		CreatedBy:    owner,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

// ChangeEvent is broadcast to every live connection after a commit.
type ChangeEvent struct {
	Kind    EventKind    `json:"event"`
	Task    TaskSnapshot `json:"task"`
	Message string       `json:"message"`
}

// Mutation describes what a committed write did to a task.
type Mutation struct {
	Created bool
	// Archived is true only for the ACTIVE -> ARCHIVED transition.
	Archived bool
}

// Kind classifies a mutation. Creation wins over archival, archival over a
// plain update.
func (m Mutation) Kind() EventKind {
	switch {
	case m.Created:
		return EventTaskCreated
	case m.Archived:
		return EventTaskArchived
	}
	return EventTaskUpdated
}

const DefaultLocale = "pt-BR"

var catalog = map[string]map[EventKind]string{
	"pt-BR": {
		EventTaskCreated:  "%s criou a tarefa '%s'",
		EventTaskArchived: "%s arquivou a tarefa '%s'",
		EventTaskUpdated:  "%s atualizou a tarefa '%s'",
	},
	"en": {
		EventTaskCreated:  "%s created the task '%s'",
		EventTaskArchived: "%s archived the task '%s'",
		EventTaskUpdated:  "%s updated the task '%s'",
	},
}

// Locales returns the message catalogs that are available.
func Locales() []string {
	out := make([]string, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	return out
}

// EventBuilder turns committed mutations into change events with a localized
// human-readable message.
type EventBuilder struct {
	locale   string
	messages map[EventKind]string
}

func NewEventBuilder(locale string) (*EventBuilder, error) {
	if locale == "" {
		locale = DefaultLocale
	}
	msgs, ok := catalog[locale]
	if !ok {
		return nil, fmt.Errorf("%w: no message catalog for locale %q", ErrInvalid, locale)
	}
	return &EventBuilder{locale: locale, messages: msgs}, nil
}

func (b *EventBuilder) Locale() string { return b.locale }

// Build produces exactly one event for the mutation. actor is the display
// name of whoever performed it.
func (b *EventBuilder) Build(snap TaskSnapshot, m Mutation, actor string) ChangeEvent {
	kind := m.Kind()
	return ChangeEvent{
		Kind:    kind,
		Task:    snap,
		Message: b.Message(kind, actor, snap.Title),
	}
}

func (b *EventBuilder) Message(kind EventKind, actor, title string) string {
	tmpl, ok := b.messages[kind]
	if !ok {
		tmpl = b.messages[EventTaskUpdated]
	}
	return fmt.Sprintf(tmpl, actor, title)
}
