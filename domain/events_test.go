package domain

import (
	"errors"
	"testing"
	"time"
)

func TestMutationKindPrecedence(t *testing.T) {
	cases := []struct {
		name string
		m    Mutation
		want EventKind
	}{
		{"plain update", Mutation{}, EventTaskUpdated},
		{"created", Mutation{Created: true}, EventTaskCreated},
		{"archived", Mutation{Archived: true}, EventTaskArchived},
		{"created and archived", Mutation{Created: true, Archived: true}, EventTaskCreated},
	}
	for _, tc := range cases {
		if got := tc.m.Kind(); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestEventBuilderMessages(t *testing.T) {
	b, err := NewEventBuilder("")
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	if b.Locale() != DefaultLocale {
		t.Fatalf("expected default locale, got %s", b.Locale())
	}
	snap := NewSnapshot(Task{ID: 7, Title: "Write report", Status: StatusPending, Order: 1}, User{ID: "u1", Name: "Ana"}, nil)

	ev := b.Build(snap, Mutation{Created: true}, "Ana")
	if ev.Kind != EventTaskCreated {
		t.Fatalf("unexpected kind %s", ev.Kind)
	}
	if ev.Message != "Ana criou a tarefa 'Write report'" {
		t.Fatalf("unexpected message %q", ev.Message)
	}

	ev = b.Build(snap, Mutation{Archived: true}, "Ana")
	if ev.Message != "Ana arquivou a tarefa 'Write report'" {
		t.Fatalf("unexpected message %q", ev.Message)
	}

	en, err := NewEventBuilder("en")
	if err != nil {
		t.Fatalf("en builder: %v", err)
	}
	if msg := en.Build(snap, Mutation{}, "Ana").Message; msg != "Ana updated the task 'Write report'" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestEventBuilderUnknownLocale(t *testing.T) {
	if _, err := NewEventBuilder("xx"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestSnapshotNeverNilSlices(t *testing.T) {
	snap := NewSnapshot(Task{ID: 1}, User{ID: "u"}, nil)
	if snap.Tags == nil || snap.Medias == nil {
		t.Fatalf("expected empty slices, got tags=%v medias=%v", snap.Tags, snap.Medias)
	}
}

func TestTaskArchiveRestore(t *testing.T) {
	task := Task{Lifecycle: LifecycleActive}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if !task.Archive(now) {
		t.Fatalf("expected first archive to transition")
	}
	if task.Archive(now) {
		t.Fatalf("expected second archive to be a no-op")
	}
	if task.ArchivedAt == nil || !task.ArchivedAt.Equal(now) {
		t.Fatalf("unexpected archived_at %v", task.ArchivedAt)
	}
	if !task.Restore() || task.ArchivedAt != nil || task.Lifecycle != LifecycleActive {
		t.Fatalf("restore did not clear lifecycle: %+v", task)
	}
}

func TestIdentityExpired(t *testing.T) {
	now := time.Now()
	if (Identity{UserID: "u", ExpiresAt: now.Add(time.Minute)}).Expired(now) {
		t.Fatalf("future expiry reported expired")
	}
	if !(Identity{UserID: "u", ExpiresAt: now}).Expired(now) {
		t.Fatalf("expiry at now should be expired")
	}
	if (Identity{UserID: "u"}).Expired(now) {
		t.Fatalf("zero expiry means no expiry")
	}
}

func TestTagsScan(t *testing.T) {
	var tags Tags
	if err := tags.Scan([]byte(`["a","b"]`)); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(tags) != 2 || tags[0] != "a" || tags[1] != "b" {
		t.Fatalf("unexpected tags %v", tags)
	}
	if err := tags.Scan(nil); err != nil || len(tags) != 0 {
		t.Fatalf("expected empty tags, got %v (%v)", tags, err)
	}
	if err := tags.Scan(42); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestNewTaskValidate(t *testing.T) {
	long := make([]rune, MaxTitleLength+1)
	for i := range long {
		long[i] = 'x'
	}
	if err := (NewTask{Title: string(long)}).Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for long title, got %v", err)
	}
	if err := (NewTask{Title: "ok", Status: "LATER"}).Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for status, got %v", err)
	}
	if err := (NewTask{Title: "ok", Status: StatusDone}).Validate(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
