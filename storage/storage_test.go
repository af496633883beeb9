package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"taskhub/domain"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	ctx := context.Background()
	s, err := Open(ctx, SQLite, filepath.Join(t.TempDir(), "taskhub.db"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func insertTask(t *testing.T, s *Store, title string, status domain.Status, order int) domain.Task {
	t.Helper()
	task := domain.Task{Title: title, Status: status, Order: order, CreatedBy: "owner", Tags: domain.Tags{"x"}}
	if err := s.InTx(context.Background(), func(tx *Tx) error {
		return tx.InsertTask(context.Background(), &task)
	}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func TestMigrateTwice(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"postgres": Postgres, "PGX": Postgres, "sqlite3": SQLite, "sqlite": SQLite} {
		got, err := ParseDialect(in)
		if err != nil || got != want {
			t.Fatalf("ParseDialect(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDialect("mysql"); err == nil {
		t.Fatalf("expected error for mysql")
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	due := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	task := domain.Task{
		Title:        "Plan sprint",
		Status:       domain.StatusInProgress,
		Order:        3,
		Tags:         domain.Tags{"work", "q2"},
		Description:  "details",
		ExpectedDate: &due,
		CreatedBy:    "owner",
	}
	if err := s.InTx(ctx, func(tx *Tx) error { return tx.InsertTask(ctx, &task) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(task, got); diff != "" {
		t.Fatalf("task mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.GetTask(ctx, task.ID+100); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestShiftLeftAndMaxOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertTask(t, s, "A", domain.StatusPending, 1)
	b := insertTask(t, s, "B", domain.StatusPending, 2)
	c := insertTask(t, s, "C", domain.StatusDone, 1)
	archived := insertTask(t, s, "D", domain.StatusPending, 0)
	if err := s.InTx(ctx, func(tx *Tx) error {
		archived.Archive(time.Now())
		return tx.UpdateTask(ctx, &archived)
	}); err != nil {
		t.Fatalf("archive: %v", err)
	}

	err := s.InTx(ctx, func(tx *Tx) error {
		max, ok, err := tx.MaxOrder(ctx, domain.StatusPending, 0)
		if err != nil {
			return err
		}
		if !ok || max != 2 {
			t.Fatalf("expected max 2, got %d (ok=%v)", max, ok)
		}
		if _, ok, _ := tx.MaxOrder(ctx, domain.StatusInProgress, 0); ok {
			t.Fatalf("expected empty lane")
		}
		n, err := tx.ShiftLeft(ctx, domain.StatusPending, 2, b.ID)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("expected one shifted row, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	for id, want := range map[int64]int{a.ID: 0, b.ID: 2, c.ID: 1, archived.ID: 0} {
		got, err := s.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		if got.Order != want {
			t.Fatalf("task %d: expected order %d, got %d", id, want, got.Order)
		}
	}
}

func TestListTasksByLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTask(t, s, "second", domain.StatusPending, 2)
	insertTask(t, s, "first", domain.StatusPending, 1)
	gone := insertTask(t, s, "gone", domain.StatusPending, 3)
	if err := s.InTx(ctx, func(tx *Tx) error {
		gone.Archive(time.Now())
		return tx.UpdateTask(ctx, &gone)
	}); err != nil {
		t.Fatalf("archive: %v", err)
	}

	active, err := s.ListTasks(ctx, domain.LifecycleActive)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 || active[0].Title != "first" || active[1].Title != "second" {
		t.Fatalf("unexpected active list: %+v", active)
	}
	archived, err := s.ListTasks(ctx, domain.LifecycleArchived)
	if err != nil {
		t.Fatalf("list archived: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != gone.ID || archived[0].ArchivedAt == nil {
		t.Fatalf("unexpected archived list: %+v", archived)
	}
}

func TestInTxRollsBackEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Tx) error {
		task := domain.Task{Title: "doomed", Status: domain.StatusPending, Order: 1, CreatedBy: "owner"}
		if err := tx.InsertTask(ctx, &task); err != nil {
			return err
		}
		if _, err := tx.RecordNotification(ctx, "owner", &task.ID, "created"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	tasks, _ := s.ListTasks(ctx, domain.LifecycleActive)
	unread, _ := s.ListUnread(ctx, "owner")
	if len(tasks) != 0 || len(unread) != 0 {
		t.Fatalf("expected nothing persisted, got %d tasks and %d notifications", len(tasks), len(unread))
	}
}

func TestInTxPanicRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = s.InTx(ctx, func(tx *Tx) error {
			task := domain.Task{Title: "doomed", Status: domain.StatusPending, CreatedBy: "owner"}
			if err := tx.InsertTask(ctx, &task); err != nil {
				return err
			}
			panic("kaboom")
		})
	}()
	if tasks, _ := s.ListTasks(ctx, domain.LifecycleActive); len(tasks) != 0 {
		t.Fatalf("expected rollback after panic, got %d tasks", len(tasks))
	}
}

func TestNotificationsListAndMarkAllRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := insertTask(t, s, "A", domain.StatusPending, 1)
	for _, msg := range []string{"one", "two", "three"} {
		if err := s.InTx(ctx, func(tx *Tx) error {
			_, err := tx.RecordNotification(ctx, "owner", &task.ID, msg)
			return err
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.RecordNotification(ctx, "someone-else", nil, "other")
		return err
	}); err != nil {
		t.Fatalf("record other: %v", err)
	}

	unread, err := s.ListUnread(ctx, "owner")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, n := range unread {
		got = append(got, n.Message)
	}
	if diff := cmp.Diff([]string{"three", "two", "one"}, got); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}

	n, err := s.MarkAllRead(ctx, "owner")
	if err != nil || n != 3 {
		t.Fatalf("expected 3 flipped, got %d (%v)", n, err)
	}
	if unread, _ := s.ListUnread(ctx, "owner"); len(unread) != 0 {
		t.Fatalf("expected no unread, got %d", len(unread))
	}
	n, err = s.MarkAllRead(ctx, "owner")
	if err != nil || n != 0 {
		t.Fatalf("expected idempotent 0, got %d (%v)", n, err)
	}
	if other, _ := s.ListUnread(ctx, "someone-else"); len(other) != 1 {
		t.Fatalf("other user's notifications must be untouched, got %d", len(other))
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := insertTask(t, s, "A", domain.StatusPending, 1)
	m, err := s.InsertMedia(ctx, domain.Media{TaskID: &task.ID, Name: "a.png", File: "ab/a.png", ContentType: "image/png", Size: 3})
	if err != nil {
		t.Fatalf("insert media: %v", err)
	}
	if err := s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.RecordNotification(ctx, "owner", &task.ID, "created")
		return err
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	grouped, err := s.MediaByTask(ctx, []int64{task.ID})
	if err != nil || len(grouped[task.ID]) != 1 {
		t.Fatalf("expected one media for task, got %v (%v)", grouped, err)
	}

	if err := s.InTx(ctx, func(tx *Tx) error { return tx.DeleteTask(ctx, task.ID) }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetMedia(ctx, m.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected media cascade, got %v", err)
	}
	unread, err := s.ListUnread(ctx, "owner")
	if err != nil || len(unread) != 1 {
		t.Fatalf("expected notification to survive, got %d (%v)", len(unread), err)
	}
	if unread[0].TaskID != nil {
		t.Fatalf("expected task reference cleared, got %d", *unread[0].TaskID)
	}
	if err := s.InTx(ctx, func(tx *Tx) error { return tx.DeleteTask(ctx, task.ID) }); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMediaRejectsUnknownTask(t *testing.T) {
	s := newTestStore(t)
	missing := int64(999)
	if _, err := s.InsertMedia(context.Background(), domain.Media{TaskID: &missing, Name: "x", File: "x"}); err == nil {
		t.Fatalf("expected foreign key failure")
	}
}

func TestJobQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	done := insertTask(t, s, "done", domain.StatusDone, 1)
	insertTask(t, s, "pending", domain.StatusPending, 1)
	old := insertTask(t, s, "old", domain.StatusPending, 2)
	if err := s.InTx(ctx, func(tx *Tx) error {
		old.Archive(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		return tx.UpdateTask(ctx, &old)
	}); err != nil {
		t.Fatalf("archive: %v", err)
	}

	cutoff := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	idle, err := s.IdleTaskIDs(ctx, domain.StatusDone, cutoff)
	if err != nil {
		t.Fatalf("idle: %v", err)
	}
	if diff := cmp.Diff([]int64{done.ID}, idle); diff != "" {
		t.Fatalf("idle mismatch (-want +got):\n%s", diff)
	}
	if idle, _ := s.IdleTaskIDs(ctx, domain.StatusDone, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)); len(idle) != 0 {
		t.Fatalf("expected nothing idle before 2020, got %v", idle)
	}

	purge, err := s.ArchivedTaskIDs(ctx, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("archived: %v", err)
	}
	if diff := cmp.Diff([]int64{old.ID}, purge); diff != "" {
		t.Fatalf("archived mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionsAndUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertUser(ctx, domain.User{ID: "u1", Name: "Ana", Email: "ana@example.com"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertUser(ctx, domain.User{ID: "u1", Name: "Ana Maria", Email: "ana@example.com"}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, "tok", "u1", exp); err != nil {
		t.Fatalf("session: %v", err)
	}

	id, err := s.Resolve(ctx, "tok")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.UserID != "u1" || !id.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected identity %+v", id)
	}
	if _, err := s.Resolve(ctx, "nope"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	u, err := s.User(ctx, "u1")
	if err != nil || u.Name != "Ana Maria" {
		t.Fatalf("unexpected user %+v (%v)", u, err)
	}
	if _, err := s.User(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
