package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"taskhub/domain"
)

type fakeTransport struct {
	frames chan []byte
	done   chan struct{}

	mu      sync.Mutex
	closed  int
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan []byte, 64), done: make(chan struct{})}
}

func (f *fakeTransport) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.frames <- frame
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) hangUp() { close(f.done) }

func (f *fakeTransport) next(t *testing.T) string {
	t.Helper()
	select {
	case frame := <-f.frames:
		return string(frame)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return ""
}

type authFunc func(ctx context.Context, token string) (domain.Identity, error)

func (f authFunc) Resolve(ctx context.Context, token string) (domain.Identity, error) {
	return f(ctx, token)
}

type unreadFunc func(ctx context.Context, userID string) ([]domain.Notification, error)

func (f unreadFunc) ListUnread(ctx context.Context, userID string) ([]domain.Notification, error) {
	return f(ctx, userID)
}

func staticAuth(tokens map[string]domain.Identity) Authenticator {
	return authFunc(func(_ context.Context, token string) (domain.Identity, error) {
		id, ok := tokens[token]
		if !ok {
			return domain.Identity{}, domain.ErrUnauthorized
		}
		return id, nil
	})
}

func noUnread() NotificationSource {
	return unreadFunc(func(context.Context, string) ([]domain.Notification, error) { return nil, nil })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionRefusesExpiredToken(t *testing.T) {
	h := newTestHub(4)
	gw := NewGateway(h, staticAuth(map[string]domain.Identity{
		"old": {UserID: "u1", ExpiresAt: time.Now().Add(-time.Minute)},
	}), noUnread(), quietLogger())

	for _, token := range []string{"old", "unknown", ""} {
		s := gw.Open(token)
		if err := s.Authenticate(context.Background()); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("token %q: expected ErrUnauthorized, got %v", token, err)
		}
		if s.State() != StateClosed {
			t.Fatalf("token %q: expected closed, got %s", token, s.State())
		}
		tr := newFakeTransport()
		if err := s.Run(context.Background(), tr); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("token %q: run after refusal should fail, got %v", token, err)
		}
		if len(tr.frames) != 0 {
			t.Fatalf("token %q: refused session sent %d frames", token, len(tr.frames))
		}
	}
	if stats := h.Stats(); stats.Connections != 0 {
		t.Fatalf("refused sessions registered: %+v", stats)
	}
}

func TestSessionSnapshotThenForward(t *testing.T) {
	h := newTestHub(8)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gw := NewGateway(h, staticAuth(map[string]domain.Identity{
		"good": {UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)},
	}), unreadFunc(func(_ context.Context, userID string) ([]domain.Notification, error) {
		if userID != "u1" {
			t.Errorf("unexpected user %s", userID)
		}
		return []domain.Notification{
			{ID: 2, Message: "second", CreatedAt: created.Add(time.Minute)},
			{ID: 1, Message: "first", CreatedAt: created},
		}, nil
	}), quietLogger())

	s := gw.Open("good")
	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if s.State() != StateAuthenticating || s.UserID() != "u1" {
		t.Fatalf("unexpected state %s user %q", s.State(), s.UserID())
	}

	tr := newFakeTransport()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), tr) }()

	snap := tr.next(t)
	if !strings.HasPrefix(snap, `{"event":"notification_list"`) || strings.Index(snap, "second") > strings.Index(snap, "first") {
		t.Fatalf("unexpected snapshot %s", snap)
	}
	waitFor(t, func() bool { return h.Stats().Connections == 1 })
	if s.State() != StateActive {
		t.Fatalf("expected active, got %s", s.State())
	}

	for i := int64(1); i <= 3; i++ {
		if _, err := h.Publish(sampleEvent(i)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i := 1; i <= 3; i++ {
		frame := tr.next(t)
		if !strings.Contains(frame, `"id":`+string(rune('0'+i))+`,`) {
			t.Fatalf("frame %d out of order: %s", i, frame)
		}
	}

	tr.hangUp()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after hang up")
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if h.Stats().Connections != 0 {
		t.Fatalf("connection still registered")
	}
}

func TestSessionClosesOnSendFailure(t *testing.T) {
	h := newTestHub(8)
	gw := NewGateway(h, staticAuth(map[string]domain.Identity{"good": {UserID: "u1"}}), noUnread(), quietLogger())
	s := gw.Open("good")
	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	tr := newFakeTransport()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), tr) }()
	tr.next(t)
	waitFor(t, func() bool { return h.Stats().Connections == 1 })

	broken := errors.New("broken pipe")
	tr.mu.Lock()
	tr.sendErr = broken
	tr.mu.Unlock()
	other := h.Register("u2")
	if _, err := h.Publish(sampleEvent(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, broken) {
			t.Fatalf("expected broken pipe, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return")
	}
	if len(other.Frames()) != 1 {
		t.Fatalf("failure on one connection must not affect others")
	}
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if closed == 0 {
		t.Fatalf("transport was not closed")
	}
}

func TestSessionSnapshotCancelledWithConnection(t *testing.T) {
	h := newTestHub(8)
	started := make(chan struct{})
	gw := NewGateway(h, staticAuth(map[string]domain.Identity{"good": {UserID: "u1"}}),
		unreadFunc(func(ctx context.Context, _ string) ([]domain.Notification, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}), quietLogger())
	s := gw.Open("good")
	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	tr := newFakeTransport()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), tr) }()
	<-started
	tr.hangUp()
	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatalf("snapshot fetch was not cancelled")
	}
	if len(tr.frames) != 0 {
		t.Fatalf("no frame may be sent after the peer left")
	}
	if s.State() != StateClosed || h.Stats().Connections != 0 {
		t.Fatalf("session not cleaned up: %s %+v", s.State(), h.Stats())
	}
}

func TestSessionEvictedAsSlowConsumer(t *testing.T) {
	h := newTestHub(1)
	block := make(chan struct{})
	gw := NewGateway(h, staticAuth(map[string]domain.Identity{"good": {UserID: "u1"}}), noUnread(), quietLogger())
	s := gw.Open("good")
	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	tr := &blockingTransport{fakeTransport: newFakeTransport(), block: block}
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), tr) }()
	waitFor(t, func() bool { return h.Stats().Connections == 1 })
	tr.next(t)

	// first frame parks the writer in Send, the next two overflow the buffer
	for i := int64(1); i <= 3; i++ {
		_, _ = h.Publish(sampleEvent(i))
		time.Sleep(10 * time.Millisecond)
	}
	close(block)
	select {
	case err := <-errc:
		if !errors.Is(err, ErrSlowConsumer) {
			t.Fatalf("expected ErrSlowConsumer, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("evicted session did not stop")
	}
}

type blockingTransport struct {
	*fakeTransport
	block chan struct{}
	calls int
}

func (b *blockingTransport) Send(ctx context.Context, frame []byte) error {
	b.calls++
	if b.calls > 1 {
		<-b.block
	}
	return b.fakeTransport.Send(ctx, frame)
}

func TestSessionSkipsNotificationAlreadyInSnapshot(t *testing.T) {
	h := newTestHub(8)
	gw := NewGateway(h, staticAuth(map[string]domain.Identity{
		"good": {UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)},
	}), unreadFunc(func(_ context.Context, userID string) ([]domain.Notification, error) {
		// Committed after registration but before the snapshot query.
		n := domain.Notification{ID: 5, Message: "racing"}
		if _, err := h.Notify(userID, n); err != nil {
			t.Errorf("notify: %v", err)
		}
		return []domain.Notification{n}, nil
	}), quietLogger())

	s := gw.Open("good")
	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	tr := newFakeTransport()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), tr) }()

	if snap := tr.next(t); !strings.Contains(snap, `"notification_list"`) || !strings.Contains(snap, "racing") {
		t.Fatalf("unexpected snapshot %s", snap)
	}
	if _, err := h.Notify("u1", domain.Notification{ID: 6, Message: "later"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if frame := tr.next(t); !strings.Contains(frame, "later") {
		t.Fatalf("expected the later notification, got %s", frame)
	}

	tr.hangUp()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after hang up")
	}
	select {
	case frame := <-tr.frames:
		t.Fatalf("unexpected extra frame %s", frame)
	default:
	}
}
