package hub

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
)

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestHub(buffer int) *Hub {
	return New(WithBuffer(buffer), WithLogger(quietLogger()))
}

func sampleEvent(id int64) domain.ChangeEvent {
	return domain.ChangeEvent{
		Kind:    domain.EventTaskCreated,
		Task:    domain.NewSnapshot(domain.Task{ID: id, Title: "t", Status: domain.StatusPending}, domain.User{ID: "u"}, nil),
		Message: "created",
	}
}

func TestPublishReachesEveryConnection(t *testing.T) {
	h := newTestHub(4)
	var conns []*Conn
	for i := 0; i < 5; i++ {
		conns = append(conns, h.Register("user-"+string(rune('a'+i))))
	}
	n, err := h.Publish(sampleEvent(1))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 deliveries, got %d", n)
	}
	for _, c := range conns {
		select {
		case frame := <-c.Frames():
			if !strings.Contains(string(frame), `"event":"task:created"`) {
				t.Fatalf("unexpected frame %s", frame)
			}
		default:
			t.Fatalf("connection %s got nothing", c.ID())
		}
	}
}

func TestNotifyTargetsOnlyRecipient(t *testing.T) {
	h := newTestHub(4)
	a1 := h.Register("a")
	a2 := h.Register("a")
	b := h.Register("b")

	n, err := h.Notify("a", domain.Notification{ID: 3, UserID: "a", Message: "hi"})
	if err != nil || n != 2 {
		t.Fatalf("expected 2 deliveries, got %d (%v)", n, err)
	}
	for _, c := range []*Conn{a1, a2} {
		frame := <-c.Frames()
		if !strings.Contains(string(frame), `"event":"notification"`) || !strings.Contains(string(frame), `"message":"hi"`) {
			t.Fatalf("unexpected frame %s", frame)
		}
	}
	select {
	case frame := <-b.Frames():
		t.Fatalf("other user received %s", frame)
	default:
	}
	if n, _ := h.Notify("nobody", domain.Notification{ID: 4}); n != 0 {
		t.Fatalf("expected no deliveries for unknown user, got %d", n)
	}
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	h := newTestHub(1)
	slow := h.Register("slow")
	fast := h.Register("fast")

	if n, _ := h.Publish(sampleEvent(1)); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	<-fast.Frames()

	n, _ := h.Publish(sampleEvent(2))
	if n != 1 {
		t.Fatalf("expected only the fast connection to accept, got %d", n)
	}
	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatalf("slow connection was not evicted")
	}
	if !errors.Is(slow.Err(), ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", slow.Err())
	}
	stats := h.Stats()
	if stats.Connections != 1 || stats.Evicted != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestUnregisteredConnectionGetsNothing(t *testing.T) {
	h := newTestHub(4)
	c := h.Register("u")
	h.Unregister(c, nil)
	h.Unregister(c, nil)
	if n, _ := h.Publish(sampleEvent(1)); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
	select {
	case frame := <-c.Frames():
		t.Fatalf("unregistered connection received %s", frame)
	default:
	}
	if stats := h.Stats(); stats.Connections != 0 || stats.Users != 0 {
		t.Fatalf("indexes not cleaned: %+v", stats)
	}
}

func TestConcurrentRegisterDuringPublish(t *testing.T) {
	h := newTestHub(1024)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				c := h.Register("churn")
				h.Unregister(c, nil)
			}
		}()
	}
	stable := h.Register("stable")
	for i := 0; i < 200; i++ {
		if _, err := h.Publish(sampleEvent(int64(i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	cancel()
	wg.Wait()
	if got := len(stable.Frames()); got != 200 {
		t.Fatalf("stable connection expected 200 frames, got %d", got)
	}
}

func TestCloseEvictsEveryone(t *testing.T) {
	h := newTestHub(1)
	c := h.Register("u")
	h.Close()
	if !errors.Is(c.Err(), ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed, got %v", c.Err())
	}
	late := h.Register("late")
	select {
	case <-late.Done():
	default:
		t.Fatalf("registration after close must be done immediately")
	}
}

func TestEncodeSnapshot(t *testing.T) {
	frame, err := EncodeSnapshot(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(frame) != `{"event":"notification_list","data":[]}` {
		t.Fatalf("unexpected empty snapshot %s", frame)
	}
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	frame, err = EncodeSnapshot([]domain.Notification{{ID: 9, UserID: "u", Message: "m", CreatedAt: created}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"event":"notification_list","data":[{"id":9,"message":"m","created_at":"2024-01-02T03:04:05Z"}]}`
	if string(frame) != want {
		t.Fatalf("unexpected snapshot\n got %s\nwant %s", frame, want)
	}
}
