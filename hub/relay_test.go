package hub

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskhub/domain"
)

func TestRelayDeliversThroughRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := newTestHub(8)
	relay := NewRelay(client, "taskhub:test", h, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go relay.Run(ctx, ready)
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not subscribe")
	}

	owner := h.Register("owner")
	other := h.Register("other")

	if err := relay.PublishChange(ctx, sampleEvent(5)); err != nil {
		t.Fatalf("publish change: %v", err)
	}
	if err := relay.PublishNotification(ctx, "owner", domain.Notification{ID: 1, Message: "hello"}); err != nil {
		t.Fatalf("publish notification: %v", err)
	}

	recv := func(c *Conn) string {
		select {
		case f := <-c.Frames():
			return string(f)
		case <-time.After(2 * time.Second):
			t.Fatalf("connection %s received nothing", c.UserID())
		}
		return ""
	}
	if f := recv(owner); !strings.Contains(f, `"event":"task:created"`) {
		t.Fatalf("owner expected change first, got %s", f)
	}
	if f := recv(owner); !strings.Contains(f, `"event":"notification"`) {
		t.Fatalf("owner expected notification, got %s", f)
	}
	if f := recv(other); !strings.Contains(f, `"event":"task:created"`) {
		t.Fatalf("other expected change, got %s", f)
	}
	select {
	case f := <-other.Frames():
		t.Fatalf("other must not receive targeted frames, got %s", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelayDropsMalformedEnvelope(t *testing.T) {
	h := newTestHub(2)
	c := h.Register("u")
	relay := NewRelay(nil, "unused", h, quietLogger())
	relay.deliver("not json")
	relay.deliver(`{"scope":"planet","frame":{}}`)
	if len(c.Frames()) != 0 {
		t.Fatalf("malformed envelopes must be dropped")
	}
	relay.deliver(`{"scope":"all","frame":{"event":"task:updated"}}`)
	if f := <-c.Frames(); string(f) != `{"event":"task:updated"}` {
		t.Fatalf("frame must be forwarded verbatim, got %s", f)
	}
}
