package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
)

const (
	scopeAll  = "all"
	scopeUser = "user"
)

// envelope is what travels over the Redis channel between instances.
type envelope struct {
	Scope  string          `json:"scope"`
	UserID string          `json:"user_id,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Relay spreads frames to every server instance through Redis pub/sub.
// Each instance runs Relay.Run, which hands received frames to its local
// hub, so a publish reaches local connections exactly once.
type Relay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  log.FieldLogger
}

func NewRelay(client *redis.Client, channel string, h *Hub, logger log.FieldLogger) *Relay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{client: client, channel: channel, hub: h, logger: logger}
}

func (r *Relay) publish(ctx context.Context, env envelope) error {
	data, err := sonic.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *Relay) PublishChange(ctx context.Context, ev domain.ChangeEvent) error {
	frame, err := EncodeChange(ev)
	if err != nil {
		return err
	}
	return r.publish(ctx, envelope{Scope: scopeAll, Frame: frame})
}

func (r *Relay) PublishNotification(ctx context.Context, userID string, n domain.Notification) error {
	frame, err := EncodeNotification(n)
	if err != nil {
		return err
	}
	return r.publish(ctx, envelope{Scope: scopeUser, UserID: userID, Frame: frame})
}

// Run subscribes to the relay channel until ctx ends, resubscribing after a
// second whenever the subscription drops. ready, when non-nil, is closed
// once the first subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) {
	for {
		sub := r.client.Subscribe(ctx, r.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			r.logger.WithError(err).Error("relay.subscribe")
			time.Sleep(time.Second)
			continue
		}
		if ready != nil {
			close(ready)
			ready = nil
		}
		r.consume(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("relay channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func (r *Relay) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *Relay) deliver(payload string) {
	var env envelope
	if err := sonic.UnmarshalString(payload, &env); err != nil {
		r.logger.WithError(err).Error("relay.decode")
		return
	}
	switch env.Scope {
	case scopeAll:
		r.hub.Broadcast(env.Frame)
	case scopeUser:
		r.hub.SendTo(env.UserID, env.Frame)
	default:
		r.logger.WithField("scope", env.Scope).Warn("relay.unknown_scope")
	}
}
