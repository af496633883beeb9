package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskhub/domain"
)

type identityBackend interface {
	Resolve(ctx context.Context, token string) (domain.Identity, error)
	User(ctx context.Context, id string) (domain.User, error)
}

// Cache fronts an identity backend with Redis. Cache failures never fail a
// lookup; the backend is asked instead.
type Cache struct {
	base  identityBackend
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base identityBackend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base backend is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl, now: time.Now}
}

type cachedIdentity struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Cache) Resolve(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, domain.ErrUnauthorized
	}
	key := sessionCacheKey(token)
	if c.redis != nil {
		if data, err := c.redis.Get(ctx, key).Bytes(); err == nil {
			var ci cachedIdentity
			if err := sonic.Unmarshal(data, &ci); err == nil {
				return domain.Identity{UserID: ci.UserID, ExpiresAt: ci.ExpiresAt}, nil
			}
			_ = c.redis.Del(ctx, key).Err()
		} else if !errors.Is(err, redis.Nil) {
			_ = c.redis.Del(ctx, key).Err()
		}
	}

	id, err := c.base.Resolve(ctx, token)
	if err != nil {
		return domain.Identity{}, err
	}
	ttl := c.ttl
	if !id.ExpiresAt.IsZero() {
		if left := id.ExpiresAt.Sub(c.now()); left < ttl {
			ttl = left
		}
	}
	if c.redis != nil && ttl > 0 {
		if data, err := sonic.Marshal(cachedIdentity{UserID: id.UserID, ExpiresAt: id.ExpiresAt}); err == nil {
			_ = c.redis.Set(ctx, key, data, ttl).Err()
		}
	}
	return id, nil
}

func (c *Cache) User(ctx context.Context, id string) (domain.User, error) {
	key := userCacheKey(id)
	if c.redis != nil {
		if data, err := c.redis.Get(ctx, key).Bytes(); err == nil {
			var u domain.User
			if err := sonic.Unmarshal(data, &u); err == nil {
				return u, nil
			}
			_ = c.redis.Del(ctx, key).Err()
		}
	}
	u, err := c.base.User(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	if c.redis != nil && c.ttl > 0 {
		if data, err := sonic.Marshal(u); err == nil {
			_ = c.redis.Set(ctx, key, data, c.ttl).Err()
		}
	}
	return u, nil
}

// Evict drops a cached session, e.g. after logout.
func (c *Cache) Evict(ctx context.Context, token string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, sessionCacheKey(token)).Err()
}

func sessionCacheKey(token string) string { return "session:" + sessionRowKey(token) }

func userCacheKey(id string) string { return "user:" + id }

// UpsertUser writes a profile through to the backend and drops the cached
// copy.
func (c *Cache) UpsertUser(ctx context.Context, u domain.User) error {
	w, ok := c.base.(interface {
		UpsertUser(ctx context.Context, u domain.User) error
	})
	if !ok {
		return fmt.Errorf("%w: user directory is read-only", domain.ErrInvalid)
	}
	if err := w.UpsertUser(ctx, u); err != nil {
		return err
	}
	if c.redis != nil {
		_ = c.redis.Del(ctx, userCacheKey(u.ID)).Err()
	}
	return nil
}
