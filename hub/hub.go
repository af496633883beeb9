// Package hub fans committed task changes out to live client connections.
//
// Every registered connection owns a bounded frame buffer. Publishing never
// blocks: a connection whose buffer is full is evicted and its session
// closes. Delivery is at most once.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
)

const DefaultBuffer = 64

var (
	// ErrSlowConsumer is the eviction reason for a connection whose buffer
	// was full when a frame was published.
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrHubClosed is the eviction reason used on shutdown.
	ErrHubClosed = errors.New("hub closed")
)

// Publisher is what the mutation path hands committed events to.
type Publisher interface {
	PublishChange(ctx context.Context, ev domain.ChangeEvent) error
	PublishNotification(ctx context.Context, userID string, n domain.Notification) error
}

// Conn is one registration in the hub.
type Conn struct {
	id     string
	userID string
	out    chan []byte
	done   chan struct{}

	once   sync.Once
	mu     sync.Mutex
	reason error
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() string { return c.userID }

// Frames yields published frames in publish order.
func (c *Conn) Frames() <-chan []byte { return c.out }

// Done is closed once the connection is unregistered.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection was unregistered, if it was.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Conn) close(reason error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// Hub keeps the set of live connections and an index of them by user.
type Hub struct {
	mu     sync.RWMutex
	all    map[*Conn]struct{}
	byUser map[string]map[*Conn]struct{}
	closed bool

	buffer int
	logger log.FieldLogger

	delivered atomic.Int64
	evicted   atomic.Int64
}

type Option func(*Hub)

// WithBuffer sets the per-connection frame buffer size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithLogger(l log.FieldLogger) Option {
	return func(h *Hub) { h.logger = l }
}

func New(opts ...Option) *Hub {
	h := &Hub{
		all:    make(map[*Conn]struct{}),
		byUser: make(map[string]map[*Conn]struct{}),
		buffer: DefaultBuffer,
		logger: log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a connection for userID. After Close it returns a
// connection that is already done.
func (h *Hub) Register(userID string) *Conn {
	c := &Conn{
		id:     uuid.NewString(),
		userID: userID,
		out:    make(chan []byte, h.buffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close(ErrHubClosed)
		return c
	}
	h.all[c] = struct{}{}
	set := h.byUser[userID]
	if set == nil {
		set = make(map[*Conn]struct{})
		h.byUser[userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	h.logger.WithFields(log.Fields{"conn": c.id, "user": userID}).Debug("hub.register")
	return c
}

// Unregister removes c from both indexes. It is safe to call repeatedly.
func (h *Hub) Unregister(c *Conn, reason error) {
	h.mu.Lock()
	_, ok := h.all[c]
	if ok {
		delete(h.all, c)
		if set := h.byUser[c.userID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byUser, c.userID)
			}
		}
	}
	h.mu.Unlock()
	c.close(reason)

	if !ok {
		return
	}
	entry := h.logger.WithFields(log.Fields{"conn": c.id, "user": c.userID})
	if reason != nil {
		entry.WithError(reason).Warn("hub.unregister")
		return
	}
	entry.Debug("hub.unregister")
}

// Broadcast offers frame to every live connection and returns the number of
// connections that accepted it.
func (h *Hub) Broadcast(frame []byte) int {
	h.mu.RLock()
	n, slow := h.offer(h.all, frame)
	h.mu.RUnlock()
	h.evict(slow)
	return n
}

// SendTo offers frame to the connections of one user.
func (h *Hub) SendTo(userID string, frame []byte) int {
	h.mu.RLock()
	n, slow := h.offer(h.byUser[userID], frame)
	h.mu.RUnlock()
	h.evict(slow)
	return n
}

// offer must be called with h.mu held for reading.
func (h *Hub) offer(set map[*Conn]struct{}, frame []byte) (int, []*Conn) {
	var (
		n    int
		slow []*Conn
	)
	for c := range set {
		select {
		case c.out <- frame:
			n++
		default:
			slow = append(slow, c)
		}
	}
	h.delivered.Add(int64(n))
	return n, slow
}

func (h *Hub) evict(slow []*Conn) {
	for _, c := range slow {
		h.evicted.Add(1)
		h.Unregister(c, ErrSlowConsumer)
	}
}

// Publish broadcasts a change event to everyone.
func (h *Hub) Publish(ev domain.ChangeEvent) (int, error) {
	frame, err := EncodeChange(ev)
	if err != nil {
		return 0, err
	}
	return h.Broadcast(frame), nil
}

// Notify pushes a notification to the connections of its recipient.
func (h *Hub) Notify(userID string, n domain.Notification) (int, error) {
	frame, err := EncodeNotification(n)
	if err != nil {
		return 0, err
	}
	return h.SendTo(userID, frame), nil
}

func (h *Hub) PublishChange(_ context.Context, ev domain.ChangeEvent) error {
	_, err := h.Publish(ev)
	return err
}

func (h *Hub) PublishNotification(_ context.Context, userID string, n domain.Notification) error {
	_, err := h.Notify(userID, n)
	return err
}

// Close evicts every connection and refuses new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.all))
	for c := range h.all {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.Unregister(c, ErrHubClosed)
	}
	stats := h.Stats()
	h.logger.WithFields(log.Fields{
		"delivered": stats.Delivered,
		"evicted":   stats.Evicted,
	}).Info("hub.closed")
}

type Stats struct {
	Connections int
	Users       int
	Delivered   int64
	Evicted     int64
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connections: len(h.all),
		Users:       len(h.byUser),
		Delivered:   h.delivered.Load(),
		Evicted:     h.evicted.Load(),
	}
}
