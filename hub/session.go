package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
)

// State is the lifecycle stage of a client connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var ErrInvalidState = errors.New("invalid session state")

// Authenticator resolves the credential presented on connect.
type Authenticator interface {
	Resolve(ctx context.Context, token string) (domain.Identity, error)
}

// NotificationSource provides the unread backlog pushed on connect.
type NotificationSource interface {
	ListUnread(ctx context.Context, userID string) ([]domain.Notification, error)
}

// Transport is the wire a session writes frames to. Send must preserve call
// order, Done closes when the peer goes away and Close must be idempotent.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Done() <-chan struct{}
	Close() error
}

// Gateway opens sessions against a hub.
type Gateway struct {
	hub    *Hub
	auth   Authenticator
	notes  NotificationSource
	logger log.FieldLogger
	now    func() time.Time
}

func NewGateway(h *Hub, auth Authenticator, notes NotificationSource, logger log.FieldLogger) *Gateway {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Gateway{hub: h, auth: auth, notes: notes, logger: logger, now: time.Now}
}

// Open starts a session in the connecting state for the given credential.
func (g *Gateway) Open(credential string) *Session {
	return &Session{gw: g, credential: credential}
}

// Session drives one client connection from handshake to close.
type Session struct {
	gw         *Gateway
	credential string

	state    atomic.Int32
	identity domain.Identity

	mu        sync.Mutex
	conn      *Conn
	transport Transport
	closeOnce sync.Once
}

func (s *Session) State() State { return State(s.state.Load()) }

// UserID is set once authentication succeeded.
func (s *Session) UserID() string { return s.identity.UserID }

// Authenticate resolves the credential. Missing, unknown and expired
// credentials all close the session with domain.ErrUnauthorized; a closed
// session never touches the hub.
func (s *Session) Authenticate(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticating)) {
		return fmt.Errorf("%w: authenticate from %s", ErrInvalidState, s.State())
	}
	if s.credential == "" {
		s.Close(domain.ErrUnauthorized)
		return fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}
	id, err := s.gw.auth.Resolve(ctx, s.credential)
	if err != nil {
		s.Close(err)
		if errors.Is(err, domain.ErrUnauthorized) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if id.UserID == "" || id.Expired(s.gw.now()) {
		s.Close(domain.ErrUnauthorized)
		return fmt.Errorf("%w: expired token", domain.ErrUnauthorized)
	}
	s.identity = id
	return nil
}

// Run accepts the transport: it registers with the hub, pushes the unread
// snapshot and then forwards every frame the hub publishes for this
// connection until the peer leaves, ctx ends, the hub evicts the connection
// or a send fails. The session is closed when Run returns.
func (s *Session) Run(ctx context.Context, t Transport) error {
	if !s.state.CompareAndSwap(int32(StateAuthenticating), int32(StateActive)) || s.identity.UserID == "" {
		_ = t.Close()
		return fmt.Errorf("%w: run from %s", ErrInvalidState, s.State())
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	conn := s.gw.hub.Register(s.identity.UserID)
	s.mu.Lock()
	s.conn, s.transport = conn, t
	s.mu.Unlock()

	logger := s.gw.logger.WithFields(log.Fields{"conn": conn.ID(), "user": s.identity.UserID})
	logger.Info("session.active")

	err := s.pump(ctx, conn, t)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.Close(err)
	// Close may already have run before conn was recorded.
	s.gw.hub.Unregister(conn, err)
	_ = t.Close()
	if err != nil {
		logger.WithError(err).Info("session.closed")
		return err
	}
	logger.Info("session.closed")
	return nil
}

func (s *Session) pump(ctx context.Context, conn *Conn, t Transport) error {
	unread, err := s.gw.notes.ListUnread(ctx, s.identity.UserID)
	if err != nil {
		return fmt.Errorf("load unread: %w", err)
	}
	snapshot, err := EncodeSnapshot(unread)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, snapshot); err != nil {
		return fmt.Errorf("send snapshot: %w", err)
	}
	// The connection is registered before the snapshot loads, so a
	// notification committed in between arrives both ways.
	inSnapshot := make(map[int64]struct{}, len(unread))
	for _, n := range unread {
		inSnapshot[n.ID] = struct{}{}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			return conn.Err()
		case frame := <-conn.Frames():
			if len(inSnapshot) > 0 {
				if id, ok := notificationID(frame); ok {
					if _, dup := inSnapshot[id]; dup {
						delete(inSnapshot, id)
						continue
					}
				}
			}
			if err := t.Send(ctx, frame); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

// Close moves the session to closed from any state. Only the first call has
// an effect.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.mu.Lock()
		conn, t := s.conn, s.transport
		s.mu.Unlock()
		if conn != nil {
			s.gw.hub.Unregister(conn, reason)
		}
		if t != nil {
			_ = t.Close()
		}
	})
}
