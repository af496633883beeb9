package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"taskhub/hub"
)

const (
	defaultKeepalive = 30 * time.Second
	writeWait        = 10 * time.Second
	maxClientFrame   = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// open authenticates a live connection before anything is written to the
// client, so refused credentials get a plain 401.
func (h *handlers) open(c echo.Context) (*hub.Session, error) {
	token, _ := credential(c)
	sess := h.Gateway.Open(token)
	if err := sess.Authenticate(c.Request().Context()); err != nil {
		metricsFrom(c).SetErrorStage("auth")
		return nil, c.String(http.StatusUnauthorized, err.Error())
	}
	metricsFrom(c).SetUser(sess.UserID())
	return sess, nil
}

func (h *handlers) websocket(c echo.Context) error {
	sess, err := h.open(c)
	if sess == nil {
		return err
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already answered the client.
		sess.Close(err)
		return nil
	}
	t := newWSTransport(conn, h.Keepalive)
	if err := sess.Run(c.Request().Context(), t); err != nil {
		h.Logger.WithError(err).WithField("user", sess.UserID()).Debug("websocket session ended")
	}
	return nil
}

func (h *handlers) stream(c echo.Context) error {
	sess, err := h.open(c)
	if sess == nil {
		return err
	}
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		sess.Close(errors.New("stream unsupported"))
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	// An initial comment gets the headers to the client right away.
	if _, err := res.Write([]byte(":ok\n\n")); err != nil {
		sess.Close(err)
		return nil
	}
	flusher.Flush()

	ctx := c.Request().Context()
	t := newSSETransport(ctx, res, flusher)
	go t.keepalive(h.Keepalive)
	if err := sess.Run(ctx, t); err != nil {
		h.Logger.WithError(err).WithField("user", sess.UserID()).Debug("event stream ended")
	}
	return nil
}

// wsTransport writes frames as websocket text messages. A read pump
// discards whatever the client sends and notices when it goes away.
type wsTransport struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	done      chan struct{}
	closed    chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, ping time.Duration) *wsTransport {
	t := &wsTransport{conn: conn, done: make(chan struct{}), closed: make(chan struct{})}
	conn.SetReadLimit(maxClientFrame)
	go t.readPump()
	go t.pingLoop(ping)
	return t
}

func (t *wsTransport) readPump() {
	defer t.markDone()
	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (t *wsTransport) pingLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				t.markDone()
				return
			}
		case <-t.done:
			return
		case <-t.closed:
			return
		}
	}
}

func (t *wsTransport) markDone() { t.doneOnce.Do(func() { close(t.done) }) }

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Done() <-chan struct{} { return t.done }

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = t.conn.Close()
	})
	return err
}

// sseTransport writes frames as Server-Sent Events data lines.
type sseTransport struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newSSETransport(ctx context.Context, w http.ResponseWriter, flusher http.Flusher) *sseTransport {
	t := &sseTransport{w: w, flusher: flusher, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-t.done:
		}
	}()
	return t
}

func (t *sseTransport) write(chunks ...[]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return net.ErrClosed
	default:
	}
	for _, c := range chunks {
		if _, err := t.w.Write(c); err != nil {
			return err
		}
	}
	t.flusher.Flush()
	return nil
}

func (t *sseTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.write([]byte("data: "), frame, []byte("\n\n"))
}

// keepalive sends a comment line periodically so proxies keep the stream
// open.
func (t *sseTransport) keepalive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.write([]byte(":keepalive\n\n")); err != nil {
				t.Close()
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *sseTransport) Done() <-chan struct{} { return t.done }

func (t *sseTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		close(t.done)
		t.mu.Unlock()
	})
	return nil
}
