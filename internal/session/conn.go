package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// BuildURL derives the live-feed endpoint from the API base. Only the
// scheme and host of the base matter; any path on it is discarded.
func BuildURL(apiBase, conversationID, token string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("parse api base: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/conversations/" + conversationID
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// pingFrame is the heartbeat payload. The timestamp is epoch
// milliseconds.
func pingFrame(now time.Time) []byte {
	return []byte(fmt.Sprintf(`{"type":"ping","at":%d}`, now.UnixMilli()))
}

// Conn runs a Machine against a real WebSocket: it dials, pumps frames,
// heartbeats every 20 seconds, and reconnects per the machine's
// decisions. One goroutine owns the machine for the lifetime of the
// connection, so the machine needs no locking.
type Conn struct {
	urlStr  string
	machine *Machine
	dialer  *websocket.Dialer
	logger  *slog.Logger

	// reauth fires when the server rejects the token; the owner is
	// expected to discard credentials and start a fresh session.
	reauth func()

	mu     sync.Mutex
	ws     *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	// writeMu serializes every socket write; gorilla allows only one
	// concurrent writer.
	writeMu sync.Mutex
}

// NewConn prepares a runner for the given endpoint. Nothing happens
// until Start.
func NewConn(urlStr string, m *Machine, reauth func(), logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		urlStr:  urlStr,
		machine: m,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		reauth: reauth,
		logger: logger,
	}
}

// Start launches the connect loop. It returns immediately.
func (c *Conn) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	go c.run(ctx)
}

// Send writes a text frame to the open socket. It fails when the
// connection is not currently open.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("connection not open")
	}
	return c.write(ws, data)
}

func (c *Conn) write(ws *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// Close stops the loop and waits for it to exit. Closing the socket
// here unblocks a read pump parked in ReadMessage.
func (c *Conn) Close() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	ws := c.ws
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close()
	}
	if done != nil {
		<-done
	}
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	for {
		if ctx.Err() != nil {
			return
		}

		c.machine.Connecting()
		ws, _, err := c.dialer.DialContext(ctx, c.urlStr, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("websocket dial failed", "error", err)
			if !c.afterClose(ctx, websocket.CloseAbnormalClosure) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		c.machine.Opened()

		// Unblock the read pump when the context goes away.
		unwatch := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				ws.Close()
			case <-unwatch:
			}
		}()

		code := c.pump(ctx, ws)
		close(unwatch)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()

		if ctx.Err() != nil {
			return
		}
		if !c.afterClose(ctx, code) {
			return
		}
	}
}

// afterClose applies the machine's close decision. It reports whether
// the loop should dial again.
func (c *Conn) afterClose(ctx context.Context, code int) bool {
	action, delay := c.machine.Closed(code)
	switch action {
	case ActionReauth:
		if c.reauth != nil {
			c.reauth()
		}
		return false
	case ActionFail:
		return false
	default:
		return sleepCtx(ctx, delay)
	}
}

// pump reads frames until the socket dies, heartbeating in the
// background. It returns the close code, or CloseAbnormalClosure when
// none was sent.
func (c *Conn) pump(ctx context.Context, ws *websocket.Conn) int {
	stop := make(chan struct{})
	defer close(stop)
	go c.heartbeat(ws, stop)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return websocket.CloseNormalClosure
			}
			code := websocket.CloseAbnormalClosure
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			c.logger.Debug("websocket read ended", "code", code, "error", err)
			return code
		}
		c.machine.Frame(data)
	}
}

func (c *Conn) heartbeat(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(ws, pingFrame(time.Now())); err != nil {
				c.logger.Debug("heartbeat write failed", "error", err)
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
