package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"pkt.systems/keyd/api"
	"pkt.systems/keyd/internal/core"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// Websocket defaults.
const (
	DefaultSendBuffer   = 16
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second

	// SessionCookie carries the client id across reconnects.
	SessionCookie = "kk_sess"

	maxMessageSize    = 4 << 10
	disconnectTimeout = 5 * time.Second
	sessionMaxAge     = 365 * 24 * time.Hour
)

var errSendBufferFull = errors.New("send buffer full")

// wsConn is one browser connection. Outbound messages go through send and are
// written by a single writer goroutine.
type wsConn struct {
	ws       *websocket.Conn
	clientID string
	connID   string
	logger   pslog.Logger

	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	greeted bool
	closed  bool
}

func (h *Handler) handleWebsocket(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	clientID, fresh := sessionClientID(r)
	header := http.Header{}
	if fresh {
		cookie := &http.Cookie{
			Name:     SessionCookie,
			Value:    clientID,
			Path:     "/",
			MaxAge:   int(sessionMaxAge / time.Second),
			HttpOnly: true,
			Secure:   h.secureCookie,
			SameSite: http.SameSiteLaxMode,
		}
		header.Add("Set-Cookie", cookie.String())
	}
	ws, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already replied to the client.
		pslog.LoggerFromContext(r.Context()).Debug("ws.upgrade.failed", "error", err)
		return nil
	}
	c := &wsConn{
		ws:       ws,
		clientID: clientID,
		connID:   uuid.NewString(),
		send:     make(chan []byte, h.sendBuffer),
		done:     make(chan struct{}),
	}
	c.logger = h.logger.With(svcfields.ClientKey, c.clientID, svcfields.ConnKey, c.connID)
	if !h.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.writeTimeout))
		_ = ws.Close()
		return nil
	}
	defer h.untrack(c)
	h.serve(r.Context(), c, signedRequest(r))
	return nil
}

func (h *Handler) serve(ctx context.Context, c *wsConn, signed string) {
	ctx = pslog.ContextWithLogger(context.WithoutCancel(ctx), c.logger)
	c.logger.Info("ws.open")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(c)
	}()

	if signed != "" && h.linker != nil {
		h.linker.Link(c.clientID, signed)
	}

	unsubscribe := func() {}
	if h.hub != nil {
		unsubscribe = h.hub.Subscribe(c)
	}
	if err := h.svc.Attach(ctx, c.clientID, c.connID, c.greet); err != nil {
		c.logger.Warn("ws.attach.failed", "error", err)
		unsubscribe()
		c.close()
		<-writerDone
		return
	}

	h.readLoop(ctx, c)

	unsubscribe()
	c.close()
	<-writerDone
	dctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
	defer cancel()
	if err := h.svc.Disconnect(dctx, c.clientID, c.connID); err != nil && !errors.Is(err, core.ErrStopped) {
		c.logger.Warn("ws.disconnect.failed", "error", err)
	}
	c.logger.Info("ws.closed")
}

func (h *Handler) readLoop(ctx context.Context, c *wsConn) {
	pongWait := 2 * h.pingInterval
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !c.isClosed() {
				c.logger.Debug("ws.read.failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		reply := h.dispatch(ctx, c, data)
		payload, err := json.Marshal(reply)
		if err != nil {
			c.logger.Error("ws.reply.encode_failed", "error", err)
			continue
		}
		if err := c.enqueue(payload); err != nil {
			c.logger.Warn("ws.reply.dropped", "error", err)
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, c *wsConn, data []byte) api.Reply {
	var req api.Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.logger.Debug("ws.request.malformed", "error", err)
		return api.Reply{Type: api.TypeError, Status: "FAIL! malformed request"}
	}
	var (
		reply core.Reply
		err   error
	)
	switch req.Type {
	case core.RequestEnqueue:
		reply, err = h.svc.Enqueue(ctx, c.clientID)
	case core.RequestLeaveQueue:
		reply, err = h.svc.LeaveQueue(ctx, c.clientID)
	default:
		c.logger.Debug("ws.request.unknown", "type", req.Type)
		return api.Reply{Type: api.TypeError, ID: req.ID, Status: "FAIL! unknown request type " + req.Type}
	}
	if err != nil {
		c.logger.Warn("ws.request.failed", "type", req.Type, "error", err)
		return api.Reply{Type: api.TypeReply, ID: req.ID, Status: "FAIL! " + err.Error()}
	}
	return api.Reply{Type: api.TypeReply, ID: req.ID, Status: reply.String()}
}

func (h *Handler) writeLoop(c *wsConn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("ws.write.failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				c.logger.Debug("ws.ping.failed", "error", err)
				c.close()
				return
			}
		case <-c.done:
			c.flush(h.writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.writeTimeout))
			return
		}
	}
}

// flush writes whatever is still queued so a reply produced just before
// close is not lost.
func (c *wsConn) flush(timeout time.Duration) {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// greet runs inside the core event loop with the HELLO for this connection.
// Events delivered before it are older than the greeting and are dropped.
func (c *wsConn) greet(ev core.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("ws.hello.encode_failed", "error", err)
		return
	}
	c.mu.Lock()
	c.greeted = true
	c.mu.Unlock()
	if err := c.enqueue(payload); err != nil {
		c.logger.Warn("ws.hello.dropped", "error", err)
		c.close()
	}
}

// Deliver implements broadcast.Observer.
func (c *wsConn) Deliver(ev core.Event) error {
	c.mu.Lock()
	greeted := c.greeted
	c.mu.Unlock()
	if !greeted {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := c.enqueue(payload); err != nil {
		c.logger.Warn("ws.slow_consumer", svcfields.EventKey, ev.Type)
		c.close()
		return err
	}
	return nil
}

func (c *wsConn) enqueue(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	// Unblock a pending read so the handler goroutine can finish.
	_ = c.ws.SetReadDeadline(time.Now())
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// sessionClientID returns the client id from the session cookie, or a new
// one when the cookie is absent.
func sessionClientID(r *http.Request) (string, bool) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if id := strings.TrimSpace(cookie.Value); id != "" {
			return id, false
		}
	}
	return xid.New().String(), true
}

// signedRequest finds the chat signed_request either on the websocket URL or
// on the page that opened it.
func signedRequest(r *http.Request) string {
	if v := r.URL.Query().Get("signed_request"); v != "" {
		return v
	}
	ref := r.Referer()
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return u.Query().Get("signed_request")
}
