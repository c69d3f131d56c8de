package server

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gezibash/arc-sign/internal/cel"
	"github.com/gezibash/arc-sign/internal/events"
	"github.com/gezibash/arc-sign/pkg/document"
	"github.com/gezibash/arc-sign/pkg/errors"
)

const (
	wsReadLimit    = 4096
	wsWriteTimeout = 10 * time.Second
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Server message types.
const (
	TypeEvent        = "event"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

// ClientMessage is sent by WebSocket clients. Filter is an optional CEL
// expression over the event; subscribing again replaces it.
type ClientMessage struct {
	Action     string `json:"action"`
	DocumentID string `json:"documentId"`
	Filter     string `json:"filter,omitempty"`
}

// ServerMessage is pushed to WebSocket clients.
type ServerMessage struct {
	Type       string          `json:"type"`
	DocumentID *document.ID    `json:"documentId,omitempty"`
	Filter     string          `json:"filter,omitempty"`
	Event      *document.Event `json:"event,omitempty"`
	Error      *ErrorDetail    `json:"error,omitempty"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, r, errors.New(errors.KindUpstreamUnavailable, errors.ReasonNone, "ws", "event streaming is disabled"))
		return
	}
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.WithError(err).DebugContext(r.Context(), "websocket upgrade failed")
		return
	}

	// The request context ends when the handler returns, so the
	// connection gets its own.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &wsConn{
		srv:     s,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.WebSocket.MessagesPerSecond), s.cfg.WebSocket.Burst),
		subs:    make(map[document.ID]*wsSub),
	}
	go c.pinger()
	c.readLoop()
}

// wsConn is one client connection. Writes are serialised; each watched
// document has its own forwarding goroutine.
type wsConn struct {
	srv     *Server
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[document.ID]*wsSub
	wg   sync.WaitGroup
}

type wsSub struct {
	sub    events.Subscription
	filter atomic.Pointer[cel.Filter]
}

func (s *wsSub) matches(ev document.Event) bool {
	f := s.filter.Load()
	return f == nil || f.Match(ev)
}

func (c *wsConn) send(msg ServerMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) sendError(id *document.ID, err error) {
	d := errorDetail(err)
	_ = c.send(ServerMessage{Type: TypeError, DocumentID: id, Error: &d})
}

func errorDetail(err error) ErrorDetail {
	return ErrorDetail{
		Kind:      errors.KindOf(err),
		Reason:    errors.ReasonOf(err),
		Message:   err.Error(),
		Retryable: errors.Retryable(err),
	}
}

func (c *wsConn) pinger() {
	t := time.NewTicker(c.srv.cfg.WebSocket.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.abort()
				return
			}
		}
	}
}

// abort ends the connection from a writer goroutine; the blocked read
// returns and readLoop cleans up.
func (c *wsConn) abort() {
	c.cancel()
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	defer c.close()

	wait := 2 * c.srv.cfg.WebSocket.PingInterval
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
				c.srv.log.WithError(err).Debug("websocket read ended")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))

		if !c.limiter.Allow() {
			c.sendError(nil, errors.Rejected(errors.ReasonRateLimited, "ws"))
			continue
		}
		c.handle(msg)
	}
}

func (c *wsConn) handle(msg ClientMessage) {
	id, err := document.ParseID(msg.DocumentID)
	if err != nil {
		c.sendError(nil, errors.Wrap(errors.KindInvalidInput, "ws", err))
		return
	}
	switch msg.Action {
	case ActionSubscribe:
		var filter *cel.Filter
		if msg.Filter != "" {
			if filter, err = cel.Compile(msg.Filter); err != nil {
				c.sendError(&id, errors.Wrap(errors.KindInvalidInput, "ws", err))
				return
			}
		}
		c.subscribe(id, filter)
	case ActionUnsubscribe:
		c.unsubscribe(id)
	default:
		c.sendError(&id, errors.Newf(errors.KindInvalidInput, "ws", "unknown action %q", msg.Action))
	}
}

func (c *wsConn) subscribe(id document.ID, filter *cel.Filter) {
	ack := ServerMessage{Type: TypeSubscribed, DocumentID: &id}
	if filter != nil {
		ack.Filter = filter.String()
	}

	c.mu.Lock()
	if existing, ok := c.subs[id]; ok {
		existing.filter.Store(filter)
		c.mu.Unlock()
		_ = c.send(ack)
		return
	}
	if len(c.subs) >= c.srv.cfg.WebSocket.MaxSubscriptions {
		c.mu.Unlock()
		c.sendError(&id, errors.Newf(errors.KindInvalidInput, "ws", "at most %d subscriptions per connection", c.srv.cfg.WebSocket.MaxSubscriptions))
		return
	}
	sub, err := c.srv.hub.Subscribe(c.ctx, id)
	if err != nil {
		c.mu.Unlock()
		c.sendError(&id, errors.Wrap(errors.KindUpstreamUnavailable, "ws", err))
		return
	}
	ws := &wsSub{sub: sub}
	ws.filter.Store(filter)
	c.subs[id] = ws
	c.mu.Unlock()

	// Ack before forwarding starts so the client sees it first.
	_ = c.send(ack)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range sub.Events() {
			if !ws.matches(ev) {
				continue
			}
			if err := c.send(ServerMessage{Type: TypeEvent, DocumentID: &id, Event: &ev}); err != nil {
				c.abort()
				return
			}
		}
	}()
}

func (c *wsConn) unsubscribe(id document.ID) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.sub.Close()
	}
	_ = c.send(ServerMessage{Type: TypeUnsubscribed, DocumentID: &id})
}

func (c *wsConn) close() {
	c.cancel()
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.sub.Close()
	}
	_ = c.conn.Close()
	c.wg.Wait()
}
