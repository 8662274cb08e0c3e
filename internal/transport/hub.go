// Package transport carries match events over websocket connections.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-match/internal/domain"
	"github.com/park285/cheese-match/internal/match"
	"github.com/park285/cheese-match/internal/msgcat"
	"github.com/park285/cheese-match/internal/obslog"
	"github.com/park285/cheese-match/internal/rules"
)

const (
	maxMessageSize = 4096
	writeTimeout   = 5 * time.Second
	requestTimeout = 10 * time.Second
	pingTimeout    = 3 * time.Second
)

// Coordinator is the subset of the match coordinator the hub drives.
type Coordinator interface {
	Join(ctx context.Context, sessionID, playerID, connID string) (*match.JoinResult, error)
	ApplyMove(ctx context.Context, sessionID, connID string, intent rules.MoveIntent) (*match.MoveResult, error)
	ResignByConnection(ctx context.Context, sessionID, connID string) (*domain.Game, error)
	OfferDraw(ctx context.Context, sessionID, connID string) error
	AcceptDraw(ctx context.Context, sessionID, connID string) (*domain.Game, error)
	Disconnect(ctx context.Context, connID string) error
	Detach(connID string)
}

type Options struct {
	AllowedOrigins    []string
	MessagesPerSecond float64
	Burst             int
	PingInterval      time.Duration
	SendBuffer        int
	Catalog           *msgcat.Catalog
	NewID             func() string
}

// Hub accepts websocket upgrades and implements match.Notifier.
type Hub struct {
	coord Coordinator
	opts  Options

	mu      sync.RWMutex
	clients map[string]*client
	wg      sync.WaitGroup
	closing atomic.Bool
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan match.Event
	limiter *rate.Limiter

	kickOnce sync.Once
}

// kick closes the connection without blocking the caller.
func (c *client) kick(code websocket.StatusCode, reason string) {
	c.kickOnce.Do(func() {
		go func() { _ = c.conn.Close(code, reason) }()
	})
}

func NewHub(coord Coordinator, opts Options) *Hub {
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.Catalog == nil {
		opts.Catalog = msgcat.MustDefault()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Hub{coord: coord, opts: opts, clients: make(map[string]*client)}
}

// SetCoordinator completes wiring when the coordinator is built after the hub.
func (h *Hub) SetCoordinator(c Coordinator) { h.coord = c }

// Send enqueues ev for connID without blocking. Events for unknown connections
// are dropped. A connection whose queue is full is closed with a policy
// violation; the client rejoins and receives a fresh gameState.
func (h *Hub) Send(connID string, ev match.Event) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	ev = h.decorate(ev)
	select {
	case c.send <- ev:
	default:
		obslog.L().Warn("ws_send_overflow",
			zap.String("conn_id", connID),
			zap.String("event", string(ev.EventType())),
			zap.Int("buffer", cap(c.send)),
		)
		c.kick(websocket.StatusPolicyViolation, "send buffer full")
	}
}

// decorate fills human-readable notices from the catalog.
func (h *Hub) decorate(ev match.Event) match.Event {
	cat := h.opts.Catalog
	switch e := ev.(type) {
	case match.PlayerConnected:
		if e.Message == "" {
			e.Message = cat.RenderOr("notice.player_connected", nil, "opponent connected")
		}
		return e
	case match.PlayerDisconnected:
		if e.Message == "" {
			e.Message = cat.RenderOr("notice.player_disconnected", nil, "opponent disconnected")
		}
		return e
	case match.Superseded:
		if e.Message == "" {
			e.Message = cat.RenderOr("notice.superseded", nil, "superseded")
		}
		return e
	case match.DrawDeclined:
		if e.Message == "" {
			e.Message = cat.RenderOr("notice.draw_declined", map[string]any{"By": e.By.String()}, "draw offer withdrawn")
		}
		return e
	default:
		return ev
	}
}

func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closing.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.opts.AllowedOrigins,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &client{
		id:      h.opts.NewID(),
		conn:    conn,
		send:    make(chan match.Event, h.opts.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.Burst),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.wg.Add(1)
	defer h.wg.Done()

	obslog.L().Info("ws_connect", zap.String("conn_id", c.id), zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	var loops sync.WaitGroup
	loops.Add(2)
	go func() { defer loops.Done(); h.writePump(ctx, c) }()
	go func() { defer loops.Done(); h.pingLoop(ctx, c) }()

	h.readLoop(ctx, c)

	cancel()
	loops.Wait()
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	if h.closing.Load() {
		// 서버 종료로 끊긴 연결은 기권/포기로 처리하지 않음
		h.coord.Detach(c.id)
	} else {
		dctx, dcancel := context.WithTimeout(context.Background(), requestTimeout)
		if err := h.coord.Disconnect(dctx, c.id); err != nil {
			obslog.L().Warn("ws_disconnect_error", zap.String("conn_id", c.id), zap.Error(err))
		}
		dcancel()
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	obslog.L().Info("ws_close", zap.String("conn_id", c.id))
}

// Inbound is a client request.
type Inbound struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId"`
	PlayerID  string            `json:"playerId,omitempty"`
	Move      *rules.MoveIntent `json:"move,omitempty"`
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				obslog.L().Debug("ws_read_end", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil || strings.TrimSpace(msg.Type) == "" {
			h.sendError(c.id, "", "bad_request", nil, "malformed request")
			continue
		}
		if !c.limiter.Allow() {
			h.sendError(c.id, msg.Type, "rate_limited", nil, "rate limited")
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, requestTimeout)
		h.dispatch(rctx, c, msg)
		cancel()
	}
}

func (h *Hub) dispatch(ctx context.Context, c *client, msg Inbound) {
	var err error
	switch msg.Type {
	case "join":
		_, err = h.coord.Join(ctx, msg.SessionID, msg.PlayerID, c.id)
	case "move":
		if msg.Move == nil {
			h.Send(c.id, match.MoveError{Type: match.EventMoveError, Code: "bad_request", Message: h.opts.Catalog.RenderOr("error.bad_request", nil, "malformed request")})
			return
		}
		if _, err = h.coord.ApplyMove(ctx, msg.SessionID, c.id, *msg.Move); err != nil {
			me := match.AsError(err)
			h.Send(c.id, match.MoveError{Type: match.EventMoveError, Code: me.Code, Message: h.render(me)})
			return
		}
	case "resign":
		_, err = h.coord.ResignByConnection(ctx, msg.SessionID, c.id)
	case "offerDraw":
		err = h.coord.OfferDraw(ctx, msg.SessionID, c.id)
	case "acceptDraw":
		_, err = h.coord.AcceptDraw(ctx, msg.SessionID, c.id)
	default:
		h.sendError(c.id, msg.Type, "bad_request", nil, "unknown request type")
		return
	}
	if err != nil {
		me := match.AsError(err)
		if me.Kind == match.KindUnavailable {
			obslog.L().Error("ws_request_error", zap.String("conn_id", c.id), zap.String("request", msg.Type), zap.Error(err))
		}
		h.Send(c.id, match.ErrorEvent{Type: match.EventError, Request: msg.Type, Code: me.Code, Message: h.render(me)})
	}
}

func (h *Hub) render(me *match.Error) string {
	return h.opts.Catalog.RenderOr("error."+me.Code, me.Data, me.Msg)
}

func (h *Hub) sendError(connID, request, code string, data map[string]any, def string) {
	h.Send(connID, match.ErrorEvent{
		Type:    match.EventError,
		Request: request,
		Code:    code,
		Message: h.opts.Catalog.RenderOr("error."+code, data, def),
	})
}

func (h *Hub) writePump(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, ev)
			cancel()
			if err != nil {
				_ = c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
			if ev.EventType() == match.EventSuperseded {
				_ = c.conn.Close(websocket.StatusPolicyViolation, "superseded")
				return
			}
		}
	}
}

func (h *Hub) pingLoop(ctx context.Context, c *client) {
	t := time.NewTicker(h.opts.PingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				_ = c.conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

// Shutdown closes every live connection and waits for their handlers to finish.
// Games of closed connections keep their status so players can rejoin later.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.closing.Store(true)
	h.mu.RLock()
	for _, c := range h.clients {
		c.kick(websocket.StatusGoingAway, "server shutdown")
	}
	h.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
