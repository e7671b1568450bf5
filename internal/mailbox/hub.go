package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/skillswap/session-core/internal/auth"
	"github.com/skillswap/session-core/internal/config"
	"github.com/skillswap/session-core/internal/metrics"
	"github.com/skillswap/session-core/internal/origin"
)

const (
	wsWriteWait    = 5 * time.Second
	wsSendQueueLen = 256
)

type HubConfig struct {
	AuthMode          config.AuthMode
	AuthTimeout       time.Duration
	IdleTimeout       time.Duration
	PingInterval      time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond int
	AllowedOrigins    []string
}

func NewHubConfig(cfg config.Config) HubConfig {
	return HubConfig{
		AuthMode:          cfg.AuthMode,
		AuthTimeout:       cfg.MailboxAuthTimeout,
		IdleTimeout:       cfg.MailboxWSIdleTimeout,
		PingInterval:      cfg.MailboxWSPingInterval,
		MaxMessageBytes:   cfg.MaxMailboxMessageBytes,
		MessagesPerSecond: cfg.MaxMailboxMessagesPerSecond,
		AllowedOrigins:    cfg.AllowedOrigins,
	}
}

// Hub serves a Transport to remote clients over WebSocket.
//
// A connection authenticates either with a credential in the upgrade query
// string or with an "auth" request sent within AuthTimeout. Every later
// request is checked against the Authorizer.
type Hub struct {
	transport Transport
	verifier  auth.Verifier
	authz     Authorizer
	cfg       HubConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	conns  map[*hubConn]struct{}
	closed bool
}

func NewHub(t Transport, v auth.Verifier, authz Authorizer, cfg HubConfig, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	policy := origin.NewPolicy(cfg.AllowedOrigins)
	return &Hub{
		transport: t,
		verifier:  v,
		authz:     authz,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				_, ok := policy.Check(r)
				return ok
			},
		},
		conns: make(map[*hubConn]struct{}),
	}
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &hubConn{
		hub:     h,
		ws:      ws,
		logger:  h.logger.With("remote", r.RemoteAddr),
		send:    make(chan []byte, wsSendQueueLen),
		done:    make(chan struct{}),
		subs:    make(map[string]func()),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.MessagesPerSecond),
		ctx:     ctx,
		cancel:  cancel,
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	if cred, err := auth.CredentialFromQuery(h.cfg.AuthMode, r.URL.Query()); err == nil {
		if !c.authenticate(cred) {
			return
		}
	}

	go c.writePump()
	c.readLoop()
}

type hubConn struct {
	hub     *Hub
	ws      *websocket.Conn
	logger  *slog.Logger
	userID  string
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	subsMu sync.Mutex
	subs   map[string]func()

	closeOnce sync.Once
}

func (c *hubConn) authenticate(cred string) bool {
	id, err := c.hub.verifier.Verify(cred)
	if err != nil {
		c.hub.metrics.Inc(metrics.MailboxAuthFailure)
		c.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
		return false
	}
	c.userID = id.UserID
	c.logger = c.logger.With("user", id.UserID)
	c.hub.metrics.Inc(metrics.MailboxConnection)
	c.logger.Debug("mailbox connection authenticated")
	return true
}

func (c *hubConn) readLoop() {
	idle := c.hub.cfg.IdleTimeout
	c.ws.SetReadLimit(c.hub.cfg.MaxMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		if c.userID == "" {
			return nil
		}
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	if c.userID == "" {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.AuthTimeout))
	} else {
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	}

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.userID == "" && isTimeout(err):
				c.hub.metrics.Inc(metrics.MailboxAuthFailure)
				c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}
		if !c.limiter.Allow() {
			c.hub.metrics.Inc(metrics.MailboxRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		req, err := ParseRequest(msg)
		if c.userID == "" {
			if err != nil || req.Op != OpAuth {
				c.hub.metrics.Inc(metrics.MailboxAuthFailure)
				c.closeWith(websocket.ClosePolicyViolation, "authentication required")
				return
			}
			if !c.authenticate(req.Token) {
				return
			}
			_ = c.ws.SetReadDeadline(time.Now().Add(idle))
			c.enqueue(Frame{Type: FrameResult, ID: req.ID})
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		if err != nil {
			c.enqueue(Frame{Type: FrameError, Code: CodeBadRequest, Message: err.Error()})
			continue
		}
		c.handle(req)
	}
}

func (c *hubConn) handle(req Request) {
	ctx := c.ctx
	authz := c.hub.authz
	t := c.hub.transport

	var (
		doc *Document
		err error
	)
	switch req.Op {
	case OpAuth:
		c.enqueue(Frame{Type: FrameError, ID: req.ID, Code: CodeBadRequest, Message: "already authenticated"})
		return
	case OpWrite:
		if err = authz.CanWrite(ctx, c.userID, req.Path, req.Data); err == nil {
			var d Document
			if d, err = t.Write(ctx, req.Path, req.Data, req.Merge); err == nil {
				doc = &d
			}
		}
	case OpRead:
		if err = authz.CanRead(ctx, c.userID, req.Path); err == nil {
			var d Document
			if d, err = t.Read(ctx, req.Path); err == nil {
				doc = &d
			}
		}
	case OpDelete:
		if err = authz.CanDelete(ctx, c.userID, req.Path); err == nil {
			err = t.Delete(ctx, req.Path)
		}
	case OpSubscribe:
		err = c.subscribe(req)
		if err == nil {
			c.enqueue(Frame{Type: FrameSubscribed, ID: req.ID, Sub: req.Sub})
			return
		}
	case OpUnsubscribe:
		c.subsMu.Lock()
		stop := c.subs[req.Sub]
		delete(c.subs, req.Sub)
		c.subsMu.Unlock()
		if stop != nil {
			stop()
		}
	}

	if err != nil {
		if errors.Is(err, ErrForbidden) {
			c.hub.metrics.Inc(metrics.MailboxForbidden)
			c.logger.Debug("mailbox request forbidden", "op", req.Op, "path", req.Path, "err", err)
		}
		c.enqueue(Frame{Type: FrameError, ID: req.ID, Code: errorCode(err), Message: err.Error()})
		return
	}
	c.enqueue(Frame{Type: FrameResult, ID: req.ID, Doc: doc})
}

func (c *hubConn) subscribe(req Request) error {
	q := *req.Query
	if err := q.Validate(); err != nil {
		return err
	}
	if err := c.hub.authz.CanRead(c.ctx, c.userID, q.Collection); err != nil {
		return err
	}

	c.subsMu.Lock()
	_, dup := c.subs[req.Sub]
	c.subsMu.Unlock()
	if dup {
		return errors.Join(ErrInvalidQuery, errors.New("subscription id in use"))
	}

	sub := req.Sub
	stop, err := c.hub.transport.Subscribe(c.ctx, q, func(ch Change) {
		c.enqueue(Frame{Type: FrameChange, Sub: sub, Change: &ch})
	})
	if err != nil {
		return err
	}
	c.subsMu.Lock()
	select {
	case <-c.done:
		c.subsMu.Unlock()
		stop()
		return ErrClosed
	default:
	}
	c.subs[sub] = stop
	c.subsMu.Unlock()
	return nil
}

// enqueue blocks until the frame is queued or the connection closes.
func (c *hubConn) enqueue(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("encode mailbox frame", "err", err)
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	}
}

func (c *hubConn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *hubConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		if code != websocket.CloseAbnormalClosure {
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		}
		close(c.done)
		c.cancel()

		c.subsMu.Lock()
		subs := c.subs
		c.subs = map[string]func(){}
		c.subsMu.Unlock()
		for _, stop := range subs {
			stop()
		}
		_ = c.ws.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
