// Package ws implements the WebSocket channel for human approvers.
// Approvers connect, receive approval lifecycle events as they happen, and answer
// pending approvals with approval.resolve messages instead of polling the HTTP API.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/guardian/internal/approval"
	"github.com/jkaninda/guardian/internal/protocol"
)

const (
	defaultHeartbeat = 30 * time.Second
	writeTimeout     = 5 * time.Second
)

// ApprovalSource is the part of approval.Manager the hub needs.
type ApprovalSource interface {
	List() []approval.Record
	Resolve(id string, decision approval.Decision, resolvedBy string) bool
}

// Hub tracks connected approvers and implements approval.Forwarder by
// broadcasting every event to them.
type Hub struct {
	approvals ApprovalSource
	authorize func(*http.Request) bool
	heartbeat time.Duration
	logger    *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn       *websocket.Conn
	approverID string
}

// Option configures a Hub.
type Option func(*Hub)

// WithAuthorizer rejects upgrades for which fn returns false.
func WithAuthorizer(fn func(*http.Request) bool) Option {
	return func(h *Hub) { h.authorize = fn }
}

// WithHeartbeat sets the ping interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewHub creates a hub resolving approvals through src.
func NewHub(src ApprovalSource, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		approvals: src,
		heartbeat: defaultHeartbeat,
		logger:    logger,
		clients:   make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
// The approver identity is taken from the "approver" query parameter.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

// ClientCount returns the number of connected approvers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Forward broadcasts an approval event to every connected approver.
func (h *Hub) Forward(ctx context.Context, ev approval.Event) error {
	env, err := protocol.NewEnvelope(protocol.MessageType(ev.Type), ev.Record)
	if err != nil {
		return fmt.Errorf("encoding approval event: %w", err)
	}
	env.ApprovalID = ev.Record.ID

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var errs []error
	for _, c := range targets {
		if err := h.write(ctx, c.conn, env); err != nil {
			h.logger.WarnContext(ctx, "dropping approver after failed write",
				slog.String("approver", c.approverID),
				slog.String("error", err.Error()),
			)
			h.remove(c)
			_ = c.conn.Close(websocket.StatusPolicyViolation, "write failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close disconnects every approver.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if h.authorize != nil && !h.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	approverID := r.URL.Query().Get("approver")
	if approverID == "" {
		approverID = "websocket"
	}
	h.handleConnection(r.Context(), &client{conn: conn, approverID: approverID})
}

func (h *Hub) handleConnection(ctx context.Context, c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.remove(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	h.logger.Info("approver connected", slog.String("approver", c.approverID))
	if err := h.sendHello(ctx, c); err != nil {
		h.logger.Warn("sending hello failed", slog.String("error", err.Error()))
		return
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go h.heartbeatLoop(hbCtx, c)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				h.logger.Info("approver disconnected normally", slog.String("approver", c.approverID))
			} else {
				h.logger.Debug("approver connection ended",
					slog.String("approver", c.approverID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendError(ctx, c, "invalid_message", err.Error())
			continue
		}
		h.handleMessage(ctx, c, &env)
	}
}

func (h *Hub) handleMessage(ctx context.Context, c *client, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgApprovalResolve:
		var p protocol.ResolvePayload
		if err := env.Decode(&p); err != nil {
			h.sendError(ctx, c, "invalid_payload", err.Error())
			return
		}
		h.resolve(ctx, c, env, p)

	case protocol.MsgPong:
		h.logger.Debug("pong from approver", slog.String("approver", c.approverID))

	default:
		h.sendError(ctx, c, "unknown_type", fmt.Sprintf("unsupported message type %q", env.Type))
	}
}

func (h *Hub) resolve(ctx context.Context, c *client, env *protocol.Envelope, p protocol.ResolvePayload) {
	id := p.ApprovalID
	if id == "" {
		id = env.ApprovalID
	}
	by := p.ApproverID
	if by == "" {
		by = c.approverID
	}

	ack := protocol.AckPayload{ApprovalID: id}
	decision, ok := approval.ParseDecision(p.Decision)
	switch {
	case !ok:
		ack.Message = fmt.Sprintf("invalid decision %q", p.Decision)
	case !h.approvals.Resolve(id, decision, by):
		ack.Message = "approval not found, already resolved, or expired"
	default:
		ack.Accepted = true
	}

	h.logger.Info("approval answered over websocket",
		slog.String("approval_id", id),
		slog.String("approver", by),
		slog.String("decision", p.Decision),
		slog.Bool("accepted", ack.Accepted),
	)

	resp, _ := protocol.NewEnvelope(protocol.MsgResolveAck, ack)
	resp.ApprovalID = id
	if err := h.write(ctx, c.conn, resp); err != nil {
		h.logger.Debug("sending ack failed", slog.String("error", err.Error()))
	}
}

func (h *Hub) sendHello(ctx context.Context, c *client) error {
	pending, err := json.Marshal(h.approvals.List())
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(protocol.MsgHello, protocol.HelloPayload{
		Message: fmt.Sprintf("connected as %s", c.approverID),
		Pending: pending,
	})
	if err != nil {
		return err
	}
	return h.write(ctx, c.conn, env)
}

func (h *Hub) sendError(ctx context.Context, c *client, code, msg string) {
	env, _ := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg})
	_ = h.write(ctx, c.conn, env)
}

func (h *Hub) heartbeatLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			if err := h.write(ctx, c.conn, env); err != nil {
				h.logger.Debug("heartbeat ping failed",
					slog.String("approver", c.approverID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

var _ approval.Forwarder = (*Hub)(nil)
