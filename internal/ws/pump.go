package ws

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/registry"
)

// readPump handles room commands until the socket fails or the peer stops
// answering pings.
func (h *Handler) readPump(ctx context.Context, c *websocket.Conn, conn *registry.Connection, log *zap.Logger) {
	pongWait := 2 * h.opts.PingInterval
	c.SetReadLimit(h.opts.MaxMessageSize)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(h.opts.RatePerSec), h.opts.RatePerSec)
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if !limiter.Allow() {
			h.reject(conn, domain.ErrorEvent{Reason: domain.ReasonRateLimited})
			continue
		}
		cmd, err := domain.DecodeCommand(data)
		if err != nil {
			h.reject(conn, domain.ErrorEvent{Reason: domain.ReasonInvalidCommand})
			continue
		}
		switch cmd.Type {
		case domain.CommandJoinConversation:
			if err := h.guard.CanJoin(ctx, conn.ParticipantID(), cmd.ConversationID); err != nil {
				log.Info("join refused", zap.String("conversation_id", cmd.ConversationID), zap.Error(err))
				h.reject(conn, domain.JoinRefused(cmd.ConversationID))
				continue
			}
			if err := h.reg.Join(conn.ID(), cmd.ConversationID); err != nil {
				return
			}
		case domain.CommandLeaveConversation:
			h.reg.Leave(conn.ID(), cmd.ConversationID)
		}
	}
}

// reject queues an error event for this connection only.
func (h *Handler) reject(conn *registry.Connection, ev domain.ErrorEvent) {
	frame, err := domain.EncodeEvent(ev)
	if err != nil {
		return
	}
	_ = conn.Enqueue(frame)
}

// writePump drains the connection queue and keeps the peer alive with pings.
// The queue is closed by the registry on disconnect.
func (h *Handler) writePump(c *websocket.Conn, conn *registry.Connection, log *zap.Logger) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()
	for {
		select {
		case frame, ok := <-conn.Outbound():
			if !ok {
				_ = c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			_ = c.SetWriteDeadline(time.Now().Add(h.opts.WriteDeadline))
			if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("websocket write", zap.Error(err))
				h.reg.Disconnect(conn.ID())
				return
			}
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteDeadline)); err != nil {
				h.reg.Disconnect(conn.ID())
				return
			}
		}
	}
}
