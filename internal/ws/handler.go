// Package ws is the server side of the realtime transport: it authenticates
// the upgrade, binds the socket to a registry connection and pumps frames in
// both directions.
package ws

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/auth"
	"github.com/fathima-sithara/counsel-realtime/internal/presence"
	"github.com/fathima-sithara/counsel-realtime/internal/registry"
)

// LocalParticipant is the fiber.Locals key carrying the authenticated
// participant id from Upgrade to Serve.
const LocalParticipant = "participant_id"

type TokenVerifier interface {
	Verify(token string) (string, error)
}

// RoomGuard decides whether a participant may join a conversation room.
type RoomGuard interface {
	CanJoin(ctx context.Context, participantID, conversationID string) error
}

type Options struct {
	PingInterval   time.Duration
	WriteDeadline  time.Duration
	MaxMessageSize int64
	RatePerSec     int
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 20
	}
}

type Handler struct {
	reg      *registry.Registry
	guard    RoomGuard
	presence presence.Tracker
	verifier TokenVerifier
	opts     Options
	logger   *zap.Logger
}

func NewHandler(reg *registry.Registry, guard RoomGuard, pres presence.Tracker, verifier TokenVerifier, opts Options, logger *zap.Logger) *Handler {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if pres == nil {
		pres = presence.NewLocal()
	}
	return &Handler{reg: reg, guard: guard, presence: pres, verifier: verifier, opts: opts, logger: logger}
}

// Upgrade authenticates the handshake from the token query parameter or the
// Authorization header. Browsers cannot set headers on websocket requests,
// hence the query parameter.
func (h *Handler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	token := c.Query("token")
	if token == "" {
		var err error
		if token, err = auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization)); err != nil {
			return err
		}
	}
	pid, err := h.verifier.Verify(token)
	if err != nil {
		return err
	}
	c.Locals(LocalParticipant, pid)
	return c.Next()
}

// Route returns the fiber handler that serves upgraded connections.
func (h *Handler) Route() fiber.Handler {
	return websocket.New(h.Serve, websocket.Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	})
}

// Serve owns one socket for its lifetime. Returning closes the socket, so it
// waits for the writer to finish first.
func (h *Handler) Serve(c *websocket.Conn) {
	pid, _ := c.Locals(LocalParticipant).(string)
	if pid == "" {
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"))
		return
	}
	conn := h.reg.Connect(pid)
	log := h.logger.With(zap.String("connection_id", conn.ID()), zap.String("participant_id", pid))
	log.Info("websocket connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.presence.Online(ctx, pid, conn.ID()); err != nil {
		log.Warn("presence online", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(c, conn, log)
	}()

	h.readPump(ctx, c, conn, log)

	h.reg.Disconnect(conn.ID())
	<-done
	if err := h.presence.Offline(context.Background(), pid, conn.ID()); err != nil {
		log.Warn("presence offline", zap.Error(err))
	}
	log.Info("websocket disconnected")
}
