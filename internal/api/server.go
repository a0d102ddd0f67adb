// Package api exposes the REST endpoints and mounts the websocket route on a
// fiber app.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/apperr"
	"github.com/fathima-sithara/counsel-realtime/internal/auth"
	"github.com/fathima-sithara/counsel-realtime/internal/chat"
	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/media"
	"github.com/fathima-sithara/counsel-realtime/internal/metrics"
	"github.com/fathima-sithara/counsel-realtime/internal/presence"
	"github.com/fathima-sithara/counsel-realtime/internal/ws"
)

const localParticipant = "participant_id"

type Deps struct {
	Chat     *chat.Service
	Media    *media.Service
	Presence presence.Tracker
	Verifier ws.TokenVerifier
	WS       *ws.Handler
	Logger   *zap.Logger

	AllowOrigins  string
	RequestLogger bool
}

type ErrorBody struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind"`
}

func NewServer(d Deps) *fiber.App {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	// credentialed CORS cannot use the wildcard origin
	if d.AllowOrigins == "" || d.AllowOrigins == "*" {
		d.AllowOrigins = "http://localhost:3000"
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             (domain.MaxAttachments + 1) * domain.MaxAttachmentSize,
		ErrorHandler:          errorHandler(d.Logger),
	})
	app.Use(recover.New())
	if d.RequestLogger {
		app.Use(logger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     d.AllowOrigins,
		AllowCredentials: true,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET,POST,PATCH,OPTIONS",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	if d.WS != nil {
		app.Use("/ws", d.WS.Upgrade)
		app.Get("/ws", d.WS.Route())
	}

	h := &handlers{chat: d.Chat, media: d.Media, presence: d.Presence}
	authed := requireAuth(d.Verifier)
	app.Get("/conversations/:id", authed, h.getConversation)
	app.Post("/conversations", authed, h.startConversation)
	app.Get("/conversation/:id/messages", authed, h.listMessages)
	app.Post("/message", authed, h.sendMessage)
	app.Patch("/message/:id", authed, h.editMessage)
	app.Post("/attachments", authed, h.uploadAttachments)
	app.Get("/presence/:participantId", authed, h.getPresence)

	return app
}

func requireAuth(v ws.TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return err
		}
		pid, err := v.Verify(token)
		if err != nil {
			return err
		}
		c.Locals(localParticipant, pid)
		return c.Next()
	}
}

func participant(c *fiber.Ctx) string {
	pid, _ := c.Locals(localParticipant).(string)
	return pid
}

// errorHandler writes {error, kind}. Server-side failures keep their detail
// in the log only.
func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(ErrorBody{Error: fe.Message, Kind: apperr.FromHTTPStatus(fe.Code)})
		}
		kind := apperr.KindOf(err)
		status := apperr.HTTPStatus(kind)
		msg := "internal error"
		var ae *apperr.Error
		if errors.As(err, &ae) {
			msg = ae.Msg
		}
		if status >= fiber.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Error(err))
		}
		return c.Status(status).JSON(ErrorBody{Error: msg, Kind: kind})
	}
}
