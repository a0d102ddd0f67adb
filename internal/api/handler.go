package api

import (
	"io"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/counsel-realtime/internal/apperr"
	"github.com/fathima-sithara/counsel-realtime/internal/chat"
	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/media"
	"github.com/fathima-sithara/counsel-realtime/internal/presence"
)

type handlers struct {
	chat     *chat.Service
	media    *media.Service
	presence presence.Tracker
}

type startConversationRequest struct {
	Participants  []string `json:"participants"`
	AppointmentID string   `json:"appointmentId"`
}

type editRequest struct {
	Text string `json:"text"`
}

type messageResponse struct {
	Message *domain.Message `json:"message"`
}

func badBody() error { return apperr.Validation("invalid request body") }

func (h *handlers) getConversation(c *fiber.Ctx) error {
	conv, err := h.chat.Conversation(c.UserContext(), participant(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(conv)
}

func (h *handlers) startConversation(c *fiber.Ctx) error {
	var req startConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody()
	}
	conv, err := h.chat.StartConversation(c.UserContext(), participant(c), req.Participants, req.AppointmentID)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

func (h *handlers) listMessages(c *fiber.Ctx) error {
	msgs, err := h.chat.History(c.UserContext(), participant(c), c.Params("id"), c.QueryInt("limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(msgs)
}

func (h *handlers) sendMessage(c *fiber.Ctx) error {
	var d domain.Draft
	if err := c.BodyParser(&d); err != nil {
		return badBody()
	}
	m, err := h.chat.Send(c.UserContext(), participant(c), d)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(messageResponse{Message: m})
}

func (h *handlers) editMessage(c *fiber.Ctx) error {
	var req editRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody()
	}
	m, err := h.chat.Edit(c.UserContext(), participant(c), c.Params("id"), req.Text)
	if err != nil {
		return err
	}
	return c.JSON(messageResponse{Message: m})
}

func (h *handlers) uploadAttachments(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return apperr.Validation("expected multipart form with files")
	}
	headers := form.File["files"]
	if len(headers) > domain.MaxAttachments {
		return apperr.Validation("too many attachments (max %d)", domain.MaxAttachments)
	}
	uploads := make([]media.Upload, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > domain.MaxAttachmentSize {
			return apperr.Validation("attachment %s exceeds %d bytes", fh.Filename, domain.MaxAttachmentSize)
		}
		data, err := readPart(fh)
		if err != nil {
			return apperr.Validation("unreadable file %s", fh.Filename)
		}
		uploads = append(uploads, media.Upload{
			OriginalName: fh.Filename,
			MimeType:     fh.Header.Get(fiber.HeaderContentType),
			Data:         data,
		})
	}
	atts, err := h.media.Store(c.UserContext(), participant(c), uploads)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"attachments": atts})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *handlers) getPresence(c *fiber.Ctx) error {
	st, err := h.presence.Get(c.UserContext(), c.Params("participantId"))
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, err, "presence unavailable")
	}
	return c.JSON(st)
}
