package domain

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fathima-sithara/counsel-realtime/internal/apperr"
)

const (
	MaxTextLength     = 1000
	MaxAttachments    = 5
	MaxAttachmentSize = 10 << 20
)

// Draft is a message as composed by a participant, before persistence.
type Draft struct {
	ConversationID string       `json:"conversationId" validate:"required"`
	Text           string       `json:"text" validate:"max=1000"`
	Attachments    []Attachment `json:"attachments" validate:"max=5,dive"`
}

type EditRequest struct {
	Text string `json:"text" validate:"max=1000"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func v() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateDraft rejects empty messages, text over MaxTextLength runes and
// attachment lists over MaxAttachments. It makes no network calls.
func ValidateDraft(d Draft) error {
	if strings.TrimSpace(d.Text) == "" && len(d.Attachments) == 0 {
		return apperr.Validation("message is empty")
	}
	for _, a := range d.Attachments {
		if a.Size > MaxAttachmentSize {
			return apperr.Validation("attachment %s exceeds %d bytes", a.OriginalName, MaxAttachmentSize)
		}
	}
	return structError(v().Struct(d))
}

func ValidateEdit(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperr.Validation("message text is empty")
	}
	return structError(v().Struct(EditRequest{Text: text}))
}

func structError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Wrap(apperr.KindValidation, err, "invalid message")
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "max":
		if fe.Field() == "Attachments" {
			return apperr.Validation("too many attachments (max %d)", MaxAttachments)
		}
		return apperr.Validation("%s exceeds %s characters", strings.ToLower(fe.Field()), fe.Param())
	case "required":
		return apperr.Validation("%s is required", fe.Field())
	default:
		return apperr.Validation("%s failed %s", fe.Namespace(), fe.Tag())
	}
}
