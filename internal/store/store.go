// Package store defines the Message Store the messaging core depends on.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fathima-sithara/counsel-realtime/internal/domain"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	// FindOrCreateConversation returns the conversation with the same
	// participant set and appointment link, creating it if needed.
	FindOrCreateConversation(ctx context.Context, participants []string, appointmentID string) (*domain.Conversation, error)

	// AppendMessage assigns ID (if empty), CreatedAt (if zero) and Seq.
	AppendMessage(ctx context.Context, m *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	// EditMessage replaces the text, sets the edited flag and keeps the prior
	// text, returning the updated message.
	EditMessage(ctx context.Context, id, text string, at time.Time) (*domain.Message, error)
	// ListMessages returns up to limit messages, most recent first.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error)
}
