// Package chat holds the server-side messaging rules: who may read, send to
// and edit in a conversation, and what happens after a write succeeds.
package chat

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/apperr"
	"github.com/fathima-sithara/counsel-realtime/internal/broadcast"
	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/events"
	"github.com/fathima-sithara/counsel-realtime/internal/store"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200

	// DefaultPublishTimeout bounds the event publish that follows a write so
	// an unreachable broker cannot stall the request.
	DefaultPublishTimeout = 2 * time.Second
)

type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID string, ev domain.Event) (broadcast.Result, error)
}

type Service struct {
	store     store.Store
	bc        Broadcaster
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	publishTimeout time.Duration
}

func NewService(st store.Store, bc Broadcaster, pub events.Publisher, logger *zap.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     st,
		bc:        bc,
		publisher: pub,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },

		publishTimeout: DefaultPublishTimeout,
	}
}

func storeErr(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("%s not found", what)
	}
	return apperr.Wrap(apperr.KindPersistence, err, "load "+what)
}

// StartConversation returns the conversation between the given participants
// (order-insensitive) for the appointment link, creating it on first use.
func (s *Service) StartConversation(ctx context.Context, requester string, participants []string, appointmentID string) (*domain.Conversation, error) {
	set := domain.NormalizeParticipants(participants)
	if len(set) < 2 {
		return nil, apperr.Validation("a conversation needs at least two participants")
	}
	if !slices.Contains(set, requester) {
		return nil, apperr.Forbidden("requester must be a participant")
	}
	c, err := s.store.FindOrCreateConversation(ctx, set, appointmentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "start conversation")
	}
	return c, nil
}

// Conversation is readable by its participants only.
func (s *Service) Conversation(ctx context.Context, requester, id string) (*domain.Conversation, error) {
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, storeErr(err, "conversation")
	}
	if !c.HasParticipant(requester) {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}
	return c, nil
}

// History returns up to limit messages, most recent first.
func (s *Service) History(ctx context.Context, requester, conversationID string, limit int) ([]*domain.Message, error) {
	if _, err := s.Conversation(ctx, requester, conversationID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "list messages")
	}
	return msgs, nil
}

// CanJoin reports whether the participant may join the conversation's room.
func (s *Service) CanJoin(ctx context.Context, participantID, conversationID string) error {
	_, err := s.Conversation(ctx, participantID, conversationID)
	return err
}

// Send persists the draft and broadcasts it to the room. Validation happens
// before any store access; nothing is broadcast unless the append succeeded.
func (s *Service) Send(ctx context.Context, sender string, d domain.Draft) (*domain.Message, error) {
	if err := domain.ValidateDraft(d); err != nil {
		return nil, err
	}
	if _, err := s.Conversation(ctx, sender, d.ConversationID); err != nil {
		return nil, err
	}
	m := &domain.Message{
		ConversationID: d.ConversationID,
		Sender:         sender,
		Text:           d.Text,
		Attachments:    d.Attachments,
		CreatedAt:      s.stamp(),
	}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "save message")
	}
	s.fanout(ctx, domain.MessageEvent{Message: *m.Clone()}, m, events.MessageCreated)
	return m, nil
}

// Edit replaces the text of a message. Only the original sender may edit.
func (s *Service) Edit(ctx context.Context, editor, messageID, text string) (*domain.Message, error) {
	if err := domain.ValidateEdit(text); err != nil {
		return nil, err
	}
	cur, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	if cur.Sender != editor {
		return nil, apperr.Forbidden("only the sender can edit this message")
	}
	m, err := s.store.EditMessage(ctx, messageID, text, s.stamp())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("message not found")
		}
		return nil, apperr.Wrap(apperr.KindPersistence, err, "edit message")
	}
	s.fanout(ctx, domain.MessageEditedEvent{Message: *m.Clone()}, m, events.MessageEdited)
	return m, nil
}

// stamp is the write time at the store's millisecond precision, so a
// broadcast copy and a refetched copy order identically.
func (s *Service) stamp() time.Time {
	return s.now().Truncate(time.Millisecond)
}

// fanout runs after a successful write; its failures are logged only, the
// write already happened.
func (s *Service) fanout(ctx context.Context, ev domain.Event, m *domain.Message, record string) {
	if s.bc != nil {
		if _, err := s.bc.Broadcast(ctx, m.ConversationID, ev); err != nil {
			s.logger.Error("broadcast failed",
				zap.String("conversation_id", m.ConversationID),
				zap.String("message_id", m.ID),
				zap.Error(err))
		}
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := s.publisher.PublishMessage(pctx, record, m); err != nil {
		s.logger.Warn("publish message event failed",
			zap.String("event", record),
			zap.String("message_id", m.ID),
			zap.Error(err))
	}
}
