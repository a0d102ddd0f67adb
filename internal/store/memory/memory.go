// Package memory is an in-process Store used for local runs and tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/store"
)

// keep small: cap history per conversation
const maxPerConversation = 1000

type Store struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	byKey         map[string]string // participant key + appointment -> conversation id
	messages      map[string][]*domain.Message
	byID          map[string]*domain.Message
	seq           map[string]int64
	now           func() time.Time
}

func New() *Store {
	return &Store{
		conversations: make(map[string]*domain.Conversation),
		byKey:         make(map[string]string),
		messages:      make(map[string][]*domain.Message),
		byID:          make(map[string]*domain.Message),
		seq:           make(map[string]int64),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

var _ store.Store = (*Store)(nil)

func lookupKey(participants []string, appointmentID string) string {
	return domain.ParticipantKey(participants) + "#" + appointmentID
}

func (s *Store) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	return &cp, nil
}

func (s *Store) FindOrCreateConversation(ctx context.Context, participants []string, appointmentID string) (*domain.Conversation, error) {
	participants = domain.NormalizeParticipants(participants)
	key := lookupKey(participants, appointmentID)

	s.mu.Lock()
	id, ok := s.byKey[key]
	if !ok {
		now := s.now()
		c := &domain.Conversation{
			ID:             uuid.NewString(),
			Participants:   participants,
			ParticipantKey: domain.ParticipantKey(participants),
			AppointmentID:  appointmentID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		s.conversations[c.ID] = c
		s.byKey[key] = c.ID
		id = c.ID
	}
	s.mu.Unlock()
	return s.GetConversation(ctx, id)
}

func (s *Store) AppendMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[m.ConversationID]
	if !ok {
		return store.ErrNotFound
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.CreatedAt = m.CreatedAt.Truncate(time.Millisecond)
	if m.Attachments == nil {
		m.Attachments = []domain.Attachment{}
	}
	s.seq[m.ConversationID]++
	m.Seq = s.seq[m.ConversationID]
	conv.UpdatedAt = m.CreatedAt

	stored := m.Clone()
	msgs := append(s.messages[m.ConversationID], stored)
	if len(msgs) > maxPerConversation {
		for _, old := range msgs[:len(msgs)-maxPerConversation] {
			delete(s.byID, old.ID)
		}
		msgs = msgs[len(msgs)-maxPerConversation:]
	}
	s.messages[m.ConversationID] = msgs
	s.byID[stored.ID] = stored
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Store) EditMessage(_ context.Context, id, text string, at time.Time) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	m.PreviousText = m.Text
	m.Text = text
	m.Edited = true
	editedAt := at.Truncate(time.Millisecond)
	m.EditedAt = &editedAt
	return m.Clone(), nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	sorted := make([]*domain.Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		sorted = append(sorted, m.Clone())
	}
	s.mu.RUnlock()

	domain.SortChronological(sorted)
	slices.Reverse(sorted)
	if limit > 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}
	return sorted, nil
}
