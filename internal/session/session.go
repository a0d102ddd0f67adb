// Package session is the client-side view of one conversation: it loads the
// participants and history, keeps the message list current from live
// events, and sends and edits through the REST API.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/apperr"
	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/media"
)

type State int

const (
	Idle State = iota
	Initializing
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrClosed    = errors.New("session closed")
	ErrNotActive = errors.New("session not open")
)

type API interface {
	Conversation(ctx context.Context, id string) (*domain.Conversation, error)
	History(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error)
	Send(ctx context.Context, d domain.Draft) (*domain.Message, error)
	Edit(ctx context.Context, messageID, text string) (*domain.Message, error)
	Upload(ctx context.Context, files []media.Upload) ([]domain.Attachment, error)
}

type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	Join(conversationID string) error
	Leave(conversationID string) error
	Subscribe(fn func(domain.Event)) (unsubscribe func())
	OnReconnect(fn func()) (unsubscribe func())
	Close() error
}

type Config struct {
	ConversationID string
	ParticipantID  string
	HistoryLimit   int
	// OwnsTransport closes the transport on Close.
	OwnsTransport bool

	OnWarning     func(error)
	OnAppointment func(domain.Event)
	// OnChange runs after the message list changed.
	OnChange func()
}

type Session struct {
	api    API
	tr     Transport
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	conv        *domain.Conversation
	msgs        map[string]*domain.Message
	joined      bool
	unsubscribe func()
	unreconnect func()
}

func New(api API, tr Transport, cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &Session{
		api:    api,
		tr:     tr,
		cfg:    cfg,
		logger: logger.With(zap.String("conversation_id", cfg.ConversationID)),
		msgs:   make(map[string]*domain.Message),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Conversation() *domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		return nil
	}
	c := *s.conv
	return &c
}

// Messages returns a copy of the list in display order.
func (s *Session) Messages() []*domain.Message {
	s.mu.Lock()
	out := make([]*domain.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Clone())
	}
	s.mu.Unlock()
	domain.SortChronological(out)
	return out
}

// Open loads the conversation and its history, then goes live. A history
// failure leaves the session Initializing and Open may be called again. A
// transport failure is only a warning: the session works over REST and joins
// the room once the transport reconnects.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Closed:
		s.mu.Unlock()
		return ErrClosed
	case Active:
		s.mu.Unlock()
		return nil
	}
	s.state = Initializing
	s.mu.Unlock()

	conv, err := s.api.Conversation(ctx, s.cfg.ConversationID)
	if err != nil {
		return err
	}
	hist, err := s.api.History(ctx, s.cfg.ConversationID, s.cfg.HistoryLimit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.conv = conv
	s.msgs = make(map[string]*domain.Message, len(hist))
	for _, m := range hist {
		s.msgs[m.ID] = m.Clone()
	}
	if s.unsubscribe == nil {
		s.unsubscribe = s.tr.Subscribe(s.handle)
		s.unreconnect = s.tr.OnReconnect(s.refreshAfterReconnect)
	}
	s.mu.Unlock()
	s.changed()

	if !s.tr.Connected() {
		if err := s.tr.Connect(ctx); err != nil {
			s.warn(err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrClosed
	}
	if !s.joined {
		if err := s.tr.Join(s.cfg.ConversationID); err != nil {
			s.logger.Warn("join room", zap.Error(err))
		}
		s.joined = true
	}
	s.state = Active
	return nil
}

// handle applies one live event. It runs on the transport's read goroutine.
func (s *Session) handle(ev domain.Event) {
	switch e := ev.(type) {
	case domain.MessageEvent:
		if s.apply(e.Message, false) {
			s.changed()
		}
	case domain.MessageEditedEvent:
		if s.apply(e.Message, true) {
			s.changed()
		}
	case domain.AppointmentStatusEvent, domain.RescheduleProposedEvent, domain.RescheduleRespondedEvent:
		if s.live() && s.cfg.OnAppointment != nil {
			s.cfg.OnAppointment(ev)
		}
	case domain.ErrorEvent:
		if conv, ok := e.RefusedConversation(); ok {
			if conv == s.cfg.ConversationID {
				s.joinRefused(e.Reason)
			}
			return
		}
		if !s.live() {
			return
		}
		kind := apperr.KindInternal
		if e.Reason == domain.ReasonRateLimited {
			kind = apperr.KindTransient
		}
		s.warn(apperr.E(kind, e.Reason))
	default:
		s.logger.Debug("unhandled event", zap.String("type", string(ev.Kind())))
	}
}

// apply inserts a new message once, or replaces an existing one when
// replace is set. Messages of other conversations are ignored.
func (s *Session) apply(m domain.Message, replace bool) bool {
	if m.ConversationID != s.cfg.ConversationID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return false
	}
	_, exists := s.msgs[m.ID]
	switch {
	case replace && exists:
	case !replace && !exists:
	default:
		return false
	}
	s.msgs[m.ID] = m.Clone()
	return true
}

// joinRefused drops the room so the transport stops asking for it on every
// reconnect. The session keeps working over REST.
func (s *Session) joinRefused(reason string) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	joined := s.joined
	s.joined = false
	s.mu.Unlock()
	if joined {
		if err := s.tr.Leave(s.cfg.ConversationID); err != nil {
			s.logger.Debug("leave refused room", zap.Error(err))
		}
	}
	s.warn(apperr.Forbidden("%s", reason))
}

func (s *Session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != Closed
}

func (s *Session) ensureActive() error {
	switch s.State() {
	case Active:
		return nil
	case Closed:
		return ErrClosed
	default:
		return ErrNotActive
	}
}

// Send validates locally, uploads files, then posts the message. The list
// only changes once the server confirmed the message.
func (s *Session) Send(ctx context.Context, d domain.Draft, files []media.Upload) (*domain.Message, error) {
	if err := s.ensureActive(); err != nil {
		return nil, err
	}
	d.ConversationID = s.cfg.ConversationID
	if err := validateDraft(d, files); err != nil {
		return nil, err
	}
	if len(files) > 0 {
		atts, err := s.api.Upload(ctx, files)
		if err != nil {
			return nil, err
		}
		d.Attachments = append(d.Attachments, atts...)
	}
	m, err := s.api.Send(ctx, d)
	if err != nil {
		return nil, err
	}
	s.store(m)
	return m, nil
}

func validateDraft(d domain.Draft, files []media.Upload) error {
	if len(files) == 0 {
		return domain.ValidateDraft(d)
	}
	if err := media.ValidateUploads(files); err != nil {
		return err
	}
	if len(d.Attachments)+len(files) > domain.MaxAttachments {
		return apperr.Validation("too many attachments (max %d)", domain.MaxAttachments)
	}
	if strings.TrimSpace(d.Text) != "" {
		return domain.ValidateEdit(d.Text)
	}
	return nil
}

// Edit is allowed for the sender only; anyone else gets an authorization
// error without a network call.
func (s *Session) Edit(ctx context.Context, messageID, text string) (*domain.Message, error) {
	if err := s.ensureActive(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	cur, ok := s.msgs[messageID]
	var sender string
	if ok {
		sender = cur.Sender
	}
	s.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound("message %s not loaded", messageID)
	}
	if sender != s.cfg.ParticipantID {
		return nil, apperr.Forbidden("only the sender can edit this message")
	}
	if err := domain.ValidateEdit(text); err != nil {
		return nil, err
	}
	m, err := s.api.Edit(ctx, messageID, text)
	if err != nil {
		return nil, err
	}
	s.store(m)
	return m, nil
}

// store records a server-confirmed message unless the session closed while
// the request was in flight.
func (s *Session) store(m *domain.Message) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.msgs[m.ID] = m.Clone()
	s.mu.Unlock()
	s.changed()
}

// Refresh refetches history and merges it by id. This is the recovery path
// when live events may have been missed, and the polling path when no
// transport is available.
func (s *Session) Refresh(ctx context.Context) error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	hist, err := s.api.History(ctx, s.cfg.ConversationID, s.cfg.HistoryLimit)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	for _, m := range hist {
		s.msgs[m.ID] = m.Clone()
	}
	s.mu.Unlock()
	s.changed()
	return nil
}

func (s *Session) refreshAfterReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
		s.warn(err)
	}
}

// Close leaves the room and releases the subscription. Teardown failures are
// logged only. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	unsub, unrec, joined := s.unsubscribe, s.unreconnect, s.joined
	s.unsubscribe, s.unreconnect, s.joined = nil, nil, false
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if unrec != nil {
		unrec()
	}
	if joined {
		if err := s.tr.Leave(s.cfg.ConversationID); err != nil {
			s.logger.Warn("leave room", zap.Error(err))
		}
	}
	if s.cfg.OwnsTransport {
		if err := s.tr.Close(); err != nil {
			s.logger.Warn("close transport", zap.Error(err))
		}
	}
	return nil
}

func (s *Session) warn(err error) {
	s.logger.Warn("session warning", zap.Error(err))
	if s.cfg.OnWarning != nil {
		s.cfg.OnWarning(err)
	}
}

func (s *Session) changed() {
	if s.cfg.OnChange != nil && s.live() {
		s.cfg.OnChange()
	}
}
