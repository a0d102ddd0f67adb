// Package transport is the client side of the realtime connection. It owns
// one websocket, remembers which rooms the caller joined, and restores them
// after every reconnect.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/apperr"
	"github.com/fathima-sithara/counsel-realtime/internal/domain"
)

var ErrClosed = errors.New("transport closed")

type Options struct {
	MaxAttempts      uint64
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

type Transport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards everything below and serializes writes to conn.
	mu           sync.Mutex
	conn         *websocket.Conn
	rooms        map[string]int
	subs         map[uint64]func(domain.Event)
	onReconnect  map[uint64]func()
	nextID       uint64
	reconnecting bool
	closed       bool
}

// New prepares a transport for the websocket endpoint (ws://host/ws). Nothing
// is dialed until Connect.
func New(wsURL, token string, opts Options, logger *zap.Logger) *Transport {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		url:         wsURL,
		header:      h,
		dialer:      &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		opts:        opts,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		rooms:       make(map[string]int),
		subs:        make(map[uint64]func(domain.Event)),
		onReconnect: make(map[uint64]func()),
	}
}

// Connect dials once. On failure it returns a transient error and keeps
// retrying in the background, up to Options.MaxAttempts times.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return ErrClosed
	case t.conn != nil:
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.dial(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		t.scheduleReconnect()
		return apperr.Wrap(apperr.KindTransient, err, "connect websocket")
	}
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// dial opens the socket, re-joins every remembered room and starts reading.
// When another dial won the race the new socket is dropped, so the transport
// never holds more than one server connection.
func (t *Transport) dial(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = conn.Close()
		return ErrClosed
	}
	if t.conn != nil {
		_ = conn.Close()
		return nil
	}
	t.conn = conn
	for convID := range t.rooms {
		if err := t.writeLocked(domain.CommandJoinConversation, convID); err != nil {
			t.logger.Warn("rejoin failed", zap.String("conversation_id", convID), zap.Error(err))
		}
	}
	t.wg.Add(1)
	go t.readLoop(conn)
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			closed := t.closed
			t.mu.Unlock()
			_ = conn.Close()
			if !closed {
				t.logger.Warn("websocket dropped", zap.Error(err))
				t.scheduleReconnect()
			}
			return
		}
		ev, err := domain.DecodeEvent(data)
		if err != nil {
			t.logger.Debug("ignoring frame", zap.Error(err))
			continue
		}
		for _, fn := range t.subscribers() {
			fn(ev)
		}
	}
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.reconnecting || t.closed {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		ok := t.reconnect()
		t.mu.Lock()
		t.reconnecting = false
		hooks := make([]func(), 0, len(t.onReconnect))
		for _, fn := range t.onReconnect {
			hooks = append(hooks, fn)
		}
		t.mu.Unlock()
		if ok {
			for _, fn := range hooks {
				fn()
			}
		}
	}()
}

func (t *Transport) reconnect() bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.InitialBackoff
	b.MaxInterval = t.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, t.opts.MaxAttempts), t.ctx)

	for attempt := 1; ; attempt++ {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			if t.ctx.Err() == nil {
				t.logger.Error("giving up reconnecting", zap.Uint64("attempts", t.opts.MaxAttempts))
			}
			return false
		}
		select {
		case <-t.ctx.Done():
			return false
		case <-time.After(wait):
		}
		// an explicit Connect may have succeeded meanwhile
		if t.Connected() {
			return true
		}
		err := t.dial(t.ctx)
		if err == nil {
			t.logger.Info("websocket reconnected", zap.Int("attempt", attempt))
			return true
		}
		if errors.Is(err, ErrClosed) {
			return false
		}
		t.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// Join is reference counted: only the first Join of a room reaches the
// server. The room is remembered while disconnected and joined on connect.
func (t *Transport) Join(conversationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.rooms[conversationID]++
	if t.rooms[conversationID] > 1 || t.conn == nil {
		return nil
	}
	return t.writeLocked(domain.CommandJoinConversation, conversationID)
}

// Leave undoes one Join; the server is told when the count reaches zero.
func (t *Transport) Leave(conversationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.rooms[conversationID]
	if !ok {
		return nil
	}
	if n > 1 {
		t.rooms[conversationID] = n - 1
		return nil
	}
	delete(t.rooms, conversationID)
	if t.conn == nil || t.closed {
		return nil
	}
	return t.writeLocked(domain.CommandLeaveConversation, conversationID)
}

func (t *Transport) writeLocked(kind domain.EventKind, conversationID string) error {
	frame, err := domain.EncodeCommand(kind, conversationID)
	if err != nil {
		return err
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return apperr.Wrap(apperr.KindTransient, err, string(kind))
	}
	return nil
}

// Subscribe registers fn for every decoded event. Handlers run on the read
// goroutine and must not block.
func (t *Transport) Subscribe(fn func(domain.Event)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// OnReconnect registers fn to run after a background reconnect succeeded and
// rooms were re-joined. Events sent while disconnected are lost; callers
// refetch state here.
func (t *Transport) OnReconnect(fn func()) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.onReconnect[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.onReconnect, id)
		t.mu.Unlock()
	}
}

func (t *Transport) subscribers() []func(domain.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]func(domain.Event), 0, len(t.subs))
	for _, fn := range t.subs {
		out = append(out, fn)
	}
	return out
}

// Close stops reconnecting, closes the socket and waits for background
// goroutines. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	t.wg.Wait()
	return nil
}
