package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/counsel-realtime/internal/apperr"
	"github.com/fathima-sithara/counsel-realtime/internal/broadcast"
	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/presence"
	"github.com/fathima-sithara/counsel-realtime/internal/registry"
)

type tokens map[string]string

func (t tokens) Verify(tok string) (string, error) {
	if pid, ok := t[tok]; ok {
		return pid, nil
	}
	return "", apperr.E(apperr.KindUnauthorized, "invalid token")
}

type members map[string][]string

func (m members) CanJoin(_ context.Context, pid, convID string) error {
	for _, p := range m[convID] {
		if p == pid {
			return nil
		}
	}
	return apperr.Forbidden("not a participant")
}

type server struct {
	url  string
	reg  *registry.Registry
	bc   *broadcast.Broadcaster
	pres *presence.Local
}

func startServer(t *testing.T) *server {
	t.Helper()
	reg := registry.New(16, nil)
	pres := presence.NewLocal()
	h := NewHandler(reg, members{"C1": {"A", "B"}}, pres, tokens{"tok-b": "B"}, Options{PingInterval: time.Minute}, nil)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.SendStatus(fe.Code)
			}
			return c.SendStatus(apperr.HTTPStatus(apperr.KindOf(err)))
		},
	})
	app.Use("/ws", h.Upgrade)
	app.Get("/ws", h.Route())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return &server{url: "ws://" + ln.Addr().String() + "/ws", reg: reg, bc: broadcast.New(reg, nil), pres: pres}
}

func dial(t *testing.T, s *server, token string) *gws.Conn {
	t.Helper()
	c, _, err := gws.DefaultDialer.Dial(s.url+"?token="+token, nil)
	require.NoError(t, err)
	return c
}

func send(t *testing.T, c *gws.Conn, kind domain.EventKind, convID string) {
	t.Helper()
	frame, err := domain.EncodeCommand(kind, convID)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(gws.TextMessage, frame))
}

func readEvent(t *testing.T, c *gws.Conn) domain.Event {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	ev, err := domain.DecodeEvent(data)
	require.NoError(t, err)
	return ev
}

func hello() domain.Event {
	return domain.MessageEvent{Message: domain.Message{ID: "m1", ConversationID: "C1", Sender: "A", Text: "Hello", Attachments: []domain.Attachment{}}}
}

func TestJoinThenReceiveBroadcast(t *testing.T) {
	s := startServer(t)
	c := dial(t, s, "tok-b")
	defer c.Close()

	send(t, c, domain.CommandJoinConversation, "C1")
	require.Eventually(t, func() bool { return len(s.reg.MembersOf("C1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	st, err := s.pres.Get(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOnline, st.Status)

	_, err = s.bc.Broadcast(context.Background(), "C1", hello())
	require.NoError(t, err)
	ev := readEvent(t, c)
	got, ok := ev.(domain.MessageEvent)
	require.True(t, ok)
	assert.Equal(t, "m1", got.Message.ID)
	assert.Equal(t, "Hello", got.Message.Text)
}

func TestRefusedJoinAndBadFramesGetErrorEvents(t *testing.T) {
	s := startServer(t)
	c := dial(t, s, "tok-b")
	defer c.Close()

	send(t, c, domain.CommandJoinConversation, "C9")
	ev, ok := readEvent(t, c).(domain.ErrorEvent)
	require.True(t, ok)
	refused, isRefusal := ev.RefusedConversation()
	assert.True(t, isRefusal)
	assert.Equal(t, "C9", refused)
	assert.Empty(t, s.reg.MembersOf("C9"))

	require.NoError(t, c.WriteMessage(gws.TextMessage, []byte(`{"type":"typing"}`)))
	ev, ok = readEvent(t, c).(domain.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonInvalidCommand, ev.Reason)
}

func TestDisconnectClearsMembershipAndRejoinHasNoDuplicates(t *testing.T) {
	s := startServer(t)
	c := dial(t, s, "tok-b")
	send(t, c, domain.CommandJoinConversation, "C1")
	require.Eventually(t, func() bool { return len(s.reg.MembersOf("C1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return s.reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.reg.MembersOf("C1"))
	require.Eventually(t, func() bool {
		st, _ := s.pres.Get(context.Background(), "B")
		return st.Status == presence.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)

	c2 := dial(t, s, "tok-b")
	defer c2.Close()
	send(t, c2, domain.CommandJoinConversation, "C1")
	require.Eventually(t, func() bool { return len(s.reg.MembersOf("C1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := s.bc.Broadcast(context.Background(), "C1", hello())
	require.NoError(t, err)
	_, ok := readEvent(t, c2).(domain.MessageEvent)
	require.True(t, ok)

	require.NoError(t, c2.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err = c2.ReadMessage()
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "expected no second delivery, got %v", err)
}

func TestLeaveStopsDelivery(t *testing.T) {
	s := startServer(t)
	c := dial(t, s, "tok-b")
	defer c.Close()
	send(t, c, domain.CommandJoinConversation, "C1")
	require.Eventually(t, func() bool { return len(s.reg.MembersOf("C1")) == 1 }, 2*time.Second, 10*time.Millisecond)
	send(t, c, domain.CommandLeaveConversation, "C1")
	require.Eventually(t, func() bool {
		conns := s.reg.ConnectionsOf("B")
		return len(conns) == 1 && len(s.reg.Rooms(conns[0].ID())) == 0 && len(s.reg.MembersOf("C1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpgradeRejectsBadToken(t *testing.T) {
	s := startServer(t)
	_, resp, err := gws.DefaultDialer.Dial(s.url+"?token=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c, resp, err := gws.DefaultDialer.Dial(s.url, http.Header{"Authorization": {"Bearer tok-b"}})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
}

func TestEnvelopeShapeOnTheWire(t *testing.T) {
	s := startServer(t)
	c := dial(t, s, "tok-b")
	defer c.Close()
	send(t, c, domain.CommandJoinConversation, "nope")

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"error"`, string(raw["type"]))
	assert.Contains(t, string(raw["payload"]), "nope")
}
