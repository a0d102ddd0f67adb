package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/counsel-realtime/internal/apperr"
	"github.com/fathima-sithara/counsel-realtime/internal/auth"
	"github.com/fathima-sithara/counsel-realtime/internal/broadcast"
	"github.com/fathima-sithara/counsel-realtime/internal/chat"
	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/media"
	"github.com/fathima-sithara/counsel-realtime/internal/presence"
	"github.com/fathima-sithara/counsel-realtime/internal/registry"
	"github.com/fathima-sithara/counsel-realtime/internal/store/memory"
)

const secret = "api-test-secret"

type testServer struct {
	app  *fiber.App
	reg  *registry.Registry
	pres *presence.Local
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg := registry.New(16, nil)
	v, err := auth.NewHS256(secret)
	require.NoError(t, err)
	pres := presence.NewLocal()
	app := NewServer(Deps{
		Chat:         chat.NewService(memory.New(), broadcast.New(reg, nil), nil, nil),
		Media:        media.NewService(media.NewMemoryStorage(), nil),
		Presence:     pres,
		Verifier:     v,
		AllowOrigins: "http://localhost:3000",
	})
	return &testServer{app: app, reg: reg, pres: pres}
}

func token(t *testing.T, pid string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": pid}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func (s *testServer) do(t *testing.T, method, path, pid string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if pid != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, pid))
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndMetricsNeedNoAuth(t *testing.T) {
	s := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", "", nil, &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/metrics", "", nil, nil))
}

func TestRequiresBearerToken(t *testing.T) {
	s := newTestServer(t)
	var eb ErrorBody
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/conversations/x", "", nil, &eb))
	assert.Equal(t, apperr.KindUnauthorized, eb.Kind)
}

func TestConversationMessageLifecycle(t *testing.T) {
	s := newTestServer(t)

	var conv domain.Conversation
	code := s.do(t, http.MethodPost, "/conversations", "A", startConversationRequest{Participants: []string{"A", "B"}}, &conv)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, conv.ID)

	var again domain.Conversation
	s.do(t, http.MethodPost, "/conversations", "B", startConversationRequest{Participants: []string{"B", "A"}}, &again)
	assert.Equal(t, conv.ID, again.ID)

	var got domain.Conversation
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/conversations/"+conv.ID, "B", nil, &got))
	assert.Equal(t, []string{"A", "B"}, got.Participants)

	var eb ErrorBody
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/conversations/"+conv.ID, "Z", nil, &eb))
	assert.Equal(t, apperr.KindForbidden, eb.Kind)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/conversations/missing", "A", nil, &eb))
	assert.Equal(t, apperr.KindNotFound, eb.Kind)

	var sent messageResponse
	code = s.do(t, http.MethodPost, "/message", "A", domain.Draft{ConversationID: conv.ID, Text: "Hello"}, &sent)
	require.Equal(t, http.StatusCreated, code)
	require.NotNil(t, sent.Message)
	assert.Equal(t, "Hello", sent.Message.Text)
	assert.Equal(t, "A", sent.Message.Sender)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/message", "A", domain.Draft{ConversationID: conv.ID}, &eb))
	assert.Equal(t, apperr.KindValidation, eb.Kind)
	assert.Equal(t, "message is empty", eb.Error)

	var list []domain.Message
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/conversation/"+conv.ID+"/messages?limit=10", "B", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, sent.Message.ID, list[0].ID)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPatch, "/message/"+sent.Message.ID, "B", editRequest{Text: "nope"}, &eb))

	var edited messageResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPatch, "/message/"+sent.Message.ID, "A", editRequest{Text: "Hello!"}, &edited))
	assert.True(t, edited.Message.Edited)
	assert.Equal(t, "Hello", edited.Message.PreviousText)
}

func TestUploadAttachments(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="files"; filename="notes.txt"`)
	h.Set("Content-Type", "text/plain")
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, _ = part.Write([]byte("case notes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token(t, "A"))
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		Attachments []domain.Attachment `json:"attachments"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Attachments, 1)
	assert.Equal(t, "notes.txt", out.Attachments[0].OriginalName)
	assert.Equal(t, "text/plain", out.Attachments[0].MimeType)
	assert.Equal(t, int64(10), out.Attachments[0].Size)
}

func TestPresence(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.pres.Online(context.Background(), "lawyer", "c1"))
	var st presence.Status
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/presence/lawyer", "A", nil, &st))
	assert.Equal(t, "lawyer", st.ParticipantID)
	assert.Equal(t, presence.StatusOnline, st.Status)
}
