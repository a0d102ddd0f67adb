// Package rest is the typed HTTP client a conversation session uses for
// conversation, history, send, edit and upload calls.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/apperr"
	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/media"
	"github.com/fathima-sithara/counsel-realtime/internal/presence"
)

type Options struct {
	Timeout         time.Duration
	MaxRetries      uint64
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 200 * time.Millisecond
	}
	if o.RetryMaxElapsed <= 0 {
		o.RetryMaxElapsed = 5 * time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
}

type Client struct {
	base   string
	token  string
	http   *http.Client
	cb     *gobreaker.CircuitBreaker
	opts   Options
	logger *zap.Logger
}

func New(baseURL, token string, opts Options, logger *zap.Logger) *Client {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    16,
		IdleConnTimeout: 90 * time.Second,
	}
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		http:   &http.Client{Transport: tr, Timeout: opts.Timeout},
		opts:   opts,
		logger: logger,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rest",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		// client errors say nothing about server health
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch apperr.KindOf(err) {
			case apperr.KindTransient, apperr.KindPersistence, apperr.KindInternal:
				return false
			}
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

type errorBody struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind"`
}

type messageEnvelope struct {
	Message *domain.Message `json:"message"`
}

func (c *Client) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var out domain.Conversation
	if err := c.get(ctx, "/conversations/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartConversation(ctx context.Context, participants []string, appointmentID string) (*domain.Conversation, error) {
	var out domain.Conversation
	body := map[string]any{"participants": participants, "appointmentId": appointmentID}
	if err := c.sendJSON(ctx, http.MethodPost, "/conversations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns messages most recent first, as the server does.
func (c *Client) History(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	path := "/conversation/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []*domain.Message
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Send(ctx context.Context, d domain.Draft) (*domain.Message, error) {
	if d.Attachments == nil {
		d.Attachments = []domain.Attachment{}
	}
	var out messageEnvelope
	if err := c.sendJSON(ctx, http.MethodPost, "/message", d, &out); err != nil {
		return nil, err
	}
	if out.Message == nil {
		return nil, apperr.E(apperr.KindInternal, "response has no message")
	}
	return out.Message, nil
}

func (c *Client) Edit(ctx context.Context, messageID, text string) (*domain.Message, error) {
	var out messageEnvelope
	if err := c.sendJSON(ctx, http.MethodPatch, "/message/"+url.PathEscape(messageID), map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	if out.Message == nil {
		return nil, apperr.E(apperr.KindInternal, "response has no message")
	}
	return out.Message, nil
}

func (c *Client) Upload(ctx context.Context, files []media.Upload) ([]domain.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.OriginalName))
		ct := f.MimeType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	var out struct {
		Attachments []domain.Attachment `json:"attachments"`
	}
	if err := c.do(ctx, http.MethodPost, "/attachments", buf.Bytes(), mw.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	return out.Attachments, nil
}

func (c *Client) Presence(ctx context.Context, participantID string) (presence.Status, error) {
	var out presence.Status
	err := c.get(ctx, "/presence/"+url.PathEscape(participantID), &out)
	return out, err
}

// get retries transient failures with exponential backoff. Writes are never
// retried: a lost response could otherwise duplicate a message.
func (c *Client) get(ctx context.Context, path string, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInitial
	b.MaxElapsedTime = c.opts.RetryMaxElapsed
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.opts.MaxRetries), ctx)

	return backoff.RetryNotify(func() error {
		err := c.do(ctx, http.MethodGet, path, nil, "", out)
		if err != nil && !apperr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		c.logger.Debug("retrying request", zap.String("path", path), zap.Duration("wait", wait), zap.Error(err))
	})
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, b, "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, body, contentType, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Wrap(apperr.KindTransient, err, "server unavailable")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, err, method+" "+path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(raw, &eb)
		kind := eb.Kind
		if kind == "" {
			kind = apperr.FromHTTPStatus(resp.StatusCode)
		}
		msg := eb.Error
		if msg == "" {
			msg = fmt.Sprintf("%s %s: %s", method, path, resp.Status)
		}
		return apperr.E(kind, msg)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindTransient, err, "decode response")
	}
	return nil
}
