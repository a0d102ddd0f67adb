package events

import (
	"context"
	"encoding/json"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/counsel-realtime/internal/domain"
)

type captureWriter struct {
	msgs   []kafkago.Message
	closed bool
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { c.closed = true; return nil }

func TestPublishMessageKeysByConversation(t *testing.T) {
	w := &captureWriter{}
	p := &Producer{writer: w}
	m := &domain.Message{ID: "m1", ConversationID: "C1", Sender: "A", Text: "Hello", Attachments: []domain.Attachment{}}

	require.NoError(t, p.PublishMessage(context.Background(), MessageCreated, m))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "C1", string(w.msgs[0].Key))

	var rec Record
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rec))
	assert.Equal(t, MessageCreated, rec.Event)
	assert.Equal(t, "m1", rec.Message.ID)
	assert.Equal(t, "Hello", rec.Message.Text)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
