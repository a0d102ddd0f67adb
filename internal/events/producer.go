// Package events publishes message lifecycle records to Kafka for downstream
// consumers (notifications, search, audit).
package events

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/fathima-sithara/counsel-realtime/internal/domain"
)

const (
	MessageCreated = "message.created"
	MessageEdited  = "message.edited"
)

type Record struct {
	Event   string         `json:"event"`
	Message domain.Message `json:"message"`
}

type Publisher interface {
	PublishMessage(ctx context.Context, event string, m *domain.Message) error
}

// Nop discards every record.
type Nop struct{}

func (Nop) PublishMessage(context.Context, string, *domain.Message) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
}

func NewProducer(brokers []string, topic string) *Producer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
		MaxAttempts:            3,
		WriteTimeout:           2 * time.Second,
	}
	return &Producer{writer: w}
}

// PublishMessage keys records by conversation id so one conversation stays on
// one partition.
func (p *Producer) PublishMessage(ctx context.Context, event string, m *domain.Message) error {
	b, err := json.Marshal(Record{Event: event, Message: *m})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(m.ConversationID),
		Value: b,
		Time:  time.Now().UTC(),
	})
}

func (p *Producer) Close() error { return p.writer.Close() }
