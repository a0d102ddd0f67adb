package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/metrics"
)

// AppointmentRecord is the value of one record on the appointment events
// topic.
type AppointmentRecord struct {
	Type        domain.EventKind   `json:"type"`
	Appointment domain.Appointment `json:"appointment"`
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

type Consumer struct {
	reader  messageReader
	fanout  *Fanout
	logger  *zap.Logger
	retryIn time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, fanout *Fanout, logger *zap.Logger) *Consumer {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return newConsumer(r, fanout, logger)
}

func newConsumer(r messageReader, fanout *Fanout, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{reader: r, fanout: fanout, logger: logger, retryIn: time.Second}
}

// Run reads until ctx is cancelled. Malformed records are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("kafka read", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryIn):
			}
			continue
		}
		if err := c.handle(ctx, m.Value); err != nil {
			metrics.AppointmentEvents.WithLabelValues("malformed").Inc()
			c.logger.Warn("skipping appointment record",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
			continue
		}
		metrics.AppointmentEvents.WithLabelValues("delivered").Inc()
	}
}

func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var rec AppointmentRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if rec.Appointment.ID == "" {
		return errors.New("appointment id missing")
	}
	_, err := c.fanout.NotifyAppointment(ctx, rec.Type, rec.Appointment)
	return err
}

func (c *Consumer) Close() error { return c.reader.Close() }
