// Package broadcast delivers encoded events to the connections joined to a
// conversation room, or to an explicit set of connections.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/metrics"
	"github.com/fathima-sithara/counsel-realtime/internal/registry"
)

// Result counts per-connection outcomes of one delivery.
type Result struct {
	Delivered int
	Dropped   int
}

type Broadcaster struct {
	reg    *registry.Registry
	logger *zap.Logger

	// mu serializes deliveries so every connection sees events in the same
	// order the calls were made.
	mu sync.Mutex
}

func New(reg *registry.Registry, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{reg: reg, logger: logger}
}

func (b *Broadcaster) Broadcast(ctx context.Context, conversationID string, ev domain.Event) (Result, error) {
	return b.BroadcastExcept(ctx, conversationID, ev, "")
}

// BroadcastExcept skips excludeConnectionID (empty skips nobody).
func (b *Broadcaster) BroadcastExcept(ctx context.Context, conversationID string, ev domain.Event, excludeConnectionID string) (Result, error) {
	frame, err := domain.EncodeEvent(ev)
	if err != nil {
		return Result{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.reg.MembersOf(conversationID)
	targets := members[:0]
	for _, c := range members {
		if c.ID() != excludeConnectionID {
			targets = append(targets, c)
		}
	}
	res := b.deliverLocked(ctx, ev.Kind(), frame, targets)
	b.logger.Debug("room broadcast",
		zap.String("conversation_id", conversationID),
		zap.String("type", string(ev.Kind())),
		zap.Int("delivered", res.Delivered),
		zap.Int("dropped", res.Dropped))
	return res, nil
}

// SendTo delivers to an explicit set of connections regardless of rooms.
func (b *Broadcaster) SendTo(ctx context.Context, targets []*registry.Connection, ev domain.Event) (Result, error) {
	frame, err := domain.EncodeEvent(ev)
	if err != nil {
		return Result{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deliverLocked(ctx, ev.Kind(), frame, targets), nil
}

// deliverLocked enqueues to each target independently. A connection whose
// queue is full is disconnected; the client reconnects and refetches state.
// Already-closed connections are skipped.
func (b *Broadcaster) deliverLocked(ctx context.Context, kind domain.EventKind, frame []byte, targets []*registry.Connection) Result {
	var res Result
	var slow []*registry.Connection
	for _, c := range targets {
		if ctx.Err() != nil {
			res.Dropped += len(targets) - res.Delivered - res.Dropped
			break
		}
		err := c.Enqueue(frame)
		switch {
		case err == nil:
			res.Delivered++
			metrics.Deliveries.WithLabelValues(string(kind), "delivered").Inc()
		case errors.Is(err, registry.ErrQueueFull):
			res.Dropped++
			slow = append(slow, c)
			metrics.Deliveries.WithLabelValues(string(kind), "slow_consumer").Inc()
		default:
			res.Dropped++
			metrics.Deliveries.WithLabelValues(string(kind), "closed").Inc()
		}
	}
	for _, c := range slow {
		b.logger.Warn("disconnecting slow consumer",
			zap.String("connection_id", c.ID()),
			zap.String("participant_id", c.ParticipantID()))
		b.reg.Disconnect(c.ID())
	}
	return res
}
