// Package notify pushes appointment notifications to every live connection
// of the participants concerned, independent of conversation rooms.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/broadcast"
	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/registry"
)

type Fanout struct {
	reg    *registry.Registry
	bc     *broadcast.Broadcaster
	logger *zap.Logger
}

func NewFanout(reg *registry.Registry, bc *broadcast.Broadcaster, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{reg: reg, bc: bc, logger: logger}
}

// Deliver sends to the given connections. Offline or closed targets are
// counted as dropped; there is no retry.
func (f *Fanout) Deliver(ctx context.Context, ev domain.Event, targets []*registry.Connection) (broadcast.Result, error) {
	return f.bc.SendTo(ctx, targets, ev)
}

// NotifyParticipants delivers to every live connection of each participant.
func (f *Fanout) NotifyParticipants(ctx context.Context, ev domain.Event, participantIDs ...string) (broadcast.Result, error) {
	var targets []*registry.Connection
	for _, pid := range domain.NormalizeParticipants(participantIDs) {
		targets = append(targets, f.reg.ConnectionsOf(pid)...)
	}
	if len(targets) == 0 {
		f.logger.Debug("no live connections for notification",
			zap.String("type", string(ev.Kind())),
			zap.Strings("participants", participantIDs))
		return broadcast.Result{}, nil
	}
	return f.Deliver(ctx, ev, targets)
}

func (f *Fanout) NotifyAppointment(ctx context.Context, kind domain.EventKind, a domain.Appointment) (broadcast.Result, error) {
	ev, err := domain.NewAppointmentEvent(kind, a)
	if err != nil {
		return broadcast.Result{}, err
	}
	res, err := f.NotifyParticipants(ctx, ev, a.Participants()...)
	if err == nil {
		f.logger.Info("appointment notification",
			zap.String("appointment_id", a.ID),
			zap.String("type", string(kind)),
			zap.Int("delivered", res.Delivered),
			zap.Int("dropped", res.Dropped))
	}
	return res, err
}
