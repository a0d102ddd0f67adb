package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type EventKind string

// Server to client.
const (
	EventMessage                  EventKind = "message"
	EventMessageEdited            EventKind = "messageEdited"
	EventAppointmentStatusUpdated EventKind = "appointmentStatusUpdated"
	EventRescheduleProposed       EventKind = "rescheduleProposed"
	EventRescheduleResponded      EventKind = "rescheduleResponded"
	EventError                    EventKind = "error"
)

// Client to server.
const (
	CommandJoinConversation  EventKind = "joinConversation"
	CommandLeaveConversation EventKind = "leaveConversation"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Envelope is the wire frame for every websocket message in both directions.
type Envelope struct {
	Type    EventKind       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a server-to-client notification. The concrete types below are the
// closed set of variants; consumers switch on them exhaustively.
type Event interface {
	Kind() EventKind
	isEvent()
}

type MessageEvent struct{ Message Message }

type MessageEditedEvent struct{ Message Message }

type AppointmentStatusEvent struct{ Appointment Appointment }

type RescheduleProposedEvent struct{ Appointment Appointment }

type RescheduleRespondedEvent struct{ Appointment Appointment }

type ErrorEvent struct{ Reason string }

// Error event reasons sent by the server.
const (
	ReasonRateLimited    = "rate limit exceeded"
	ReasonInvalidCommand = "invalid command"
	joinRefusedPrefix    = "cannot join conversation "
)

func JoinRefused(conversationID string) ErrorEvent {
	return ErrorEvent{Reason: joinRefusedPrefix + conversationID}
}

// RefusedConversation reports which room a join refusal is about.
func (e ErrorEvent) RefusedConversation() (string, bool) {
	id, ok := strings.CutPrefix(e.Reason, joinRefusedPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func (MessageEvent) Kind() EventKind             { return EventMessage }
func (MessageEditedEvent) Kind() EventKind       { return EventMessageEdited }
func (AppointmentStatusEvent) Kind() EventKind   { return EventAppointmentStatusUpdated }
func (RescheduleProposedEvent) Kind() EventKind  { return EventRescheduleProposed }
func (RescheduleRespondedEvent) Kind() EventKind { return EventRescheduleResponded }
func (ErrorEvent) Kind() EventKind               { return EventError }

func (MessageEvent) isEvent()             {}
func (MessageEditedEvent) isEvent()       {}
func (AppointmentStatusEvent) isEvent()   {}
func (RescheduleProposedEvent) isEvent()  {}
func (RescheduleRespondedEvent) isEvent() {}
func (ErrorEvent) isEvent()               {}

// NewAppointmentEvent maps an appointment event kind to its variant.
func NewAppointmentEvent(kind EventKind, a Appointment) (Event, error) {
	switch kind {
	case EventAppointmentStatusUpdated:
		return AppointmentStatusEvent{Appointment: a}, nil
	case EventRescheduleProposed:
		return RescheduleProposedEvent{Appointment: a}, nil
	case EventRescheduleResponded:
		return RescheduleRespondedEvent{Appointment: a}, nil
	default:
		return nil, fmt.Errorf("%w: %q is not an appointment event", ErrUnknownEvent, kind)
	}
}

func EncodeEvent(e Event) ([]byte, error) {
	var payload any
	switch ev := e.(type) {
	case MessageEvent:
		payload = ev.Message
	case MessageEditedEvent:
		payload = ev.Message
	case AppointmentStatusEvent:
		payload = ev.Appointment
	case RescheduleProposedEvent:
		payload = ev.Appointment
	case RescheduleRespondedEvent:
		payload = ev.Appointment
	case ErrorEvent:
		payload = ev.Reason
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, e)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: e.Kind(), Payload: raw})
}

func DecodeEvent(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case EventMessage, EventMessageEdited:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if env.Type == EventMessage {
			return MessageEvent{Message: m}, nil
		}
		return MessageEditedEvent{Message: m}, nil
	case EventAppointmentStatusUpdated, EventRescheduleProposed, EventRescheduleResponded:
		var a Appointment
		if err := json.Unmarshal(env.Payload, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return NewAppointmentEvent(env.Type, a)
	case EventError:
		var reason string
		if err := json.Unmarshal(env.Payload, &reason); err != nil {
			return nil, fmt.Errorf("decode error event: %w", err)
		}
		return ErrorEvent{Reason: reason}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// RoomCommand is a client request to join or leave a conversation room.
type RoomCommand struct {
	Type           EventKind `json:"-"`
	ConversationID string    `json:"conversationId"`
}

func EncodeCommand(kind EventKind, conversationID string) ([]byte, error) {
	raw, err := json.Marshal(RoomCommand{ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, Payload: raw})
}

func DecodeCommand(b []byte) (RoomCommand, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return RoomCommand{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type != CommandJoinConversation && env.Type != CommandLeaveConversation {
		return RoomCommand{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	var cmd RoomCommand
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return RoomCommand{}, fmt.Errorf("decode %s: %w", env.Type, err)
		}
	}
	cmd.Type = env.Type
	if cmd.ConversationID == "" {
		return RoomCommand{}, fmt.Errorf("%s: conversationId required", env.Type)
	}
	return cmd, nil
}
