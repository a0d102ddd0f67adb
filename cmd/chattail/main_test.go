package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fathima-sithara/counsel-realtime/internal/domain"
)

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8086/ws", wsURL("http://localhost:8086/"))
	assert.Equal(t, "wss://rt.example.com/ws", wsURL("https://rt.example.com"))
}

func TestFormatMessage(t *testing.T) {
	m := &domain.Message{
		ID: "m1", Sender: "A", Text: "hi", Edited: true, CreatedAt: time.Now(),
		Attachments: []domain.Attachment{{OriginalName: "brief.pdf", MimeType: "application/pdf", Size: 4}},
	}
	out := formatMessage(m)
	assert.Contains(t, out, "A: hi (edited)")
	assert.Contains(t, out, "brief.pdf (application/pdf, 4 bytes)")
}

func TestDescribeAppointment(t *testing.T) {
	ev := domain.AppointmentStatusEvent{Appointment: domain.Appointment{ID: "ap1", Status: domain.AppointmentConfirmed}}
	assert.Equal(t, "* appointment ap1 is now confirmed", describeAppointment(ev))

	r := domain.RescheduleRespondedEvent{Appointment: domain.Appointment{ID: "ap1", Reschedule: &domain.Reschedule{Status: domain.RescheduleAccepted}}}
	assert.Equal(t, "* reschedule accepted for appointment ap1", describeAppointment(r))
}
