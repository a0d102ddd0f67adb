package domain

import "time"

type AppointmentStatus string

const (
	AppointmentPending     AppointmentStatus = "pending"
	AppointmentConfirmed   AppointmentStatus = "confirmed"
	AppointmentCancelled   AppointmentStatus = "cancelled"
	AppointmentCompleted   AppointmentStatus = "completed"
	AppointmentRescheduled AppointmentStatus = "rescheduled"
)

type RescheduleStatus string

const (
	RescheduleProposed RescheduleStatus = "proposed"
	RescheduleAccepted RescheduleStatus = "accepted"
	RescheduleDeclined RescheduleStatus = "declined"
)

type Reschedule struct {
	ProposedBy  string           `json:"proposedBy"`
	ProposedAt  time.Time        `json:"proposedAt"`
	Status      RescheduleStatus `json:"status"`
	RespondedAt *time.Time       `json:"respondedAt,omitempty"`
}

// Appointment is owned by the appointment feature; this service only relays
// full snapshots of it to connected participants.
type Appointment struct {
	ID          string            `json:"_id"`
	ClientID    string            `json:"clientId"`
	LawyerID    string            `json:"lawyerId"`
	AdminID     string            `json:"adminId,omitempty"`
	Status      AppointmentStatus `json:"status"`
	ScheduledAt time.Time         `json:"scheduledAt"`
	Reschedule  *Reschedule       `json:"reschedule,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

func (a Appointment) Participants() []string {
	return NormalizeParticipants([]string{a.ClientID, a.LawyerID, a.AdminID})
}
