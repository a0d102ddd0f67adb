package domain

import (
	"slices"
	"strings"
	"time"
)

type Conversation struct {
	ID           string   `bson:"_id" json:"_id"`
	Participants []string `bson:"participants" json:"participants"`
	// ParticipantKey is the order-insensitive identity of the participant set,
	// used to find an existing conversation on "start chat".
	ParticipantKey string    `bson:"participant_key" json:"-"`
	AppointmentID  string    `bson:"appointment_id,omitempty" json:"appointmentId,omitempty"`
	CreatedAt      time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updatedAt"`
}

func (c *Conversation) HasParticipant(id string) bool {
	return id != "" && slices.Contains(c.Participants, id)
}

// NormalizeParticipants trims ids, drops empties and duplicates, and keeps
// first-seen order.
func NormalizeParticipants(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func ParticipantKey(ids []string) string {
	sorted := slices.Clone(NormalizeParticipants(ids))
	slices.Sort(sorted)
	return strings.Join(sorted, "|")
}
