package domain

import (
	"slices"
	"strings"
	"time"
)

type Attachment struct {
	Filename      string `bson:"filename" json:"filename" validate:"required"`
	OriginalName  string `bson:"original_name" json:"originalName" validate:"required"`
	MimeType      string `bson:"mime_type" json:"mimeType" validate:"required"`
	Size          int64  `bson:"size" json:"size" validate:"gt=0"`
	Path          string `bson:"path" json:"path" validate:"required"`
	ThumbnailPath string `bson:"thumbnail_path,omitempty" json:"thumbnailPath,omitempty"`
}

type Message struct {
	ID             string       `bson:"_id" json:"_id"`
	ConversationID string       `bson:"conversation_id" json:"conversationId"`
	Sender         string       `bson:"sender" json:"sender"`
	Text           string       `bson:"text" json:"text"`
	Attachments    []Attachment `bson:"attachments" json:"attachments"`
	CreatedAt      time.Time    `bson:"created_at" json:"createdAt"`
	// Seq is assigned by the store from a per-conversation counter.
	Seq      int64      `bson:"seq" json:"seq"`
	Edited   bool       `bson:"edited" json:"edited"`
	EditedAt *time.Time `bson:"edited_at,omitempty" json:"editedAt,omitempty"`
	// PreviousText is the text before the most recent edit.
	PreviousText string `bson:"previous_text,omitempty" json:"previousText,omitempty"`
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Attachments = slices.Clone(m.Attachments)
	if c.Attachments == nil {
		c.Attachments = []Attachment{}
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	return &c
}

// CompareChronological orders by creation time, then sequence, then id. The
// store's timestamp is authoritative; arrival order never is.
func CompareChronological(a, b *Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	if a.Seq != b.Seq {
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

func SortChronological(msgs []*Message) {
	slices.SortStableFunc(msgs, CompareChronological)
}
