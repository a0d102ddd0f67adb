// Package media validates and stores message attachments.
package media

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/fathima-sithara/counsel-realtime/internal/apperr"
	"github.com/fathima-sithara/counsel-realtime/internal/domain"
)

// Upload is one file as received from a participant.
type Upload struct {
	OriginalName string
	MimeType     string
	Data         []byte
}

var allowedTypes = map[string]bool{
	"image/jpeg":         true,
	"image/png":          true,
	"image/gif":          true,
	"image/webp":         true,
	"application/pdf":    true,
	"text/plain":         true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// ContentType returns the declared type without parameters, falling back to
// the file extension when the client sent nothing useful.
func ContentType(declared, filename string) string {
	ct := declared
	if ct == "" || ct == "application/octet-stream" {
		ct = mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if ct == "image/jpg" {
		ct = "image/jpeg"
	}
	return ct
}

func Allowed(contentType string) bool { return allowedTypes[contentType] }

func ValidateUploads(files []Upload) error {
	if len(files) == 0 {
		return apperr.Validation("no files uploaded")
	}
	if len(files) > domain.MaxAttachments {
		return apperr.Validation("too many attachments (max %d)", domain.MaxAttachments)
	}
	for _, f := range files {
		size := len(f.Data)
		if size == 0 {
			return apperr.Validation("attachment %s is empty", f.OriginalName)
		}
		if size > domain.MaxAttachmentSize {
			return apperr.Validation("attachment %s exceeds %d bytes", f.OriginalName, domain.MaxAttachmentSize)
		}
		if ct := ContentType(f.MimeType, f.OriginalName); !Allowed(ct) {
			return apperr.Validation("attachment %s has unsupported type %q", f.OriginalName, ct)
		}
	}
	return nil
}
