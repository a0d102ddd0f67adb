package media

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/apperr"
	"github.com/fathima-sithara/counsel-realtime/internal/domain"
)

const thumbnailWidth = 320

type Service struct {
	storage Storage
	logger  *zap.Logger
}

func NewService(storage Storage, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{storage: storage, logger: logger}
}

// Store validates the whole batch before writing anything, then stores each
// file under attachments/<participant>/<uuid><ext>.
func (s *Service) Store(ctx context.Context, participantID string, files []Upload) ([]domain.Attachment, error) {
	if err := ValidateUploads(files); err != nil {
		return nil, err
	}
	out := make([]domain.Attachment, 0, len(files))
	for _, f := range files {
		ct := ContentType(f.MimeType, f.OriginalName)
		key := "attachments/" + participantID + "/" + uuid.NewString() + strings.ToLower(filepath.Ext(f.OriginalName))

		path, err := s.storage.Put(ctx, key, ct, f.Data)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindPersistence, err, "store attachment "+f.OriginalName)
		}
		a := domain.Attachment{
			Filename:     key,
			OriginalName: f.OriginalName,
			MimeType:     ct,
			Size:         int64(len(f.Data)),
			Path:         path,
		}
		if strings.HasPrefix(ct, "image/") {
			a.ThumbnailPath = s.storeThumbnail(ctx, key, f.Data)
		}
		out = append(out, a)
	}
	return out, nil
}

// storeThumbnail is best effort; an undecodable image just has no thumbnail.
func (s *Service) storeThumbnail(ctx context.Context, key string, data []byte) string {
	thumb, err := Thumbnail(data)
	if err != nil {
		s.logger.Debug("thumbnail skipped", zap.String("key", key), zap.Error(err))
		return ""
	}
	path, err := s.storage.Put(ctx, key+"_thumb.jpg", "image/jpeg", thumb)
	if err != nil {
		s.logger.Warn("thumbnail upload failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return path
}

// Thumbnail scales an image to a fixed width and encodes it as JPEG.
func Thumbnail(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	thumb := imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
