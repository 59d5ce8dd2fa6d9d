package imagesink

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/nekozawa/commchat/server/config"
	"go.uber.org/zap"
)

// ErrUpload is returned when the sink cannot store an image.
var ErrUpload = errors.New("imagesink: upload failed")

// OpTimeout bounds every sink operation.
const OpTimeout = 10 * time.Second

// AllowedTypes maps the accepted image MIME types to file extensions.
var AllowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Sink stores uploaded images and returns stable URLs.
// Delete is best-effort; callers log failures and move on.
type Sink interface {
	Upload(ctx context.Context, r io.Reader, mime string) (string, error)
	Delete(ctx context.Context, url string) error
}

// New returns the configured Sink implementation.
func New(cfg config.ImageConfig, logger *zap.Logger) (Sink, error) {
	switch cfg.Provider {
	case "cloudinary":
		return NewCloudinary(cfg)
	default:
		return NewLocal(cfg, logger)
	}
}
