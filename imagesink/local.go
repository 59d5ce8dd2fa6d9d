package imagesink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/nekozawa/commchat/server/config"
	"go.uber.org/zap"
)

// LocalSink stores images on the local filesystem and serves them under a
// public base path. Development fallback when no Cloudinary credentials exist.
type LocalSink struct {
	dir        string
	publicBase string
	logger     *zap.Logger
}

// NewLocal creates a filesystem-backed sink, creating the directory if needed.
func NewLocal(cfg config.ImageConfig, logger *zap.Logger) (*LocalSink, error) {
	if err := os.MkdirAll(cfg.LocalDir, 0o755); err != nil {
		return nil, fmt.Errorf("imagesink: mkdir %s: %w", cfg.LocalDir, err)
	}
	return &LocalSink{dir: cfg.LocalDir, publicBase: cfg.PublicBase, logger: logger}, nil
}

// Dir returns the storage directory, for static file serving.
func (s *LocalSink) Dir() string { return s.dir }

// Upload writes the image to disk and returns its public URL.
func (s *LocalSink) Upload(_ context.Context, r io.Reader, mime string) (string, error) {
	ext, ok := AllowedTypes[mime]
	if !ok {
		ext = ".bin"
	}
	name := uuid.NewString() + ext
	f, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	return s.publicBase + "/" + name, nil
}

// Delete removes the file behind a previously returned URL.
func (s *LocalSink) Delete(_ context.Context, url string) error {
	if !strings.HasPrefix(url, s.publicBase+"/") {
		return nil
	}
	name := path.Base(url)
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
