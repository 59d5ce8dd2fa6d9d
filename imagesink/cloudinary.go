package imagesink

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/nekozawa/commchat/server/config"
)

// CloudinarySink stores images in a Cloudinary folder.
type CloudinarySink struct {
	cld    *cloudinary.Cloudinary
	folder string
}

// NewCloudinary creates a Cloudinary-backed sink from config credentials.
func NewCloudinary(cfg config.ImageConfig) (*CloudinarySink, error) {
	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("imagesink: cloudinary init: %w", err)
	}
	return &CloudinarySink{cld: cld, folder: cfg.Folder}, nil
}

// Upload stores the image and returns its secure URL.
func (s *CloudinarySink) Upload(ctx context.Context, r io.Reader, _ string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()

	res, err := s.cld.Upload.Upload(ctx, r, uploader.UploadParams{Folder: s.folder})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if res.SecureURL == "" {
		return "", ErrUpload
	}
	return res.SecureURL, nil
}

// Delete removes the image behind a previously returned URL.
func (s *CloudinarySink) Delete(ctx context.Context, url string) error {
	publicID := publicIDFromURL(url)
	if publicID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()
	_, err := s.cld.Upload.Destroy(ctx, uploader.DestroyParams{PublicID: publicID})
	return err
}

// publicIDFromURL extracts the Cloudinary public ID from a delivery URL:
// https://res.cloudinary.com/<cloud>/image/upload/v123/<folder>/<id>.<ext>
func publicIDFromURL(url string) string {
	idx := strings.Index(url, "/upload/")
	if idx < 0 {
		return ""
	}
	rest := url[idx+len("/upload/"):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 2 && strings.HasPrefix(parts[0], "v") {
		rest = parts[1]
	}
	ext := path.Ext(rest)
	return strings.TrimSuffix(rest, ext)
}
