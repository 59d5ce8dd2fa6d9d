package imagesink

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nekozawa/commchat/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLocalSink(t *testing.T) *LocalSink {
	t.Helper()
	s, err := NewLocal(config.ImageConfig{
		LocalDir:   t.TempDir(),
		PublicBase: "/uploads",
	}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestLocalSink_UploadAndDelete(t *testing.T) {
	s := newLocalSink(t)
	ctx := context.Background()

	url, err := s.Upload(ctx, strings.NewReader("fake-png-bytes"), "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/uploads/"))
	assert.True(t, strings.HasSuffix(url, ".png"))

	name := strings.TrimPrefix(url, "/uploads/")
	data, err := os.ReadFile(filepath.Join(s.Dir(), name))
	require.NoError(t, err)
	assert.Equal(t, "fake-png-bytes", string(data))

	require.NoError(t, s.Delete(ctx, url))
	_, err = os.Stat(filepath.Join(s.Dir(), name))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalSink_DeleteMissingIsNoop(t *testing.T) {
	s := newLocalSink(t)
	assert.NoError(t, s.Delete(context.Background(), "/uploads/gone.png"))
	assert.NoError(t, s.Delete(context.Background(), "https://elsewhere/img.png"))
}

func TestPublicIDFromURL(t *testing.T) {
	url := "https://res.cloudinary.com/demo/image/upload/v1700000000/commchat/abc123.png"
	assert.Equal(t, "commchat/abc123", publicIDFromURL(url))
	assert.Equal(t, "", publicIDFromURL("https://example.com/no-upload-segment.png"))
}
