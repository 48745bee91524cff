package acquire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerixyz/video-streamlit/internal/extractor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeObjects struct {
	bucket, key string
	err         error
}

func (f *fakeObjects) FGetObject(ctx context.Context, bucket, key, filePath string, opts miniogo.GetObjectOptions) error {
	f.bucket, f.key = bucket, key
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(filePath, []byte("video"), 0o644)
}

func TestResolveLocalPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bison.mp4")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	r := NewResolver(nil, t.TempDir(), testLogger())
	in, cleanup, err := r.Resolve(context.Background(), p)
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, p, in.Path)
	assert.Equal(t, "bison", in.VideoName())

	in, cleanup, err = r.Resolve(context.Background(), "file://"+p)
	require.NoError(t, err)
	cleanup()
	assert.Equal(t, p, in.Path)
}

func TestResolveMissingPath(t *testing.T) {
	r := NewResolver(nil, t.TempDir(), testLogger())
	_, cleanup, err := r.Resolve(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"))
	require.NotNil(t, cleanup)
	assert.ErrorIs(t, err, extractor.ErrSourceUnavailable)
}

func TestResolveHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clips/bison.mp4" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("fake video bytes"))
	}))
	defer srv.Close()

	r := NewResolver(nil, t.TempDir(), testLogger())
	in, cleanup, err := r.Resolve(context.Background(), srv.URL+"/clips/bison.mp4")
	require.NoError(t, err)

	data, err := os.ReadFile(in.Path)
	require.NoError(t, err)
	assert.Equal(t, "fake video bytes", string(data))
	assert.Equal(t, "bison", in.VideoName())

	cleanup()
	_, err = os.Stat(in.Path)
	assert.True(t, os.IsNotExist(err))

	_, _, err = r.Resolve(context.Background(), srv.URL+"/missing.mp4")
	assert.ErrorIs(t, err, extractor.ErrSourceUnavailable)
}

func TestResolveObject(t *testing.T) {
	objects := &fakeObjects{}
	r := NewResolver(objects, t.TempDir(), testLogger())

	in, cleanup, err := r.Resolve(context.Background(), "s3://uploads/2024/bison.mp4")
	require.NoError(t, err)
	assert.Equal(t, "uploads", objects.bucket)
	assert.Equal(t, "2024/bison.mp4", objects.key)
	assert.FileExists(t, in.Path)
	assert.Equal(t, "bison", in.VideoName())

	cleanup()
	assert.NoFileExists(t, in.Path)
}

func TestResolveObjectErrors(t *testing.T) {
	_, _, err := NewResolver(nil, t.TempDir(), testLogger()).Resolve(context.Background(), "s3://uploads/a.mp4")
	assert.ErrorIs(t, err, ErrUnsupported)

	r := NewResolver(&fakeObjects{err: errors.New("no such key")}, t.TempDir(), testLogger())
	_, _, err = r.Resolve(context.Background(), "s3://uploads/a.mp4")
	assert.ErrorIs(t, err, extractor.ErrSourceUnavailable)

	_, _, err = r.Resolve(context.Background(), "s3://uploads")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestResolveUnsupportedScheme(t *testing.T) {
	_, _, err := NewResolver(nil, t.TempDir(), testLogger()).Resolve(context.Background(), "rtmp://live/stream")
	assert.ErrorIs(t, err, ErrUnsupported)
}
