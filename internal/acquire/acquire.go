// Package acquire turns a video reference into a local input the extractor
// can decode: a path on disk, an http(s) URL or an s3:// object.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kerixyz/video-streamlit/internal/extractor"
)

// ErrUnsupported is returned for references no resolver handles.
var ErrUnsupported = errors.New("unsupported video reference")

// ObjectGetter is the part of the MinIO client used to fetch videos.
type ObjectGetter interface {
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts miniogo.GetObjectOptions) error
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func NewMinIOClient(cfg MinIOConfig) (*miniogo.Client, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}

// Resolver fetches remote videos into TempDir. Objects is optional; without
// it s3:// references are rejected.
type Resolver struct {
	HTTPClient *http.Client
	Objects    ObjectGetter
	TempDir    string
	logger     *slog.Logger
}

func NewResolver(objects ObjectGetter, tempDir string, logger *slog.Logger) *Resolver {
	return &Resolver{
		HTTPClient: http.DefaultClient,
		Objects:    objects,
		TempDir:    tempDir,
		logger:     logger,
	}
}

// Resolve returns an input for ref and a cleanup func removing anything that
// was downloaded. cleanup is never nil.
func (r *Resolver) Resolve(ctx context.Context, ref string) (extractor.Input, func(), error) {
	noop := func() {}

	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		if _, err := os.Stat(ref); err != nil {
			return extractor.Input{}, noop, fmt.Errorf("%w: %v", extractor.ErrSourceUnavailable, err)
		}
		return extractor.FileInput(ref), noop, nil
	}

	switch u.Scheme {
	case "file":
		return r.Resolve(ctx, u.Path)
	case "http", "https":
		return r.download(ctx, u)
	case "s3":
		return r.fetchObject(ctx, u)
	}
	return extractor.Input{}, noop, fmt.Errorf("%w: %s", ErrUnsupported, ref)
}

func (r *Resolver) download(ctx context.Context, u *url.URL) (extractor.Input, func(), error) {
	noop := func() {}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return extractor.Input{}, noop, err
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return extractor.Input{}, noop, fmt.Errorf("%w: download: %v", extractor.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return extractor.Input{}, noop, fmt.Errorf("%w: download %s: %s", extractor.ErrSourceUnavailable, u, resp.Status)
	}

	f, err := os.CreateTemp(r.TempDir, "download-*"+path.Ext(u.Path))
	if err != nil {
		return extractor.Input{}, noop, err
	}
	cleanup := func() { os.Remove(f.Name()) }

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return extractor.Input{}, noop, fmt.Errorf("%w: download: %v", extractor.ErrSourceUnavailable, err)
	}

	r.logger.Debug("video downloaded", "url", u.Redacted(), "bytes", n)
	return extractor.Input{Path: f.Name(), Name: nameOf(u.Path)}, cleanup, nil
}

func (r *Resolver) fetchObject(ctx context.Context, u *url.URL) (extractor.Input, func(), error) {
	noop := func() {}
	if r.Objects == nil {
		return extractor.Input{}, noop, fmt.Errorf("%w: no object storage configured", ErrUnsupported)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return extractor.Input{}, noop, fmt.Errorf("%w: want s3://bucket/key, got %s", ErrUnsupported, u)
	}

	dir, err := os.MkdirTemp(r.TempDir, "object-*")
	if err != nil {
		return extractor.Input{}, noop, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	dest := path.Join(dir, path.Base(key))
	if err := r.Objects.FGetObject(ctx, bucket, key, dest, miniogo.GetObjectOptions{}); err != nil {
		cleanup()
		return extractor.Input{}, noop, fmt.Errorf("%w: get object %s/%s: %v", extractor.ErrSourceUnavailable, bucket, key, err)
	}

	r.logger.Debug("video fetched from object storage", "bucket", bucket, "key", key)
	return extractor.Input{Path: dest, Name: nameOf(key)}, cleanup, nil
}

func nameOf(p string) string {
	base := path.Base(p)
	if base == "." || base == "/" {
		return "download"
	}
	return base
}
