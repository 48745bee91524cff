package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kerixyz/video-streamlit/internal/models"
)

// ErrSourceUnavailable is returned when an input is missing or cannot be decoded.
var ErrSourceUnavailable = errors.New("source unavailable")

// Input is a video given either as a local file or as an in-memory byte stream.
type Input struct {
	Path   string
	Reader io.Reader
	// Name identifies the video in reports; derived from Path when empty.
	Name string
}

// FileInput refers to a video on disk.
func FileInput(path string) Input { return Input{Path: path} }

// ReaderInput wraps a byte stream, e.g. an uploaded file.
func ReaderInput(name string, r io.Reader) Input { return Input{Name: name, Reader: r} }

// VideoName is the base name of the input without its extension.
func (in Input) VideoName() string {
	name := in.Name
	if name == "" {
		name = in.Path
	}
	if name == "" {
		return "stream"
	}
	return strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
}

// Source opens inputs as frame streams.
type Source interface {
	Open(ctx context.Context, in Input) (Stream, error)
}

// Stream yields frames in order, forward only. Next returns io.EOF after the
// last frame. Close releases the decoder and any temporary files and must be
// called even when the stream is abandoned early.
type Stream interface {
	Next() (models.Frame, error)
	// Len reports the total frame count when the container declares it.
	Len() (int, bool)
	Close() error
}

// FFmpegSource decodes video with the ffmpeg and ffprobe binaries.
type FFmpegSource struct {
	FFmpegPath  string
	FFprobePath string
	TempDir     string
	logger      *slog.Logger
}

// NewFFmpegSource creates a source using ffmpeg/ffprobe from PATH.
func NewFFmpegSource(tempDir string, logger *slog.Logger) *FFmpegSource {
	return &FFmpegSource{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		TempDir:     tempDir,
		logger:      logger,
	}
}

// Open probes the input and starts decoding to packed RGB24.
func (s *FFmpegSource) Open(ctx context.Context, in Input) (Stream, error) {
	path := in.Path
	var cleanup func()
	if in.Reader != nil {
		spooled, err := spool(s.TempDir, in)
		if err != nil {
			return nil, err
		}
		path = spooled
		cleanup = func() { os.Remove(spooled) }
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: video file does not exist at path: '%s'", ErrSourceUnavailable, path)
	}

	info, err := Probe(ctx, s.FFprobePath, path)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	st, err := startDecoder(ctx, s.FFmpegPath, path, info, cleanup)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	s.logger.Debug("video opened",
		"video", in.VideoName(),
		"width", info.Width,
		"height", info.Height,
		"frames", info.Frames,
	)
	return st, nil
}

// spool copies a byte stream into a temporary file owned by the caller.
func spool(dir string, in Input) (string, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create temp directory '%s': %w", dir, err)
		}
	}
	f, err := os.CreateTemp(dir, "video-*"+filepath.Ext(in.Name))
	if err != nil {
		return "", fmt.Errorf("failed to create temp video file: %w", err)
	}
	if _, err := io.Copy(f, in.Reader); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to spool video: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to spool video: %w", err)
	}
	return f.Name(), nil
}
