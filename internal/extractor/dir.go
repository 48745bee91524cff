package extractor

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kerixyz/video-streamlit/internal/models"
)

// DirSource reads a directory of still images, such as the output of
// ExtractFrames, as a frame stream in file name order.
type DirSource struct{}

func (DirSource) Open(ctx context.Context, in Input) (Stream, error) {
	if in.Path == "" {
		return nil, fmt.Errorf("%w: directory source needs a path", ErrSourceUnavailable)
	}
	files, err := frameFiles(in.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read frames directory '%s': %v", ErrSourceUnavailable, in.Path, err)
	}
	return &dirStream{ctx: ctx, dir: in.Path, files: files}, nil
}

func frameFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

type dirStream struct {
	ctx   context.Context
	dir   string
	files []string
	next  int
}

func (s *dirStream) Next() (models.Frame, error) {
	if s.next >= len(s.files) {
		return models.Frame{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return models.Frame{}, err
	}

	path := filepath.Join(s.dir, s.files[s.next])
	f, err := os.Open(path)
	if err != nil {
		return models.Frame{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return models.Frame{}, fmt.Errorf("%w: decode '%s': %v", ErrSourceUnavailable, path, err)
	}

	frame := models.FrameFromImage(s.next, img)
	s.next++
	return frame, nil
}

func (s *dirStream) Len() (int, bool) { return len(s.files), true }

func (s *dirStream) Close() error {
	s.next = len(s.files)
	return nil
}
