package extractor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/kerixyz/video-streamlit/internal/models"
)

// VideoInfo is what ffprobe reports about the first video stream.
type VideoInfo struct {
	Width  int
	Height int
	// Frames is 0 when the container does not declare a frame count.
	Frames int
}

type probeOutput struct {
	Streams []struct {
		Width    int    `json:"width"`
		Height   int    `json:"height"`
		NbFrames string `json:"nb_frames"`
	} `json:"streams"`
}

// Probe reads dimensions and frame count of the first video stream.
func Probe(ctx context.Context, ffprobe, path string) (VideoInfo, error) {
	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,nb_frames",
		"-of", "json",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe: %w", err)
	}

	var out probeOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return VideoInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return VideoInfo{}, errors.New("no video stream found")
	}
	st := out.Streams[0]
	if st.Width <= 0 || st.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("invalid video dimensions %dx%d", st.Width, st.Height)
	}

	info := VideoInfo{Width: st.Width, Height: st.Height}
	if n, err := strconv.Atoi(st.NbFrames); err == nil && n > 0 {
		info.Frames = n
	}
	return info, nil
}

type ffmpegStream struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	reader  *bufio.Reader
	stderr  bytes.Buffer
	info    VideoInfo
	next    int
	cleanup func()

	closeOnce sync.Once
	closeErr  error
	done      bool
}

func startDecoder(ctx context.Context, ffmpeg, path string, info VideoInfo, cleanup func()) (*ffmpegStream, error) {
	// -noautorotate keeps decoded dimensions equal to the probed ones.
	// Passthrough emits each decoded frame exactly once, so indices match the
	// stream even when the frame rate is variable.
	cmd := exec.CommandContext(ctx, ffmpeg,
		"-v", "error",
		"-noautorotate",
		"-i", path,
		"-map", "0:v:0",
		"-fps_mode", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)
	st := &ffmpegStream{cmd: cmd, info: info, cleanup: cleanup}
	cmd.Stderr = &st.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	st.stdout = stdout
	st.reader = bufio.NewReaderSize(stdout, 256*1024)
	return st, nil
}

func (s *ffmpegStream) Next() (models.Frame, error) {
	if s.done {
		return models.Frame{}, io.EOF
	}
	size := s.info.Width * s.info.Height * 3
	pix := make([]byte, size)
	if _, err := io.ReadFull(s.reader, pix); err != nil {
		s.done = true
		if errors.Is(err, io.EOF) {
			if waitErr := s.wait(); waitErr != nil {
				return models.Frame{}, fmt.Errorf("%w: ffmpeg failed after %d frames: %v: %s",
					ErrSourceUnavailable, s.next, waitErr, bytes.TrimSpace(s.stderr.Bytes()))
			}
			return models.Frame{}, io.EOF
		}
		return models.Frame{}, fmt.Errorf("%w: truncated frame %d: %v", ErrSourceUnavailable, s.next, err)
	}

	f := models.Frame{Index: s.next, Width: s.info.Width, Height: s.info.Height, Pix: pix}
	s.next++
	return f, nil
}

func (s *ffmpegStream) Len() (int, bool) {
	return s.info.Frames, s.info.Frames > 0
}

func (s *ffmpegStream) wait() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cmd.Wait()
		if s.cleanup != nil {
			s.cleanup()
		}
	})
	return s.closeErr
}

// Close stops ffmpeg if it is still decoding and removes spooled input.
func (s *ffmpegStream) Close() error {
	if !s.done && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.done = true
	s.stdout.Close()
	err := s.wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// killed on purpose or exited after we stopped reading
		return nil
	}
	return err
}
