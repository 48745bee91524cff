package describer

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/kerixyz/video-streamlit/internal/models"
)

// DefaultPrompt asks for a description of the frames as a whole.
const DefaultPrompt = "These are frames from a video that I want to upload. Generate a compelling description that I can upload along with the video."

// FramePrompt asks for a detailed description of a single frame.
const FramePrompt = "What is happening in this image? Be specific and detailed. List item and describe items shown in the video."

var (
	// ErrUnavailable marks transient failures (network, model loading) worth retrying.
	ErrUnavailable = errors.New("describer unavailable")
	// ErrRejected marks failures caused by the input itself; retrying will not help.
	ErrRejected = errors.New("describer rejected input")
)

// Describer turns one or more frames into a natural-language description.
// A call with no frames describes the prompt alone, which the pipeline uses
// to summarise earlier descriptions.
type Describer interface {
	Describe(ctx context.Context, frames []models.Frame, prompt string) (string, error)
}

// FrameLimiter is implemented by describers that accept a bounded number of
// frames per call.
type FrameLimiter interface {
	MaxFrames() int
}

// MaxFrames returns the per-call frame limit of d, or 0 when it has none.
func MaxFrames(d Describer) int {
	if l, ok := d.(FrameLimiter); ok {
		return l.MaxFrames()
	}
	return 0
}

// Func adapts a plain function to the Describer interface.
type Func func(ctx context.Context, frames []models.Frame, prompt string) (string, error)

func (f Func) Describe(ctx context.Context, frames []models.Frame, prompt string) (string, error) {
	return f(ctx, frames, prompt)
}

// Echo answers with the comma-separated indices of the frames it was given.
type Echo struct{}

func (Echo) Describe(ctx context.Context, frames []models.Frame, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	idx := make([]string, len(frames))
	for i, f := range frames {
		idx[i] = strconv.Itoa(f.Index)
	}
	return strings.Join(idx, ","), nil
}

// IsTransient reports whether err may succeed on retry. Errors that are not
// explicitly rejections are treated as transient.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrRejected) &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
