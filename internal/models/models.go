package models

import (
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"
)

// Frame is one decoded image taken from a video. Pix holds packed RGB24 pixels,
// row-major, 3*Width bytes per row. Frames must not be modified once produced.
type Frame struct {
	Index  int
	Width  int
	Height int
	Pix    []byte
}

// Image copies the frame into an *image.RGBA for encoders and resizers.
func (f Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i+2 < len(f.Pix) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = f.Pix[i]
		img.Pix[j+1] = f.Pix[i+1]
		img.Pix[j+2] = f.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// FrameFromImage converts any decoded image into an RGB24 frame.
func FrameFromImage(index int, img image.Image) Frame {
	b := img.Bounds()
	pix := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			pix = append(pix, byte(r>>8), byte(g>>8), byte(bl>>8))
		}
	}
	return Frame{Index: index, Width: b.Dx(), Height: b.Dy(), Pix: pix}
}

// SamplePolicy chooses which frame indices get described. Exactly one of
// Stride, Count or Frames is set.
type SamplePolicy struct {
	Stride int   `json:"stride,omitempty"`
	Count  int   `json:"count,omitempty"`
	Frames []int `json:"frames,omitempty"`
}

// StridePolicy takes every nth frame starting at 0.
func StridePolicy(n int) SamplePolicy { return SamplePolicy{Stride: n} }

// CountPolicy takes n frames evenly spaced over the whole video.
func CountPolicy(n int) SamplePolicy { return SamplePolicy{Count: n} }

// FramesPolicy takes exactly the listed indices.
func FramesPolicy(indices ...int) SamplePolicy { return SamplePolicy{Frames: indices} }

// IsZero reports whether no selection has been made.
func (p SamplePolicy) IsZero() bool { return p.Stride == 0 && p.Count == 0 && len(p.Frames) == 0 }

// IsCount reports whether the policy needs the total frame count up front.
func (p SamplePolicy) IsCount() bool { return p.Count != 0 && p.Stride == 0 && len(p.Frames) == 0 }

func (p SamplePolicy) String() string {
	switch {
	case len(p.Frames) > 0:
		parts := make([]string, len(p.Frames))
		for i, f := range p.Frames {
			parts[i] = strconv.Itoa(f)
		}
		return "frames=" + strings.Join(parts, ",")
	case p.IsCount():
		return fmt.Sprintf("count=%d", p.Count)
	}
	return fmt.Sprintf("stride=%d", p.Stride)
}

// Status is the overall outcome of an analysis run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// ErrorKind classifies failures. The zero value means no error.
type ErrorKind string

const (
	ErrorNone                 ErrorKind = ""
	ErrorSourceUnavailable    ErrorKind = "SourceUnavailable"
	ErrorInvalidPolicy        ErrorKind = "InvalidPolicy"
	ErrorDescriberUnavailable ErrorKind = "DescriberUnavailable"
	ErrorDescriberRejected    ErrorKind = "DescriberRejected"
	ErrorCancelled            ErrorKind = "Cancelled"
	ErrorPipelineFailed       ErrorKind = "PipelineFailed"
)

// DescriptionResult is the description of one sampled frame, or of one batch
// of frames when FrameIndices has more than one entry.
type DescriptionResult struct {
	FrameIndex   int       `json:"frame_index"`
	FrameIndices []int     `json:"frame_indices,omitempty"`
	Text         string    `json:"text"`
	Error        ErrorKind `json:"error,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Failed reports whether the item carries an error.
func (r DescriptionResult) Failed() bool { return r.Error != ErrorNone }

// AnalysisReport is the ordered outcome of one pipeline run.
type AnalysisReport struct {
	RunID           string              `json:"run_id"`
	VideoName       string              `json:"video_name"`
	Policy          SamplePolicy        `json:"policy"`
	Status          Status              `json:"status"`
	Results         []DescriptionResult `json:"results"`
	Summary         string              `json:"summary,omitempty"`
	TotalFrames     int                 `json:"total_frames"`
	FramesSeen      int                 `json:"frames_seen"`
	FramesSampled   int                 `json:"frames_sampled"`
	FramesDescribed int                 `json:"frames_described"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      time.Time           `json:"finished_at"`
}

// Errors counts results that carry an error.
func (r *AnalysisReport) Errors() int {
	n := 0
	for _, res := range r.Results {
		if res.Failed() {
			n++
		}
	}
	return n
}

// WorkItem is one describer job: a batch of sampled frames and the result
// slot it owns.
type WorkItem struct {
	Slot   int
	Frames []Frame
}

// Indices lists the frame indices of the batch.
func (w WorkItem) Indices() []int {
	idx := make([]int, len(w.Frames))
	for i, f := range w.Frames {
		idx[i] = f.Index
	}
	return idx
}

// FrameSearchResult is one row of a similarity search over stored descriptions.
type FrameSearchResult struct {
	VideoName   string  `json:"video_name"`
	FrameNumber int     `json:"frame_number"`
	Description string  `json:"description"`
	Similarity  float64 `json:"similarity"`
}
