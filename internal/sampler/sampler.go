package sampler

import (
	"errors"
	"fmt"

	"github.com/kerixyz/video-streamlit/internal/models"
)

// ErrInvalidPolicy is returned for policies that cannot select any frame.
var ErrInvalidPolicy = errors.New("invalid sample policy")

const (
	// BatchStride is the stride used when all sampled frames go out in one request.
	BatchStride = 50
	// PerFrameStride is the stride used when every sampled frame gets its own request.
	PerFrameStride = 30
)

// Validate checks that exactly one of stride, count or frames is set and
// that it can select something.
func Validate(p models.SamplePolicy) error {
	set := 0
	for _, on := range []bool{p.Stride != 0, p.Count != 0, len(p.Frames) > 0} {
		if on {
			set++
		}
	}
	switch {
	case set > 1:
		return fmt.Errorf("%w: stride, count and frames are mutually exclusive", ErrInvalidPolicy)
	case set == 0:
		return fmt.Errorf("%w: one of stride, count or frames is required", ErrInvalidPolicy)
	case p.Stride < 0:
		return fmt.Errorf("%w: stride must be positive, got %d", ErrInvalidPolicy, p.Stride)
	case p.Count < 0:
		return fmt.Errorf("%w: count must be positive, got %d", ErrInvalidPolicy, p.Count)
	}
	for i, f := range p.Frames {
		if f < 0 {
			return fmt.Errorf("%w: frame index must not be negative, got %d", ErrInvalidPolicy, f)
		}
		if i > 0 && f <= p.Frames[i-1] {
			return fmt.Errorf("%w: frame indices must be strictly increasing", ErrInvalidPolicy)
		}
	}
	return nil
}

// Default returns fallback when it selects anything, otherwise the default
// stride of the chosen mode.
func Default(fallback models.SamplePolicy, batch bool) models.SamplePolicy {
	switch {
	case !fallback.IsZero():
		return fallback
	case batch:
		return models.StridePolicy(BatchStride)
	default:
		return models.StridePolicy(PerFrameStride)
	}
}

// Select returns the frame indices chosen by p out of total frames, strictly
// increasing and within [0, total).
func Select(total int, p models.SamplePolicy) ([]int, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	if total <= 0 {
		return []int{}, nil
	}
	if len(p.Frames) > 0 {
		idx := make([]int, 0, len(p.Frames))
		for _, f := range p.Frames {
			if f < total {
				idx = append(idx, f)
			}
		}
		return idx, nil
	}
	if p.IsCount() {
		return selectCount(total, p.Count), nil
	}
	idx := make([]int, 0, (total+p.Stride-1)/p.Stride)
	for i := 0; i < total; i += p.Stride {
		idx = append(idx, i)
	}
	return idx, nil
}

// selectCount spaces n indices so the first and last frame are both included.
// The step (total-1)/(n-1) is at least 1, so flooring never yields duplicates.
func selectCount(total, count int) []int {
	n := min(count, total)
	if n == 1 {
		return []int{0}
	}
	idx := make([]int, n)
	for i := range n {
		idx[i] = i * (total - 1) / (n - 1)
	}
	return idx
}

// Selector decides frame by frame whether to sample, for sources that do not
// report their length. Count policies cannot be decided this way.
type Selector struct {
	stride int
	frames map[int]struct{}
}

// NewSelector builds an incremental selector for a stride or frames policy.
func NewSelector(p models.SamplePolicy) (*Selector, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	if p.IsCount() {
		return nil, fmt.Errorf("%w: count policy needs the total frame count", ErrInvalidPolicy)
	}
	if len(p.Frames) == 0 {
		return &Selector{stride: p.Stride}, nil
	}
	frames := make(map[int]struct{}, len(p.Frames))
	for _, f := range p.Frames {
		frames[f] = struct{}{}
	}
	return &Selector{frames: frames}, nil
}

// Want reports whether the frame at index is part of the sample.
func (s *Selector) Want(index int) bool {
	if index < 0 {
		return false
	}
	if s.frames != nil {
		_, ok := s.frames[index]
		return ok
	}
	return index%s.stride == 0
}
