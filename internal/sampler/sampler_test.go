package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerixyz/video-streamlit/internal/models"
)

func TestSelectStride(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		stride   int
		expected []int
	}{
		{"empty video", 0, 5, []int{}},
		{"single frame", 1, 5, []int{0}},
		{"exact multiple", 100, 10, []int{0, 10, 20, 30, 40, 50, 60, 70, 80, 90}},
		{"remainder", 11, 5, []int{0, 5, 10}},
		{"stride one", 4, 1, []int{0, 1, 2, 3}},
		{"stride larger than video", 3, 50, []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := Select(tt.total, models.StridePolicy(tt.stride))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, idx)
		})
	}
}

func TestSelectStrideProperties(t *testing.T) {
	for total := 0; total <= 120; total++ {
		for stride := 1; stride <= 25; stride++ {
			idx, err := Select(total, models.StridePolicy(stride))
			require.NoError(t, err)
			for i, v := range idx {
				assert.Equal(t, i*stride, v)
				assert.Less(t, v, total)
			}
			assert.Len(t, idx, (total+stride-1)/stride)
		}
	}
}

func TestSelectCount(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		count    int
		expected []int
	}{
		{"empty video", 0, 3, []int{}},
		{"one of many", 10, 1, []int{0}},
		{"two of many", 10, 2, []int{0, 9}},
		{"evenly spaced", 11, 3, []int{0, 5, 10}},
		{"all frames", 4, 4, []int{0, 1, 2, 3}},
		{"more than available", 3, 10, []int{0, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := Select(tt.total, models.CountPolicy(tt.count))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, idx)
		})
	}
}

func TestSelectCountProperties(t *testing.T) {
	for total := 1; total <= 80; total++ {
		for count := 1; count <= total; count++ {
			idx, err := Select(total, models.CountPolicy(count))
			require.NoError(t, err)
			require.Len(t, idx, count)
			assert.Equal(t, 0, idx[0])
			if count > 1 {
				assert.Equal(t, total-1, idx[len(idx)-1])
			}
			for i := 1; i < len(idx); i++ {
				assert.Greater(t, idx[i], idx[i-1], "total=%d count=%d", total, count)
			}
		}
	}
}

func TestSelectInvalidPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy models.SamplePolicy
	}{
		{"zero policy", models.SamplePolicy{}},
		{"negative stride", models.StridePolicy(-1)},
		{"negative count", models.CountPolicy(-3)},
		{"both set", models.SamplePolicy{Stride: 2, Count: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Select(10, tt.policy)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestSelectorMatchesSelect(t *testing.T) {
	for _, stride := range []int{1, 3, 30, 50} {
		sel, err := NewSelector(models.StridePolicy(stride))
		require.NoError(t, err)

		var got []int
		for i := 0; i < 200; i++ {
			if sel.Want(i) {
				got = append(got, i)
			}
		}
		want, err := Select(200, models.StridePolicy(stride))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestNewSelectorRejectsCount(t *testing.T) {
	_, err := NewSelector(models.CountPolicy(5))
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestSelectFrames(t *testing.T) {
	idx, err := Select(100, models.FramesPolicy(0, 50, 99, 150))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 50, 99}, idx)

	idx, err = Select(10, models.FramesPolicy(20))
	require.NoError(t, err)
	assert.Empty(t, idx)
}

func TestValidateFrames(t *testing.T) {
	tests := []struct {
		name   string
		policy models.SamplePolicy
	}{
		{"negative index", models.FramesPolicy(-1)},
		{"unsorted", models.FramesPolicy(5, 2)},
		{"duplicate", models.FramesPolicy(3, 3)},
		{"frames with stride", models.SamplePolicy{Stride: 2, Frames: []int{1}}},
		{"frames with count", models.SamplePolicy{Count: 2, Frames: []int{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(tt.policy), ErrInvalidPolicy)
		})
	}
	assert.NoError(t, Validate(models.FramesPolicy(0)))
}

func TestSelectorFrames(t *testing.T) {
	sel, err := NewSelector(models.FramesPolicy(3, 40))
	require.NoError(t, err)

	var got []int
	for i := 0; i < 100; i++ {
		if sel.Want(i) {
			got = append(got, i)
		}
	}
	assert.Equal(t, []int{3, 40}, got)
	assert.False(t, sel.Want(-3))
}

func TestDefault(t *testing.T) {
	assert.Equal(t, models.StridePolicy(PerFrameStride), Default(models.SamplePolicy{}, false))
	assert.Equal(t, models.StridePolicy(BatchStride), Default(models.SamplePolicy{}, true))
	assert.Equal(t, models.CountPolicy(6), Default(models.CountPolicy(6), true))
	assert.Equal(t, models.StridePolicy(12), Default(models.StridePolicy(12), false))
}
