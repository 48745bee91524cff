package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kerixyz/video-streamlit/internal/models"
)

func TestSamplePolicy(t *testing.T) {
	tests := []struct {
		name          string
		stride, count int
		configured    models.SamplePolicy
		batch         bool
		want          models.SamplePolicy
	}{
		{name: "flag stride", stride: 12, configured: models.CountPolicy(3), want: models.StridePolicy(12)},
		{name: "flag count", count: 5, want: models.CountPolicy(5)},
		{name: "environment", configured: models.CountPolicy(8), batch: true, want: models.CountPolicy(8)},
		{name: "per-frame default", want: models.StridePolicy(30)},
		{name: "batch default", batch: true, want: models.StridePolicy(50)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, samplePolicy(tt.stride, tt.count, tt.configured, tt.batch))
		})
	}
}
