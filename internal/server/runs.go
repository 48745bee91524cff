package server

import (
	"context"
	"sync"
	"time"

	"github.com/kerixyz/video-streamlit/internal/describer"
	"github.com/kerixyz/video-streamlit/internal/models"
	"github.com/kerixyz/video-streamlit/internal/progress"
)

const previewEdge = 320

// job is one analysis started from the web UI.
type job struct {
	id     string
	bus    *progress.Bus
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	report   *models.AnalysisReport
	err      error
	ended    time.Time
	previews map[int][]byte
}

func newJob(id string, cancel context.CancelFunc) *job {
	return &job{
		id:       id,
		bus:      progress.NewBus(),
		cancel:   cancel,
		done:     make(chan struct{}),
		previews: make(map[int][]byte),
	}
}

func (j *job) finish(report *models.AnalysisReport, err error, at time.Time) {
	j.mu.Lock()
	j.report, j.err, j.ended = report, err, at
	j.mu.Unlock()
	close(j.done)
	j.bus.Close()
}

func (j *job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// finishedAt reports when the job finished, and false while it is running.
func (j *job) finishedAt() (time.Time, bool) {
	if !j.finished() {
		return time.Time{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ended, true
}

func (j *job) outcome() (*models.AnalysisReport, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.report, j.err
}

func (j *job) preview(index int) ([]byte, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	b, ok := j.previews[index]
	return b, ok
}

// capture wraps d so every frame sent for description is kept as a small
// JPEG preview for the lifetime of the job.
func (j *job) capture(d describer.Describer) describer.Describer {
	return capturing{job: j, next: d}
}

type capturing struct {
	job  *job
	next describer.Describer
}

func (c capturing) MaxFrames() int { return describer.MaxFrames(c.next) }

func (c capturing) Describe(ctx context.Context, frames []models.Frame, prompt string) (string, error) {
	j := c.job
	for _, f := range frames {
		j.mu.Lock()
		_, seen := j.previews[f.Index]
		j.mu.Unlock()
		if seen {
			continue
		}
		if b, err := describer.EncodeJPEG(f, previewEdge); err == nil {
			j.mu.Lock()
			j.previews[f.Index] = b
			j.mu.Unlock()
		}
	}
	return c.next.Describe(ctx, frames, prompt)
}
