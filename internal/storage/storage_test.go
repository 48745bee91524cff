package storage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerixyz/video-streamlit/internal/embeddings"
	"github.com/kerixyz/video-streamlit/internal/models"
)

func TestFileStorageBatchesResults(t *testing.T) {
	s := NewStorage(t.TempDir(), "bison")
	ctx := context.Background()

	for i := 0; i < batchSize-1; i++ {
		require.NoError(t, s.AddResult(ctx, models.DescriptionResult{FrameIndex: i * 10, Text: "x"}))
	}
	_, err := os.Stat(s.ResultsPath())
	assert.True(t, os.IsNotExist(err), "nothing is written before the batch fills")

	require.NoError(t, s.AddResult(ctx, models.DescriptionResult{FrameIndex: 90, Text: "y"}))
	stored, err := s.Results()
	require.NoError(t, err)
	assert.Len(t, stored, batchSize)

	require.NoError(t, s.AddResult(ctx, models.DescriptionResult{FrameIndex: 100, Error: models.ErrorDescriberRejected}))
	require.NoError(t, s.Flush())
	stored, err = s.Results()
	require.NoError(t, err)
	require.Len(t, stored, batchSize+1)
	assert.Equal(t, models.ErrorDescriberRejected, stored[batchSize].Error)
}

func TestFileStorageSaveReport(t *testing.T) {
	s := NewStorage(t.TempDir(), "bison")
	ctx := context.Background()

	require.NoError(t, s.AddResult(ctx, models.DescriptionResult{FrameIndex: 0, Text: "a bison"}))
	report := &models.AnalysisReport{
		RunID:     "run-1",
		VideoName: "bison",
		Status:    models.StatusCompleted,
		Results:   []models.DescriptionResult{{FrameIndex: 0, Text: "a bison"}},
		StartedAt: time.Unix(0, 0).UTC(),
	}
	require.NoError(t, s.SaveReport(ctx, report))

	stored, err := s.Results()
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	data, err := os.ReadFile(s.ReportPath())
	require.NoError(t, err)
	var got models.AnalysisReport
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestFileStorageFlushEmptyIsNoop(t *testing.T) {
	s := NewStorage(t.TempDir(), "empty")
	require.NoError(t, s.Flush())
	_, err := os.Stat(s.ResultsPath())
	assert.True(t, os.IsNotExist(err))
}

// TestPostgresStorage needs a pgvector-enabled database in VISION_TEST_DATABASE_URL.
func TestPostgresStorage(t *testing.T) {
	url := os.Getenv("VISION_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("VISION_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, InitSchema(ctx, url, 32))

	store, err := NewPostgresStorage(ctx, url, "pg-test-"+time.Now().Format("150405.000"), embeddings.HashEmbedder{Dimensions: 32}, logger)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.AddResult(ctx, models.DescriptionResult{FrameIndex: 0, Text: "a bison grazing in a meadow"}))
	require.NoError(t, store.AddResult(ctx, models.DescriptionResult{FrameIndex: 30, Text: "a car driving on a highway"}))
	require.NoError(t, store.AddResult(ctx, models.DescriptionResult{FrameIndex: 60, Error: models.ErrorDescriberRejected}))
	require.NoError(t, store.SaveReport(ctx, &models.AnalysisReport{
		RunID:     "6f1c1c1e-6b55-4a53-9a3b-1b1f0f7b9a10",
		Status:    models.StatusPartial,
		Policy:    models.StridePolicy(30),
		StartedAt: time.Now(),
	}))

	results, err := store.SearchSimilarFrames(ctx, "bison meadow", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].FrameNumber)
}

func TestFileOpenerSeparatesVideos(t *testing.T) {
	dir := t.TempDir()
	open := FileOpener(dir)
	ctx := context.Background()

	a, err := open(ctx, "bison")
	require.NoError(t, err)
	b, err := open(ctx, "highway")
	require.NoError(t, err)

	require.NoError(t, a.AddResult(ctx, models.DescriptionResult{FrameIndex: 0, Text: "bison"}))
	require.NoError(t, b.AddResult(ctx, models.DescriptionResult{FrameIndex: 0, Text: "car"}))
	require.NoError(t, a.Flush())
	require.NoError(t, b.Flush())

	assert.FileExists(t, filepath.Join(dir, "bison", "analysis_results.json"))
	assert.FileExists(t, filepath.Join(dir, "highway", "analysis_results.json"))
}
