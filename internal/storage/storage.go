package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kerixyz/video-streamlit/internal/models"
)

const batchSize = 10 // Number of results to batch write

// Storage persists the results of one video's analysis.
type Storage interface {
	// AddResult records a single description as soon as it is available.
	AddResult(ctx context.Context, result models.DescriptionResult) error

	// SaveReport records the final report. Pending results are flushed first.
	SaveReport(ctx context.Context, report *models.AnalysisReport) error

	// Flush ensures all pending results are saved
	Flush() error
}

// Opener returns the storage for one video. Each analysis run opens its own.
type Opener func(ctx context.Context, videoName string) (Storage, error)

// FileOpener stores every video under outputDir.
func FileOpener(outputDir string) Opener {
	return func(ctx context.Context, videoName string) (Storage, error) {
		return NewStorage(outputDir, videoName), nil
	}
}

// FileStorage writes results as JSON under outputDir/videoName.
type FileStorage struct {
	results   []models.DescriptionResult
	mu        sync.Mutex
	outputDir string
	videoName string
}

// NewStorage creates a new storage manager
func NewStorage(outputDir, videoName string) *FileStorage {
	return &FileStorage{
		results:   []models.DescriptionResult{},
		outputDir: outputDir,
		videoName: videoName,
	}
}

// ResultsPath is the file holding every stored description.
func (s *FileStorage) ResultsPath() string {
	return filepath.Join(s.outputDir, s.videoName, "analysis_results.json")
}

// ReportPath is the file holding the last saved report.
func (s *FileStorage) ReportPath() string {
	return filepath.Join(s.outputDir, s.videoName, "report.json")
}

// AddResult adds a result to the batch and flushes if the batch is full
func (s *FileStorage) AddResult(ctx context.Context, result models.DescriptionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)

	// Write to disk when batch is full
	if len(s.results) >= batchSize {
		if err := s.flush(); err != nil {
			return fmt.Errorf("flush results: %w", err)
		}
	}
	return nil
}

// Flush writes all pending results to disk
func (s *FileStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

func (s *FileStorage) SaveReport(ctx context.Context, report *models.AnalysisReport) error {
	if err := s.Flush(); err != nil {
		return err
	}
	return writeJSON(s.ReportPath(), report)
}

// Internal flush implementation
func (s *FileStorage) flush() error {
	if len(s.results) == 0 {
		return nil
	}

	existing, err := s.load()
	if err != nil {
		return err
	}

	if err := writeJSON(s.ResultsPath(), append(existing, s.results...)); err != nil {
		return err
	}

	s.results = nil // Clear the batch
	return nil
}

func (s *FileStorage) load() ([]models.DescriptionResult, error) {
	var existing []models.DescriptionResult
	data, err := os.ReadFile(s.ResultsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read results file: %w", err)
	}
	if err := json.Unmarshal(data, &existing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal existing results: %w", err)
	}
	return existing, nil
}

// Results returns everything flushed to disk so far.
func (s *FileStorage) Results() ([]models.DescriptionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for results: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create results file: %w", err)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(v); err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	return nil
}
