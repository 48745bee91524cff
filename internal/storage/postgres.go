package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/kerixyz/video-streamlit/internal/models"
)

// Embedder turns description text into a vector.
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
}

// PostgresStorage keeps descriptions and their embeddings in PostgreSQL with
// the pgvector extension.
type PostgresStorage struct {
	pool      *pgxpool.Pool
	embedder  Embedder
	logger    *slog.Logger
	videoID   int
	videoName string
}

// NewPostgresStorage connects to databaseURL and registers videoName. An empty
// videoName gives a storage usable only for search and ForVideo.
func NewPostgresStorage(ctx context.Context, databaseURL, videoName string, embedder Embedder, logger *slog.Logger) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	storage := &PostgresStorage{
		pool:      pool,
		embedder:  embedder,
		logger:    logger,
		videoName: videoName,
	}

	if videoName == "" {
		return storage, nil
	}

	videoID, err := storage.getOrCreateVideo(ctx, videoName)
	if err != nil {
		pool.Close()
		return nil, err
	}
	storage.videoID = videoID

	return storage, nil
}

// ForVideo returns a storage for videoName sharing this connection pool.
// Only the original storage should be closed.
func (s *PostgresStorage) ForVideo(ctx context.Context, videoName string) (*PostgresStorage, error) {
	videoID, err := s.getOrCreateVideo(ctx, videoName)
	if err != nil {
		return nil, err
	}
	view := *s
	view.videoID = videoID
	view.videoName = videoName
	return &view, nil
}

// Opener adapts ForVideo for the analyzer.
func (s *PostgresStorage) Opener() Opener {
	return func(ctx context.Context, videoName string) (Storage, error) {
		view, err := s.ForVideo(ctx, videoName)
		if err != nil {
			return nil, err
		}
		return view, nil
	}
}

// Close closes the database connection
func (s *PostgresStorage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// getOrCreateVideo gets an existing video entry or creates a new one
func (s *PostgresStorage) getOrCreateVideo(ctx context.Context, videoName string) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx,
		"SELECT id FROM videos WHERE name = $1",
		videoName).Scan(&id)

	if err == nil {
		return id, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("error checking for existing video: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		"INSERT INTO videos (name, created_at) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id",
		videoName, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create video entry: %w", err)
	}

	return id, nil
}

// AddResult stores one description with its embedding. Failed items are
// stored without text so the run's gaps stay visible.
func (s *PostgresStorage) AddResult(ctx context.Context, result models.DescriptionResult) error {
	indices := result.FrameIndices
	if len(indices) == 0 {
		indices = []int{result.FrameIndex}
	}

	var frameID int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO frames (video_id, frame_number, frame_indices, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (video_id, frame_number) DO UPDATE SET frame_indices = EXCLUDED.frame_indices
        RETURNING id`,
		s.videoID, result.FrameIndex, indices, time.Now()).Scan(&frameID)
	if err != nil {
		return fmt.Errorf("failed to store frame information: %w", err)
	}

	var embedding any
	if !result.Failed() && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, result.Text)
		if err != nil {
			// keep the description even without a vector
			s.logger.Warn("failed to generate embedding", "frame", result.FrameIndex, "error", err)
		} else {
			embedding = pgvector.NewVector(vec)
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analyses (frame_id, content, error_kind, embedding, created_at)
        VALUES ($1, $2, $3, $4, $5)`,
		frameID, result.Text, string(result.Error), embedding, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store analysis: %w", err)
	}

	return nil
}

// SaveReport records the run outcome.
func (s *PostgresStorage) SaveReport(ctx context.Context, report *models.AnalysisReport) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, video_id, status, policy, summary, total_frames,
            frames_sampled, frames_described, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, summary = EXCLUDED.summary,
            frames_described = EXCLUDED.frames_described, finished_at = EXCLUDED.finished_at`,
		report.RunID, s.videoID, string(report.Status), report.Policy.String(), report.Summary,
		report.TotalFrames, report.FramesSampled, report.FramesDescribed,
		report.StartedAt, report.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// Flush is a no-op for Postgres as we save immediately
func (s *PostgresStorage) Flush() error {
	return nil
}

// SearchSimilarFrames finds stored descriptions closest to query across all videos.
func (s *PostgresStorage) SearchSimilarFrames(ctx context.Context, query string, limit int) ([]models.FrameSearchResult, error) {
	if s.embedder == nil {
		return nil, errors.New("search needs an embedder")
	}
	queryEmbedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT v.name, f.frame_number, a.content,
        1 - (a.embedding <=> $1) AS similarity
        FROM analyses a
        JOIN frames f ON a.frame_id = f.id
        JOIN videos v ON f.video_id = v.id
        WHERE a.embedding IS NOT NULL
        ORDER BY a.embedding <=> $1
        LIMIT $2`,
		pgvector.NewVector(queryEmbedding), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar frames: %w", err)
	}
	defer rows.Close()

	var results []models.FrameSearchResult
	for rows.Next() {
		var result models.FrameSearchResult
		if err := rows.Scan(&result.VideoName, &result.FrameNumber,
			&result.Description, &result.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, result)
	}

	return results, rows.Err()
}

// InitSchema creates the database schema if it doesn't exist. dimensions is
// the embedding vector size.
func InitSchema(ctx context.Context, databaseURL string, dimensions int) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err = conn.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS videos (
            id SERIAL PRIMARY KEY,
            name VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(name)
        );

        CREATE TABLE IF NOT EXISTS runs (
            id UUID PRIMARY KEY,
            video_id INTEGER REFERENCES videos(id) ON DELETE CASCADE,
            status VARCHAR(16) NOT NULL,
            policy VARCHAR(64) NOT NULL,
            summary TEXT NOT NULL DEFAULT '',
            total_frames INTEGER NOT NULL,
            frames_sampled INTEGER NOT NULL,
            frames_described INTEGER NOT NULL,
            started_at TIMESTAMPTZ NOT NULL,
            finished_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS frames (
            id SERIAL PRIMARY KEY,
            video_id INTEGER REFERENCES videos(id) ON DELETE CASCADE,
            frame_number INTEGER NOT NULL,
            frame_indices INTEGER[] NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(video_id, frame_number)
        );

        CREATE TABLE IF NOT EXISTS analyses (
            id SERIAL PRIMARY KEY,
            frame_id INTEGER REFERENCES frames(id) ON DELETE CASCADE,
            content TEXT NOT NULL,
            error_kind VARCHAR(32) NOT NULL DEFAULT '',
            embedding vector(%d),
            created_at TIMESTAMPTZ NOT NULL
        );
    `, dimensions))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_frames_video_id ON frames(video_id);
        CREATE INDEX IF NOT EXISTS idx_analyses_frame_id ON analyses(frame_id);
        CREATE INDEX IF NOT EXISTS idx_embedding_vector ON analyses USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}
