package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/kerixyz/video-streamlit/internal/acquire"
	"github.com/kerixyz/video-streamlit/internal/analyzer"
	"github.com/kerixyz/video-streamlit/internal/config"
	"github.com/kerixyz/video-streamlit/internal/describer"
	"github.com/kerixyz/video-streamlit/internal/embeddings"
	"github.com/kerixyz/video-streamlit/internal/logging"
	"github.com/kerixyz/video-streamlit/internal/models"
	"github.com/kerixyz/video-streamlit/internal/storage"
	"github.com/kerixyz/video-streamlit/internal/tracing"
)

func main() {
	app := &cli.Command{
		Name:  "visionanalyzer",
		Usage: "Describe sampled video frames with a vision-language model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides LOG_LEVEL)",
			},
			&cli.StringFlag{
				Name:  "describer",
				Usage: "openai, ollama or echo (overrides DESCRIBER)",
			},
		},
		Commands: []*cli.Command{
			analyzeCommand(),
			serveCommand(),
			workerCommand(),
			enqueueCommand(),
			searchCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is the wiring shared by every command.
type env struct {
	cfg    *config.Config
	logger *slog.Logger

	closers []func()
}

func setup(ctx context.Context, cmd *cli.Command) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("describer") {
		cfg.Describer = cmd.String("describer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger}

	if cfg.OTELEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, cfg.OTELEndpoint, "visionanalyzer")
		if err != nil {
			logger.Warn("tracing init failed, continuing without tracing", "error", err)
		} else {
			e.onClose(func() { tp.Shutdown(context.Background()) })
		}
	}
	return e, nil
}

func (e *env) onClose(f func()) { e.closers = append(e.closers, f) }

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func (e *env) describer(ctx context.Context) (describer.Describer, error) {
	switch e.cfg.Describer {
	case "openai":
		if e.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai describer")
		}
		return describer.NewOpenAI(describer.OpenAIConfig{
			APIKey:  e.cfg.OpenAIAPIKey,
			BaseURL: e.cfg.OpenAIBaseURL,
			Model:   e.cfg.OpenAIModel,
		}, e.logger), nil
	case "ollama":
		return describer.NewOllama(ctx, describer.OllamaConfig{
			BaseURL: e.cfg.OllamaHost,
			Port:    e.cfg.OllamaPort,
			Model:   e.cfg.OllamaModel,
			TempDir: e.cfg.TempDir,
		}, e.logger)
	default:
		return describer.Echo{}, nil
	}
}

// embedder prefers the hosted embeddings endpoint and falls back to local
// feature hashing when no API key is configured.
func (e *env) embedder() *embeddings.Service {
	var backend embeddings.Embedder = embeddings.HashEmbedder{Dimensions: e.cfg.EmbeddingDim}
	if e.cfg.OpenAIAPIKey != "" {
		backend = embeddings.NewOpenAIEmbedder(e.cfg.OpenAIAPIKey, e.cfg.OpenAIBaseURL, e.cfg.EmbeddingModel, e.cfg.EmbeddingDim)
	}
	svc := embeddings.NewService(backend, 4)
	e.onClose(svc.Close)
	return svc
}

// postgres connects when DATABASE_URL is set; nil otherwise.
func (e *env) postgres(ctx context.Context) (*storage.PostgresStorage, error) {
	if e.cfg.DatabaseURL == "" {
		return nil, nil
	}
	if err := storage.InitSchema(ctx, e.cfg.DatabaseURL, e.cfg.EmbeddingDim); err != nil {
		return nil, err
	}
	pg, err := storage.NewPostgresStorage(ctx, e.cfg.DatabaseURL, "", e.embedder(), e.logger)
	if err != nil {
		return nil, err
	}
	e.onClose(pg.Close)
	return pg, nil
}

// stores picks Postgres when configured and JSON files otherwise.
func (e *env) stores(ctx context.Context) (storage.Opener, error) {
	pg, err := e.postgres(ctx)
	if err != nil {
		return nil, err
	}
	if pg != nil {
		return pg.Opener(), nil
	}
	return storage.FileOpener(e.cfg.OutputDir), nil
}

func (e *env) resolver(ctx context.Context) *acquire.Resolver {
	client, err := acquire.NewMinIOClient(acquire.MinIOConfig{
		Endpoint:  e.cfg.MinIOEndpoint,
		AccessKey: e.cfg.MinIOAccessKey,
		SecretKey: e.cfg.MinIOSecretKey,
		UseSSL:    e.cfg.MinIOUseSSL,
	})
	if err != nil {
		e.logger.Warn("object storage disabled", "error", err)
		return acquire.NewResolver(nil, e.cfg.TempDir, e.logger)
	}
	return acquire.NewResolver(client, e.cfg.TempDir, e.logger)
}

// policy is the sampling configured through SAMPLE_STRIDE or SAMPLE_COUNT,
// zero when neither is set.
func (e *env) policy() models.SamplePolicy {
	return models.SamplePolicy{Stride: e.cfg.SampleStride, Count: e.cfg.SampleCount}
}

func (e *env) analyzerConfig() analyzer.Config {
	cfg := analyzer.DefaultConfig()
	cfg.BatchSize = e.cfg.BatchSize
	if cfg.BatchSize == 0 {
		cfg.Prompt = describer.DefaultPrompt
	}
	if e.cfg.Workers > 0 {
		cfg.Workers = e.cfg.Workers
	}
	cfg.MaxRetries = e.cfg.MaxRetries
	cfg.RetryBaseDelay = e.cfg.RetryBaseDelay()
	return cfg
}
