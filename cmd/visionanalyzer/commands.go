package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	cli "github.com/urfave/cli/v3"

	"github.com/kerixyz/video-streamlit/internal/analyzer"
	"github.com/kerixyz/video-streamlit/internal/describer"
	"github.com/kerixyz/video-streamlit/internal/extractor"
	"github.com/kerixyz/video-streamlit/internal/metrics"
	"github.com/kerixyz/video-streamlit/internal/models"
	"github.com/kerixyz/video-streamlit/internal/queue"
	"github.com/kerixyz/video-streamlit/internal/sampler"
	"github.com/kerixyz/video-streamlit/internal/server"
)

func analyzeCommand() *cli.Command {
	return &cli.Command{
		Name:  "analyze",
		Usage: "Describe one video and print the report",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "video",
				Aliases:  []string{"i"},
				Usage:    "Video path, http(s) URL or s3://bucket/key",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Directory for results and extracted frames (overrides OUTPUT_DIR)",
			},
			&cli.IntFlag{
				Name:  "stride",
				Usage: "Describe every nth frame",
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "Describe this many frames spread evenly over the video",
			},
			&cli.BoolFlag{
				Name:  "batch",
				Usage: "Send all sampled frames in one describer call",
			},
			&cli.BoolFlag{
				Name:  "summarize",
				Usage: "Condense the descriptions into one summary",
			},
			&cli.IntFlag{
				Name:  "extract-interval",
				Usage: "Extract one still every N seconds with ffmpeg and describe those instead of decoding every frame",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the report as JSON",
			},
		},
		Action: runAnalyze,
	}
}

func runAnalyze(ctx context.Context, cmd *cli.Command) error {
	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	if cmd.IsSet("output") {
		e.cfg.OutputDir = cmd.String("output")
	}

	batch := cmd.Bool("batch") || e.cfg.BatchSize == 0
	policy := samplePolicy(int(cmd.Int("stride")), int(cmd.Int("count")), e.policy(), batch)
	if err := sampler.Validate(policy); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	in, cleanup, err := e.resolver(ctx).Resolve(ctx, cmd.String("video"))
	defer cleanup()
	if err != nil {
		return err
	}

	var source extractor.Source = extractor.NewFFmpegSource(e.cfg.TempDir, e.logger)
	if interval := int(cmd.Int("extract-interval")); interval > 0 {
		dir, err := extractor.ExtractFrames(ctx, e.logger, in.Path, e.cfg.OutputDir, interval)
		if err != nil {
			return err
		}
		source = extractor.DirSource{}
		in = extractor.Input{Path: dir, Name: in.VideoName()}
	}

	d, err := e.describer(ctx)
	if err != nil {
		return err
	}
	stores, err := e.stores(ctx)
	if err != nil {
		return err
	}

	cfg := e.analyzerConfig()
	if batch {
		cfg.BatchSize = 0
		cfg.Prompt = describer.DefaultPrompt
	}
	cfg.Summarize = cmd.Bool("summarize")

	e.logger.Info("starting video analysis", "video", in.VideoName(), "policy", policy.String(), "describer", e.cfg.Describer)
	report, runErr := analyzer.NewProcessor(source, stores, e.logger).Run(ctx, in, policy, d, cfg)

	if cmd.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(report)
	}

	if runErr != nil {
		return cli.Exit(runErr.Error(), 1)
	}
	return nil
}

// samplePolicy prefers flags over the configured policy and falls back to
// the default stride of the chosen mode.
func samplePolicy(stride, count int, configured models.SamplePolicy, batch bool) models.SamplePolicy {
	if stride != 0 || count != 0 {
		return models.SamplePolicy{Stride: stride, Count: count}
	}
	return sampler.Default(configured, batch)
}

func printReport(r *models.AnalysisReport) {
	for _, res := range r.Results {
		if res.Failed() {
			fmt.Printf("Frame %d: [%s] %s\n", res.FrameIndex, res.Error, res.Message)
			continue
		}
		fmt.Printf("Frame %d: %s\n", res.FrameIndex, res.Text)
	}
	if r.Summary != "" {
		fmt.Printf("\nSummary: %s\n", r.Summary)
	}
	fmt.Printf("\n%s: %d of %d frames sampled, %d described, %d errors\n",
		r.Status, r.FramesSampled, r.FramesSeen, r.FramesDescribed, r.Errors())
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the web UI",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides HTTP_ADDR)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			if cmd.IsSet("addr") {
				e.cfg.HTTPAddr = cmd.String("addr")
			}

			d, err := e.describer(ctx)
			if err != nil {
				return err
			}
			stores, err := e.stores(ctx)
			if err != nil {
				return err
			}

			processor := analyzer.NewProcessor(extractor.NewFFmpegSource(e.cfg.TempDir, e.logger), stores, e.logger)
			ui := server.New(processor, e.resolver(ctx), d, e.analyzerConfig(), server.Options{
				Policy:   e.policy(),
				TempDir:  e.cfg.TempDir,
				KeepRuns: e.cfg.KeepRuns,
				RunTTL:   e.cfg.RunTTL,
			}, e.logger)
			defer ui.Close()

			metricsSrv := metrics.StartMetricsServer(e.cfg.MetricsPort, e.logger)
			srv := &http.Server{Addr: e.cfg.HTTPAddr, Handler: ui.Handler()}

			errCh := make(chan error, 1)
			go func() {
				e.logger.Info("web UI listening", "addr", e.cfg.HTTPAddr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				e.logger.Info("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
			metricsSrv.Shutdown(shutdownCtx)
			return nil
		},
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Consume analysis requests from RabbitMQ and publish reports",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			d, err := e.describer(ctx)
			if err != nil {
				return err
			}
			stores, err := e.stores(ctx)
			if err != nil {
				return err
			}

			rmqConn, err := amqp.Dial(e.cfg.RabbitMQURL)
			if err != nil {
				return fmt.Errorf("connect to rabbitmq for publisher: %w", err)
			}
			defer rmqConn.Close()

			pub, err := queue.NewPublisher(rmqConn, topology(e))
			if err != nil {
				return err
			}
			defer pub.Close()

			processor := analyzer.NewProcessor(extractor.NewFFmpegSource(e.cfg.TempDir, e.logger), stores, e.logger)
			handler := queue.NewAnalysisHandler(processor, e.resolver(ctx), d, e.analyzerConfig(), e.policy(), pub, e.logger)

			consumer, err := queue.NewConsumer(queue.ConsumerConfig{
				Topology:    topology(e),
				URL:         e.cfg.RabbitMQURL,
				Prefetch:    e.cfg.RabbitMQPrefetch,
				WorkerCount: max(e.cfg.RabbitMQPrefetch, 1),
				BaseDelay:   e.cfg.RetryBaseDelay(),
				MaxAttempts: e.cfg.RabbitMQAttempts,
			}, handler, e.logger)
			if err != nil {
				return err
			}
			defer consumer.Close()

			metricsSrv := metrics.StartMetricsServer(e.cfg.MetricsPort, e.logger)
			defer metricsSrv.Shutdown(context.Background())

			e.logger.Info("worker started, consuming messages")
			return consumer.Start(ctx)
		},
	}
}

func enqueueCommand() *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "Publish an analysis request for a worker",
		ArgsUsage: "VIDEO",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "stride", Usage: "Describe every nth frame"},
			&cli.IntFlag{Name: "count", Usage: "Describe this many frames spread evenly"},
			&cli.BoolFlag{Name: "batch", Usage: "Send all sampled frames in one describer call"},
			&cli.BoolFlag{Name: "summarize", Usage: "Condense the descriptions into one summary"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return cli.Exit("exactly one video reference is required", 2)
			}
			e, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			req := queue.Request{
				Video:     cmd.Args().First(),
				Stride:    int(cmd.Int("stride")),
				Count:     int(cmd.Int("count")),
				Batch:     cmd.Bool("batch"),
				Summarize: cmd.Bool("summarize"),
			}
			if err := sampler.Validate(req.Policy(e.policy())); err != nil {
				return cli.Exit(err.Error(), 2)
			}
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}

			rmqConn, err := amqp.Dial(e.cfg.RabbitMQURL)
			if err != nil {
				return fmt.Errorf("connect to rabbitmq: %w", err)
			}
			defer rmqConn.Close()
			pub, err := queue.NewPublisher(rmqConn, topology(e))
			if err != nil {
				return err
			}
			defer pub.Close()

			if err := pub.PublishRequest(ctx, body); err != nil {
				return err
			}
			e.logger.Info("analysis request published", "video", req.Video, "policy", req.Policy(e.policy()).String())
			return nil
		},
	}
}

func topology(e *env) queue.Topology {
	return queue.Topology{
		Exchange:    e.cfg.RabbitMQExchange,
		Queue:       e.cfg.RabbitMQQueue,
		ResultQueue: e.cfg.RabbitMQResults,
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Find stored frames whose description matches a query",
		ArgsUsage: "QUERY",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Usage: "Maximum number of matches", Value: 5},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return cli.Exit("a query is required", 2)
			}
			e, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			pg, err := e.postgres(ctx)
			if err != nil {
				return err
			}
			if pg == nil {
				return cli.Exit("search needs DATABASE_URL", 2)
			}

			results, err := pg.SearchSimilarFrames(ctx, cmd.Args().First(), int(cmd.Int("limit")))
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Printf("%.3f  %s frame %d: %s\n", r.Similarity, r.VideoName, r.FrameNumber, r.Description)
			}
			return nil
		},
	}
}
