package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kerixyz/video-streamlit/internal/analyzer"
	"github.com/kerixyz/video-streamlit/internal/describer"
	"github.com/kerixyz/video-streamlit/internal/extractor"
	"github.com/kerixyz/video-streamlit/internal/models"
	"github.com/kerixyz/video-streamlit/internal/sampler"
)

// Request asks a worker to analyze one video.
type Request struct {
	RunID     string `json:"run_id,omitempty"`
	Video     string `json:"video"`
	Stride    int    `json:"stride,omitempty"`
	Count     int    `json:"count,omitempty"`
	Frames    []int  `json:"frames,omitempty"`
	Batch     bool   `json:"batch,omitempty"`
	Summarize bool   `json:"summarize,omitempty"`
}

// Policy returns the requested sampling policy. A request that selects
// nothing gets fallback, or the default stride of its mode.
func (r Request) Policy(fallback models.SamplePolicy) models.SamplePolicy {
	p := models.SamplePolicy{Stride: r.Stride, Count: r.Count, Frames: r.Frames}
	if p.IsZero() {
		return sampler.Default(fallback, r.Batch)
	}
	return p
}

// Response is published for every request that was not discarded.
type Response struct {
	RunID     string                 `json:"run_id,omitempty"`
	Video     string                 `json:"video"`
	Error     string                 `json:"error,omitempty"`
	ErrorKind models.ErrorKind       `json:"error_kind,omitempty"`
	Report    *models.AnalysisReport `json:"report,omitempty"`
}

type Runner interface {
	Run(ctx context.Context, in extractor.Input, policy models.SamplePolicy, d describer.Describer, cfg analyzer.Config) (*models.AnalysisReport, error)
}

type Resolver interface {
	Resolve(ctx context.Context, ref string) (extractor.Input, func(), error)
}

type ReportPublisher interface {
	PublishReport(ctx context.Context, body []byte) error
}

// NewAnalysisHandler runs each request through the pipeline and publishes
// the outcome. defaults applies to requests that select no frames. Runs
// interrupted by shutdown are requeued.
func NewAnalysisHandler(runner Runner, resolver Resolver, d describer.Describer, base analyzer.Config, defaults models.SamplePolicy, pub ReportPublisher, logger *slog.Logger) MessageHandler {
	return func(ctx context.Context, body []byte) error {
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			return fmt.Errorf("%w: decode request: %v", ErrDiscard, err)
		}
		if req.Video == "" {
			return fmt.Errorf("%w: request has no video", ErrDiscard)
		}
		log := logger.With("video", req.Video, "run_id", req.RunID)

		resp := Response{RunID: req.RunID, Video: req.Video}
		policy := req.Policy(defaults)
		if err := sampler.Validate(policy); err != nil {
			resp.Error, resp.ErrorKind = err.Error(), models.ErrorInvalidPolicy
			return publish(ctx, pub, resp)
		}

		in, cleanup, err := resolver.Resolve(ctx, req.Video)
		defer cleanup()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("video unavailable", "error", err)
			resp.Error, resp.ErrorKind = err.Error(), models.ErrorSourceUnavailable
			return publish(ctx, pub, resp)
		}

		cfg := base
		cfg.RunID = req.RunID
		cfg.Summarize = req.Summarize
		if req.Batch {
			cfg.BatchSize = 0
			cfg.Prompt = describer.DefaultPrompt
		}

		report, err := runner.Run(ctx, in, policy, d, cfg)
		if errors.Is(err, analyzer.ErrCancelled) && ctx.Err() != nil {
			return fmt.Errorf("interrupted: %w", err)
		}
		resp.Report = report
		if report != nil {
			resp.RunID = report.RunID
		}
		if err != nil {
			resp.Error, resp.ErrorKind = err.Error(), analyzer.KindOf(err)
		}
		log.Info("request processed", "status", statusOf(report), "error_kind", resp.ErrorKind)
		return publish(ctx, pub, resp)
	}
}

func publish(ctx context.Context, pub ReportPublisher, resp Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("%w: encode response: %v", ErrDiscard, err)
	}
	if err := pub.PublishReport(context.WithoutCancel(ctx), body); err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}

func statusOf(r *models.AnalysisReport) models.Status {
	if r == nil {
		return models.StatusFailed
	}
	return r.Status
}
