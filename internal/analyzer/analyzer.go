package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kerixyz/video-streamlit/internal/describer"
	"github.com/kerixyz/video-streamlit/internal/extractor"
	"github.com/kerixyz/video-streamlit/internal/metrics"
	"github.com/kerixyz/video-streamlit/internal/models"
	"github.com/kerixyz/video-streamlit/internal/progress"
	"github.com/kerixyz/video-streamlit/internal/sampler"
	"github.com/kerixyz/video-streamlit/internal/storage"
)

const maxWorkers = 4 // Adjust based on your CPU cores

// SummaryPrompt precedes the per-frame descriptions when a summary is requested.
const SummaryPrompt = "These are descriptions of frames sampled in order from one video. Write a single compelling description of the whole video."

// Config controls one run. It is passed by value and never shared between runs.
type Config struct {
	// BatchSize is the number of sampled frames per describer call; 0 sends
	// all sampled frames in a single call.
	BatchSize int
	// Workers bounds concurrent describer calls.
	Workers int
	// MaxRetries bounds retries of transient describer failures per call.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Prompt         string
	// Summarize asks for one more call that condenses all descriptions.
	Summarize     bool
	SummaryPrompt string
	// Progress receives push notifications; nil disables them.
	Progress *progress.Bus
	// RunID overrides the generated run identifier.
	RunID string
}

// DefaultConfig describes every sampled frame on its own.
func DefaultConfig() Config {
	return Config{
		BatchSize:      1,
		Workers:        maxWorkers,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  30 * time.Second,
		Prompt:         describer.FramePrompt,
		SummaryPrompt:  SummaryPrompt,
	}
}

// BatchConfig sends all sampled frames in one call.
func BatchConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 0
	cfg.Prompt = describer.DefaultPrompt
	return cfg
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize < 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = max(def.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.Prompt == "" {
		c.Prompt = describer.DefaultPrompt
		if c.BatchSize == 1 {
			c.Prompt = describer.FramePrompt
		}
	}
	if c.SummaryPrompt == "" {
		c.SummaryPrompt = def.SummaryPrompt
	}
	return c
}

// Processor runs videos through source, sampler and describer.
type Processor struct {
	source extractor.Source
	stores storage.Opener
	logger *slog.Logger
	tracer trace.Tracer
}

// NewProcessor creates a processor. stores may be nil when results are only
// needed in the returned report.
func NewProcessor(source extractor.Source, stores storage.Opener, logger *slog.Logger) *Processor {
	return &Processor{
		source: source,
		stores: stores,
		logger: logger,
		tracer: otel.Tracer("analyzer"),
	}
}

// Run analyzes one input. The report is always returned; err is a
// *PipelineError whenever the report status is failed.
func (p *Processor) Run(ctx context.Context, in extractor.Input, policy models.SamplePolicy, d describer.Describer, cfg Config) (*models.AnalysisReport, error) {
	cfg = cfg.withDefaults()
	if limit := describer.MaxFrames(d); limit > 0 && (cfg.BatchSize == 0 || cfg.BatchSize > limit) {
		p.logger.Warn("describer takes fewer frames per call, reducing batch size", "batch_size", cfg.BatchSize, "limit", limit)
		cfg.BatchSize = limit
		if limit == 1 && cfg.Prompt == describer.DefaultPrompt {
			cfg.Prompt = describer.FramePrompt
		}
	}
	id := cfg.RunID
	if id == "" {
		id = uuid.NewString()
	}

	r := &run{
		processor: p,
		input:     in,
		policy:    policy,
		describer: d,
		cfg:       cfg,
		logger:    p.logger.With("run_id", id, "video", in.VideoName()),
		report: &models.AnalysisReport{
			RunID:     id,
			VideoName: in.VideoName(),
			Policy:    policy,
			StartedAt: time.Now().UTC(),
		},
	}

	if p.stores != nil {
		store, err := p.stores(ctx, in.VideoName())
		if err != nil {
			r.logger.Error("failed to open storage, results will not be persisted", "error", err)
		} else {
			r.store = store
		}
	}

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	ctx, span := p.tracer.Start(ctx, "analysis.run", trace.WithAttributes(
		attribute.String("run.id", id),
		attribute.String("video.name", in.VideoName()),
		attribute.String("sample.policy", policy.String()),
		attribute.Int("batch.size", cfg.BatchSize),
	))
	defer span.End()

	report, err := r.analyze(ctx)
	report.FinishedAt = time.Now().UTC()

	metrics.RunsTotal.WithLabelValues(string(report.Status)).Inc()
	metrics.RunDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	span.SetAttributes(
		attribute.String("run.status", string(report.Status)),
		attribute.Int("frames.described", report.FramesDescribed),
	)

	if r.store != nil {
		if serr := r.store.SaveReport(context.WithoutCancel(ctx), report); serr != nil {
			r.logger.Error("failed to save report", "error", serr)
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("analysis failed", "kind", KindOf(err), "error", err, "results", len(report.Results))
		return report, err
	}

	r.logger.Info("analysis finished",
		"status", report.Status,
		"frames_seen", report.FramesSeen,
		"frames_sampled", report.FramesSampled,
		"frames_described", report.FramesDescribed,
		"errors", report.Errors(),
	)
	return report, nil
}

type run struct {
	processor *Processor
	input     extractor.Input
	policy    models.SamplePolicy
	describer describer.Describer
	cfg       Config
	logger    *slog.Logger
	store     storage.Storage

	state  State
	stream extractor.Stream
	report *models.AnalysisReport

	// slots is appended to by the controlling goroutine only; each slot's
	// result is written by the single worker that owns it.
	slots     []*slot
	described atomic.Int64
}

type slot struct {
	item   models.WorkItem
	result *models.DescriptionResult
}

func (r *run) analyze(ctx context.Context) (*models.AnalysisReport, error) {
	if err := sampler.Validate(r.policy); err != nil {
		return r.fail(models.ErrorInvalidPolicy, err)
	}

	r.transition(StateSourcing)
	if err := r.open(ctx); err != nil {
		return r.fail(r.kindFor(ctx, err), err)
	}
	defer r.closeStream()

	want, err := r.plan(ctx)
	if err != nil {
		return r.fail(r.kindFor(ctx, err), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	r.transition(StateDescribing)
	srcErr := r.feed(ctx, gctx, g, want)
	g.Wait()

	if ctx.Err() != nil {
		return r.fail(models.ErrorCancelled, context.Cause(ctx))
	}
	if srcErr != nil {
		return r.fail(models.ErrorSourceUnavailable, srcErr)
	}

	if declared := r.report.TotalFrames; declared > 0 && declared != r.report.FramesSeen {
		r.logger.Warn("decoded frame count differs from declared count", "declared", declared, "decoded", r.report.FramesSeen)
	}
	r.report.TotalFrames = r.report.FramesSeen
	r.collect()
	return r.finish(ctx)
}

// feed reads the stream and hands sampled frames to workers in batches. It
// returns the first source error; cancellation is left to the caller.
func (r *run) feed(ctx, gctx context.Context, g *errgroup.Group, want func(int) bool) error {
	var batch []models.Frame
	for ctx.Err() == nil {
		frame, err := r.stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		r.report.FramesSeen++
		metrics.FramesDecodedTotal.Inc()
		r.publish(progress.Event{Kind: progress.FramesSeen, Count: r.report.FramesSeen, Total: r.report.TotalFrames})

		if !want(frame.Index) {
			continue
		}
		r.report.FramesSampled++
		r.publish(progress.Event{Kind: progress.FramesSampled, Count: r.report.FramesSampled})

		batch = append(batch, frame)
		if r.cfg.BatchSize > 0 && len(batch) >= r.cfg.BatchSize {
			r.dispatch(gctx, g, batch)
			batch = nil
		}
	}

	if len(batch) > 0 && ctx.Err() == nil {
		r.dispatch(gctx, g, batch)
	}
	return nil
}

func (r *run) open(ctx context.Context) error {
	stream, err := r.processor.source.Open(ctx, r.input)
	if err != nil {
		return err
	}
	r.stream = stream
	return nil
}

func (r *run) closeStream() {
	if r.stream == nil {
		return
	}
	if err := r.stream.Close(); err != nil {
		r.logger.Debug("closing stream", "error", err)
	}
	r.stream = nil
}

// plan decides which indices to describe. Stride policies are decided frame by
// frame; count policies need the total, which costs a full scan and a reopen
// when the container does not declare it.
func (r *run) plan(ctx context.Context) (func(int) bool, error) {
	total, known := r.stream.Len()
	if known {
		r.report.TotalFrames = total
	}

	if !r.policy.IsCount() {
		sel, err := sampler.NewSelector(r.policy)
		if err != nil {
			return nil, err
		}
		r.transition(StateSampling)
		return sel.Want, nil
	}

	if !known {
		n, err := r.scan(ctx)
		if err != nil {
			return nil, err
		}
		r.closeStream()
		if err := r.open(ctx); err != nil {
			return nil, err
		}
		total = n
		r.report.TotalFrames = n
	}

	r.transition(StateSampling)
	idx, err := sampler.Select(total, r.policy)
	if err != nil {
		return nil, err
	}
	selected := make(map[int]struct{}, len(idx))
	for _, i := range idx {
		selected[i] = struct{}{}
	}
	return func(i int) bool {
		_, ok := selected[i]
		return ok
	}, nil
}

func (r *run) scan(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, err := r.stream.Next()
		if errors.Is(err, io.EOF) {
			r.logger.Debug("frame count scanned", "frames", n)
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (r *run) dispatch(ctx context.Context, g *errgroup.Group, frames []models.Frame) {
	s := &slot{item: models.WorkItem{Slot: len(r.slots), Frames: frames}}
	r.slots = append(r.slots, s)
	g.Go(func() error {
		s.result = r.describe(ctx, s.item)
		return nil
	})
}

// describe runs one work item. It returns nil when the call was abandoned
// because the run was cancelled.
func (r *run) describe(ctx context.Context, item models.WorkItem) *models.DescriptionResult {
	if ctx.Err() != nil {
		return nil
	}

	indices := item.Indices()
	result := &models.DescriptionResult{FrameIndex: indices[0]}
	if len(indices) > 1 {
		result.FrameIndices = indices
	}

	ctx, span := r.processor.tracer.Start(ctx, "describer.describe", trace.WithAttributes(
		attribute.Int("frame.index", indices[0]),
		attribute.Int("frame.count", len(indices)),
	))
	defer span.End()

	text, err := r.describeWithRetry(ctx, item.Frames, r.cfg.Prompt)
	switch {
	case err == nil:
		result.Text = text
		n := r.described.Add(int64(len(indices)))
		metrics.FramesDescribedTotal.Add(float64(len(indices)))
		r.publish(progress.Event{Kind: progress.FramesDescribed, Count: int(n)})
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, describer.ErrRejected):
		result.Error = models.ErrorDescriberRejected
		result.Message = err.Error()
	default:
		result.Error = models.ErrorDescriberUnavailable
		result.Message = err.Error()
	}

	if result.Failed() {
		span.SetStatus(codes.Error, result.Message)
		r.logger.Warn("frame description failed", "frame", result.FrameIndex, "kind", result.Error, "error", err)
	}

	if r.store != nil {
		if err := r.store.AddResult(ctx, *result); err != nil {
			r.logger.Error("failed to store result", "frame", result.FrameIndex, "error", err)
		}
	}

	r.publish(progress.Event{Kind: progress.ResultReady, Result: result})
	return result
}

func (r *run) collect() {
	results := make([]models.DescriptionResult, 0, len(r.slots))
	for _, s := range r.slots {
		if s.result != nil {
			results = append(results, *s.result)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FrameIndex < results[j].FrameIndex
	})
	r.report.Results = results
	r.report.FramesDescribed = int(r.described.Load())
}

func (r *run) finish(ctx context.Context) (*models.AnalysisReport, error) {
	errs := r.report.Errors()
	unavailable := 0
	for _, res := range r.report.Results {
		if res.Error == models.ErrorDescriberUnavailable {
			unavailable++
		}
	}

	switch {
	case unavailable > 0 && unavailable == len(r.report.Results):
		return r.fail(models.ErrorPipelineFailed, ErrDescriberExhausted)
	case errs == 0:
		r.report.Status = models.StatusCompleted
	default:
		r.report.Status = models.StatusPartial
	}

	if r.cfg.Summarize {
		r.summarize(ctx)
	}

	r.transition(StateCompleted)
	return r.report, nil
}

func (r *run) summarize(ctx context.Context) {
	var lines []string
	for _, res := range r.report.Results {
		if !res.Failed() {
			lines = append(lines, fmt.Sprintf("Frame %d: %s", res.FrameIndex, res.Text))
		}
	}
	if len(lines) < 2 {
		return
	}

	text, err := r.describeWithRetry(ctx, nil, r.cfg.SummaryPrompt+"\n\n"+strings.Join(lines, "\n"))
	if err != nil {
		r.logger.Warn("summary failed", "error", err)
		return
	}
	r.report.Summary = text
}

func (r *run) fail(kind models.ErrorKind, err error) (*models.AnalysisReport, error) {
	r.collect()
	r.report.Status = models.StatusFailed
	r.transition(StateFailed)
	return r.report, &PipelineError{Kind: kind, Report: r.report, Err: err}
}

func (r *run) kindFor(ctx context.Context, err error) models.ErrorKind {
	switch {
	case ctx.Err() != nil:
		return models.ErrorCancelled
	case errors.Is(err, sampler.ErrInvalidPolicy):
		return models.ErrorInvalidPolicy
	default:
		return models.ErrorSourceUnavailable
	}
}

func (r *run) transition(to State) {
	r.logger.Debug("state change", "from", r.state, "to", to)
	r.state = to
	r.publish(progress.Event{Kind: progress.StateChanged, State: to.String()})
}

func (r *run) publish(e progress.Event) {
	e.RunID = r.report.RunID
	r.cfg.Progress.Publish(e)
}
