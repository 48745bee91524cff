package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kerixyz/video-streamlit/internal/acquire"
	"github.com/kerixyz/video-streamlit/internal/analyzer"
	"github.com/kerixyz/video-streamlit/internal/describer"
	"github.com/kerixyz/video-streamlit/internal/extractor"
	"github.com/kerixyz/video-streamlit/internal/models"
	"github.com/kerixyz/video-streamlit/internal/sampler"
)

const maxUploadBytes = 2 << 30

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Options tune a Server. Zero values disable the corresponding limit.
type Options struct {
	// Policy applies when a request selects no frames itself.
	Policy  models.SamplePolicy
	TempDir string
	// KeepRuns bounds how many finished runs stay queryable.
	KeepRuns int
	// RunTTL drops finished runs this long after they finished.
	RunTTL time.Duration
}

// Server is the web front end: it accepts uploads or URLs, runs analyses in
// the background and streams their progress over websockets.
type Server struct {
	processor *analyzer.Processor
	resolver  *acquire.Resolver
	describer describer.Describer
	base      analyzer.Config
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

func New(processor *analyzer.Processor, resolver *acquire.Resolver, d describer.Describer, base analyzer.Config, opts Options, logger *slog.Logger) *Server {
	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		processor: processor,
		resolver:  resolver,
		describer: d,
		base:      base,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		stop:      stop,
		jobs:      make(map[string]*job),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /api/runs/{id}", s.handleReport)
	mux.HandleFunc("DELETE /api/runs/{id}", s.handleCancel)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/runs/{id}/frames/{index}", s.handleFrame)
	return mux
}

// Close cancels every running analysis and waits for them to stop.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}

type analyzeResponse struct {
	RunID  string              `json:"run_id"`
	Policy models.SamplePolicy `json:"policy"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, indexPage)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		httpError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}

	batch := r.FormValue("batch") == "true" || r.FormValue("batch") == "on"
	policy, err := parsePolicy(r.FormValue("stride"), r.FormValue("count"), r.FormValue("frame"), s.opts.Policy, batch)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	in, cleanup, err := s.input(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, extractor.ErrSourceUnavailable) {
			status = http.StatusUnprocessableEntity
		}
		httpError(w, status, err)
		return
	}

	cfg := s.base
	if batch {
		cfg.BatchSize = 0
		cfg.Prompt = describer.DefaultPrompt
	}
	cfg.Summarize = r.FormValue("summarize") == "true" || r.FormValue("summarize") == "on"

	j, err := s.start(in, policy, cfg, cleanup)
	if err != nil {
		cleanup()
		httpError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, analyzeResponse{RunID: j.id, Policy: policy})
}

// input stores an uploaded file in a temp file, or resolves the url field.
func (s *Server) input(r *http.Request) (extractor.Input, func(), error) {
	noop := func() {}

	file, header, err := r.FormFile("video")
	if err == nil {
		defer file.Close()
		tmp, err := os.CreateTemp(s.opts.TempDir, "upload-*"+filepath.Ext(header.Filename))
		if err != nil {
			return extractor.Input{}, noop, err
		}
		cleanup := func() { os.Remove(tmp.Name()) }
		_, err = io.Copy(tmp, file)
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			cleanup()
			return extractor.Input{}, noop, fmt.Errorf("store upload: %w", err)
		}
		return extractor.Input{Path: tmp.Name(), Name: header.Filename}, cleanup, nil
	}

	ref := r.FormValue("url")
	if ref == "" {
		return extractor.Input{}, noop, errors.New("either a video upload or a url is required")
	}
	return s.resolver.Resolve(r.Context(), ref)
}

func (s *Server) start(in extractor.Input, policy models.SamplePolicy, cfg analyzer.Config, cleanup func()) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("server is shutting down")
	}

	s.pruneLocked()
	ctx, cancel := context.WithCancel(s.ctx)
	j := newJob(uuid.NewString(), cancel)
	cfg.RunID = j.id
	cfg.Progress = j.bus
	s.jobs[j.id] = j

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer cleanup()

		report, err := s.processor.Run(ctx, in, policy, j.capture(s.describer), cfg)
		j.finish(report, err, s.now())

		s.mu.Lock()
		s.pruneLocked()
		s.mu.Unlock()
	}()

	s.logger.Info("analysis started", "run_id", j.id, "video", in.VideoName(), "policy", policy.String())
	return j, nil
}

func (s *Server) job(r *http.Request) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	j, ok := s.jobs[r.PathValue("id")]
	return j, ok
}

// pruneLocked forgets finished runs past their TTL, then the oldest finished
// runs beyond KeepRuns. Running jobs are never dropped.
func (s *Server) pruneLocked() {
	var finished []*job
	now := s.now()
	for id, j := range s.jobs {
		at, ok := j.finishedAt()
		if !ok {
			continue
		}
		if s.opts.RunTTL > 0 && now.Sub(at) > s.opts.RunTTL {
			delete(s.jobs, id)
			continue
		}
		finished = append(finished, j)
	}
	if s.opts.KeepRuns <= 0 || len(finished) <= s.opts.KeepRuns {
		return
	}
	sort.Slice(finished, func(a, b int) bool {
		ta, _ := finished[a].finishedAt()
		tb, _ := finished[b].finishedAt()
		return ta.Before(tb)
	})
	for _, j := range finished[:len(finished)-s.opts.KeepRuns] {
		delete(s.jobs, j.id)
	}
	s.logger.Debug("finished runs evicted", "evicted", len(finished)-s.opts.KeepRuns)
}

type reportResponse struct {
	RunID     string                 `json:"run_id"`
	Done      bool                   `json:"done"`
	Error     string                 `json:"error,omitempty"`
	ErrorKind models.ErrorKind       `json:"error_kind,omitempty"`
	Report    *models.AnalysisReport `json:"report,omitempty"`
}

func (j *job) response() reportResponse {
	resp := reportResponse{RunID: j.id, Done: j.finished()}
	if !resp.Done {
		return resp
	}
	report, err := j.outcome()
	resp.Report = report
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorKind = analyzer.KindOf(err)
	}
	return resp
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	j, ok := s.job(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	resp := j.response()
	status := http.StatusOK
	if !resp.Done {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	j, ok := s.job(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	j.cancel()
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams progress events, then one final message with kind
// "report" once the run has finished.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	j, ok := s.job(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	sub := j.bus.Subscribe(256)
	defer sub.Cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for e := range sub.Events() {
		if err := conn.WriteJSON(e); err != nil {
			s.logger.Debug("websocket client gone", "run_id", j.id, "error", err)
			return
		}
	}

	final := struct {
		Kind string `json:"kind"`
		reportResponse
	}{Kind: "report", reportResponse: j.response()}
	if err := conn.WriteJSON(final); err != nil {
		s.logger.Debug("websocket client gone", "run_id", j.id, "error", err)
		return
	}
	if dropped := sub.Dropped(); dropped > 0 {
		s.logger.Debug("progress events dropped", "run_id", j.id, "dropped", dropped)
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	j, ok := s.job(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("bad frame index: %w", err))
		return
	}
	b, ok := j.preview(index)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(b)
}

// parsePolicy reads stride, count or a single frame index from form values.
// With none set, fallback applies, then the default stride of the chosen mode.
func parsePolicy(stride, count, frame string, fallback models.SamplePolicy, batch bool) (models.SamplePolicy, error) {
	var p models.SamplePolicy
	fields := []struct {
		name, value string
		dst         *int
	}{
		{"stride", stride, &p.Stride},
		{"count", count, &p.Count},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		n, err := strconv.Atoi(f.value)
		if err != nil {
			return p, fmt.Errorf("%w: %s %q", sampler.ErrInvalidPolicy, f.name, f.value)
		}
		*f.dst = n
	}
	if frame != "" {
		n, err := strconv.Atoi(frame)
		if err != nil {
			return p, fmt.Errorf("%w: frame %q", sampler.ErrInvalidPolicy, frame)
		}
		p.Frames = []int{n}
	}
	if p.IsZero() {
		return sampler.Default(fallback, batch), nil
	}
	return p, sampler.Validate(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
