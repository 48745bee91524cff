package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerixyz/video-streamlit/internal/analyzer"
	"github.com/kerixyz/video-streamlit/internal/describer"
	"github.com/kerixyz/video-streamlit/internal/extractor"
	"github.com/kerixyz/video-streamlit/internal/models"
)

type countSource struct{ n int }

func (s countSource) Open(ctx context.Context, in extractor.Input) (extractor.Stream, error) {
	return &countStream{n: s.n}, nil
}

type countStream struct{ n, next int }

func (c *countStream) Next() (models.Frame, error) {
	if c.next >= c.n {
		return models.Frame{}, io.EOF
	}
	c.next++
	return models.Frame{Index: c.next - 1, Width: 1, Height: 1, Pix: []byte{0, 0, 0}}, nil
}
func (c *countStream) Len() (int, bool) { return c.n, true }
func (c *countStream) Close() error     { return nil }

type mapResolver map[string]bool

func (m mapResolver) Resolve(ctx context.Context, ref string) (extractor.Input, func(), error) {
	if !m[ref] {
		return extractor.Input{}, func() {}, extractor.ErrSourceUnavailable
	}
	return extractor.FileInput(ref), func() {}, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []Response
	err  error
}

func (p *recordingPublisher) PublishReport(ctx context.Context, body []byte) error {
	if p.err != nil {
		return p.err
	}
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, r)
	return nil
}

func newHandler(pub ReportPublisher, d describer.Describer) MessageHandler {
	return newHandlerWithPolicy(pub, d, models.SamplePolicy{})
}

func newHandlerWithPolicy(pub ReportPublisher, d describer.Describer, policy models.SamplePolicy) MessageHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := analyzer.DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	return NewAnalysisHandler(
		analyzer.NewProcessor(countSource{n: 90}, nil, logger),
		mapResolver{"s3://uploads/bison.mp4": true},
		d, cfg, policy, pub, logger,
	)
}

func TestHandlerPublishesReport(t *testing.T) {
	pub := &recordingPublisher{}
	h := newHandler(pub, describer.Echo{})

	err := h(context.Background(), []byte(`{"run_id":"r1","video":"s3://uploads/bison.mp4","stride":30}`))
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)

	resp := pub.msgs[0]
	assert.Equal(t, "r1", resp.RunID)
	assert.Empty(t, resp.Error)
	require.NotNil(t, resp.Report)
	assert.Equal(t, models.StatusCompleted, resp.Report.Status)
	assert.Len(t, resp.Report.Results, 3)
}

func TestHandlerBatchRequest(t *testing.T) {
	pub := &recordingPublisher{}
	h := newHandler(pub, describer.Echo{})

	require.NoError(t, h(context.Background(), []byte(`{"video":"s3://uploads/bison.mp4","batch":true}`)))
	require.Len(t, pub.msgs, 1)
	report := pub.msgs[0].Report
	require.Len(t, report.Results, 1)
	assert.Equal(t, "0,50", report.Results[0].Text)
	assert.NotEmpty(t, pub.msgs[0].RunID)
}

func TestHandlerPublishesFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind models.ErrorKind
	}{
		{"invalid policy", `{"video":"s3://uploads/bison.mp4","stride":5,"count":2}`, models.ErrorInvalidPolicy},
		{"unknown video", `{"video":"s3://uploads/missing.mp4"}`, models.ErrorSourceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			require.NoError(t, newHandler(pub, describer.Echo{})(context.Background(), []byte(tt.body)))
			require.Len(t, pub.msgs, 1)
			assert.Equal(t, tt.kind, pub.msgs[0].ErrorKind)
			assert.NotEmpty(t, pub.msgs[0].Error)
		})
	}
}

func TestHandlerPipelineFailureIsPublished(t *testing.T) {
	pub := &recordingPublisher{}
	d := describer.Func(func(ctx context.Context, frames []models.Frame, prompt string) (string, error) {
		return "", describer.ErrUnavailable
	})
	h := newHandler(pub, d)

	require.NoError(t, h(context.Background(), []byte(`{"video":"s3://uploads/bison.mp4","count":2}`)))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, models.ErrorPipelineFailed, pub.msgs[0].ErrorKind)
	assert.Equal(t, models.StatusFailed, pub.msgs[0].Report.Status)
}

func TestHandlerDiscardsMalformed(t *testing.T) {
	pub := &recordingPublisher{}
	h := newHandler(pub, describer.Echo{})

	assert.ErrorIs(t, h(context.Background(), []byte(`not json`)), ErrDiscard)
	assert.ErrorIs(t, h(context.Background(), []byte(`{"stride":3}`)), ErrDiscard)
	assert.Empty(t, pub.msgs)
}

func TestHandlerRequeuesOnShutdown(t *testing.T) {
	pub := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	d := describer.Func(func(c context.Context, frames []models.Frame, prompt string) (string, error) {
		cancel()
		return "", c.Err()
	})

	err := newHandler(pub, d)(ctx, []byte(`{"video":"s3://uploads/bison.mp4"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDiscard)
	assert.Empty(t, pub.msgs)
}

func TestHandlerPublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("channel closed")}
	err := newHandler(pub, describer.Echo{})(context.Background(), []byte(`{"video":"s3://uploads/bison.mp4"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDiscard)
}

func TestRequestPolicy(t *testing.T) {
	none := models.SamplePolicy{}
	assert.Equal(t, models.StridePolicy(30), Request{}.Policy(none))
	assert.Equal(t, models.StridePolicy(50), Request{Batch: true}.Policy(none))
	assert.Equal(t, models.CountPolicy(4), Request{Count: 4, Batch: true}.Policy(none))
	assert.Equal(t, models.CountPolicy(7), Request{Batch: true}.Policy(models.CountPolicy(7)))
	assert.Equal(t, models.FramesPolicy(12), Request{Frames: []int{12}}.Policy(models.CountPolicy(7)))
}

func TestHandlerUsesConfiguredPolicy(t *testing.T) {
	pub := &recordingPublisher{}
	h := newHandlerWithPolicy(pub, describer.Echo{}, models.CountPolicy(2))

	require.NoError(t, h(context.Background(), []byte(`{"video":"s3://uploads/bison.mp4"}`)))
	require.Len(t, pub.msgs, 1)
	report := pub.msgs[0].Report
	assert.Equal(t, models.CountPolicy(2), report.Policy)
	assert.Equal(t, []int{0, 89}, []int{report.Results[0].FrameIndex, report.Results[1].FrameIndex})
}

func TestHandlerSingleFrame(t *testing.T) {
	pub := &recordingPublisher{}
	h := newHandler(pub, describer.Echo{})

	require.NoError(t, h(context.Background(), []byte(`{"video":"s3://uploads/bison.mp4","frames":[45]}`)))
	require.Len(t, pub.msgs, 1)
	require.Len(t, pub.msgs[0].Report.Results, 1)
	assert.Equal(t, "45", pub.msgs[0].Report.Results[0].Text)
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, base, backoffDelay(base, 1))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(base, 3))
	assert.Equal(t, 60*time.Second, backoffDelay(base, 20))
}

func TestAttemptFromHeaders(t *testing.T) {
	assert.Equal(t, 1, attemptFromHeaders(nil))
	assert.Equal(t, 1, attemptFromHeaders(amqp.Table{}))
	assert.Equal(t, 3, attemptFromHeaders(amqp.Table{attemptHeader: int32(3)}))
	assert.Equal(t, 4, attemptFromHeaders(amqp.Table{attemptHeader: int64(4)}))
	assert.Equal(t, 3, attemptFromHeaders(amqp.Table{"x-death": []interface{}{amqp.Table{}, amqp.Table{}}}))
}

type ackRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// retryLoop feeds every republished message back into the consumer, the way
// the broker would redeliver it.
type retryLoop struct {
	attempts []int
	delays   []time.Duration
}

func testConsumer(handler MessageHandler, maxAttempts int) (*Consumer, *retryLoop) {
	loop := &retryLoop{}
	c := &Consumer{
		baseDelay:   time.Millisecond,
		maxAttempts: maxAttempts,
		handler:     handler,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	c.republish = func(ctx context.Context, d amqp.Delivery, attempt int) error {
		loop.attempts = append(loop.attempts, attempt)
		loop.delays = append(loop.delays, backoffDelay(c.baseDelay, attempt))
		next := retryPublishing(d, attempt)
		c.processDelivery(ctx, amqp.Delivery{
			Acknowledger: d.Acknowledger,
			Headers:      next.Headers,
			Body:         next.Body,
		}, c.logger)
		return nil
	}
	return c, loop
}

func TestConsumerRetryAttemptsGrow(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, body []byte) error {
		calls++
		if calls < 4 {
			return errors.New("describer busy")
		}
		return nil
	}
	c, loop := testConsumer(handler, 0)
	ack := &ackRecorder{}

	c.processDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte(`{}`)}, c.logger)

	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{2, 3, 4}, loop.attempts)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond}, loop.delays)
	assert.Equal(t, 4, ack.acks)
	assert.Zero(t, ack.nacks)
}

func TestConsumerDropsAfterMaxAttempts(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, body []byte) error {
		calls++
		return errors.New("always failing")
	}
	c, loop := testConsumer(handler, 3)
	ack := &ackRecorder{}

	c.processDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte(`{}`)}, c.logger)

	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{2, 3}, loop.attempts)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeue)
}

func TestConsumerDiscard(t *testing.T) {
	c, loop := testConsumer(func(ctx context.Context, body []byte) error { return ErrDiscard }, 0)
	ack := &ackRecorder{}

	c.processDelivery(context.Background(), amqp.Delivery{Acknowledger: ack}, c.logger)
	assert.Empty(t, loop.attempts)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeue)
}

func TestConsumerRequeuesWhenRepublishFails(t *testing.T) {
	c, _ := testConsumer(func(ctx context.Context, body []byte) error { return errors.New("busy") }, 0)
	c.republish = func(ctx context.Context, d amqp.Delivery, attempt int) error {
		return errors.New("channel closed")
	}
	ack := &ackRecorder{}

	c.processDelivery(context.Background(), amqp.Delivery{Acknowledger: ack}, c.logger)
	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}

func TestRetryPublishingKeepsHeaders(t *testing.T) {
	d := amqp.Delivery{
		Headers:     amqp.Table{"trace": "abc", attemptHeader: int32(2)},
		ContentType: "application/json",
		Body:        []byte(`{"video":"a.mp4"}`),
	}
	p := retryPublishing(d, 3)
	assert.Equal(t, "abc", p.Headers["trace"])
	assert.Equal(t, int32(3), p.Headers[attemptHeader])
	assert.Equal(t, int32(2), d.Headers[attemptHeader])
	assert.Equal(t, d.Body, p.Body)
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), p.DeliveryMode)
}
