package analyzer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kerixyz/video-streamlit/internal/describer"
	"github.com/kerixyz/video-streamlit/internal/metrics"
	"github.com/kerixyz/video-streamlit/internal/models"
)

// describeWithRetry calls the describer, retrying transient failures with
// exponential backoff up to MaxRetries times.
func (r *run) describeWithRetry(ctx context.Context, frames []models.Frame, prompt string) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryBaseDelay
	b.MaxInterval = r.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxRetries)), ctx)

	var text string
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		t, err := r.describer.Describe(ctx, frames, prompt)
		metrics.DescriberDuration.Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			metrics.DescriberCallsTotal.WithLabelValues("ok").Inc()
			text = t
			return nil
		case ctx.Err() != nil:
			metrics.DescriberCallsTotal.WithLabelValues("cancelled").Inc()
			return backoff.Permanent(err)
		case !describer.IsTransient(err):
			metrics.DescriberCallsTotal.WithLabelValues("rejected").Inc()
			return backoff.Permanent(err)
		default:
			metrics.DescriberCallsTotal.WithLabelValues("unavailable").Inc()
			return err
		}
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Debug("describer call failed, retrying", "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", err
	}
	return text, nil
}
