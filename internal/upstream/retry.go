package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chirpchat/internal/reliability"
)

// RetryAdapter retries retryable upstream failures, but only while nothing
// has been delivered to the caller yet.
type RetryAdapter struct {
	inner   Adapter
	retries int
	base    time.Duration
	cap     time.Duration
	log     zerolog.Logger
}

func NewRetryAdapter(inner Adapter, retries int, log zerolog.Logger) *RetryAdapter {
	return &RetryAdapter{
		inner:   inner,
		retries: retries,
		base:    200 * time.Millisecond,
		cap:     2 * time.Second,
		log:     log,
	}
}

func (a *RetryAdapter) StreamCompletion(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error) {
	delivered := false
	track := func(delta string) error {
		delivered = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	}

	for attempt := 0; ; attempt++ {
		resp, err := a.inner.StreamCompletion(ctx, req, track)
		if err == nil || delivered || attempt >= a.retries || !retryable(err) {
			return resp, err
		}

		wait := a.base
		if attempt > 0 {
			wait = reliability.ExponentialBackoff(attempt, a.base, a.cap)
		}
		a.log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", wait).Msg("retrying upstream request")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return CompletionResponse{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// retryable reports 5xx failures worth another attempt. Rate limits are
// passed through to the client instead.
func retryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode >= 500 && reliability.IsRetryableHTTPStatus(se.StatusCode)
}
