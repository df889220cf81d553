package agent

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/Maximooch/penguin/internal/providers"
)

const (
	maxRetries  = 3
	retryFactor = 2
	jitterRatio = 0.2
)

// retryBase is the first backoff step. Variable so tests can shrink it.
var retryBase = time.Second

// retryCall invokes the gateway, retrying transient failures with
// exponential backoff. Rate-limit waits honour the provider's Retry-After
// when present. The last response is returned even on failure so callers
// can salvage partial streamed output.
func retryCall(ctx context.Context, log *slog.Logger, call func() (*providers.Response, error)) (*providers.Response, error) {
	var resp *providers.Response
	var err error

	for attempt := 0; ; attempt++ {
		resp, err = call()
		if err == nil {
			return resp, nil
		}

		var pe *providers.Error
		if !errors.As(err, &pe) || !pe.Retryable() || attempt >= maxRetries {
			return resp, err
		}
		// Provider 5xx gets a single retry; only rate limits and network
		// failures earn the full backoff schedule.
		if pe.Kind == providers.KindProvider && attempt >= 1 {
			return resp, err
		}

		wait := backoff(attempt)
		if pe.RetryAfter > wait {
			wait = pe.RetryAfter
		}
		log.Warn("retrying gateway call",
			"kind", string(pe.Kind),
			"attempt", attempt+1,
			"wait", wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return resp, &providers.Error{
				Kind:    providers.KindInterrupted,
				Message: "cancelled while waiting to retry",
			}
		}
	}
}

// backoff returns base * factor^attempt with +-20% jitter.
func backoff(attempt int) time.Duration {
	d := retryBase
	for i := 0; i < attempt; i++ {
		d *= retryFactor
	}
	jitter := 1 + jitterRatio*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
