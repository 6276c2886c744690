package rcp

import (
	"context"
	"fmt"
	"time"

	"github.com/rcpops/savingsoor/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Throttled wraps a Client so consecutive calls are spaced at least
// 1/callsPerSecond apart, and every call is retried with exponential
// backoff. The shared limiter is safe for concurrent callers, so the same
// wrapper serves the parallel processing mode unchanged.
type Throttled struct {
	log     logrus.FieldLogger
	inner   Client
	limiter *rate.Limiter

	attempts int
	delay    time.Duration
	factor   int
}

// Compile-time interface check.
var _ Client = (*Throttled)(nil)

// NewThrottled wraps client with the configured throttle and retry policy.
func NewThrottled(
	log logrus.FieldLogger,
	client Client,
	rl *config.RateLimitConfig,
	retry *config.RetryConfig,
) *Throttled {
	// Burst of 1 keeps calls strictly min-interval spaced.
	return &Throttled{
		log:      log.WithField("component", "rcp-throttle"),
		inner:    client,
		limiter:  rate.NewLimiter(rate.Limit(rl.CallsPerSecond), 1),
		attempts: retry.MaxAttempts,
		delay:    time.Duration(retry.DelaySeconds) * time.Second,
		factor:   retry.BackoffFactor,
	}
}

func (t *Throttled) ListMultiClusters(
	ctx context.Context,
) ([]MultiClusterRef, error) {
	return retryCall(ctx, t, "list multi-clusters", func() ([]MultiClusterRef, error) {
		return t.inner.ListMultiClusters(ctx)
	})
}

func (t *Throttled) Status(
	ctx context.Context, mcUID string,
) (string, error) {
	return retryCall(ctx, t, "status", func() (string, error) {
		return t.inner.Status(ctx, mcUID)
	})
}

func (t *Throttled) Blueprint(
	ctx context.Context, mcUID string,
) (map[string]any, error) {
	return retryCall(ctx, t, "blueprint", func() (map[string]any, error) {
		return t.inner.Blueprint(ctx, mcUID)
	})
}

func (t *Throttled) PlanOptimal(
	ctx context.Context, mcUID string,
) (map[string]any, error) {
	return retryCall(ctx, t, "plan optimal", func() (map[string]any, error) {
		return t.inner.PlanOptimal(ctx, mcUID)
	})
}

// IsActive reports whether the multi-cluster is in a ready status.
func (t *Throttled) IsActive(ctx context.Context, mcUID string) (bool, error) {
	status, err := t.Status(ctx, mcUID)
	if err != nil {
		return false, err
	}

	return status == StatusDone, nil
}

// retryCall throttles then invokes fn, retrying with exponential backoff.
// The delay is multiplied by the backoff factor after each failed attempt;
// there is no sleep after the final failure.
func retryCall[T any](
	ctx context.Context, t *Throttled, label string, fn func() (T, error),
) (T, error) {
	var (
		zero    T
		lastErr error
	)

	delay := t.delay

	for attempt := 1; attempt <= t.attempts; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("waiting for rate limiter: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if attempt == t.attempts {
			break
		}

		t.log.WithError(err).WithFields(logrus.Fields{
			"call":    label,
			"attempt": attempt,
			"max":     t.attempts,
			"delay":   delay,
		}).Warn("Call failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("%s: %w", label, ctx.Err())
		}

		delay *= time.Duration(t.factor)
	}

	return zero, fmt.Errorf(
		"%s failed after %d attempts: %w", label, t.attempts, lastErr,
	)
}
