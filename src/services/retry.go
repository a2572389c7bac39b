package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"clickstream/src/lib"
	"clickstream/src/storage"
)

// RetryPolicy bounds local retries of transient store faults.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func RetryPolicyFromConfig(cfg lib.Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MergeMaxAttempts,
		Initial:     cfg.MergeRetryInitial,
		Max:         cfg.MergeRetryMax,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	return b
}

// retryStore runs op until it succeeds, returns a non-transient error, or
// the attempt budget is spent. It reports how many attempts were made.
func retryStore[T any](
	ctx context.Context,
	policy RetryPolicy,
	metrics *lib.Metrics,
	logger *slog.Logger,
	opName string,
	eventID string,
	op func(context.Context) (T, error),
) (T, int, error) {
	attempts := 0
	maxTries := policy.MaxAttempts
	if maxTries <= 0 {
		maxTries = 1
	}

	result, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		value, err := op(ctx)
		if err != nil && !storage.IsTransient(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metrics.Inc(lib.MetricMergeRetries)
			logger.Warn("retrying store write",
				"op", opName,
				"event_id", eventID,
				"attempt", attempts,
				"wait", wait,
				"error", err,
			)
		}),
	)
	return result, attempts, err
}
