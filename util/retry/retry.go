package retry

import (
	"context"
	"time"

	"github.com/bsv-blockchain/blocksync/ulogger"
)

type retryOptions struct {
	retryCount          int
	backoffMultiplier   int
	backoffDurationType time.Duration
	message             string
	exponential         bool
	backoffFactor       float64
	maxBackoff          time.Duration
}

type Option func(*retryOptions)

func WithRetryCount(count int) Option {
	return func(o *retryOptions) {
		o.retryCount = count
	}
}

func WithBackoffMultiplier(multiplier int) Option {
	return func(o *retryOptions) {
		o.backoffMultiplier = multiplier
	}
}

// WithBackoffDurationType sets the unit of the linear backoff, and the first delay of the exponential one.
func WithBackoffDurationType(d time.Duration) Option {
	return func(o *retryOptions) {
		o.backoffDurationType = d
	}
}

func WithMessage(message string) Option {
	return func(o *retryOptions) {
		o.message = message
	}
}

func WithExponentialBackoff() Option {
	return func(o *retryOptions) {
		o.exponential = true
	}
}

func WithBackoffFactor(factor float64) Option {
	return func(o *retryOptions) {
		o.backoffFactor = factor
	}
}

func WithMaxBackoff(d time.Duration) Option {
	return func(o *retryOptions) {
		o.maxBackoff = d
	}
}

// Retry calls f until it succeeds, the retry count is used up or ctx is cancelled. The error of the last
// attempt is returned when every attempt failed.
func Retry[T any](ctx context.Context, logger ulogger.Logger, f func() (T, error), opts ...Option) (T, error) {
	options := &retryOptions{
		retryCount:          3,
		backoffMultiplier:   2,
		backoffDurationType: time.Second,
		message:             "retrying",
		backoffFactor:       2.0,
		maxBackoff:          30 * time.Second,
	}

	for _, opt := range opts {
		opt(options)
	}

	var (
		result T
		err    error
	)

	backoff := options.backoffDurationType

	for i := 0; i < options.retryCount; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}

		result, err = f()
		if err == nil {
			return result, nil
		}

		if i == options.retryCount-1 {
			break
		}

		logger.Warnf("%s (attempt %d/%d): %v", options.message, i+1, options.retryCount, err)

		if options.exponential {
			if sleepErr := sleepFunc(ctx, backoff); sleepErr != nil {
				return result, sleepErr
			}

			backoff = CappedExponentialBackoff(backoff, options.backoffFactor, options.maxBackoff)

			continue
		}

		if sleepErr := BackoffAndSleep(ctx, i, options.backoffMultiplier, options.backoffDurationType); sleepErr != nil {
			return result, sleepErr
		}
	}

	return result, err
}
