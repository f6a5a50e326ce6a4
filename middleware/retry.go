package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryOptions configures Retry. A nil BaseBackOff gets a default
// ExponentialBackOff.
type RetryOptions struct {
	BaseBackOff  backoff.BackOff
	RetryOptions []backoff.RetryOption
	// ShouldRetry decides whether err is worth retrying. The default
	// retries nothing (every error is permanent): a caller who wants
	// retries must opt into Retry AND say what should be retried.
	ShouldRetry func(err error) bool
}

const (
	defaultRetryInitialInterval = 500 * time.Millisecond
	defaultRetryMaxInterval     = 15 * time.Second
	defaultRetryMaxElapsedTime  = 1 * time.Minute
)

// Retry wraps the chain in a backoff.Retry loop: a user-supplied base
// backoff policy, Permanent-wrapping of non-retriable errors, and a
// ctx.Err() check at the top of every attempt. ShouldRetry is supplied by
// the caller; barehttp never decides on its own that an error is safe to
// retry.
func Retry(opts RetryOptions) Middleware {
	baseBackOff := opts.BaseBackOff
	if baseBackOff == nil {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = defaultRetryInitialInterval
		exp.MaxInterval = defaultRetryMaxInterval
		baseBackOff = exp
	}
	retryOptions := opts.RetryOptions
	if len(retryOptions) == 0 {
		retryOptions = []backoff.RetryOption{backoff.WithMaxElapsedTime(defaultRetryMaxElapsedTime)}
	}
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return false }
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			operation := func() (*Response, error) {
				if err := ctx.Err(); err != nil {
					return nil, backoff.Permanent(err)
				}
				resp, err := next(ctx, req)
				if err != nil {
					if shouldRetry(err) {
						return resp, err
					}
					return resp, backoff.Permanent(err)
				}
				return resp, nil
			}

			baseBackOff.Reset()
			callOpts := make([]backoff.RetryOption, 0, 1+len(retryOptions))
			callOpts = append(callOpts, backoff.WithBackOff(baseBackOff))
			callOpts = append(callOpts, retryOptions...)

			resp, err := backoff.Retry(ctx, operation, callOpts...)
			if err != nil {
				var permanent *backoff.PermanentError
				if errors.As(err, &permanent) {
					return resp, permanent.Err
				}
				return resp, err
			}
			return resp, nil
		}
	}
}
