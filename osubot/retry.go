package osubot

import "context"

// RetryPolicy decides how an upstream operation is retried. Every osu!
// API call goes through a RetryPolicy.
type RetryPolicy interface {
	Do(ctx context.Context, op func(ctx context.Context) error) error
}

// NoRetry runs the operation once and returns its error. A failed read
// is retried naturally by the next read, and a failed score by the
// next feed event.
type NoRetry struct{}

func (NoRetry) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return op(ctx)
}

// retryValue runs op through policy and returns its value
func retryValue[T any](
	ctx context.Context,
	policy RetryPolicy,
	op func(ctx context.Context) (T, error),
) (T, error) {
	if policy == nil {
		policy = NoRetry{}
	}
	var rv T
	err := policy.Do(
		ctx, func(ctx context.Context) error {
			v, e := op(ctx)
			if e != nil {
				return e
			}
			rv = v
			return nil
		},
	)
	return rv, err
}
