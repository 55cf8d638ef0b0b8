package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/kp-forks/tvm/codec"
)

// ErrTimeout is returned for calls that exceed the Timeout interceptor's
// deadline. The handler goroutine keeps running to completion; only the
// caller stops waiting.
var ErrTimeout = errors.New("call timed out")

type callResult struct {
	rv  codec.Value
	err error
}

// Timeout bounds each call to d.
func Timeout(d time.Duration) Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, name string, args []codec.Value) (codec.Value, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan callResult, 1)
			go func() {
				rv, err := next(ctx, name, args)
				done <- callResult{rv, err}
			}()

			select {
			case res := <-done:
				return res.rv, res.err
			case <-ctx.Done():
				return codec.Nil(), ErrTimeout
			}
		}
	}
}
