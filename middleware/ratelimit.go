package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/kp-forks/tvm/codec"
)

// ErrRateLimited is returned to callers rejected by the RateLimit
// interceptor. It crosses the wire as an exception packet.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit rejects calls beyond r calls/second with bursts of up to burst,
// using a token bucket shared by all connections of the server.
func RateLimit(r float64, burst int) Interceptor {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Handler) Handler {
		return func(ctx context.Context, name string, args []codec.Value) (codec.Value, error) {
			if !limiter.Allow() {
				return codec.Nil(), ErrRateLimited
			}
			return next(ctx, name, args)
		}
	}
}
