package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kp-forks/tvm/codec"
)

// Logging logs every dispatched call with its duration and outcome.
func Logging(logger *zap.Logger) Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, name string, args []codec.Value) (codec.Value, error) {
			start := time.Now()
			rv, err := next(ctx, name, args)
			fields := []zap.Field{
				zap.String("func", name),
				zap.Int("args", len(args)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("call served", fields...)
			}
			return rv, err
		}
	}
}
