// Package middleware provides an interceptor chain around server-side
// function dispatch. Interceptors wrap the handler that resolves and invokes
// a named function, onion style: Chain(A, B)(h) runs A before B before h.
package middleware

import (
	"context"

	"github.com/kp-forks/tvm/codec"
)

// Handler invokes the named function with packed arguments and returns its
// single packed result. Errors are carried back to the peer as exception
// packets; they do not tear down the connection.
type Handler func(ctx context.Context, name string, args []codec.Value) (codec.Value, error)

// Interceptor wraps a Handler with cross-cutting behavior.
type Interceptor func(next Handler) Handler

// Chain combines interceptors into one. The first interceptor is outermost.
func Chain(interceptors ...Interceptor) Interceptor {
	return func(next Handler) Handler {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}
