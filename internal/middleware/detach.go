package middleware

import (
	"context"
	"net/http"
	"time"
)

// Detach runs the rest of the chain on a context that keeps the request's
// values but not its cancellation, bounded by timeout instead. A client that
// disconnects mid-request cannot interrupt a handler between two writes.
// A timeout of zero or less leaves the detached context unbounded.
func Detach(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithoutCancel(r.Context())
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
