package server

import (
	"context"
	"net/http"
	"time"
)

// ProbeTimeout bounds the health and metrics endpoints. The proxy route has
// no deadline; completions end when the upstream ends them.
const ProbeTimeout = 5 * time.Second

// TimeoutMiddleware attaches a deadline of d to the request context. Handlers
// observe it cooperatively through ctx.Done(); a non-positive d disables it.
func TimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
