package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"keygate/internal/config"
	apperrors "keygate/internal/errors"
	"keygate/internal/ratelimit"
)

// ActionLimiter applies a named sliding-window policy per client IP.
// One violation blocks the caller for the limiter's block duration,
// which deliberately outlives the window itself.
type ActionLimiter struct {
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewActionLimiter creates per-action rate limiting middleware backed by
// the shared window store.
func NewActionLimiter(limiter *ratelimit.Limiter, logger *slog.Logger) *ActionLimiter {
	return &ActionLimiter{limiter: limiter, logger: logger}
}

// Limit enforces one policy on the wrapped handler. The identifier is
// action-scoped so hammering activation does not starve validation.
func (al *ActionLimiter) Limit(action string, policy config.RatePolicy) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identifier := action + ":" + ClientIP(r)

			if !al.limiter.Allow(ctx, identifier, policy.Limit, policy.Window) {
				al.logger.WarnContext(ctx, "action rate limit exceeded",
					"action", action,
					"remote_addr", r.RemoteAddr,
					"limit", policy.Limit,
					"window", policy.Window.String(),
				)

				retryAfter := int(policy.Window.Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				problem := apperrors.NewProblemDetails(
					http.StatusTooManyRequests,
					"/errors/rate-limit-exceeded",
					"Too Many Requests",
					"Request rate for this operation exceeded; retry later",
					r.URL.Path,
				).WithExtension("trace_id", GetRequestID(ctx))
				render.Render(w, r, problem)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
