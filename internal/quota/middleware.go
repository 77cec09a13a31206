package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ftprelay/ftprelay/internal/logging"
	"github.com/ftprelay/ftprelay/internal/metrics"
	"github.com/ftprelay/ftprelay/internal/protocol"
)

// UserIDFromContext returns the authenticated caller, keeping this package
// independent of auth.
type UserIDFromContext func(ctx context.Context) (userID int, ok bool)

// RateLimitMiddleware rejects uploads beyond the caller's budget with 429
// and a Retry-After header. Requests without a caller pass through; auth
// runs earlier and rejects those.
func RateLimitMiddleware(limiter *RateLimiter, getUserID UserIDFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := getUserID(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			allowed, wait := limiter.Reserve(userID)
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimitHit()
			logging.WithContext(r.Context()).Info("upload rate limited",
				zap.Int("user_id", userID),
				zap.Duration("retry_after", wait))

			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(protocol.ErrorResponse{
				Msg:  "Upload rate limit exceeded",
				Code: http.StatusTooManyRequests,
			})
		})
	}
}
