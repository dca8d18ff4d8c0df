package shareapi

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"burnbox/cmd/internal/ratelimit"
)

// setRateLimitHeaders exposes the caller's window on governed responses.
func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

func writeRateLimited(w http.ResponseWriter, le ratelimit.LimitError) {
	SetDeniedHeaders(w, le)
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}

// SetDeniedHeaders sets Retry-After and the X-RateLimit-* headers for a denial.
func SetDeniedHeaders(w http.ResponseWriter, le ratelimit.LimitError) {
	setRateLimitHeaders(w, ratelimit.Decision{Limit: le.Limit, ResetAt: le.ResetAt})
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(le.RetryAfter), 10))
}

// retryAfterSeconds rounds up so a client honouring the header never retries early.
func retryAfterSeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
