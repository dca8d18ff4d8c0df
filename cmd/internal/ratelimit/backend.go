package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one counted request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Backend counts hits per key in fixed windows. Hit must be atomic per key.
type Backend interface {
	Hit(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error)
}

// decide converts a post-increment count into a Decision.
func decide(count int, rule Rule, resetAt, now time.Time) Decision {
	d := Decision{Limit: rule.Limit, ResetAt: resetAt}
	if count > rule.Limit {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Millisecond
		}
		return d
	}
	d.Allowed = true
	d.Remaining = rule.Limit - count
	return d
}
