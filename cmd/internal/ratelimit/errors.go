package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is returned when a caller exhausted its window for a class.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable is returned when the counter backend failed and the governor fails closed.
	ErrUnavailable = errors.New("rate limiter unavailable")

	// ErrInvalidPolicy is returned for rules without a usable window.
	ErrInvalidPolicy = errors.New("invalid rate policy")
)

// LimitError carries retry metadata for a denied request.
type LimitError struct {
	Class      Class
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e LimitError) Error() string {
	if e.RetryAfter <= 0 {
		return ErrRateLimited.Error()
	}
	return fmt.Sprintf("%s: %s: retry after %s", ErrRateLimited.Error(), e.Class, e.RetryAfter)
}

func (e LimitError) Unwrap() error { return ErrRateLimited }
