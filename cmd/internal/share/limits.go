package share

import (
	"fmt"
	"time"
)

const (
	DefaultMaxPayloadBytes = 50 << 20
	DefaultMinTTL          = time.Hour
	DefaultMaxTTL          = 168 * time.Hour
	DefaultTTL             = 24 * time.Hour

	maxNameLen        = 255
	maxContentTypeLen = 100
)

// Limits bounds what callers may store.
type Limits struct {
	MaxPayloadBytes int64
	MinTTL          time.Duration
	MaxTTL          time.Duration
	DefaultTTL      time.Duration
}

// DefaultLimits returns 50 MiB payloads living between 1h and 7 days (default 24h).
func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		MinTTL:          DefaultMinTTL,
		MaxTTL:          DefaultMaxTTL,
		DefaultTTL:      DefaultTTL,
	}
}

// Validate checks the bounds are coherent.
func (l Limits) Validate() error {
	if l.MaxPayloadBytes <= 0 {
		return fmt.Errorf("%w: max payload bytes must be positive", ErrInvalidInput)
	}
	if l.MinTTL <= 0 || l.MaxTTL < l.MinTTL {
		return fmt.Errorf("%w: ttl bounds %s..%s", ErrInvalidInput, l.MinTTL, l.MaxTTL)
	}
	if l.DefaultTTL < l.MinTTL || l.DefaultTTL > l.MaxTTL {
		return fmt.Errorf("%w: default ttl %s outside %s..%s", ErrInvalidInput, l.DefaultTTL, l.MinTTL, l.MaxTTL)
	}
	return nil
}
