// Package ratelimit bounds how often one identity may invoke each class of
// operation, using fixed windows kept in memory or in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"burnbox/cmd/internal/clock"
)

// Governor applies a Policy over a Backend.
type Governor struct {
	backend  Backend
	policy   Policy
	clock    clock.Clock
	failOpen bool
	log      *slog.Logger
	onDeny   func(Class)
}

// Option configures the Governor.
type Option func(*Governor) error

// WithClock sets the time source for window arithmetic.
func WithClock(c clock.Clock) Option {
	return func(g *Governor) error {
		g.clock = clock.OrReal(c)
		return nil
	}
}

// WithFailOpen admits requests when the backend errors instead of rejecting them.
func WithFailOpen(open bool) Option {
	return func(g *Governor) error {
		g.failOpen = open
		return nil
	}
}

// WithLogger sets the logger used for backend failures.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) error {
		if l != nil {
			g.log = l
		}
		return nil
	}
}

// WithDenyHook registers a callback invoked for every denied request.
func WithDenyHook(fn func(Class)) Option {
	return func(g *Governor) error {
		g.onDeny = fn
		return nil
	}
}

// NewGovernor constructs a Governor. The policy is copied.
func NewGovernor(backend Backend, policy Policy, opts ...Option) (*Governor, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidPolicy)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	g := &Governor{
		backend: backend,
		policy:  policy.Clone(),
		clock:   clock.Real{},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Policy returns a copy of the active policy.
func (g *Governor) Policy() Policy { return g.policy.Clone() }

// Allow counts one request of class for identity. A denied request returns the
// Decision together with a LimitError. Classes without a rule are always allowed.
func (g *Governor) Allow(ctx context.Context, class Class, identity string) (Decision, error) {
	rule, ok := g.policy[class]
	if !ok || rule.Limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = "unknown"
	}

	now := g.clock.Now()
	d, err := g.backend.Hit(ctx, string(class)+":"+identity, rule, now)
	if err != nil {
		if g.failOpen {
			g.log.Warn("ratelimit.backend.fail_open", "class", string(class), "err", err)
			return Decision{Allowed: true, Limit: rule.Limit}, nil
		}
		g.log.Error("ratelimit.backend.fail", "class", string(class), "err", err)
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if d.Allowed {
		return d, nil
	}

	if g.onDeny != nil {
		g.onDeny(class)
	}
	return d, LimitError{
		Class:      class,
		Limit:      d.Limit,
		ResetAt:    d.ResetAt,
		RetryAfter: d.RetryAfter,
	}
}
