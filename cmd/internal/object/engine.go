package object

import (
	"context"
	"errors"
	"strings"
	"time"

	"burnbox/cmd/internal/clock"
)

const defaultRevokeAttempts = 5

// Engine performs the read-side state transitions on records. It is the only
// component that releases payload bytes.
type Engine struct {
	store          Store
	clock          clock.Clock
	revokeAttempts int
}

// EngineOption configures the Engine.
type EngineOption func(*Engine) error

// WithClock sets the time source used for expiry checks and transition stamps.
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) error {
		if c == nil {
			return ErrInvalidInput
		}
		e.clock = c
		return nil
	}
}

// WithRevokeAttempts bounds Revoke's retries on version conflicts.
func WithRevokeAttempts(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		e.revokeAttempts = n
		return nil
	}
}

// NewEngine constructs an Engine over store.
func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	e := &Engine{store: store, clock: clock.Real{}, revokeAttempts: defaultRevokeAttempts}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Consume releases the record's payload if it is still consumable.
//
// For single-consumption records the ACTIVE -> CONSUMED transition is committed
// before the record is returned, fenced on the version observed at load time.
// A lost race reports ErrAlreadyConsumed and is never retried. Once loading has
// succeeded the transition runs detached from ctx cancellation, so a caller
// that disconnects mid-flight cannot leave the record half-consumed.
func (e *Engine) Consume(ctx context.Context, id string) (Record, error) {
	if e == nil || e.store == nil {
		return Record{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, ErrInvalidInput
	}

	r, err := e.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	now := e.clock.Now()
	if err := consumable(r, now); err != nil {
		return Record{}, err
	}

	commitCtx := context.WithoutCancel(ctx)
	if r.SingleConsumption {
		out, err := e.store.ConditionalUpdate(commitCtx, id, r.Version, Mutation{
			ConsumedDelta: 1,
			State:         StateConsumed,
			At:            now,
		})
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, ErrVersionConflict):
			return Record{}, ErrAlreadyConsumed
		case errors.Is(err, ErrNotFound):
			return Record{}, ErrGone
		default:
			return Record{}, err
		}
	}

	out, err := e.store.ConditionalUpdate(commitCtx, id, AnyVersion, Mutation{ConsumedDelta: 1, At: now})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, ErrVersionConflict):
		// Revoked between load and increment.
		return Record{}, ErrGone
	case errors.Is(err, ErrNotFound):
		return Record{}, ErrGone
	default:
		return Record{}, err
	}
}

// Inspect returns the record if it could still be consumed, without mutating it.
func (e *Engine) Inspect(ctx context.Context, id string) (Record, error) {
	if e == nil || e.store == nil {
		return Record{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r, err := e.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return Record{}, err
	}
	if err := consumable(r, e.clock.Now()); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Lookup returns the stored record regardless of its state.
func (e *Engine) Lookup(ctx context.Context, id string) (Record, error) {
	if e == nil || e.store == nil {
		return Record{}, ErrInvalidInput
	}
	return e.store.Get(ctx, strings.TrimSpace(id))
}

// Revoke moves the record to PURGED. revoked reports whether this call made
// the transition; revoking a purged record succeeds with revoked=false and
// returns it unchanged. Only version conflicts are retried.
func (e *Engine) Revoke(ctx context.Context, id string) (rec Record, revoked bool, err error) {
	if e == nil || e.store == nil {
		return Record{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, false, ErrInvalidInput
	}

	for attempt := 0; attempt < e.revokeAttempts; attempt++ {
		r, err := e.store.Get(ctx, id)
		if err != nil {
			return Record{}, false, err
		}
		if r.State == StatePurged {
			return r, false, nil
		}
		out, err := e.store.ConditionalUpdate(context.WithoutCancel(ctx), id, r.Version, Mutation{
			State: StatePurged,
			At:    e.clock.Now(),
		})
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Record{}, false, err
		}
		return out, true, nil
	}
	return Record{}, false, ErrVersionConflict
}

// consumable applies the read checks in order: purged, expired, already consumed.
func consumable(r Record, now time.Time) error {
	if r.State == StatePurged {
		return ErrGone
	}
	if now.After(r.ExpiresAt) {
		return ErrExpired
	}
	if r.State == StateConsumed || (r.SingleConsumption && r.ConsumedCount >= 1) {
		return ErrAlreadyConsumed
	}
	return nil
}
