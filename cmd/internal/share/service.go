// Package share is the boundary service for single-consumption objects. It
// applies rate governance and validation before anything reaches the store.
package share

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"burnbox/cmd/internal/clock"
	"burnbox/cmd/internal/ids"
	"burnbox/cmd/internal/metrics"
	"burnbox/cmd/internal/object"
	"burnbox/cmd/internal/ratelimit"
	"burnbox/cmd/security/token"
)

// Caller identifies who is invoking an operation. Identity keys rate limits.
type Caller struct {
	Identity string
	IP       net.IP
}

// CreateInput describes an upload. Payload fields are opaque ciphertext.
type CreateInput struct {
	Caller            Caller
	Ciphertext        []byte
	IV                []byte
	Salt              []byte
	Name              string
	ContentType       string
	SizeBytes         int64
	SingleConsumption *bool
	TTL               time.Duration
	CaptchaToken      string
}

// Created is returned once per object. RevokeToken is never retrievable again.
type Created struct {
	ID                string
	ExpiresAt         time.Time
	RevokeToken       string
	SingleConsumption bool
	SizeBytes         int64
	Quota             ratelimit.Decision
}

// Metadata describes an object without releasing its payload.
type Metadata struct {
	ID                string
	Name              string
	ContentType       string
	SizeBytes         int64
	SingleConsumption bool
	ExpiresAt         time.Time
	Quota             ratelimit.Decision
}

// Download is a released payload.
type Download struct {
	Metadata
	Ciphertext    []byte
	IV            []byte
	Salt          []byte
	ConsumedCount int
}

// DeleteInput describes a revocation.
type DeleteInput struct {
	Caller      Caller
	ID          string
	RevokeToken string
}

// Snapshot is the externally visible state of an object.
type Snapshot struct {
	ID        string
	State     object.State
	ExpiresAt time.Time
}

// StatusInfo describes the service limits.
type StatusInfo struct {
	Limits Limits
	Policy ratelimit.Policy
}

// Service implements the create, metadata, consume and delete operations.
type Service struct {
	store     object.Store
	engine    *object.Engine
	governor  *ratelimit.Governor
	clock     clock.Clock
	limits    Limits
	captcha   CaptchaVerifier
	captchaOn bool
	publisher object.Publisher
	hasher    *token.Hasher
	requireRT bool
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures the Service.
type Option func(*Service) error

func WithGovernor(g *ratelimit.Governor) Option {
	return func(s *Service) error {
		s.governor = g
		return nil
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) error {
		s.clock = clock.OrReal(c)
		return nil
	}
}

func WithLimits(l Limits) Option {
	return func(s *Service) error {
		if err := l.Validate(); err != nil {
			return err
		}
		s.limits = l
		return nil
	}
}

// WithCaptcha enables captcha enforcement on create.
func WithCaptcha(v CaptchaVerifier) Option {
	return func(s *Service) error {
		if v == nil {
			return ErrInvalidInput
		}
		s.captcha = v
		s.captchaOn = true
		return nil
	}
}

func WithPublisher(p object.Publisher) Option {
	return func(s *Service) error {
		if p != nil {
			s.publisher = p
		}
		return nil
	}
}

// WithTokenHasher sets how revoke tokens are digested before storage.
func WithTokenHasher(h *token.Hasher) Option {
	return func(s *Service) error {
		if h == nil {
			return ErrInvalidInput
		}
		s.hasher = h
		return nil
	}
}

// WithRequireRevokeToken controls whether Delete demands the revoke token (default true).
func WithRequireRevokeToken(require bool) Option {
	return func(s *Service) error {
		s.requireRT = require
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store object.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	hasher, err := token.NewHasher("", false, 0)
	if err != nil {
		return nil, err
	}
	s := &Service{
		store:     store,
		clock:     clock.Real{},
		limits:    DefaultLimits(),
		captcha:   NoopCaptchaVerifier{},
		publisher: object.NopPublisher{},
		hasher:    hasher,
		requireRT: true,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.engine, err = object.NewEngine(store, object.WithClock(s.clock))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create charges the caller's create quota, then validates and stores a new
// ACTIVE object.
func (s *Service) Create(ctx context.Context, in CreateInput) (Created, error) {
	if s == nil || s.store == nil {
		return Created{}, ErrInvalidInput
	}
	quota, err := s.Admit(ctx, ratelimit.ClassCreate, in.Caller)
	if err != nil {
		return Created{}, err
	}
	return s.CreateAdmitted(ctx, in, quota)
}

// CreateAdmitted stores a new object for a caller already charged through
// Admit(ClassCreate). Transports that must govern before reading the request
// body use it; quota is echoed back in Created.
func (s *Service) CreateAdmitted(ctx context.Context, in CreateInput, quota ratelimit.Decision) (Created, error) {
	if s == nil || s.store == nil {
		return Created{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Created{}, err
	}

	ttl, err := s.validateCreate(&in)
	if err != nil {
		return Created{}, err
	}
	if err := s.enforceCaptcha(ctx, in.CaptchaToken, in.Caller.IP); err != nil {
		return Created{}, err
	}

	now := s.clock.Now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Created{}, err
	}
	revoke, err := token.Generate(token.DefaultBytes)
	if err != nil {
		return Created{}, err
	}
	single := true
	if in.SingleConsumption != nil {
		single = *in.SingleConsumption
	}

	rec, err := s.store.Create(ctx, object.Record{
		ID:                id,
		Ciphertext:        in.Ciphertext,
		IV:                in.IV,
		Salt:              in.Salt,
		Name:              in.Name,
		ContentType:       in.ContentType,
		SizeBytes:         in.SizeBytes,
		SingleConsumption: single,
		State:             object.StateActive,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
		RevokeHash:        s.hasher.HashHex(revoke),
	})
	if err != nil {
		return Created{}, err
	}

	s.metrics.ObjectCreated()
	s.publisher.Publish(object.Event{ObjectID: rec.ID, Kind: object.EventCreated, At: now})
	s.audit("audit.object.created", in.Caller,
		"object_id", rec.ID,
		"size_bytes", rec.SizeBytes,
		"single_consumption", rec.SingleConsumption,
		"ttl_s", int64(ttl.Seconds()),
	)
	return Created{
		ID:                rec.ID,
		ExpiresAt:         rec.ExpiresAt,
		RevokeToken:       revoke,
		SingleConsumption: rec.SingleConsumption,
		SizeBytes:         rec.SizeBytes,
		Quota:             quota,
	}, nil
}

// Metadata returns an object's descriptive fields. It never mutates the record.
func (s *Service) Metadata(ctx context.Context, caller Caller, id string) (Metadata, error) {
	if s == nil || s.engine == nil {
		return Metadata{}, ErrInvalidInput
	}
	quota, err := s.Admit(ctx, ratelimit.ClassMetadata, caller)
	if err != nil {
		return Metadata{}, err
	}
	id, err = normalizeID(id)
	if err != nil {
		return Metadata{}, err
	}

	rec, err := s.engine.Inspect(ctx, id)
	if err != nil {
		s.noteExpired(id, err)
		return Metadata{}, err
	}
	md := toMetadata(rec)
	md.Quota = quota
	return md, nil
}

// Consume releases the payload, committing the single-consumption transition first.
func (s *Service) Consume(ctx context.Context, caller Caller, id string) (Download, error) {
	if s == nil || s.engine == nil {
		return Download{}, ErrInvalidInput
	}
	quota, err := s.Admit(ctx, ratelimit.ClassConsume, caller)
	if err != nil {
		return Download{}, err
	}
	id, err = normalizeID(id)
	if err != nil {
		return Download{}, err
	}

	rec, err := s.engine.Consume(ctx, id)
	if err != nil {
		s.metrics.Consumed(outcome(err))
		s.noteExpired(id, err)
		if !isExpected(err) {
			s.log.Error("object.consume.fail", "object_id", id, "err", err)
		}
		return Download{}, err
	}

	s.metrics.Consumed("ok")
	if rec.SingleConsumption {
		s.publisher.Publish(object.Event{ObjectID: rec.ID, Kind: object.EventConsumed, At: s.clock.Now()})
	}
	s.audit("audit.object.consumed", caller,
		"object_id", rec.ID,
		"consumed_count", rec.ConsumedCount,
		"single_consumption", rec.SingleConsumption,
	)

	md := toMetadata(rec)
	md.Quota = quota
	return Download{
		Metadata:      md,
		Ciphertext:    rec.Ciphertext,
		IV:            rec.IV,
		Salt:          rec.Salt,
		ConsumedCount: rec.ConsumedCount,
	}, nil
}

// Delete revokes an object immediately. Deleting an already revoked object
// succeeds; deleting one the reaper has removed reports object.ErrNotFound.
func (s *Service) Delete(ctx context.Context, in DeleteInput) error {
	if s == nil || s.engine == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := normalizeID(in.ID)
	if err != nil {
		return err
	}

	rec, err := s.engine.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if s.requireRT && !s.hasher.Verify(strings.TrimSpace(in.RevokeToken), rec.RevokeHash) {
		s.audit("audit.object.delete_denied", in.Caller, "object_id", id)
		return ErrForbidden
	}

	out, revoked, err := s.engine.Revoke(ctx, id)
	if err != nil {
		return err
	}
	if revoked {
		s.publisher.Publish(object.Event{ObjectID: id, Kind: object.EventDeleted, At: s.clock.Now()})
		s.audit("audit.object.deleted", in.Caller, "object_id", id, "version", out.Version)
	}
	return nil
}

// Peek returns the current state of an object for observers. It is charged to
// the caller's metadata quota like Metadata.
func (s *Service) Peek(ctx context.Context, caller Caller, id string) (Snapshot, error) {
	if s == nil || s.engine == nil {
		return Snapshot{}, ErrInvalidInput
	}
	if _, err := s.Admit(ctx, ratelimit.ClassMetadata, caller); err != nil {
		return Snapshot{}, err
	}
	id, err := normalizeID(id)
	if err != nil {
		return Snapshot{}, err
	}
	rec, err := s.engine.Lookup(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{ID: rec.ID, State: rec.Status(s.clock.Now()), ExpiresAt: rec.ExpiresAt}, nil
}

// Stats summarises the store.
func (s *Service) Stats(ctx context.Context) (object.Counts, error) {
	if s == nil || s.store == nil {
		return object.Counts{}, ErrInvalidInput
	}
	return s.store.Counts(ctx, s.clock.Now())
}

// Status reports the configured limits and rate policy.
func (s *Service) Status() StatusInfo {
	info := StatusInfo{Limits: s.limits}
	if s.governor != nil {
		info.Policy = s.governor.Policy()
	}
	return info
}

// Admit charges one request of class to the caller. Denials return a
// ratelimit.LimitError; without a governor every request is admitted.
func (s *Service) Admit(ctx context.Context, class ratelimit.Class, caller Caller) (ratelimit.Decision, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.Decision{}, err
	}
	if s.governor == nil {
		return ratelimit.Decision{Allowed: true}, nil
	}
	d, err := s.governor.Allow(ctx, class, caller.Identity)
	if err != nil {
		var le ratelimit.LimitError
		if errors.As(err, &le) {
			s.audit("audit.ratelimit.denied", caller,
				"class", string(class),
				"retry_after_s", int64(le.RetryAfter.Seconds()),
			)
		}
		return d, err
	}
	return d, nil
}

func (s *Service) validateCreate(in *CreateInput) (time.Duration, error) {
	if len(in.Ciphertext) == 0 || in.SizeBytes <= 0 || len(in.IV) == 0 {
		return 0, ErrInvalidInput
	}
	if in.SizeBytes > s.limits.MaxPayloadBytes || int64(len(in.Ciphertext)) > s.limits.MaxPayloadBytes {
		return 0, ErrTooLarge
	}
	if in.SizeBytes != int64(len(in.Ciphertext)) {
		return 0, ErrSizeMismatch
	}

	ttl := in.TTL
	if ttl == 0 {
		ttl = s.limits.DefaultTTL
	}
	if ttl < s.limits.MinTTL || ttl > s.limits.MaxTTL {
		return 0, ErrTTLOutOfRange
	}

	in.Name = strings.TrimSpace(in.Name)
	in.ContentType = strings.TrimSpace(in.ContentType)
	if len(in.Name) > maxNameLen || len(in.ContentType) > maxContentTypeLen {
		return 0, ErrInvalidInput
	}
	return ttl, nil
}

func (s *Service) enforceCaptcha(ctx context.Context, tok string, ip net.IP) error {
	if !s.captchaOn {
		return nil
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return ErrCaptchaRequired
	}
	if err := s.captcha.Verify(ctx, tok, ip); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return ErrCaptchaInvalid
	}
	return nil
}

func (s *Service) noteExpired(id string, err error) {
	if errors.Is(err, object.ErrExpired) {
		s.publisher.Publish(object.Event{ObjectID: id, Kind: object.EventExpired, At: s.clock.Now()})
	}
}

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if !ids.Valid(id) {
		return "", ErrInvalidID
	}
	return id, nil
}

func toMetadata(r object.Record) Metadata {
	return Metadata{
		ID:                r.ID,
		Name:              r.Name,
		ContentType:       r.ContentType,
		SizeBytes:         r.SizeBytes,
		SingleConsumption: r.SingleConsumption,
		ExpiresAt:         r.ExpiresAt,
	}
}

// outcome labels a consume failure for metrics.
func outcome(err error) string {
	switch {
	case errors.Is(err, object.ErrNotFound):
		return "not_found"
	case errors.Is(err, object.ErrGone):
		return "gone"
	case errors.Is(err, object.ErrExpired):
		return "expired"
	case errors.Is(err, object.ErrAlreadyConsumed):
		return "already_consumed"
	default:
		return "error"
	}
}

func isExpected(err error) bool {
	return outcome(err) != "error" || errors.Is(err, context.Canceled)
}
