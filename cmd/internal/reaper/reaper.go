// Package reaper physically removes records that can no longer be read:
// consumed, revoked, or past their expiry.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"burnbox/cmd/internal/clock"
	"burnbox/cmd/internal/metrics"
	"burnbox/cmd/internal/object"

	"golang.org/x/time/rate"
)

const (
	defaultInterval         = 5 * time.Minute
	defaultCheckInterval    = time.Minute
	defaultBacklogThreshold = 10
	defaultStartDelay       = 5 * time.Second
	defaultBatchSize        = 500
	defaultMaxBatches       = 1000
	defaultForcePasses      = 3
)

// Options tunes the reaper schedule. Zero values select the defaults.
type Options struct {
	// Interval between full sweeps.
	Interval time.Duration
	// CheckInterval between backlog checks.
	CheckInterval time.Duration
	// BacklogThreshold of pending records that triggers an early sweep.
	BacklogThreshold int64
	// StartDelay before the first sweep after Run starts.
	StartDelay time.Duration
	// BatchSize of ids listed per store round trip.
	BatchSize int
	// MaxBatches bounds one sweep.
	MaxBatches int
	// DeleteRate caps deletes per second; zero leaves deletes unpaced.
	DeleteRate float64
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = defaultCheckInterval
	}
	if o.BacklogThreshold <= 0 {
		o.BacklogThreshold = defaultBacklogThreshold
	}
	if o.StartDelay <= 0 {
		o.StartDelay = defaultStartDelay
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.MaxBatches <= 0 {
		o.MaxBatches = defaultMaxBatches
	}
	return o
}

// Result summarises one or more sweep passes.
type Result struct {
	Scanned  int           `json:"scanned"`
	Deleted  int           `json:"deleted"`
	Missing  int           `json:"missing"`
	Failed   int           `json:"failed"`
	Passes   int           `json:"passes"`
	Duration time.Duration `json:"duration_ns"`
}

func (r *Result) add(o Result) {
	r.Scanned += o.Scanned
	r.Deleted += o.Deleted
	r.Missing += o.Missing
	r.Failed += o.Failed
	r.Passes += o.Passes
	r.Duration += o.Duration
}

// Reaper deletes reapable records from a Store.
type Reaper struct {
	store     object.Store
	clock     clock.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
	publisher object.Publisher
	limiter   *rate.Limiter
	opts      Options

	mu sync.Mutex // serialises sweeps
}

// Option configures the Reaper.
type Option func(*Reaper)

func WithClock(c clock.Clock) Option { return func(r *Reaper) { r.clock = clock.OrReal(c) } }

func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(r *Reaper) { r.metrics = m } }

// WithPublisher receives a purged event for every removed record.
func WithPublisher(p object.Publisher) Option {
	return func(r *Reaper) {
		if p != nil {
			r.publisher = p
		}
	}
}

// New constructs a Reaper.
func New(store object.Store, opts Options, options ...Option) (*Reaper, error) {
	if store == nil {
		return nil, object.ErrInvalidInput
	}
	r := &Reaper{
		store:     store,
		clock:     clock.Real{},
		log:       slog.Default(),
		publisher: object.NopPublisher{},
		opts:      opts.withDefaults(),
	}
	for _, opt := range options {
		if opt != nil {
			opt(r)
		}
	}
	if r.opts.DeleteRate > 0 {
		burst := int(r.opts.DeleteRate)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(r.opts.DeleteRate), burst)
	}
	return r, nil
}

// Sweep removes every record reapable at the time each batch is listed.
// Per-record failures are counted and logged; the record is retried next sweep.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.clock.Now()
	res := Result{Passes: 1}
	var err error
	for batch := 0; batch < r.opts.MaxBatches; batch++ {
		var ids []string
		ids, err = r.store.ListReapable(ctx, r.clock.Now(), r.opts.BatchSize)
		if err != nil {
			break
		}
		res.Scanned += len(ids)

		progressed := 0
		for _, id := range ids {
			if err = r.wait(ctx); err != nil {
				break
			}
			switch delErr := r.store.Delete(ctx, id); {
			case delErr == nil:
				res.Deleted++
				progressed++
				r.publisher.Publish(object.Event{ObjectID: id, Kind: object.EventPurged, At: r.clock.Now()})
			case errors.Is(delErr, object.ErrNotFound):
				res.Missing++
				progressed++
			default:
				res.Failed++
				r.log.Warn("reaper.delete.fail", "object_id", id, "err", delErr)
			}
		}
		if err != nil || len(ids) < r.opts.BatchSize || progressed == 0 {
			break
		}
	}
	res.Duration = r.clock.Now().Sub(start)
	r.metrics.Sweep(res.Deleted, res.Failed, res.Duration)

	if err != nil {
		r.log.Error("reaper.sweep.fail", "deleted", res.Deleted, "failed", res.Failed, "err", err)
		return res, err
	}
	if res.Scanned > 0 {
		r.log.Info("reaper.sweep.done",
			"deleted", res.Deleted,
			"missing", res.Missing,
			"failed", res.Failed,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
	return res, nil
}

// ForceSweep runs up to passes sweeps, stopping early once a pass removes nothing.
func (r *Reaper) ForceSweep(ctx context.Context, passes int) (Result, error) {
	if passes <= 0 {
		passes = defaultForcePasses
	}
	var total Result
	for i := 0; i < passes; i++ {
		res, err := r.Sweep(ctx)
		total.add(res)
		if err != nil {
			return total, err
		}
		if res.Deleted == 0 {
			break
		}
	}
	return total, nil
}

// CheckBacklog sweeps early when more than BacklogThreshold records are pending.
func (r *Reaper) CheckBacklog(ctx context.Context) (bool, Result, error) {
	counts, err := r.store.Counts(ctx, r.clock.Now())
	if err != nil {
		return false, Result{}, err
	}
	if counts.Pending() <= r.opts.BacklogThreshold {
		return false, Result{}, nil
	}
	r.log.Info("reaper.backlog.escalate",
		"expired", counts.Expired,
		"terminal", counts.Terminal,
		"threshold", r.opts.BacklogThreshold,
	)
	res, err := r.Sweep(ctx)
	return true, res, err
}

// Run drives the schedule until ctx is done. Failures are logged, never returned.
func (r *Reaper) Run(ctx context.Context) {
	r.log.Info("reaper.start",
		"interval", r.opts.Interval.String(),
		"check_interval", r.opts.CheckInterval.String(),
		"backlog_threshold", r.opts.BacklogThreshold,
	)
	defer r.log.Info("reaper.stop")

	first := time.NewTimer(r.opts.StartDelay)
	defer first.Stop()
	sweep := time.NewTicker(r.opts.Interval)
	defer sweep.Stop()
	check := time.NewTicker(r.opts.CheckInterval)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-first.C:
			_, _ = r.Sweep(ctx)
		case <-sweep.C:
			_, _ = r.Sweep(ctx)
		case <-check.C:
			if _, _, err := r.CheckBacklog(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("reaper.backlog.fail", "err", err)
			}
		}
	}
}

func (r *Reaper) wait(ctx context.Context) error {
	if r.limiter == nil {
		return ctx.Err()
	}
	return r.limiter.Wait(ctx)
}
