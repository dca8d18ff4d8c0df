// Package app wires the burnbox server runtime: config, logging, stores, the
// object API, admin and watch endpoints, the reaper and metrics.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"burnbox/cmd/internal/admin"
	"burnbox/cmd/internal/metrics"
	"burnbox/cmd/internal/object"
	"burnbox/cmd/internal/ratelimit"
	"burnbox/cmd/internal/reaper"
	"burnbox/cmd/internal/share"
	shareapi "burnbox/cmd/internal/share/api"
	"burnbox/cmd/internal/watch"
	"burnbox/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App owns every long-lived dependency of a burnbox server.
type App struct {
	cfg     Config
	log     Logger
	metrics *metrics.Metrics

	store object.Store
	pool  *pgxpool.Pool
	rate  rateBackend

	svc    *share.Service
	reaper *reaper.Reaper
	hub    *watch.Hub

	handler http.Handler
}

// New constructs a fully wired App. Store initialisation failures are fatal.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	m := metrics.New()

	st, pool, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, metrics: m, store: st, pool: pool}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	a.rate = openRateBackend(ctx, cfg, log)
	gov, err := ratelimit.NewGovernor(a.rate.backend, cfg.RatePolicy,
		ratelimit.WithFailOpen(cfg.RateFailOpen),
		ratelimit.WithLogger(log),
		ratelimit.WithDenyHook(func(c ratelimit.Class) { m.RateDenied(string(c)) }),
	)
	if err != nil {
		return nil, err
	}

	hasher, err := token.NewHasher(cfg.TokenHMACKey, cfg.RequireTokenHMAC, token.MinKeyBytes)
	if err != nil {
		return nil, err
	}

	a.hub = watch.NewHub(log, cfg.WatchMaxPerObject)

	a.svc, err = share.NewService(st,
		share.WithGovernor(gov),
		share.WithLimits(cfg.Limits),
		share.WithPublisher(a.hub),
		share.WithTokenHasher(hasher),
		share.WithLogger(log),
		share.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	a.reaper, err = reaper.New(st, cfg.Reaper,
		reaper.WithLogger(log),
		reaper.WithMetrics(m),
		reaper.WithPublisher(a.hub),
	)
	if err != nil {
		return nil, err
	}

	api, err := shareapi.NewHandler(log, a.svc, shareapi.Config{TrustProxy: cfg.TrustProxy})
	if err != nil {
		return nil, err
	}
	gw := watch.NewGateway(log, a.hub, a.svc, cfg.Watch, watch.WithMetrics(m))
	adm := admin.NewHandler(log, cfg.AdminSecret, a.reaper, a.svc, nil)

	mux := http.NewServeMux()
	a.registerHTTP(mux, api, gw, adm)
	a.handler = WithRequestID(WithSecurityHeaders(WithRequestLogging(WithCORS(mux, cfg, log), log, m)))

	ok = true
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Service returns the boundary service.
func (a *App) Service() *share.Service { return a.svc }

// Reaper returns the configured reaper.
func (a *App) Reaper() *reaper.Reaper { return a.reaper }

// Run serves HTTP and runs the background loops until ctx is cancelled or the
// server fails. It closes the App before returning.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.Close(); err != nil {
			a.log.Error("app.close.fail", "err", err)
		}
	}()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	if a.rate.memory != nil {
		a.rate.memory.StartJanitor(bgCtx, a.cfg.RateGCInterval, nil)
	}
	reaperDone := make(chan struct{})
	if a.cfg.ReaperEnabled {
		go func() {
			defer close(reaperDone)
			a.reaper.Run(bgCtx)
		}()
	} else {
		close(reaperDone)
		a.log.Info("reaper.disabled")
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 60*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 60*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.cfg.Store,
		"rate_backend", a.cfg.RateBackend,
		"admin_enabled", a.cfg.AdminSecret != "",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	stopBackground()
	select {
	case <-reaperDone:
	case <-shutdownCtx.Done():
		a.log.Warn("reaper.stop.timeout")
	}

	a.log.Info("server.stopped")
	return runErr
}

// Close releases the store, database pool and rate backend.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
		a.store = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if err := a.rate.close(); err != nil {
		errs = append(errs, err)
	}
	a.rate.redis = nil
	return errors.Join(errs...)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
