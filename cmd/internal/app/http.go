package app

import (
	"net/http"
	"time"

	"burnbox/cmd/internal/admin"
	shareapi "burnbox/cmd/internal/share/api"
	"burnbox/cmd/internal/watch"
)

func (a *App) registerHTTP(mux *http.ServeMux, api *shareapi.Handler, gw *watch.Gateway, adm *admin.Handler) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && a.pool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if a.pool != nil {
			if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
				a.log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		if !a.cfg.RateFailOpen {
			if err := a.rate.ping(r.Context()); err != nil {
				a.log.Info("readyz.ratelimit.not_ready", "err", err)
				http.Error(w, "rate backend not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", a.metrics.Handler())

	api.Register(mux)
	gw.Register(mux)
	adm.Register(mux)
}
