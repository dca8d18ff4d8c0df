package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"burnbox/cmd/internal/clock"
	"burnbox/cmd/internal/object"
	"burnbox/cmd/internal/reaper"
)

const maxPasses = 10

// Sweeper runs on-demand reaper passes.
type Sweeper interface {
	ForceSweep(ctx context.Context, passes int) (reaper.Result, error)
}

// StatsSource reports store counts.
type StatsSource interface {
	Stats(ctx context.Context) (object.Counts, error)
}

// Handler serves /admin endpoints.
type Handler struct {
	log     *slog.Logger
	secret  []byte
	clock   clock.Clock
	sweeper Sweeper
	stats   StatsSource
}

// NewHandler constructs a Handler. An empty secret disables the endpoints.
func NewHandler(log *slog.Logger, secret string, sweeper Sweeper, stats StatsSource, clk clock.Clock) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:     log,
		secret:  []byte(strings.TrimSpace(secret)),
		clock:   clock.OrReal(clk),
		sweeper: sweeper,
		stats:   stats,
	}
}

// Enabled reports whether admin endpoints are served.
func (h *Handler) Enabled() bool { return h != nil && len(h.secret) > 0 }

// Register wires admin routes when enabled; otherwise the paths fall through to 404.
func (h *Handler) Register(mux *http.ServeMux) {
	if !h.Enabled() || mux == nil {
		return
	}
	mux.Handle("POST /admin/sweep", h.RequireAdmin(http.HandlerFunc(h.handleSweep)))
	mux.Handle("GET /admin/stats", h.RequireAdmin(http.HandlerFunc(h.handleStats)))
}

// RequireAdmin rejects requests without a valid bearer admin token.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if err := VerifyToken(raw, h.secret, h.clock.Now()); err != nil {
			h.log.Warn("admin.auth.fail", "path", r.URL.Path, "err", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="burnbox-admin"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sweepResponse struct {
	Scanned    int   `json:"scanned"`
	Deleted    int   `json:"deleted"`
	Missing    int   `json:"missing"`
	Failed     int   `json:"failed"`
	Passes     int   `json:"passes"`
	DurationMS int64 `json:"duration_ms"`
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "reaper not configured")
		return
	}
	passes := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("passes")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPasses {
			writeError(w, http.StatusBadRequest, "invalid_request", "passes must be 1..10")
			return
		}
		passes = n
	}

	res, err := h.sweeper.ForceSweep(r.Context(), passes)
	if err != nil {
		h.log.Error("admin.sweep.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "sweep failed")
		return
	}
	h.log.Info("admin.sweep.done", "deleted", res.Deleted, "failed", res.Failed, "passes", res.Passes)
	writeJSON(w, http.StatusOK, sweepResponse{
		Scanned:    res.Scanned,
		Deleted:    res.Deleted,
		Missing:    res.Missing,
		Failed:     res.Failed,
		Passes:     res.Passes,
		DurationMS: res.Duration.Milliseconds(),
	})
}

type statsResponse struct {
	Active   int64 `json:"active"`
	Expired  int64 `json:"expired"`
	Terminal int64 `json:"terminal"`
	Pending  int64 `json:"pending"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "stats not configured")
		return
	}
	c, err := h.stats.Stats(r.Context())
	if err != nil {
		h.log.Error("admin.stats.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Active:   c.Active,
		Expired:  c.Expired,
		Terminal: c.Terminal,
		Pending:  c.Pending(),
	})
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": msg}})
}
