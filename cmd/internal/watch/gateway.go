// Package watch pushes object lifecycle events to websocket subscribers.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"burnbox/cmd/internal/clock"
	"burnbox/cmd/internal/ids"
	"burnbox/cmd/internal/metrics"
	"burnbox/cmd/internal/object"
	"burnbox/cmd/internal/ratelimit"
	"burnbox/cmd/internal/share"
	shareapi "burnbox/cmd/internal/share/api"
	v1 "burnbox/shared/contracts/watch/v1"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// SnapshotSource reports the current state of an object, charging the caller's
// metadata quota.
type SnapshotSource interface {
	Peek(ctx context.Context, caller share.Caller, id string) (share.Snapshot, error)
}

// Config tunes the gateway. Zero values select defaults.
type Config struct {
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	// AllowedOrigins lists full origins or hosts besides the request host; "*" allows any.
	AllowedOrigins []string
	// InsecureSkipVerify disables the websocket library's own origin check. Dev only.
	InsecureSkipVerify bool
	// TrustProxy takes the caller identity from X-Forwarded-For/X-Real-IP.
	TrustProxy bool

	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendQueue         int
	RateEvents        int
	RateWindow        time.Duration
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueue
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	return c
}

// Gateway is the websocket entrypoint for object watches.
//
// A session receives one snapshot, then lifecycle events, and is closed by the
// server after the first terminal event or when the object expires.
type Gateway struct {
	log     *slog.Logger
	hub     *Hub
	source  SnapshotSource
	clock   clock.Clock
	metrics *metrics.Metrics
	cfg     Config

	originPatterns []string
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithClock(c clock.Clock) Option {
	return func(g *Gateway) { g.clock = clock.OrReal(c) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway constructs a gateway over hub and source.
func NewGateway(log *slog.Logger, hub *Hub, source SnapshotSource, cfg Config, opts ...Option) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log, 0)
	}
	g := &Gateway{
		log:    log,
		hub:    hub,
		source: source,
		clock:  clock.Real{},
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.originPatterns = deriveOriginPatterns(g.cfg.AllowedOrigins)
	return g
}

// Register mounts the watch route.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/objects/{id}/watch", g.HandleWS)
}

// HandleWS validates the request, subscribes, upgrades and runs the session.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !ids.Valid(id) {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("watch.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if g.source == nil {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	// Subscribe before the snapshot so no transition falls between the two.
	sub, err := g.hub.Subscribe(id, g.cfg.SendQueue)
	if err != nil {
		http.Error(w, "too many watchers", http.StatusTooManyRequests)
		return
	}
	defer g.hub.Unsubscribe(sub)

	snap, err := g.source.Peek(r.Context(), shareapi.CallerFromRequest(r, g.cfg.TrustProxy), id)
	if err != nil {
		var le ratelimit.LimitError
		switch {
		case errors.As(err, &le):
			shareapi.SetDeniedHeaders(w, le)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
		case errors.Is(err, ratelimit.ErrUnavailable):
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		case errors.Is(err, object.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, share.ErrInvalidID):
			http.Error(w, "invalid id", http.StatusBadRequest)
		default:
			g.log.Error("watch.snapshot.fail", "object_id", id, "err", err)
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Info("watch.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("watch.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	g.metrics.WatchOpened()
	defer g.metrics.WatchClosed()
	g.log.Debug("watch.open", "object_id", id, "subscriber", sub.ID)

	g.serve(r.Context(), conn, sub, snap)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, sub *Subscriber, snap share.Snapshot) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sub.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	now := g.clock.Now()
	if err := writeEnvelope(ctx, conn, snapshotEnvelope(snap, now), g.cfg.WriteTimeout); err != nil {
		shutdown(websocket.StatusAbnormalClosure, "write failed")
		return
	}
	if snap.State != object.StateActive {
		shutdown(websocket.StatusNormalClosure, "terminal")
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, sub, snap, shutdown)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, sub, shutdown)
	}()

	g.readLoop(ctx, conn, sub, shutdown)

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (g *Gateway) writeLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber, snap share.Snapshot, shutdown func(websocket.StatusCode, string)) {
	expiry := time.NewTimer(max(snap.ExpiresAt.Sub(g.clock.Now()), 0))
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-expiry.C:
			env, err := eventEnvelope(object.Event{ObjectID: sub.ObjectID, Kind: object.EventExpired, At: g.clock.Now()})
			if err == nil {
				_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
			}
			shutdown(websocket.StatusNormalClosure, "terminal")
			return
		case f := <-sub.send:
			if err := writeEnvelope(ctx, conn, f.env, g.cfg.WriteTimeout); err != nil {
				g.log.Info("watch.write.fail", "subscriber", sub.ID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
			if f.last {
				shutdown(websocket.StatusNormalClosure, "terminal")
				return
			}
		}
	}
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, sub *Subscriber, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()
			if err != nil {
				failures++
				g.log.Info("watch.ping.fail", "subscriber", sub.ID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber, shutdown func(websocket.StatusCode, string)) {
	limiter := rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		mt, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				shutdown(websocket.StatusNormalClosure, "idle")
			case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("watch.read.fail", "subscriber", sub.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if !limiter.AllowN(g.clock.Now(), 1) {
			g.trySendError(sub, "rate_limited", "too many frames")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}
		if mt != websocket.MessageText {
			g.trySendError(sub, "bad_frame", "text frames only")
			continue
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.trySendError(sub, "bad_json", "invalid JSON")
			continue
		}
		if err := env.Validate(); err != nil {
			g.trySendError(sub, "bad_envelope", err.Error())
			continue
		}
		if env.Type != v1.TypePing {
			g.trySendError(sub, "unsupported", "only ping is accepted")
			continue
		}
		sub.offer(frame{env: newEnvelope(v1.TypePong, json.RawMessage(`{}`), g.clock.Now())})
	}
}

func (g *Gateway) trySendError(sub *Subscriber, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	sub.offer(frame{env: newEnvelope(v1.TypeError, p, g.clock.Now())})
}

func snapshotEnvelope(s share.Snapshot, now time.Time) v1.Envelope {
	p, _ := json.Marshal(v1.SnapshotPayload{ObjectID: s.ID, State: string(s.State), ExpiresAt: s.ExpiresAt})
	return newEnvelope(v1.TypeSnapshot, p, now)
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	originHost := originHostOnly(origin)
	if originHost != "" && originHost == originHostOnly(r.Host) {
		return nil
	}
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", a == origin:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return errors.New("origin not allowed: " + origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns keeps websocket.Accept's own origin check in agreement
// with the allowlist.
func deriveOriginPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
