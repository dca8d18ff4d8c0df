// Package shareapi exposes the share service over HTTP JSON.
package shareapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"burnbox/cmd/internal/object"
	"burnbox/cmd/internal/ratelimit"
	"burnbox/cmd/internal/share"

	"github.com/dustin/go-humanize"
)

// RevokeTokenHeader carries the revoke token on DELETE.
const RevokeTokenHeader = "X-Revoke-Token"

// Handler wires HTTP object endpoints to the share service.
type Handler struct {
	log     *slog.Logger
	cfg     Config
	service *share.Service
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *share.Service, cfg Config) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("shareapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = bodyLimitFor(svc.Status().Limits.MaxPayloadBytes)
	}
	return &Handler{log: log, cfg: cfg, service: svc}, nil
}

// Register wires object routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/objects", h.handleCreate)
	mux.HandleFunc("GET /v1/objects/{id}", h.handleMetadata)
	mux.HandleFunc("POST /v1/objects/{id}/consume", h.handleConsume)
	mux.HandleFunc("DELETE /v1/objects/{id}", h.handleDelete)
	mux.HandleFunc("GET /v1/status", h.handleStatus)
}

// ---- handlers ----

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller := h.caller(r)
	// Charge the quota before reading the body so rejected bodies still count.
	quota, err := h.service.Admit(r.Context(), ratelimit.ClassCreate, caller)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	setRateLimitHeaders(w, quota)

	var req createRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "ttl_out_of_range", "ttl out of range")
		return
	}

	out, err := h.service.CreateAdmitted(r.Context(), share.CreateInput{
		Caller:            caller,
		Ciphertext:        req.Ciphertext,
		IV:                req.IV,
		Salt:              req.Salt,
		Name:              req.Name,
		ContentType:       req.ContentType,
		SizeBytes:         req.SizeBytes,
		SingleConsumption: req.SingleConsumption,
		TTL:               time.Duration(req.TTLSeconds) * time.Second,
		CaptchaToken:      req.Captcha,
	}, quota)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/objects/"+out.ID)
	writeJSON(w, http.StatusCreated, createResponse{
		ID:                out.ID,
		ExpiresAt:         out.ExpiresAt,
		RevokeToken:       out.RevokeToken,
		SingleConsumption: out.SingleConsumption,
		SizeBytes:         out.SizeBytes,
	})
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	md, err := h.service.Metadata(r.Context(), h.caller(r), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	setRateLimitHeaders(w, md.Quota)
	writeJSON(w, http.StatusOK, toMetadataResponse(md))
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	dl, err := h.service.Consume(r.Context(), h.caller(r), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	setRateLimitHeaders(w, dl.Quota)
	writeJSON(w, http.StatusOK, consumeResponse{
		metadataResponse: toMetadataResponse(dl.Metadata),
		Ciphertext:       dl.Ciphertext,
		IV:               dl.IV,
		Salt:             dl.Salt,
		ConsumedCount:    dl.ConsumedCount,
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := h.service.Delete(r.Context(), share.DeleteInput{
		Caller:      h.caller(r),
		ID:          r.PathValue("id"),
		RevokeToken: strings.TrimSpace(r.Header.Get(RevokeTokenHeader)),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := h.service.Status()
	resp := statusResponse{
		MaxPayloadBytes:   st.Limits.MaxPayloadBytes,
		MaxPayloadHuman:   humanize.IBytes(uint64(st.Limits.MaxPayloadBytes)),
		MinTTLSeconds:     int64(st.Limits.MinTTL.Seconds()),
		MaxTTLSeconds:     int64(st.Limits.MaxTTL.Seconds()),
		DefaultTTLSeconds: int64(st.Limits.DefaultTTL.Seconds()),
		RateLimits:        make([]rateLimitInfo, 0, len(st.Policy)),
	}
	for _, class := range st.Policy.Classes() {
		rule := st.Policy[class]
		resp.RateLimits = append(resp.RateLimits, rateLimitInfo{
			Class:         string(class),
			Limit:         rule.Limit,
			WindowSeconds: int64(rule.Window.Seconds()),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError is the single mapping from service errors to HTTP responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var le ratelimit.LimitError
	switch {
	case errors.As(err, &le):
		writeRateLimited(w, le)
	case errors.Is(err, ratelimit.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "please retry later")
	case errors.Is(err, share.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "invalid_id", "malformed object id")
	case errors.Is(err, share.ErrSizeMismatch):
		writeError(w, http.StatusBadRequest, "size_mismatch", "size_bytes does not match ciphertext length")
	case errors.Is(err, share.ErrTTLOutOfRange):
		writeError(w, http.StatusBadRequest, "ttl_out_of_range", "ttl out of range")
	case errors.Is(err, share.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "payload too large")
	case errors.Is(err, share.ErrInvalidInput), errors.Is(err, object.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
	case errors.Is(err, share.ErrCaptchaRequired), errors.Is(err, share.ErrCaptchaInvalid):
		writeError(w, http.StatusForbidden, "captcha_invalid", "captcha verification failed")
	case errors.Is(err, share.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "revoke token required")
	case errors.Is(err, object.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "object not found")
	case errors.Is(err, object.ErrAlreadyConsumed):
		writeError(w, http.StatusGone, "already_consumed", "object already consumed")
	case errors.Is(err, object.ErrExpired):
		writeError(w, http.StatusGone, "expired", "object expired")
	case errors.Is(err, object.ErrGone):
		writeError(w, http.StatusGone, "gone", "object deleted")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "request cancelled")
	default:
		h.log.Error("shareapi.request.fail", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func (h *Handler) caller(r *http.Request) share.Caller {
	return CallerFromRequest(r, h.cfg.TrustProxy)
}

// CallerFromRequest resolves the rate-limit identity of an HTTP request.
func CallerFromRequest(r *http.Request, trustProxy bool) share.Caller {
	ip := clientIP(r, trustProxy)
	return share.Caller{Identity: identityOf(ip), IP: ip}
}

func toMetadataResponse(md share.Metadata) metadataResponse {
	return metadataResponse{
		ID:                md.ID,
		Name:              md.Name,
		ContentType:       md.ContentType,
		SizeBytes:         md.SizeBytes,
		SingleConsumption: md.SingleConsumption,
		ExpiresAt:         md.ExpiresAt,
	}
}
