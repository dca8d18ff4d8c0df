package shareapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"burnbox/cmd/internal/clock"
	"burnbox/cmd/internal/object"
	"burnbox/cmd/internal/ratelimit"
	"burnbox/cmd/internal/share"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	mux   *http.ServeMux
	clock *clock.Manual
	store *object.MemoryStore
}

func newTestServer(t *testing.T, policy ratelimit.Policy, cfg Config) testServer {
	t.Helper()

	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := object.NewMemoryStore()
	opts := []share.Option{share.WithClock(clk)}
	if policy != nil {
		gov, err := ratelimit.NewGovernor(ratelimit.NewMemoryBackend(), policy, ratelimit.WithClock(clk))
		require.NoError(t, err)
		opts = append(opts, share.WithGovernor(gov))
	}
	svc, err := share.NewService(store, opts...)
	require.NoError(t, err)

	h, err := NewHandler(nil, svc, cfg)
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)
	return testServer{mux: mux, clock: clk, store: store}
}

func (s testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "203.0.113.9:51234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}

func validCreate(payload string) createRequest {
	return createRequest{
		Ciphertext: []byte(payload),
		IV:         []byte("0123456789ab"),
		Name:       "hello.txt",
		SizeBytes:  int64(len(payload)),
	}
}

func mustCreate(t *testing.T, s testServer, req createRequest) createResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/objects", req, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestObjectLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, ratelimit.DefaultPolicy(), Config{})

	rec := s.do(t, http.MethodPost, "/v1/objects", validCreate("ciphertext!"), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var created createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.SingleConsumption)
	assert.Equal(t, "/v1/objects/"+created.ID, rec.Header().Get("Location"))

	// Metadata reads never burn the object.
	for i := 0; i < 2; i++ {
		rec = s.do(t, http.MethodGet, "/v1/objects/"+created.ID, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var md metadataResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &md))
		assert.Equal(t, int64(11), md.SizeBytes)
		assert.Equal(t, "hello.txt", md.Name)
	}

	rec = s.do(t, http.MethodPost, "/v1/objects/"+created.ID+"/consume", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dl consumeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dl))
	assert.Equal(t, []byte("ciphertext!"), dl.Ciphertext)
	assert.Equal(t, []byte("0123456789ab"), dl.IV)
	assert.Equal(t, 1, dl.ConsumedCount)

	rec = s.do(t, http.MethodPost, "/v1/objects/"+created.ID+"/consume", nil, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "already_consumed", errorCode(t, rec))

	rec = s.do(t, http.MethodDelete, "/v1/objects/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v1/objects/"+created.ID, nil, map[string]string{RevokeTokenHeader: created.RevokeToken})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, "/v1/objects/"+created.ID, nil, map[string]string{RevokeTokenHeader: created.RevokeToken})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/objects/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "gone", errorCode(t, rec))
}

func TestCreate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{name: "empty body", body: nil, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "malformed", body: "{", status: http.StatusBadRequest, code: "invalid_json"},
		{name: "unknown field", body: `{"ciphertext":"YQ==","iv":"YQ==","size_bytes":1,"extra":true}`, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "bad base64", body: `{"ciphertext":"***","iv":"YQ==","size_bytes":1}`, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "size mismatch", body: func() createRequest { r := validCreate("abc"); r.SizeBytes = 4; return r }(), status: http.StatusBadRequest, code: "size_mismatch"},
		{name: "ttl too short", body: func() createRequest { r := validCreate("abc"); r.TTLSeconds = 60; return r }(), status: http.StatusBadRequest, code: "ttl_out_of_range"},
		{name: "ttl negative", body: func() createRequest { r := validCreate("abc"); r.TTLSeconds = -1; return r }(), status: http.StatusBadRequest, code: "ttl_out_of_range"},
		{name: "missing iv", body: func() createRequest { r := validCreate("abc"); r.IV = nil; return r }(), status: http.StatusBadRequest, code: "invalid_request"},
		{name: "declared too large", body: func() createRequest { r := validCreate("abc"); r.SizeBytes = 51 << 20; return r }(), status: http.StatusRequestEntityTooLarge, code: "payload_too_large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, nil, Config{})
			rec := s.do(t, http.MethodPost, "/v1/objects", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestCreate_BodyTooLarge(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, Config{MaxBodyBytes: 64})
	rec := s.do(t, http.MethodPost, "/v1/objects", validCreate(strings.Repeat("x", 200)), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", errorCode(t, rec))
}

func TestRateLimitedResponse(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, ratelimit.Policy{ratelimit.ClassConsume: {Limit: 1, Window: 90 * time.Second}}, Config{})
	created := mustCreate(t, s, validCreate("x"))

	rec := s.do(t, http.MethodPost, "/v1/objects/"+created.ID+"/consume", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	s.clock.Advance(500 * time.Millisecond)
	rec = s.do(t, http.MethodPost, "/v1/objects/"+created.ID+"/consume", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errorCode(t, rec))
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	s.clock.Advance(90 * time.Second)
	rec = s.do(t, http.MethodPost, "/v1/objects/"+created.ID+"/consume", nil, nil)
	assert.Equal(t, http.StatusGone, rec.Code, "window reopened; object already consumed")
}

func TestCreate_RejectedBodiesChargeQuota(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, ratelimit.Policy{ratelimit.ClassCreate: {Limit: 2, Window: time.Hour}}, Config{MaxBodyBytes: 64})

	rec := s.do(t, http.MethodPost, "/v1/objects", `{"bogus":`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	rec = s.do(t, http.MethodPost, "/v1/objects", validCreate(strings.Repeat("x", 200)), nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	for i := 0; i < 3; i++ {
		rec = s.do(t, http.MethodPost, "/v1/objects", `{"bogus":`, nil)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "rate_limited", errorCode(t, rec))
	}
	rec = s.do(t, http.MethodPost, "/v1/objects", validCreate("ok"), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	s.clock.Advance(time.Hour)
	mustCreate(t, s, validCreate("ok"))
}

func TestLookupErrors(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, Config{})

	rec := s.do(t, http.MethodGet, "/v1/objects/not-a-ulid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_id", errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/v1/objects/01HZX3Q4W8J3M2N6P7R8S9T0VA/consume", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))

	created := mustCreate(t, s, func() createRequest { r := validCreate("x"); r.TTLSeconds = 3600; return r }())
	s.clock.Advance(2 * time.Hour)
	rec = s.do(t, http.MethodPost, "/v1/objects/"+created.ID+"/consume", nil, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "expired", errorCode(t, rec))

	rec = s.do(t, http.MethodGet, "/v1/objects/"+created.ID+"/consume", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "consumption requires POST")
}

func TestStatus(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, ratelimit.DefaultPolicy(), Config{})
	rec := s.do(t, http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(50<<20), st.MaxPayloadBytes)
	assert.Equal(t, "50 MiB", st.MaxPayloadHuman)
	assert.Equal(t, int64(3600), st.MinTTLSeconds)
	assert.Equal(t, int64(168*3600), st.MaxTTLSeconds)
	assert.Equal(t, int64(24*3600), st.DefaultTTLSeconds)
	require.Len(t, st.RateLimits, 3)
	assert.Equal(t, rateLimitInfo{Class: "consume", Limit: 10, WindowSeconds: 3600}, st.RateLimits[0])
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		remote string
		xff    string
		xrip   string
		trust  bool
		want   string
	}{
		{name: "remote addr", remote: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "xff ignored without trust", remote: "192.0.2.1:1234", xff: "198.51.100.2", want: "192.0.2.1"},
		{name: "xff left-most", remote: "192.0.2.1:1234", xff: "junk, 198.51.100.2, 10.0.0.1", trust: true, want: "198.51.100.2"},
		{name: "x-real-ip", remote: "192.0.2.1:1234", xrip: "198.51.100.3", trust: true, want: "198.51.100.3"},
		{name: "unparseable", remote: "nonsense", want: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xrip != "" {
				r.Header.Set("X-Real-IP", tt.xrip)
			}
			assert.Equal(t, tt.want, identityOf(clientIP(r, tt.trust)))
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(1), retryAfterSeconds(0))
	assert.Equal(t, int64(1), retryAfterSeconds(10*time.Millisecond))
	assert.Equal(t, int64(2), retryAfterSeconds(1001*time.Millisecond))
	assert.Equal(t, int64(3600), retryAfterSeconds(time.Hour))
}
