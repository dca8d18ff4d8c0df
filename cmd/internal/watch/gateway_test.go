package watch

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"burnbox/cmd/internal/clock"
	"burnbox/cmd/internal/object"
	"burnbox/cmd/internal/ratelimit"
	"burnbox/cmd/internal/share"
	v1 "burnbox/shared/contracts/watch/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var caller = share.Caller{Identity: "203.0.113.7", IP: net.ParseIP("203.0.113.7")}

type env struct {
	svc *share.Service
	hub *Hub
	srv *httptest.Server
}

func newEnv(t *testing.T, cfg Config, opts ...Option) env {
	t.Helper()
	log := quietLogger()
	hub := NewHub(log, 0)
	svc, err := share.NewService(object.NewMemoryStore(),
		share.WithClock(clock.NewManual(testStart)),
		share.WithPublisher(hub),
	)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewGateway(log, hub, svc, cfg, opts...).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return env{svc: svc, hub: hub, srv: srv}
}

func (e env) create(t *testing.T, single bool) share.Created {
	t.Helper()
	out, err := e.svc.Create(context.Background(), share.CreateInput{
		Caller:            caller,
		Ciphertext:        []byte("sealed"),
		IV:                []byte("iv-123456789"),
		SizeBytes:         6,
		SingleConsumption: &single,
	})
	require.NoError(t, err)
	return out
}

func (e env) url(id string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/objects/" + id + "/watch"
}

func dial(t *testing.T, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   header,
	})
	if conn != nil {
		t.Cleanup(func() { _ = conn.CloseNow() })
	}
	return conn, resp, err
}

func readEnv(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var out v1.Envelope
	require.NoError(t, json.Unmarshal(data, &out))
	require.NoError(t, out.Validate())
	return out
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func waitWatchers(t *testing.T, h *Hub, id string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Watchers(id) == n }, 2*time.Second, 10*time.Millisecond)
}

func TestWatchSnapshotThenConsumed(t *testing.T) {
	e := newEnv(t, Config{})
	obj := e.create(t, true)

	conn, _, err := dial(t, e.url(obj.ID), nil)
	require.NoError(t, err)
	assert.Equal(t, v1.Subprotocol, conn.Subprotocol())

	snap := readEnv(t, conn)
	require.Equal(t, v1.TypeSnapshot, snap.Type)
	var sp v1.SnapshotPayload
	require.NoError(t, json.Unmarshal(snap.Payload, &sp))
	assert.Equal(t, obj.ID, sp.ObjectID)
	assert.Equal(t, string(object.StateActive), sp.State)
	assert.True(t, sp.ExpiresAt.Equal(obj.ExpiresAt))

	_, err = e.svc.Consume(context.Background(), caller, obj.ID)
	require.NoError(t, err)

	ev := readEnv(t, conn)
	require.Equal(t, v1.TypeEvent, ev.Type)
	var ep v1.EventPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &ep))
	assert.Equal(t, v1.KindConsumed, ep.Kind)
	assert.True(t, ep.Terminal())

	expectClosed(t, conn)
	waitWatchers(t, e.hub, obj.ID, 0)
}

func TestWatchTerminalSnapshotCloses(t *testing.T) {
	e := newEnv(t, Config{})
	obj := e.create(t, true)
	_, err := e.svc.Consume(context.Background(), caller, obj.ID)
	require.NoError(t, err)

	conn, _, err := dial(t, e.url(obj.ID), nil)
	require.NoError(t, err)

	snap := readEnv(t, conn)
	var sp v1.SnapshotPayload
	require.NoError(t, json.Unmarshal(snap.Payload, &sp))
	assert.Equal(t, string(object.StateConsumed), sp.State)
	expectClosed(t, conn)
}

func TestWatchDeleteEvent(t *testing.T) {
	e := newEnv(t, Config{})
	obj := e.create(t, false)

	conn, _, err := dial(t, e.url(obj.ID), nil)
	require.NoError(t, err)
	readEnv(t, conn)

	require.NoError(t, e.svc.Delete(context.Background(), share.DeleteInput{Caller: caller, ID: obj.ID, RevokeToken: obj.RevokeToken}))

	ev := readEnv(t, conn)
	var ep v1.EventPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &ep))
	assert.Equal(t, v1.KindDeleted, ep.Kind)
	expectClosed(t, conn)
}

func TestWatchExpiryTimer(t *testing.T) {
	gwClock := clock.NewManual(testStart)
	e := newEnv(t, Config{}, WithClock(gwClock))
	obj := e.create(t, true)
	gwClock.Set(obj.ExpiresAt.Add(-50 * time.Millisecond))

	conn, _, err := dial(t, e.url(obj.ID), nil)
	require.NoError(t, err)
	readEnv(t, conn)

	ev := readEnv(t, conn)
	var ep v1.EventPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &ep))
	assert.Equal(t, v1.KindExpired, ep.Kind)
	expectClosed(t, conn)
}

func TestWatchPingPong(t *testing.T) {
	e := newEnv(t, Config{})
	obj := e.create(t, false)

	conn, _, err := dial(t, e.url(obj.ID), nil)
	require.NoError(t, err)
	readEnv(t, conn)

	ping, err := json.Marshal(v1.Envelope{V: v1.Version, Type: v1.TypePing, TS: time.Now()})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, ping))
	assert.Equal(t, v1.TypePong, readEnv(t, conn).Type)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	bad := readEnv(t, conn)
	require.Equal(t, v1.TypeError, bad.Type)
	var ep v1.ErrorPayload
	require.NoError(t, json.Unmarshal(bad.Payload, &ep))
	assert.Equal(t, "bad_json", ep.Code)
}

func TestWatchRejectsBeforeUpgrade(t *testing.T) {
	e := newEnv(t, Config{OriginRequired: true, AllowedOrigins: []string{"https://burnbox.example"}})
	obj := e.create(t, true)

	cases := []struct {
		name   string
		id     string
		origin string
		want   int
	}{
		{name: "invalid id", id: "nope", origin: "https://burnbox.example", want: http.StatusBadRequest},
		{name: "missing origin", id: obj.ID, want: http.StatusForbidden},
		{name: "foreign origin", id: obj.ID, origin: "https://evil.example", want: http.StatusForbidden},
		{name: "unknown object", id: "01HZX3Q4W8J3M2N6P7R8S9T0VA", origin: "https://burnbox.example", want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.origin != "" {
				h.Set("Origin", tc.origin)
			}
			_, resp, err := dial(t, e.url(tc.id), h)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
	waitWatchers(t, e.hub, obj.ID, 0)
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatterns([]string{"http://localhost:3000", "https://b.example", "localhost", " "})
	assert.Equal(t, []string{"b.example", "localhost"}, got)
	assert.Equal(t, "a.example", originHostOnly("https://A.example:8443"))
}

func TestWatchChargesMetadataQuota(t *testing.T) {
	log := quietLogger()
	hub := NewHub(log, 0)
	clk := clock.NewManual(testStart)
	gov, err := ratelimit.NewGovernor(ratelimit.NewMemoryBackend(),
		ratelimit.Policy{ratelimit.ClassMetadata: {Limit: 2, Window: time.Minute}},
		ratelimit.WithClock(clk),
	)
	require.NoError(t, err)
	svc, err := share.NewService(object.NewMemoryStore(),
		share.WithClock(clk),
		share.WithGovernor(gov),
		share.WithPublisher(hub),
	)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewGateway(log, hub, svc, Config{}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	e := env{svc: svc, hub: hub, srv: srv}

	missing := "01HZX3Q4W8J3M2N6P7R8S9T0VA"
	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		_, resp, err := dial(t, e.url(missing), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		statuses = append(statuses, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			assert.Equal(t, "60", resp.Header.Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests, http.StatusTooManyRequests}, statuses)
	waitWatchers(t, hub, missing, 0)

	obj := e.create(t, true)
	_, resp, err := dial(t, e.url(obj.ID), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	clk.Advance(time.Minute)
	conn, _, err := dial(t, e.url(obj.ID), nil)
	require.NoError(t, err)
	snap := readEnv(t, conn)
	assert.Equal(t, v1.TypeSnapshot, snap.Type)
}
