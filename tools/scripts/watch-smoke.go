//go:build ignore

// Command watch-smoke exercises a running burnbox server end to end:
//   - create an object over HTTP
//   - open a watch websocket and expect an active snapshot
//   - consume the object and expect a consumed event
//   - expect the server to close the watch
//
// Usage: go run tools/scripts/watch-smoke.go -base http://127.0.0.1:8080
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	v1 "burnbox/shared/contracts/watch/v1"

	"github.com/coder/websocket"
)

func main() {
	var (
		base    = flag.String("base", "http://127.0.0.1:8080", "server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header for the websocket handshake")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()
	*base = strings.TrimRight(*base, "/")

	id := mustCreate(*base, *timeout)
	if *verbose {
		fmt.Println("created", id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(*base, "http") + "/v1/objects/" + id + "/watch"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Origin": []string{*origin}},
	})
	if err != nil {
		fatalf("dial %s: %v", wsURL, err)
	}
	defer func() { _ = conn.CloseNow() }()

	snap := mustRead(conn, *timeout)
	if snap.Type != v1.TypeSnapshot {
		fatalf("first frame: got %q want %q", snap.Type, v1.TypeSnapshot)
	}
	var sp v1.SnapshotPayload
	if err := json.Unmarshal(snap.Payload, &sp); err != nil || sp.State != "active" {
		fatalf("snapshot: state=%q err=%v", sp.State, err)
	}

	mustConsume(*base, id, *timeout)

	ev := mustRead(conn, *timeout)
	var ep v1.EventPayload
	if err := json.Unmarshal(ev.Payload, &ep); err != nil || ev.Type != v1.TypeEvent || ep.Kind != v1.KindConsumed {
		fatalf("event: type=%q kind=%q err=%v", ev.Type, ep.Kind, err)
	}

	rctx, rcancel := context.WithTimeout(context.Background(), *timeout)
	defer rcancel()
	if _, _, err := conn.Read(rctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		fatalf("expected normal close after terminal event, got %v", err)
	}
	fmt.Println("watch-smoke: ok")
}

func mustCreate(base string, timeout time.Duration) string {
	body, _ := json.Marshal(map[string]any{
		"ciphertext": []byte("smoke-ciphertext"),
		"iv":         []byte("smoke-iv-123"),
		"size_bytes": len("smoke-ciphertext"),
		"name":       "smoke.txt",
	})
	resp := mustDo(http.MethodPost, base+"/v1/objects", body, timeout)
	if resp.status != http.StatusCreated {
		fatalf("create: status %d: %s", resp.status, resp.body)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil || out.ID == "" {
		fatalf("create: bad response %s", resp.body)
	}
	return out.ID
}

func mustConsume(base, id string, timeout time.Duration) {
	resp := mustDo(http.MethodPost, base+"/v1/objects/"+id+"/consume", nil, timeout)
	if resp.status != http.StatusOK {
		fatalf("consume: status %d: %s", resp.status, resp.body)
	}
}

type httpResult struct {
	status int
	body   []byte
}

func mustDo(method, url string, body []byte, timeout time.Duration) httpResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		fatalf("%s %s: %v", method, url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return httpResult{status: resp.StatusCode, body: b}
}

func mustRead(conn *websocket.Conn, timeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		fatalf("decode: %v", err)
	}
	if err := env.Validate(); err != nil {
		fatalf("envelope: %v", err)
	}
	return env
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "watch-smoke: "+format+"\n", args...)
	os.Exit(1)
}
