package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestHTTP(t *testing.T) (*hubRig, *httptest.Server) {
	t.Helper()
	rig := newHubRig(t)
	ts := httptest.NewServer(rig.server.Handler())
	t.Cleanup(ts.Close)
	return rig, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err != nil {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, code)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSRejectsMissingToken(t *testing.T) {
	_, ts := newTestHTTP(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err == nil {
		t.Fatal("dial succeeded without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %v, want 401", resp)
	}
}

func TestWSRejectsBadToken(t *testing.T) {
	_, ts := newTestHTTP(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts)+"?token=wrong", nil)
	if err == nil {
		t.Fatal("dial succeeded with a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %v, want 401", resp)
	}
}

func TestWSLockoutAfterRepeatedFailures(t *testing.T) {
	_, ts := newTestHTTP(t)

	for i := 0; i < 5; i++ {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts)+"?token=wrong", nil)
		if err == nil {
			t.Fatalf("dial %d succeeded", i)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("dial %d: resp = %v, want 401", i, resp)
		}
	}

	// The sixth attempt is refused before the token is even checked.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts)+"?token=test-token", nil)
	if err == nil {
		t.Fatal("dial succeeded while locked out")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("resp status = %v, want 429", resp)
	}
}

func TestWSAcceptsQueryToken(t *testing.T) {
	_, ts := newTestHTTP(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts)+"?token=test-token", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
}

type wireFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// readResponse skips event frames until the response for id arrives.
// Methods that mutate state broadcast before they answer, so events can
// land ahead of the response on the same connection.
func readResponse(t *testing.T, conn *websocket.Conn, id string) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f wireFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if f.Type == FrameEvent {
			continue
		}
		if f.ID != id {
			t.Fatalf("response id = %q, want %q", f.ID, id)
		}
		return f
	}
}

func TestWSMethodRoundTrip(t *testing.T) {
	rig, ts := newTestHTTP(t)
	conn := dialWS(t, ts, "test-token")

	req := map[string]any{
		"type":   "req",
		"id":     "call-1",
		"method": "tasks.create",
		"params": map[string]string{"title": "hello from the wire"},
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	res := readResponse(t, conn, "call-1")
	if res.Error != nil {
		t.Fatalf("error = %+v", res.Error)
	}
	var task struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(res.Result, &task); err != nil {
		t.Fatal(err)
	}
	if task.Title != "hello from the wire" || task.Status != "queued" {
		t.Fatalf("task = %+v", task)
	}

	// The created task is in KV, visible to a second call.
	if _, err := rig.server.scheduler.GetTask(rig.server.runCtx, task.ID); err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
}

func TestWSUnknownMethod(t *testing.T) {
	_, ts := newTestHTTP(t)
	conn := dialWS(t, ts, "test-token")

	if err := conn.WriteJSON(map[string]any{"id": "x", "method": "nope.nothing"}); err != nil {
		t.Fatal(err)
	}
	res := readResponse(t, conn, "x")
	if res.Error == nil || res.Error.Code != CodeNotFound {
		t.Fatalf("res = %+v", res)
	}
}

func TestWSBroadcastReachesClient(t *testing.T) {
	rig, ts := newTestHTTP(t)
	conn := dialWS(t, ts, "test-token")

	// Wait for the registry to see the connection before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for rig.server.clients.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	rig.server.clients.Broadcast("task.updated", map[string]string{"id": "t1"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev struct {
		Type    string          `json:"type"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != FrameEvent || ev.Event != "task.updated" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestAuthTokenLoopbackOnly(t *testing.T) {
	rig := newHubRig(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/token", nil)
	req.RemoteAddr = "203.0.113.9:4411"
	rec := httptest.NewRecorder()
	rig.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote caller: %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/auth/token", nil)
	req.RemoteAddr = "127.0.0.1:4411"
	rec = httptest.NewRecorder()
	rig.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("loopback caller: %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["token"] != "test-token" {
		t.Fatalf("token = %q", body["token"])
	}
}

func TestAuthTokenUnconfigured(t *testing.T) {
	rig := newHubRig(t)
	rig.server.cfg.Auth.Token = ""

	req := httptest.NewRequest(http.MethodGet, "/auth/token", nil)
	req.RemoteAddr = "127.0.0.1:4411"
	rec := httptest.NewRecorder()
	rig.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestHTTP(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestHTTP(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
