package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/inkfield/canvasync/internal/canvas"
	"github.com/inkfield/canvasync/internal/store"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, userID string, scopes []string, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]any{
		"user_id":      userID,
		"display_name": userID,
		"scopes":       scopes,
		"aud":          "canvasync",
		"exp":          exp.Unix(),
	})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(header + "." + body))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + body + "." + sig
}

func testToken(t *testing.T, userID string) string {
	return signToken(t, testSecret, userID, []string{"canvas:read", "canvas:write"}, time.Now().Add(time.Hour))
}

func newTestServer(t *testing.T) (*httptest.Server, store.DocumentStore) {
	t.Helper()
	docStore := store.NewMemoryStore()
	srv := NewServerWithConfig(docStore, ServerConfig{JWTSecret: testSecret})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		_ = docStore.Close()
	})
	return ts, docStore
}

func doRequest(t *testing.T, method, url, token string, headers map[string]string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func seedRemoteCanvas(t *testing.T, s store.DocumentStore, canvasID, ownerID string) canvas.State {
	t.Helper()
	state, err := s.Transact(context.Background(), canvasID, func(current canvas.State) (canvas.State, error) {
		next := canvas.New(canvasID, ownerID)
		next.Version = current.Version + 1
		return next, nil
	})
	if err != nil {
		t.Fatalf("seed canvas: %v", err)
	}
	return state
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestGetCanvasRequiresToken(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/canvases/board-1", "", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	expired := signToken(t, testSecret, "alice", []string{"canvas:read"}, time.Now().Add(-time.Hour))
	resp2 := doRequest(t, http.MethodGet, ts.URL+"/v1/canvases/board-1", expired, nil, nil)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp2.StatusCode)
	}
}

func TestGetAbsentCanvasReturnsEmptyDefault(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/canvases/board-1", testToken(t, "alice"), nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for absent canvas, got %d", resp.StatusCode)
	}
	if etag := resp.Header.Get("ETag"); etag != `"0"` {
		t.Fatalf("expected version 0 etag, got %s", etag)
	}
	var state canvas.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if state.CanvasID != "board-1" || state.Version != 0 {
		t.Fatalf("unexpected empty default: %+v", state)
	}
}

func TestPutCanvasConditionalWrite(t *testing.T) {
	ts, docStore := newTestServer(t)
	seedRemoteCanvas(t, docStore, "board-1", "alice")

	state, _, err := docStore.Get(context.Background(), "board-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	op := canvas.NewAddStroke("board-1", "alice", canvas.Stroke{
		ID:     "s1",
		Points: []canvas.Point{{X: 1, Y: 2}},
		Width:  3,
	})
	if err := state.Apply(op); err != nil {
		t.Fatalf("apply: %v", err)
	}
	body, _ := json.Marshal(state)

	resp := doRequest(t, http.MethodPut, ts.URL+"/v1/canvases/board-1", testToken(t, "alice"),
		map[string]string{"If-Match": `"1"`}, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if etag := resp.Header.Get("ETag"); etag != `"2"` {
		t.Fatalf("expected committed version etag, got %s", etag)
	}

	// Same If-Match again: the store moved on, so this must conflict.
	stale := doRequest(t, http.MethodPut, ts.URL+"/v1/canvases/board-1", testToken(t, "alice"),
		map[string]string{"If-Match": `"1"`}, body)
	defer stale.Body.Close()
	if stale.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for stale If-Match, got %d", stale.StatusCode)
	}
	if etag := stale.Header.Get("ETag"); etag != `"2"` {
		t.Fatalf("conflict should report current version, got etag %s", etag)
	}
}

func TestPutCanvasEnforcesAccess(t *testing.T) {
	ts, docStore := newTestServer(t)
	seedRemoteCanvas(t, docStore, "board-1", "owner")

	state, _, err := docStore.Get(context.Background(), "board-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	op := canvas.NewAddStroke("board-1", "mallory", canvas.Stroke{
		ID:     "s1",
		Points: []canvas.Point{{X: 1, Y: 1}},
		Width:  2,
	})
	if err := state.Apply(op); err != nil {
		t.Fatalf("apply: %v", err)
	}
	body, _ := json.Marshal(state)

	resp := doRequest(t, http.MethodPut, ts.URL+"/v1/canvases/board-1", testToken(t, "mallory"), nil, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member write, got %d", resp.StatusCode)
	}
}

func TestPutCanvasMembershipChangesAreOwnerOnly(t *testing.T) {
	ts, docStore := newTestServer(t)
	seeded := seedRemoteCanvas(t, docStore, "board-1", "owner")

	// Make bob a member so he has edit rights but not ownership.
	_, err := docStore.Transact(context.Background(), "board-1", func(current canvas.State) (canvas.State, error) {
		if err := current.Apply(canvas.NewInviteMember("board-1", "owner", "bob")); err != nil {
			return canvas.State{}, err
		}
		return current, nil
	})
	if err != nil {
		t.Fatalf("invite bob: %v", err)
	}
	_ = seeded

	state, _, err := docStore.Get(context.Background(), "board-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := state.Apply(canvas.NewInviteMember("board-1", "bob", "carol")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	body, _ := json.Marshal(state)

	resp := doRequest(t, http.MethodPut, ts.URL+"/v1/canvases/board-1", testToken(t, "bob"), nil, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for member inviting, got %d", resp.StatusCode)
	}
}

func TestPrivateCanvasHiddenFromStrangers(t *testing.T) {
	ts, docStore := newTestServer(t)
	_, err := docStore.Transact(context.Background(), "board-1", func(current canvas.State) (canvas.State, error) {
		next := canvas.New("board-1", "owner")
		next.IsPrivate = true
		next.Version = current.Version + 1
		return next, nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/canvases/board-1", testToken(t, "stranger"), nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for stranger on private canvas, got %d", resp.StatusCode)
	}

	member := doRequest(t, http.MethodGet, ts.URL+"/v1/canvases/board-1", testToken(t, "owner"), nil, nil)
	defer member.Body.Close()
	if member.StatusCode != http.StatusOK {
		t.Fatalf("owner should read private canvas, got %d", member.StatusCode)
	}
}

func TestPresenceWriteUsesTokenIdentity(t *testing.T) {
	ts, docStore := newTestServer(t)

	got := make(chan []canvas.PresenceEntry, 4)
	cancel, err := docStore.SubscribePresence(context.Background(), "board-1", func(entries []canvas.PresenceEntry) {
		got <- entries
	})
	if err != nil {
		t.Fatalf("subscribe presence: %v", err)
	}
	defer cancel()

	body, _ := json.Marshal(canvas.PresenceEntry{
		UserID: "impersonated",
		Cursor: &canvas.Point{X: 5, Y: 6},
	})
	resp := doRequest(t, http.MethodPut, ts.URL+"/v1/canvases/board-1/presence", testToken(t, "alice"), nil, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	select {
	case entries := <-got:
		if len(entries) != 1 || entries[0].UserID != "alice" {
			t.Fatalf("presence identity must come from the token: %+v", entries)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence write")
	}
}

func TestWatchCanvasStreamsSnapshotsOverWebsocket(t *testing.T) {
	ts, docStore := newTestServer(t)
	seedRemoteCanvas(t, docStore, "board-1", "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) +
		"/v1/canvases/board-1/watch?access_token=" + testToken(t, "alice")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var initial canvas.State
	if err := wsjson.Read(ctx, conn, &initial); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if initial.CanvasID != "board-1" || initial.Version != 1 {
		t.Fatalf("unexpected initial snapshot: %+v", initial)
	}

	_, err = docStore.Transact(context.Background(), "board-1", func(current canvas.State) (canvas.State, error) {
		op := canvas.NewAddStroke("board-1", "alice", canvas.Stroke{
			ID:     "s1",
			Points: []canvas.Point{{X: 1, Y: 1}},
			Width:  2,
		})
		if err := current.Apply(op); err != nil {
			return canvas.State{}, err
		}
		return current, nil
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}

	var next canvas.State
	if err := wsjson.Read(ctx, conn, &next); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if next.Version != 2 || len(next.Strokes) != 1 {
		t.Fatalf("unexpected streamed state: %+v", next)
	}
}

func TestRateLimiterReturns429(t *testing.T) {
	docStore := store.NewMemoryStore()
	defer docStore.Close()
	srv := NewServerWithConfig(docStore, ServerConfig{
		JWTSecret:       testSecret,
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	token := testToken(t, "alice")
	for i := 0; i < 2; i++ {
		resp := doRequest(t, http.MethodGet, ts.URL+"/v1/canvases/board-1", token, nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d expected 200, got %d", i, resp.StatusCode)
		}
	}
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/canvases/board-1", token, nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
}
