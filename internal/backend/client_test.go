package backend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lifelink/alertcore/internal/backend"
	"github.com/lifelink/alertcore/internal/domain"
)

type recordedRequest struct {
	path string
	auth string
	body map[string]any
}

func newServer(t *testing.T, status int, response string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var recorded []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		recorded = append(recorded, recordedRequest{
			path: r.URL.Path,
			auth: r.Header.Get("Authorization"),
			body: body,
		})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, &recorded
}

func TestClient_RespondToRequest(t *testing.T) {
	srv, recorded := newServer(t, http.StatusOK, `{}`)
	c := backend.NewClient(srv.URL, time.Second, 5, func() string { return "tok-1" }, zap.NewNop())

	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := c.RespondToRequest(context.Background(), "req-1", "accept", at); err != nil {
		t.Fatal(err)
	}

	r := (*recorded)[0]
	if r.path != "/blood-requests/respond" {
		t.Fatalf("path = %s", r.path)
	}
	if r.auth != "Bearer tok-1" {
		t.Fatalf("auth = %q", r.auth)
	}
	if r.body["requestId"] != "req-1" || r.body["response"] != "accept" || r.body["source"] != "notification" {
		t.Fatalf("body = %v", r.body)
	}
	if r.body["timestamp"] != "2026-08-30T12:00:00Z" {
		t.Fatalf("timestamp = %v", r.body["timestamp"])
	}
}

func TestClient_RespondToRequestFailure(t *testing.T) {
	srv, _ := newServer(t, http.StatusInternalServerError, `{}`)
	c := backend.NewClient(srv.URL, time.Second, 5, nil, zap.NewNop())

	if err := c.RespondToRequest(context.Background(), "req-1", "decline", time.Now()); err == nil {
		t.Fatal("expected error on 500")
	}
}

// The analytics limiter drops excess calls silently instead of erroring:
// a dropped interaction must never surface as a failure.
func TestClient_TrackInteractionRateLimited(t *testing.T) {
	srv, recorded := newServer(t, http.StatusOK, `{}`)
	c := backend.NewClient(srv.URL, time.Second, 2, nil, zap.NewNop())

	for i := 0; i < 10; i++ {
		if err := c.TrackInteraction(context.Background(), "view_details", "n-1", "req-1"); err != nil {
			t.Fatalf("call %d errored: %v", i, err)
		}
	}
	if got := len(*recorded); got > 4 {
		t.Fatalf("limiter let %d of 10 calls through (burst 2)", got)
	}
	if len(*recorded) == 0 {
		t.Fatal("limiter dropped everything")
	}
}

func TestClient_SyncSession(t *testing.T) {
	srv, recorded := newServer(t, http.StatusOK,
		`{"conflicts":[{"key":"prefLang","serverValue":"hi","serverTimestamp":"2026-08-30T12:00:00Z"}]}`)
	c := backend.NewClient(srv.URL, time.Second, 5, nil, zap.NewNop())

	result, err := c.SyncSession(context.Background(), backend.SyncRequest{
		UserID:    "user-1",
		DeviceID:  "device-1",
		SessionID: "sess-1",
		Operations: []domain.SyncOperation{
			{Key: "prefLang", Value: json.RawMessage(`"en"`), Kind: domain.OpSet},
		},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].Key != "prefLang" {
		t.Fatalf("conflicts = %v", result.Conflicts)
	}

	r := (*recorded)[0]
	if r.path != "/session/sync" || r.body["userId"] != "user-1" {
		t.Fatalf("request wrong: %+v", r)
	}
}

func TestClient_PullSession(t *testing.T) {
	srv, recorded := newServer(t, http.StatusOK,
		`{"sessionData":{"prefLang":{"value":"en","timestamp":"2026-08-30T12:00:00Z","encrypted":false}}}`)
	c := backend.NewClient(srv.URL, time.Second, 5, func() string { return "tok-1" }, zap.NewNop())

	data, err := c.PullSession(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := data["prefLang"]
	if !ok {
		t.Fatalf("sessionData missing key: %v", data)
	}
	var v string
	_ = json.Unmarshal(entry.Value, &v)
	if v != "en" {
		t.Fatalf("value = %q", v)
	}

	if (*recorded)[0].path != "/session/user-1" {
		t.Fatalf("path = %s", (*recorded)[0].path)
	}
}
