package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"postflow/internal/app"
	"postflow/pkg/domain"
	"postflow/pkg/events"
	"postflow/pkg/psm"
	"postflow/pkg/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := store.NewMemoryStore()
	machine := psm.New(st, &events.MemoryNotifier{}, slog.Default())
	a, err := app.New(app.Config{
		Store:        st,
		Machine:      machine,
		Log:          slog.Default(),
		AdminUserIDs: []string{"admin-1"},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv, err := New(Config{App: a})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, userID string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out.Bytes()
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, ts, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestMissingUserHeaderUnauthorized(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, ts, http.MethodGet, "/channels", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestPostLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, ts, http.MethodPost, "/channels", "owner-1", map[string]any{
		"id": "chan-1", "title": "News",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register channel status = %d", resp.StatusCode)
	}

	publishAt := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	resp, body := doJSON(t, ts, http.MethodPost, "/posts", "owner-1", map[string]any{
		"channelId": "chan-1", "body": "hello", "publishAt": publishAt, "requireModeration": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create post status = %d: %s", resp.StatusCode, body)
	}
	var post domain.Post
	if err := json.Unmarshal(body, &post); err != nil {
		t.Fatalf("decode post: %v", err)
	}
	if post.Status != domain.StatusPending {
		t.Fatalf("post status = %s, want pending", post.Status)
	}

	resp, body = doJSON(t, ts, http.MethodPost, fmt.Sprintf("/posts/%s/approve", post.ID), "owner-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d: %s", resp.StatusCode, body)
	}
	var approved domain.Post
	if err := json.Unmarshal(body, &approved); err != nil {
		t.Fatalf("decode approved: %v", err)
	}
	if approved.Status != domain.StatusApproved {
		t.Fatalf("status after approve = %s", approved.Status)
	}

	// Double approval maps to 409.
	resp, _ = doJSON(t, ts, http.MethodPost, fmt.Sprintf("/posts/%s/approve", post.ID), "owner-1", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double approve status = %d, want 409", resp.StatusCode)
	}

	// Queue view shows the approved post.
	resp, body = doJSON(t, ts, http.MethodGet, "/channels/chan-1/queue", "owner-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queue status = %d", resp.StatusCode)
	}
	var queued []domain.Post
	if err := json.Unmarshal(body, &queued); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != post.ID {
		t.Fatalf("queue = %+v", queued)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	doJSON(t, ts, http.MethodPost, "/channels", "owner-1", map[string]any{"id": "chan-1", "title": "News"})

	// Foreign user: 403.
	resp, _ := doJSON(t, ts, http.MethodGet, "/channels/chan-1/queue", "stranger", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign queue status = %d, want 403", resp.StatusCode)
	}

	// Unknown post: 404.
	resp, _ = doJSON(t, ts, http.MethodGet, "/posts/nope", "owner-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown post status = %d, want 404", resp.StatusCode)
	}

	// Empty body: 400.
	resp, _ = doJSON(t, ts, http.MethodPost, "/posts", "owner-1", map[string]any{
		"channelId": "chan-1", "body": "  ",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status = %d, want 400", resp.StatusCode)
	}

	// Bad sync interval: 400.
	resp, _ = doJSON(t, ts, http.MethodPost, "/bindings", "owner-1", map[string]any{
		"channelId": "chan-1", "spreadsheetId": "sheet-1", "syncIntervalMinutes": 2,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad interval status = %d, want 400", resp.StatusCode)
	}

	// Requeue by non-admin: 403.
	resp, _ = doJSON(t, ts, http.MethodPost, "/posts/whatever/requeue", "owner-1", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin requeue status = %d, want 403", resp.StatusCode)
	}
}

func TestAdminCanActOnForeignChannel(t *testing.T) {
	ts := newTestServer(t)
	doJSON(t, ts, http.MethodPost, "/channels", "owner-1", map[string]any{"id": "chan-1", "title": "News"})

	resp, _ := doJSON(t, ts, http.MethodGet, "/channels/chan-1/queue", "admin-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin queue status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodPost, "/channels/chan-1/deactivate", "admin-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin deactivate status = %d", resp.StatusCode)
	}
}
