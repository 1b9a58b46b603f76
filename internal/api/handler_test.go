package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marketflow/marketflow/internal/job"
	"github.com/marketflow/marketflow/internal/service"
)

const testAPIKey = "test-api-key"

type stubQueue struct {
	mu  sync.Mutex
	err error
	ids []string
}

func (q *stubQueue) Submit(_ context.Context, jobID string, _ job.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, jobID)
	return nil
}

func (q *stubQueue) submitted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

// newTestServer builds an httptest.Server with a real SQLiteStore, Service and Handler.
func newTestServer(t *testing.T, q *stubQueue, keys ...string) (*httptest.Server, *job.SQLiteStore) {
	t.Helper()

	store, err := job.OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := NewHandler(service.New(store, q))
	h.pollInterval = 10 * time.Millisecond

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	// Same middleware stack as production.
	handler := Chain(mux, RequestID, Logging, CORS([]string{"*"}), Auth(keys))

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, store
}

func doRequest(t *testing.T, srv *httptest.Server, method, path string, body []byte, key string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

var validBody = []byte(`{"customer_domain":"acme.com","project_description":"spring launch"}`)

func TestStartJob_ReturnsJobID(t *testing.T) {
	q := &stubQueue{}
	srv, _ := newTestServer(t, q)

	resp := doRequest(t, srv, http.MethodPost, "/api/marketflow", validBody, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["job_id"] == "" {
		t.Fatal("job_id missing from response")
	}
	if ids := q.submitted(); len(ids) != 1 || ids[0] != body["job_id"] {
		t.Errorf("submitted ids = %v, want [%s]", ids, body["job_id"])
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestStartJob_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t, &stubQueue{})
	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", `{not json`},
		{"empty domain", `{"customer_domain":"","project_description":"x"}`},
		{"missing description", `{"customer_domain":"acme.com"}`},
		{"blank description", `{"customer_domain":"acme.com","project_description":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, srv, http.MethodPost, "/api/marketflow", []byte(tt.body), "")
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestStartJob_EnqueueFailure(t *testing.T) {
	srv, _ := newTestServer(t, &stubQueue{err: errors.New("broker down")})

	resp := doRequest(t, srv, http.MethodPost, "/api/marketflow", validBody, "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if !strings.HasPrefix(body["error"], "Startup failure:") {
		t.Errorf("error = %q, want startup failure", body["error"])
	}
}

func TestGetJob(t *testing.T) {
	ctx := context.Background()
	srv, store := newTestServer(t, &stubQueue{})
	if err := store.AppendEvent(ctx, "job-1", "Flow Started"); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if ok, err := store.UpdateJobByID(ctx, "job-1", job.StatusComplete, `{"title":"Spring"}`, []string{"Flow complete"}); !ok {
		t.Fatalf("UpdateJobByID = false, %v", err)
	}

	resp := doRequest(t, srv, http.MethodGet, "/api/marketflow/job-1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		JobID  string         `json:"job_id"`
		Status string         `json:"status"`
		Result map[string]any `json:"result"`
		Events []struct {
			Timestamp time.Time `json:"timestamp"`
			Data      string    `json:"data"`
		} `json:"events"`
	}
	decode(t, resp, &body)
	if body.JobID != "job-1" || body.Status != "COMPLETE" {
		t.Errorf("job = %s/%s, want job-1/COMPLETE", body.JobID, body.Status)
	}
	if body.Result["title"] != "Spring" {
		t.Errorf("result = %v, want decoded JSON", body.Result)
	}
	if len(body.Events) != 2 || body.Events[0].Data != "Flow Started" || body.Events[1].Data != "Flow complete" {
		t.Errorf("events = %+v", body.Events)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, &stubQueue{})
	resp := doRequest(t, srv, http.MethodGet, "/api/marketflow/nope", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubQueue{}, testAPIKey)
	resp := doRequest(t, srv, http.MethodGet, "/api/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t, &stubQueue{}, testAPIKey)
	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"wrong key", "nope", http.StatusUnauthorized},
		{"valid key", testAPIKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, srv, http.MethodPost, "/api/marketflow", validBody, tt.key)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

type sseFrame struct {
	event string
	data  string
}

func readFrames(t *testing.T, r io.Reader) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.event != "":
			frames = append(frames, cur)
			cur = sseFrame{}
		}
	}
	return frames
}

func TestStreamSSE_UntilComplete(t *testing.T) {
	ctx := context.Background()
	srv, store := newTestServer(t, &stubQueue{})
	if err := store.AppendEvent(ctx, "job-s", "Flow Started"); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		store.AppendEvent(ctx, "job-s", "MarketAnalystCrew started")
		time.Sleep(30 * time.Millisecond)
		store.UpdateJobByID(ctx, "job-s", job.StatusComplete, "done", []string{"Flow complete"})
	}()

	resp := doRequest(t, srv, http.MethodGet, "/api/marketflow/job-s/sse", nil, "")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	frames := readFrames(t, resp.Body)

	var events []string
	for _, f := range frames {
		if f.event == "event" {
			var e struct {
				Data string `json:"data"`
			}
			if err := json.Unmarshal([]byte(f.data), &e); err != nil {
				t.Fatalf("decode event frame: %v", err)
			}
			events = append(events, e.Data)
		}
	}
	want := "Flow Started|MarketAnalystCrew started|Flow complete"
	if got := strings.Join(events, "|"); got != want {
		t.Errorf("events = %q, want %q", got, want)
	}
	last := frames[len(frames)-1]
	if last.event != "result" || !strings.Contains(last.data, `"COMPLETE"`) {
		t.Errorf("last frame = %+v, want COMPLETE result", last)
	}
}

func TestStreamSSE_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, &stubQueue{})
	resp := doRequest(t, srv, http.MethodGet, "/api/marketflow/ghost/sse", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamSSE_ReconnectSeesRetriedOutcome(t *testing.T) {
	ctx := context.Background()
	srv, store := newTestServer(t, &stubQueue{})
	if err := store.AppendEvent(ctx, "job-r", "Flow Started"); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if ok, err := store.UpdateJobByID(ctx, "job-r", job.StatusError, "model timeout", []string{"Flow Start Error"}); !ok {
		t.Fatalf("UpdateJobByID = false, %v", err)
	}

	lastResult := func() string {
		t.Helper()
		frames := readFrames(t, doRequest(t, srv, http.MethodGet, "/api/marketflow/job-r/sse", nil, "").Body)
		last := frames[len(frames)-1]
		if last.event != "result" {
			t.Fatalf("last frame = %+v, want result", last)
		}
		return last.data
	}

	if got := lastResult(); !strings.Contains(got, `"ERROR"`) {
		t.Errorf("first stream result = %s, want ERROR", got)
	}

	// The retried attempt succeeds.
	if err := store.AppendEvent(ctx, "job-r", "Flow Started"); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if ok, err := store.UpdateJobByID(ctx, "job-r", job.StatusComplete, "done", []string{"Flow complete"}); !ok {
		t.Fatalf("UpdateJobByID = false, %v", err)
	}

	if got := lastResult(); !strings.Contains(got, `"COMPLETE"`) {
		t.Errorf("reconnected stream result = %s, want COMPLETE", got)
	}
}
