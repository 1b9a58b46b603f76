package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketflow/marketflow/internal/job"
	"github.com/marketflow/marketflow/internal/pipeline"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name         string
		url          string
		allowPrivate bool
		wantErr      bool
	}{
		{
			name:    "valid public IP",
			url:     "http://93.184.216.34/hook",
			wantErr: false,
		},
		{
			name:    "invalid scheme ftp",
			url:     "ftp://example.com/hook",
			wantErr: true,
		},
		{
			name:    "loopback IP blocked",
			url:     "http://127.0.0.1/hook",
			wantErr: true,
		},
		{
			name:         "loopback IP allowed when private permitted",
			url:          "http://127.0.0.1/hook",
			allowPrivate: true,
			wantErr:      false,
		},
		{
			name:    "private IP blocked",
			url:     "http://192.168.1.1/hook",
			wantErr: true,
		},
		{
			name:    "link-local IP blocked (AWS metadata)",
			url:     "http://169.254.169.254/hook",
			wantErr: true,
		},
		{
			name:    "garbled URL",
			url:     "://not a valid url%%",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateURL(tt.url, tt.allowPrivate)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestJitterBounds(t *testing.T) {
	for attempt := 1; attempt <= 12; attempt++ {
		d := jitter(attempt)
		if d < 0 || d >= retryCap {
			t.Errorf("jitter(%d) = %v, out of [0, %v)", attempt, d, retryCap)
		}
	}
}

func newTestNotifier(t *testing.T, url string) (*Notifier, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n, err := NewNotifier(ctx, url, WithAllowPrivate())
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	n.sleep = func(int) time.Duration { return time.Millisecond }
	done := make(chan error, 1)
	n.sent = func(_ Payload, err error) { done <- err }
	return n, done
}

func TestNotifier_PostsTerminalStatus(t *testing.T) {
	bodies := make(chan Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode body: %v", err)
		}
		bodies <- p
	}))
	defer srv.Close()

	n, done := newTestNotifier(t, srv.URL)
	n.Transition("job-1", pipeline.StateStage1, "analyst")
	n.Transition("job-1", pipeline.StateDone, `{"title":"Spring"}`)

	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	got := <-bodies
	want := Payload{JobID: "job-1", Status: job.StatusComplete, Result: `{"title":"Spring"}`}
	if got != want {
		t.Errorf("payload = %+v, want %+v", got, want)
	}
}

func TestNotifier_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	n, done := newTestNotifier(t, srv.URL)
	n.Transition("job-2", pipeline.StateFailed, "model offline")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never completed")
	}
	if c := calls.Load(); c != 3 {
		t.Errorf("calls = %d, want 3", c)
	}
}

func TestNotifier_IgnoresNonTerminalStates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n, _ := newTestNotifier(t, srv.URL)
	for _, s := range []pipeline.State{pipeline.StatePending, pipeline.StateStage1, pipeline.StateStage2} {
		n.Transition("job-3", s, "")
	}
	time.Sleep(20 * time.Millisecond)
	if c := calls.Load(); c != 0 {
		t.Errorf("calls = %d, want 0", c)
	}
}

func TestNewNotifier_RejectsBadURL(t *testing.T) {
	if _, err := NewNotifier(context.Background(), "ftp://example.com/hook"); err == nil {
		t.Error("NewNotifier(ftp) = nil error")
	}
}
