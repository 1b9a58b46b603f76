package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/marketflow/marketflow/internal/job"
)

type recordingQueue struct {
	err  error
	ids  []string
	reqs []job.Request
}

func (q *recordingQueue) Submit(_ context.Context, jobID string, in job.Request) error {
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, jobID)
	q.reqs = append(q.reqs, in)
	return nil
}

func newTestService(t *testing.T, q Submitter) (*Service, *job.SQLiteStore) {
	t.Helper()
	store, err := job.OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, q), store
}

var validRequest = job.Request{CustomerDomain: "acme.com", ProjectDescription: "spring launch"}

func TestKickoff(t *testing.T) {
	ctx := context.Background()
	q := &recordingQueue{}
	svc, _ := newTestService(t, q)
	svc.newID = func() string { return "fixed-id" }

	id, err := svc.Kickoff(ctx, validRequest)
	if err != nil {
		t.Fatalf("Kickoff: %v", err)
	}
	if id != "fixed-id" {
		t.Errorf("id = %q, want fixed-id", id)
	}
	if len(q.ids) != 1 || q.ids[0] != id || q.reqs[0] != validRequest {
		t.Errorf("submitted = %v %v, want one task for %s", q.ids, q.reqs, id)
	}

	v, err := svc.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if v.Status != job.StatusStarted {
		t.Errorf("Status = %q, want STARTED", v.Status)
	}
	if len(v.Events) != 1 || v.Events[0].Data != EventJobQueued {
		t.Errorf("events = %+v, want one %q event", v.Events, EventJobQueued)
	}
}

func TestKickoff_GeneratesUniqueIDs(t *testing.T) {
	svc, _ := newTestService(t, &recordingQueue{})
	a, err := svc.Kickoff(context.Background(), validRequest)
	if err != nil {
		t.Fatalf("Kickoff: %v", err)
	}
	b, err := svc.Kickoff(context.Background(), validRequest)
	if err != nil {
		t.Fatalf("Kickoff: %v", err)
	}
	if a == b || a == "" {
		t.Errorf("ids = %q, %q, want two distinct ids", a, b)
	}
}

func TestKickoff_InvalidInput(t *testing.T) {
	q := &recordingQueue{}
	svc, _ := newTestService(t, q)
	_, err := svc.Kickoff(context.Background(), job.Request{CustomerDomain: "acme.com"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Kickoff error = %v, want ErrInvalidInput", err)
	}
	if len(q.ids) != 0 {
		t.Error("invalid request was submitted")
	}
}

func TestKickoff_SubmitFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("queue full")
	svc, store := newTestService(t, &recordingQueue{err: boom})
	svc.newID = func() string { return "lost" }

	if _, err := svc.Kickoff(ctx, validRequest); !errors.Is(err, boom) {
		t.Fatalf("Kickoff error = %v, want %v", err, boom)
	}
	j, err := store.GetJobByID(ctx, "lost")
	if err != nil || j == nil {
		t.Fatalf("GetJobByID = %v, %v", j, err)
	}
	if j.Status != job.StatusError || j.Result != "Startup failure: queue full" {
		t.Errorf("job = (%q, %q), want ERROR with startup failure", j.Status, j.Result)
	}
}

func TestStatus_NotFound(t *testing.T) {
	svc, _ := newTestService(t, &recordingQueue{})
	if _, err := svc.Status(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Status error = %v, want ErrNotFound", err)
	}
}

func TestStatus_Result(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		result string
		check  func(any) bool
	}{
		{"json object decoded", `{"title":"Spring"}`, func(v any) bool {
			m, ok := v.(map[string]any)
			return ok && m["title"] == "Spring"
		}},
		{"plain text kept", "model offline", func(v any) bool { return v == "model offline" }},
		{"empty kept", "", func(v any) bool { return v == "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t, &recordingQueue{})
			if err := store.AppendEvent(ctx, "j", "Flow Started"); err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}
			if tt.result != "" {
				if ok, err := store.UpdateJobByID(ctx, "j", job.StatusComplete, tt.result, nil); !ok {
					t.Fatalf("UpdateJobByID = false, %v", err)
				}
			}
			v, err := svc.Status(ctx, "j")
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if !tt.check(v.Result) {
				t.Errorf("Result = %#v", v.Result)
			}
		})
	}
}
