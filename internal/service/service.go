// Package service is the entry point shared by the HTTP API and the CLI:
// it starts workflow jobs and reports their status.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marketflow/marketflow/internal/job"
)

// EventJobQueued is the first event of every submitted job.
const EventJobQueued = "Job queued"

var (
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned by Status for an unknown job id.
	ErrNotFound = errors.New("job not found")
)

// Submitter hands a job to the workers.
type Submitter interface {
	Submit(ctx context.Context, jobID string, in job.Request) error
}

// Service starts jobs and reads their progress.
type Service struct {
	store job.Store
	queue Submitter
	newID func() string
}

// New returns a Service recording jobs in store and submitting them to queue.
func New(store job.Store, queue Submitter) *Service {
	return &Service{store: store, queue: queue, newID: uuid.NewString}
}

// Kickoff validates in, records the job and submits it. It returns the new
// job id.
func (s *Service) Kickoff(ctx context.Context, in job.Request) (string, error) {
	if err := in.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	id := s.newID()
	if err := s.store.AppendEvent(ctx, id, EventJobQueued); err != nil {
		return "", fmt.Errorf("record job: %w", err)
	}
	if err := s.queue.Submit(ctx, id, in); err != nil {
		msg := "Startup failure: " + err.Error()
		if ok, uerr := s.store.UpdateJobByID(context.WithoutCancel(ctx), id, job.StatusError, msg, nil); !ok {
			slog.Warn("service: could not mark unsubmitted job", "job_id", id, "error", uerr)
		}
		return "", fmt.Errorf("submit job: %w", err)
	}
	slog.Info("job submitted", "job_id", id, "customer_domain", in.CustomerDomain)
	return id, nil
}

// EventView is one event as shown to callers.
type EventView struct {
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
}

// StatusView is a job as shown to callers. Result holds the decoded JSON
// document when the stored result parses, the raw text otherwise.
type StatusView struct {
	JobID  string      `json:"job_id"`
	Status job.Status  `json:"status"`
	Result any         `json:"result"`
	Events []EventView `json:"events"`
}

// Status returns the current view of a job, or ErrNotFound.
func (s *Service) Status(ctx context.Context, jobID string) (*StatusView, error) {
	j, err := s.store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	v := &StatusView{
		JobID:  j.ID,
		Status: j.Status,
		Result: decodeResult(j.Result),
		Events: make([]EventView, len(j.Events)),
	}
	for i, e := range j.Events {
		v.Events[i] = EventView(e)
	}
	return v, nil
}

func decodeResult(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
