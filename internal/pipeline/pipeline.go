// Package pipeline runs a job through its two stages and records the outcome.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marketflow/marketflow/internal/job"
	"github.com/marketflow/marketflow/internal/llm"
)

// Event texts written by the executor itself.
const (
	EventFlowStarted  = "Flow Started"
	EventFlowComplete = "Flow complete"
	EventFlowError    = "Flow Start Error"
)

// State is the executor's position in the pipeline.
type State string

const (
	StatePending State = "PENDING"
	StateStage1  State = "STAGE_1_RUNNING"
	StateStage2  State = "STAGE_2_RUNNING"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// Result is a stage's output: free text, a JSON document, or both.
type Result struct {
	Raw  string
	JSON json.RawMessage
}

// String returns the JSON document when present, otherwise the raw text.
func (r Result) String() string {
	if len(r.JSON) > 0 {
		return string(r.JSON)
	}
	return r.Raw
}

// Input is everything a stage receives.
type Input struct {
	JobID   string
	Model   llm.Client
	Request job.Request
	// Previous is the output of the preceding stage, nil for the first one.
	Previous *Result
	// Progress records a sub-step event for the job.
	Progress func(text string) error
}

// Stage is one opaque unit of the pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, in Input) (Result, error)
}

// Observer is told about every state change of a job.
type Observer interface {
	Transition(jobID string, state State, detail string)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(jobID string, state State, detail string)

func (f ObserverFunc) Transition(jobID string, state State, detail string) { f(jobID, state, detail) }

// Executor drives the analysis stage then the content stage for one job.
type Executor struct {
	store    job.Store
	model    llm.Client
	first    Stage
	second   Stage
	observer Observer
}

// New returns an Executor running first then second against store.
func New(store job.Store, model llm.Client, first, second Stage) *Executor {
	return &Executor{store: store, model: model, first: first, second: second}
}

// WithObserver sets the observer notified on state changes.
func (e *Executor) WithObserver(o Observer) *Executor {
	e.observer = o
	return e
}

// Execute runs the pipeline for jobID and writes its terminal status. A
// failed run is recorded as ERROR and its error returned so the dispatcher
// can retry.
func (e *Executor) Execute(ctx context.Context, jobID string, req job.Request) (err error) {
	e.transition(jobID, StatePending, "")
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
		if err != nil {
			e.fail(ctx, jobID, err)
		}
	}()

	if err := e.store.AppendEvent(ctx, jobID, EventFlowStarted); err != nil {
		return err
	}

	e.transition(jobID, StateStage1, e.first.Name())
	first, err := e.runStage(ctx, e.first, jobID, req, nil)
	if err != nil {
		return err
	}

	e.transition(jobID, StateStage2, e.second.Name())
	final, err := e.runStage(ctx, e.second, jobID, req, &first)
	if err != nil {
		return err
	}

	result := final.String()
	ok, uerr := e.store.UpdateJobByID(ctx, jobID, job.StatusComplete, result, []string{EventFlowComplete})
	if !ok {
		slog.Warn("pipeline: tracking lost for completed job", "job_id", jobID, "error", uerr)
	}
	slog.Info("pipeline complete", "job_id", jobID)
	e.transition(jobID, StateDone, result)
	return nil
}

func (e *Executor) runStage(ctx context.Context, s Stage, jobID string, req job.Request, prev *Result) (Result, error) {
	in := Input{
		JobID:    jobID,
		Model:    e.model,
		Request:  req,
		Previous: prev,
		Progress: func(text string) error {
			return e.store.AppendEvent(ctx, jobID, text)
		},
	}
	res, err := s.Run(ctx, in)
	if err != nil {
		slog.Error("pipeline stage failed", "job_id", jobID, "stage", s.Name(), "error", err)
		return Result{}, err
	}
	return res, nil
}

// fail records err as the job's terminal ERROR state.
func (e *Executor) fail(ctx context.Context, jobID string, err error) {
	slog.Error("pipeline failed", "job_id", jobID, "error", err)

	// ctx may already be done (deadline or shutdown); the failure is still written.
	ctx = context.WithoutCancel(ctx)
	if aerr := e.store.AppendEvent(ctx, jobID, "An error occurred: "+err.Error()); aerr != nil {
		slog.Warn("pipeline: record error event", "job_id", jobID, "error", aerr)
	}
	ok, uerr := e.store.UpdateJobByID(ctx, jobID, job.StatusError, err.Error(), []string{EventFlowError})
	if !ok {
		slog.Warn("pipeline: tracking lost for failed job", "job_id", jobID, "error", errors.Join(err, uerr))
	}
	e.transition(jobID, StateFailed, err.Error())
}

func (e *Executor) transition(jobID string, state State, detail string) {
	slog.Debug("pipeline transition", "job_id", jobID, "state", state)
	if e.observer != nil {
		e.observer.Transition(jobID, state, detail)
	}
}
