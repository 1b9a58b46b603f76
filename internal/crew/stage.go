package crew

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/marketflow/marketflow/internal/llm"
	"github.com/marketflow/marketflow/internal/pipeline"
)

// Stage runs one crew's tasks in order. Each task output is reported as a
// progress event and made available to later tasks that list it as context.
type Stage struct {
	name  string
	title string
	defs  *Definitions
}

var _ pipeline.Stage = (*Stage)(nil)

// NewStage returns the stage for the named crew.
func NewStage(defs *Definitions, name string) (*Stage, error) {
	c, ok := defs.Crews[name]
	if !ok {
		return nil, fmt.Errorf("unknown crew %q", name)
	}
	title := c.Title
	if title == "" {
		title = name
	}
	return &Stage{name: name, title: title, defs: defs}, nil
}

// DefaultStages returns the market analyst and content creator stages from
// the embedded definitions.
func DefaultStages() (first, second *Stage, err error) {
	defs, err := DefaultDefinitions()
	if err != nil {
		return nil, nil, err
	}
	if first, err = NewStage(defs, MarketAnalyst); err != nil {
		return nil, nil, err
	}
	if second, err = NewStage(defs, ContentCreator); err != nil {
		return nil, nil, err
	}
	return first, second, nil
}

func (s *Stage) Name() string { return s.name }

func (s *Stage) Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error) {
	if in.Model == nil {
		return pipeline.Result{}, errors.New(s.title + " not set up: no model client")
	}
	if err := in.Progress(s.title + " started"); err != nil {
		return pipeline.Result{}, err
	}

	outputs := make(map[string]string)
	var last string
	var lastTask *TaskDef
	for _, name := range s.defs.Crews[s.name].Tasks {
		task := s.defs.Tasks[name]
		out, err := s.runTask(ctx, in, name, task, outputs)
		if err != nil {
			return pipeline.Result{}, fmt.Errorf("%s task %s: %w", s.title, name, err)
		}
		outputs[name] = out
		last, lastTask = out, task
		if err := in.Progress(out); err != nil {
			return pipeline.Result{}, err
		}
	}

	if err := in.Progress(s.title + " completed"); err != nil {
		return pipeline.Result{}, err
	}

	res := pipeline.Result{Raw: last}
	if lastTask != nil && lastTask.Output != "" {
		res.JSON = json.RawMessage(last)
	}
	return res, nil
}

func (s *Stage) runTask(ctx context.Context, in pipeline.Input, name string, task *TaskDef, outputs map[string]string) (string, error) {
	prompt, err := s.prompt(in, task, outputs)
	if err != nil {
		return "", err
	}
	agent := s.defs.Agents[task.Agent]
	system := fmt.Sprintf("You are %s. %s\n%s", agent.Role, strings.TrimSpace(agent.Backstory), strings.TrimSpace(agent.Goal))

	slog.Info("crew task started", "job_id", in.JobID, "crew", s.name, "task", name)
	out, err := in.Model.Complete(ctx, llm.Request{
		System: system,
		Prompt: prompt,
		JSON:   task.Output != "",
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if task.Output != "" {
		out = llm.StripCodeFences(out)
	}
	if out == "" {
		return "", errors.New("empty model output")
	}
	if task.Output != "" {
		if err := checkOutput(task.Output, out); err != nil {
			return "", err
		}
	}
	return out, nil
}

func (s *Stage) prompt(in pipeline.Input, task *TaskDef, outputs map[string]string) (string, error) {
	var sb strings.Builder
	if err := task.description.Execute(&sb, in.Request); err != nil {
		return "", fmt.Errorf("render description: %w", err)
	}
	sb.WriteString("\n\nExpected output: ")
	sb.WriteString(strings.TrimSpace(task.ExpectedOutput))

	var background []string
	if in.Previous != nil && in.Previous.String() != "" {
		background = append(background, "Market analysis:\n"+in.Previous.String())
	}
	for _, dep := range task.Context {
		if out, ok := outputs[dep]; ok {
			background = append(background, out)
		}
	}
	if len(background) > 0 {
		sb.WriteString("\n\nThis is the context you're working with:\n")
		sb.WriteString(strings.Join(background, "\n\n"))
	}
	return sb.String(), nil
}
