// Package crew implements the pipeline stages as crews of LLM agents working
// through YAML-defined tasks in order.
package crew

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Crew names defined in the embedded definitions.
const (
	MarketAnalyst  = "market_analyst"
	ContentCreator = "content_creator"
)

//go:embed crews.yaml
var defaultDefinitions []byte

// Agent is the persona a task runs under.
type Agent struct {
	Role      string `yaml:"role"`
	Goal      string `yaml:"goal"`
	Backstory string `yaml:"backstory"`
}

// TaskDef describes one unit of work for an agent.
type TaskDef struct {
	Agent          string   `yaml:"agent"`
	Description    string   `yaml:"description"`
	ExpectedOutput string   `yaml:"expected_output"`
	Output         string   `yaml:"output"` // JSON schema name; empty means free text
	Context        []string `yaml:"context"`

	description *template.Template
}

// CrewDef is an ordered list of tasks run as one stage.
type CrewDef struct {
	Title string   `yaml:"title"`
	Tasks []string `yaml:"tasks"`
}

// Definitions holds every agent, task and crew.
type Definitions struct {
	Agents map[string]Agent    `yaml:"agents"`
	Tasks  map[string]*TaskDef `yaml:"tasks"`
	Crews  map[string]CrewDef  `yaml:"crews"`
}

// DefaultDefinitions parses the embedded crews.yaml.
func DefaultDefinitions() (*Definitions, error) {
	return ParseDefinitions(defaultDefinitions)
}

// ParseDefinitions decodes and validates YAML definitions. Task
// descriptions are compiled as text/template against job.Request.
func ParseDefinitions(data []byte) (*Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse crew definitions: %w", err)
	}
	if err := defs.validate(); err != nil {
		return nil, fmt.Errorf("invalid crew definitions: %w", err)
	}
	return &defs, nil
}

func (d *Definitions) validate() error {
	var errs []error
	for name, task := range d.Tasks {
		if task == nil {
			errs = append(errs, fmt.Errorf("task %s: empty definition", name))
			continue
		}
		if _, ok := d.Agents[task.Agent]; !ok {
			errs = append(errs, fmt.Errorf("task %s: unknown agent %q", name, task.Agent))
		}
		if strings.TrimSpace(task.Description) == "" {
			errs = append(errs, fmt.Errorf("task %s: description required", name))
		}
		if task.Output != "" {
			if _, ok := schemas[task.Output]; !ok {
				errs = append(errs, fmt.Errorf("task %s: unknown output schema %q", name, task.Output))
			}
		}
		for _, dep := range task.Context {
			if _, ok := d.Tasks[dep]; !ok {
				errs = append(errs, fmt.Errorf("task %s: unknown context task %q", name, dep))
			}
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(task.Description)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", name, err))
			continue
		}
		task.description = tmpl
	}
	for name, c := range d.Crews {
		if len(c.Tasks) == 0 {
			errs = append(errs, fmt.Errorf("crew %s: no tasks", name))
		}
		for _, t := range c.Tasks {
			if _, ok := d.Tasks[t]; !ok {
				errs = append(errs, fmt.Errorf("crew %s: unknown task %q", name, t))
			}
		}
	}
	return errors.Join(errs...)
}
