package job

import (
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusStarted  Status = "STARTED"
	StatusComplete Status = "COMPLETE"
	StatusError    Status = "ERROR"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// Event is one progress record of a job.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
}

type Job struct {
	ID     string  `json:"job_id"`
	Status Status  `json:"status"`
	Result string  `json:"result"`
	Events []Event `json:"events"`
}

const maxDescriptionLen = 10000

// Request is the workflow input handed to the pipeline.
type Request struct {
	CustomerDomain     string `json:"customer_domain"`
	ProjectDescription string `json:"project_description"`
}

func (r *Request) Validate() error {
	if strings.TrimSpace(r.CustomerDomain) == "" {
		return errors.New("customer_domain must not be empty")
	}
	if strings.TrimSpace(r.ProjectDescription) == "" {
		return errors.New("project_description must not be empty")
	}
	if len(r.ProjectDescription) > maxDescriptionLen {
		return errors.New("project_description must be at most 10000 bytes")
	}
	return nil
}
