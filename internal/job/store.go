package job

import "context"

// Store persists jobs and their progress events.
type Store interface {
	// AppendEvent records one event, creating the job in STARTED state when
	// the id is unseen. Integrity violations are logged and swallowed.
	AppendEvent(ctx context.Context, jobID, data string) error
	// UpdateJobByID sets a terminal status and result and appends events in a
	// single transaction. It returns false, with nothing committed, when the
	// job is unknown or the event batch violates integrity.
	UpdateJobByID(ctx context.Context, jobID string, status Status, result string, events []string) (bool, error)
	// GetJobByID returns the job with its events in order, or nil when the
	// job does not exist.
	GetJobByID(ctx context.Context, jobID string) (*Job, error)
}
