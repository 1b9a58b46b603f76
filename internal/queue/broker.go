// Package queue hands jobs from the submitting process to pipeline workers
// through a pluggable broker and retries failed attempts.
package queue

import (
	"context"
	"errors"

	"github.com/marketflow/marketflow/internal/job"
)

var (
	// ErrQueueFull is returned by Publish when the in-memory queue has no room.
	ErrQueueFull = errors.New("queue full")
	// ErrBrokerClosed is returned by Receive once the broker is closed.
	ErrBrokerClosed = errors.New("broker closed")
)

// Task is the message carried by a broker.
type Task struct {
	JobID   string      `json:"job_id"`
	Input   job.Request `json:"input"`
	Attempt int         `json:"attempt"`
}

// Delivery is a received task awaiting acknowledgement.
type Delivery struct {
	Task Task
	ack  func(ctx context.Context) error
}

// Ack removes the task from the broker for good.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Broker moves tasks between producers and workers.
type Broker interface {
	Publish(ctx context.Context, t Task) error
	// Receive blocks until a task is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	// Recover requeues tasks that were received but never acknowledged and
	// reports how many were moved. Call it before any worker starts.
	Recover(ctx context.Context) (int, error)
	Close() error
}
