package queue

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process broker backed by a buffered channel. Tasks
// do not survive a restart.
type MemoryBroker struct {
	tasks  chan Task
	closed chan struct{}
	once   sync.Once
}

// NewMemoryBroker creates a broker holding at most size pending tasks.
func NewMemoryBroker(size int) *MemoryBroker {
	return &MemoryBroker{
		tasks:  make(chan Task, size),
		closed: make(chan struct{}),
	}
}

// Publish adds t to the queue. Returns ErrQueueFull if the queue is full.
func (b *MemoryBroker) Publish(_ context.Context, t Task) error {
	select {
	case <-b.closed:
		return ErrBrokerClosed
	default:
	}
	select {
	case b.tasks <- t:
		return nil
	default:
		return fmt.Errorf("%w: cannot enqueue job %s", ErrQueueFull, t.JobID)
	}
}

func (b *MemoryBroker) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		return nil, ErrBrokerClosed
	case t := <-b.tasks:
		return &Delivery{Task: t}, nil
	}
}

// Recover is a no-op: an unacknowledged in-memory task is already gone.
func (b *MemoryBroker) Recover(context.Context) (int, error) { return 0, nil }

func (b *MemoryBroker) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// Len reports the number of pending tasks.
func (b *MemoryBroker) Len() int { return len(b.tasks) }
