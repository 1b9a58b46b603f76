package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/marketflow/marketflow/internal/job"
)

// Handler runs one attempt of a job.
type Handler func(ctx context.Context, jobID string, in job.Request) error

// Options tunes a Dispatcher. Zero values take the defaults below.
type Options struct {
	Concurrency int
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	TaskTimeout time.Duration
}

const (
	defaultMaxAttempts = 3
	defaultRetryBase   = 5 * time.Second
	defaultRetryMax    = 5 * time.Minute
	defaultTaskTimeout = 300 * time.Second

	// receiveBackoff is the pause after a broker error before receiving again.
	receiveBackoff = time.Second
)

func (o *Options) setDefaults() {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = defaultRetryMax
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = defaultTaskTimeout
	}
}

// Dispatcher submits jobs to a broker and runs workers that consume them.
type Dispatcher struct {
	broker  Broker
	handler Handler
	opts    Options
	wg      sync.WaitGroup

	// backoff picks the delay before republishing a failed attempt.
	backoff func(attempt int) time.Duration
}

// NewDispatcher creates a Dispatcher. handler may be nil for a process that
// only submits.
func NewDispatcher(b Broker, handler Handler, opts Options) *Dispatcher {
	opts.setDefaults()
	d := &Dispatcher{broker: b, handler: handler, opts: opts}
	d.backoff = func(attempt int) time.Duration {
		return fullJitter(d.opts.RetryBase, d.opts.RetryMax, attempt)
	}
	return d
}

// Submit publishes the first attempt of a job.
func (d *Dispatcher) Submit(ctx context.Context, jobID string, in job.Request) error {
	return d.broker.Publish(ctx, Task{JobID: jobID, Input: in, Attempt: 1})
}

// Start requeues unacknowledged tasks and launches the workers. Workers stop
// when ctx is done or the broker is closed.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.handler == nil {
		return errors.New("dispatcher has no handler")
	}
	n, err := d.broker.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("requeued unacknowledged tasks", "count", n)
	}
	for i := range d.opts.Concurrency {
		d.wg.Go(func() { d.runWorker(ctx, i) })
	}
	return nil
}

// Wait blocks until every worker and pending retry has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, id int) {
	for {
		del, err := d.broker.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrBrokerClosed) {
				return
			}
			slog.Error("worker: receive failed", "worker", id, "error", err)
			if !sleep(ctx, receiveBackoff) {
				return
			}
			continue
		}
		d.process(ctx, del)
	}
}

func (d *Dispatcher) process(ctx context.Context, del *Delivery) {
	t := del.Task
	slog.Info("worker: task received", "job_id", t.JobID, "attempt", t.Attempt)

	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.TaskTimeout)
	err := d.handler(attemptCtx, t.JobID, t.Input)
	cancel()

	if err != nil && ctx.Err() != nil {
		// Shutting down: leave the task unacknowledged so it is redelivered.
		return
	}
	if err != nil && t.Attempt < d.opts.MaxAttempts {
		// The backoff runs off the worker so it can take the next task.
		d.wg.Go(func() { d.retry(ctx, del, err) })
		return
	}
	if err != nil {
		slog.Error("worker: task failed, giving up", "job_id", t.JobID, "attempts", t.Attempt, "error", err)
	}
	ack(ctx, del)
}

func ack(ctx context.Context, del *Delivery) {
	if err := del.Ack(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("worker: ack failed", "job_id", del.Task.JobID, "error", err)
	}
}

// retry republishes the delivery's task after a backoff delay and then acks
// the original. On shutdown or a failed republish the original stays
// unacknowledged so the broker redelivers it.
func (d *Dispatcher) retry(ctx context.Context, del *Delivery, cause error) {
	t := del.Task
	delay := d.backoff(t.Attempt)
	slog.Warn("worker: task failed, retrying", "job_id", t.JobID, "attempt", t.Attempt, "delay", delay, "error", cause)
	if !sleep(ctx, delay) {
		return
	}
	next := t
	next.Attempt++
	if err := d.broker.Publish(ctx, next); err != nil {
		slog.Error("worker: republish failed", "job_id", t.JobID, "error", err)
		return
	}
	ack(ctx, del)
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
