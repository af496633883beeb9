// Package jobs schedules and runs the periodic maintenance sweeps: purging
// long-archived tasks and archiving DONE tasks nobody touched for a while.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Name identifies a maintenance job.
type Name string

const (
	PurgeArchived Name = "purge-archived"
	AutoArchive   Name = "auto-archive"
)

const (
	DefaultRetention        = 30 * 24 * time.Hour
	DefaultAutoArchiveAfter = 3 * 24 * time.Hour
)

// ErrUnknownJob is returned for messages naming a job nobody handles.
var ErrUnknownJob = errors.New("unknown job")

// Job is the message placed on a queue.
type Job struct {
	ID         string            `json:"id"`
	Name       Name              `json:"job"`
	Params     map[string]string `json:"params,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

func NewJob(name Name, params map[string]string) Job {
	return Job{ID: uuid.NewString(), Name: name, Params: params, EnqueuedAt: time.Now().UTC()}
}

// Duration reads a duration parameter, falling back to def when absent.
func (j Job) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := j.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("job %s: invalid %s %q", j.Name, key, v)
	}
	return d, nil
}

// Delivery is a dequeued job. Ack removes it from the queue for good.
type Delivery struct {
	Job Job
	Ack func(ctx context.Context) error
}

// Dispatcher moves jobs from the scheduler to workers.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue returns nil when no job is available right now.
	Dequeue(ctx context.Context) (*Delivery, error)
}

// MemoryQueue is the in-process Dispatcher used when no Azure queue is
// configured.
type MemoryQueue struct {
	ch chan Job
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 16
	}
	return &MemoryQueue{ch: make(chan Job, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("job queue is full, dropping %s", job.Name)
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case job := <-q.ch:
		return &Delivery{Job: job, Ack: func(context.Context) error { return nil }}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
