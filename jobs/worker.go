package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Sweeper performs the maintenance work. The task service implements it.
type Sweeper interface {
	AutoArchiveIdle(ctx context.Context, idle time.Duration) (int, error)
	PurgeArchived(ctx context.Context, retention time.Duration) (int, error)
}

// Worker pulls jobs from a Dispatcher and runs them.
type Worker struct {
	queue     Dispatcher
	sweeper   Sweeper
	retention time.Duration
	idle      time.Duration
	poll      time.Duration
	logger    log.FieldLogger
}

type WorkerOption func(*Worker)

func WithRetention(d time.Duration) WorkerOption { return func(w *Worker) { w.retention = d } }

func WithAutoArchiveAfter(d time.Duration) WorkerOption { return func(w *Worker) { w.idle = d } }

// WithPollInterval sets how long the worker waits after finding the queue
// empty.
func WithPollInterval(d time.Duration) WorkerOption { return func(w *Worker) { w.poll = d } }

func NewWorker(queue Dispatcher, sweeper Sweeper, logger log.FieldLogger, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:     queue,
		sweeper:   sweeper,
		retention: DefaultRetention,
		idle:      DefaultAutoArchiveAfter,
		poll:      time.Second,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes jobs until ctx is cancelled. A job is acknowledged only
// after it succeeded; failed ones reappear once their visibility expires.
func (w *Worker) Run(ctx context.Context) error {
	for {
		d, err := w.queue.Dequeue(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.WithError(err).Warn("dequeue failed")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}
		if d == nil {
			if !sleep(ctx, w.poll) {
				return nil
			}
			continue
		}
		entry := w.logger.WithFields(log.Fields{"job": d.Job.Name, "id": d.Job.ID})
		if err := w.Handle(ctx, d.Job); err != nil {
			entry.WithError(err).Error("job failed")
			if errors.Is(err, ErrUnknownJob) {
				if err := d.Ack(ctx); err != nil {
					entry.WithError(err).Warn("ack failed")
				}
			}
			continue
		}
		if err := d.Ack(ctx); err != nil {
			entry.WithError(err).Warn("ack failed")
		}
	}
}

// Handle runs a single job.
func (w *Worker) Handle(ctx context.Context, job Job) error {
	switch job.Name {
	case PurgeArchived:
		retention, err := job.Duration("retention", w.retention)
		if err != nil {
			return err
		}
		_, err = w.sweeper.PurgeArchived(ctx, retention)
		return err
	case AutoArchive:
		idle, err := job.Duration("idle", w.idle)
		if err != nil {
			return err
		}
		_, err = w.sweeper.AutoArchiveIdle(ctx, idle)
		return err
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, job.Name)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
