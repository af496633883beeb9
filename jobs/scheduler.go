package jobs

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Scheduler enqueues every maintenance job once per period: daily at
// midnight UTC, or on a fixed interval when one is set.
type Scheduler struct {
	queue    Dispatcher
	interval time.Duration
	now      func() time.Time
	logger   log.FieldLogger
}

func NewScheduler(queue Dispatcher, interval time.Duration, logger log.FieldLogger) *Scheduler {
	return &Scheduler{queue: queue, interval: interval, now: time.Now, logger: logger}
}

// NextMidnight returns the first UTC midnight strictly after now.
func NextMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func (s *Scheduler) next() time.Duration {
	if s.interval > 0 {
		return s.interval
	}
	now := s.now()
	return NextMidnight(now).Sub(now)
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		wait := s.next()
		s.logger.WithField("in", wait).Debug("next maintenance run scheduled")
		if !sleep(ctx, wait) {
			return nil
		}
		s.EnqueueAll(ctx)
	}
}

// EnqueueAll places one of each job on the queue. Failures are logged and
// the remaining jobs still go out.
func (s *Scheduler) EnqueueAll(ctx context.Context) int {
	n := 0
	for _, name := range []Name{PurgeArchived, AutoArchive} {
		if err := s.queue.Enqueue(ctx, NewJob(name, nil)); err != nil {
			s.logger.WithError(err).WithField("job", name).Error("enqueue failed")
			continue
		}
		n++
	}
	return n
}
