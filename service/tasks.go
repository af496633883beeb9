package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskhub/domain"
	"taskhub/ordering"
)

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// committed is what a successful mutation leaves behind for publishing.
type committed struct {
	event domain.ChangeEvent
	note  domain.Notification
}

// Create inserts a task owned by actorID into its lane.
func (s *Service) Create(ctx context.Context, actorID string, in domain.NewTask) (snap domain.TaskSnapshot, err error) {
	ctx, span := s.startSpan(ctx, "Create")
	defer func() { endSpan(span, err) }()

	if err := in.Validate(); err != nil {
		return domain.TaskSnapshot{}, err
	}
	status := in.Status
	if status == "" {
		status = domain.StatusPending
	}
	span.SetAttributes(attribute.String("task.status", string(status)))
	actor := s.user(ctx, actorID)

	release, err := s.engine.Acquire(ctx, ordering.LaneKey(status))
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	defer release()

	var out committed
	err = s.inTx(ctx, func(tx Tx) error {
		task := domain.Task{
			Title:        in.Title,
			Status:       status,
			Tags:         domain.Tags(in.Tags),
			Description:  in.Description,
			ExpectedDate: in.ExpectedDate,
			Lifecycle:    domain.LifecycleActive,
			CreatedBy:    actorID,
		}
		var order int
		var err error
		if in.Order != nil {
			order, err = s.engine.InsertOrMove(ctx, tx, 0, *in.Order, status)
		} else {
			order, err = s.engine.Append(ctx, tx, 0, status)
		}
		if err != nil {
			return err
		}
		task.Order = order
		if err := tx.InsertTask(ctx, &task); err != nil {
			return err
		}
		out, err = s.record(ctx, tx, task, actor, actor, domain.Mutation{Created: true}, nil)
		return err
	})
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	span.SetAttributes(attribute.Int64("task.id", out.event.Task.ID), attribute.String("event.kind", string(out.event.Kind)))
	s.publish(ctx, out.event, out.note)
	return out.event.Task, nil
}

// record builds the change event for task and stores the owner's
// notification inside tx.
func (s *Service) record(ctx context.Context, tx Tx, task domain.Task, owner, actor domain.User, m domain.Mutation, media []domain.Media) (committed, error) {
	snap := domain.NewSnapshot(task, owner, s.mediaRefs(media))
	ev := s.events.Build(snap, m, actor.DisplayName())
	id := task.ID
	note, err := tx.RecordNotification(ctx, task.CreatedBy, &id, ev.Message)
	if err != nil {
		return committed{}, err
	}
	return committed{event: ev, note: note}, nil
}

// errLaneMoved reports that the task left the lane whose lock was taken
// before the transaction read it.
var errLaneMoved = errors.New("task changed lanes")

const laneAttempts = 3

// plan describes one mutation of an existing task. lane names the lane whose
// ordering the mutation touches for a given row, or empty when none is; nil
// means the mutation never touches ordering.
type plan struct {
	lane  func(task domain.Task) domain.Status
	apply func(ctx context.Context, tx Tx, task *domain.Task) (domain.Mutation, error)
}

// mutate runs the shared path of every change to an existing task: task
// lock, lane lock, one transaction for the write and its notification, and
// publishing once it committed. The plan is applied to the row read inside
// the transaction; when that row needs a lane other than the locked one the
// attempt is rolled back and retried.
func (s *Service) mutate(ctx context.Context, span trace.Span, actorID string, id int64, p plan) (domain.TaskSnapshot, error) {
	span.SetAttributes(attribute.Int64("task.id", id))
	release, err := s.engine.Acquire(ctx, ordering.TaskKey(id))
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	defer release()

	for attempt := 1; ; attempt++ {
		out, err := s.mutateOnce(ctx, actorID, id, p)
		if errors.Is(err, errLaneMoved) {
			if attempt < laneAttempts {
				s.logger.WithFields(log.Fields{"task": id, "attempt": attempt}).Debug("task changed lanes, retrying")
				continue
			}
			return domain.TaskSnapshot{}, fmt.Errorf("task %d: %w: %v", id, domain.ErrConflict, err)
		}
		if err != nil {
			return domain.TaskSnapshot{}, err
		}
		span.SetAttributes(attribute.String("task.status", string(out.event.Task.Status)), attribute.String("event.kind", string(out.event.Kind)))
		s.publish(ctx, out.event, out.note)
		return out.event.Task, nil
	}
}

func (s *Service) mutateOnce(ctx context.Context, actorID string, id int64, p plan) (committed, error) {
	current, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return committed{}, err
	}
	var locked domain.Status
	if p.lane != nil {
		locked = p.lane(current)
	}
	if locked != "" {
		releaseLane, err := s.engine.Acquire(ctx, ordering.LaneKey(locked))
		if err != nil {
			return committed{}, err
		}
		defer releaseLane()
	}

	owner := s.user(ctx, current.CreatedBy)
	actor := owner
	if actorID != "" && actorID != current.CreatedBy {
		actor = s.user(ctx, actorID)
	}

	var out committed
	err = s.inTx(ctx, func(tx Tx) error {
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if p.lane != nil {
			if need := p.lane(task); need != "" && need != locked {
				return errLaneMoved
			}
		}
		m, err := p.apply(ctx, tx, &task)
		if err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, &task); err != nil {
			return err
		}
		media, err := tx.ListMedia(ctx, task.ID)
		if err != nil {
			return err
		}
		out, err = s.record(ctx, tx, task, owner, actor, m, media)
		return err
	})
	return out, err
}

func notActive(id int64) error {
	return fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
}

// Update applies a partial change to an active task. A requested order
// shifts the target lane; a lane change without one appends.
func (s *Service) Update(ctx context.Context, actorID string, id int64, patch domain.TaskPatch) (snap domain.TaskSnapshot, err error) {
	ctx, span := s.startSpan(ctx, "Update")
	defer func() { endSpan(span, err) }()

	if err := patch.Validate(); err != nil {
		return domain.TaskSnapshot{}, err
	}
	target := func(task domain.Task) domain.Status {
		if patch.Status != nil {
			return *patch.Status
		}
		return task.Status
	}
	return s.mutate(ctx, span, actorID, id, plan{
		lane: func(task domain.Task) domain.Status {
			if patch.Order != nil || target(task) != task.Status {
				return target(task)
			}
			return ""
		},
		apply: func(ctx context.Context, tx Tx, task *domain.Task) (domain.Mutation, error) {
			if task.Archived() {
				return domain.Mutation{}, notActive(id)
			}
			lane := target(*task)
			patch.Apply(task)
			switch {
			case patch.Order != nil:
				order, err := s.engine.InsertOrMove(ctx, tx, task.ID, *patch.Order, lane)
				if err != nil {
					return domain.Mutation{}, err
				}
				task.Order = order
			case lane != task.Status:
				order, err := s.engine.Append(ctx, tx, task.ID, lane)
				if err != nil {
					return domain.Mutation{}, err
				}
				task.Order = order
			}
			task.Status = lane
			return domain.Mutation{}, nil
		},
	})
}

// Archive moves an active task out of its lane. The gap it leaves is not
// compacted.
func (s *Service) Archive(ctx context.Context, actorID string, id int64) (snap domain.TaskSnapshot, err error) {
	ctx, span := s.startSpan(ctx, "Archive")
	defer func() { endSpan(span, err) }()

	return s.mutate(ctx, span, actorID, id, plan{
		apply: func(_ context.Context, _ Tx, task *domain.Task) (domain.Mutation, error) {
			if !task.Archive(s.now()) {
				return domain.Mutation{}, notActive(id)
			}
			return domain.Mutation{Archived: true}, nil
		},
	})
}

// Restore brings an archived task back to the end of its lane.
func (s *Service) Restore(ctx context.Context, actorID string, id int64) (snap domain.TaskSnapshot, err error) {
	ctx, span := s.startSpan(ctx, "Restore")
	defer func() { endSpan(span, err) }()

	return s.mutate(ctx, span, actorID, id, plan{
		lane: func(task domain.Task) domain.Status {
			return task.Status
		},
		apply: func(ctx context.Context, tx Tx, task *domain.Task) (domain.Mutation, error) {
			if !task.Restore() {
				return domain.Mutation{}, fmt.Errorf("task %d is not archived: %w", id, domain.ErrNotFound)
			}
			order, err := s.engine.Append(ctx, tx, task.ID, task.Status)
			if err != nil {
				return domain.Mutation{}, err
			}
			task.Order = order
			return domain.Mutation{}, nil
		},
	})
}

// ForceDelete removes a task and its media for good. No change event kind
// exists for it, so nothing is published.
func (s *Service) ForceDelete(ctx context.Context, id int64) (err error) {
	ctx, span := s.startSpan(ctx, "ForceDelete", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	release, err := s.engine.Acquire(ctx, ordering.TaskKey(id))
	if err != nil {
		return err
	}
	defer release()

	var files []domain.Media
	err = s.inTx(ctx, func(tx Tx) error {
		if _, err := tx.GetTask(ctx, id); err != nil {
			return err
		}
		media, err := tx.ListMedia(ctx, id)
		if err != nil {
			return err
		}
		files = media
		return tx.DeleteTask(ctx, id)
	})
	if err != nil {
		return err
	}
	s.removeFiles(files)
	return nil
}

func (s *Service) removeFiles(media []domain.Media) {
	if s.files == nil {
		return
	}
	for _, m := range media {
		if err := s.files.Remove(m.File); err != nil {
			s.logger.WithError(err).WithField("media", m.ID).Warn("remove media file failed")
		}
	}
}

// Get returns a task of either lifecycle with its media.
func (s *Service) Get(ctx context.Context, id int64) (domain.TaskSnapshot, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	media, err := s.repo.ListMedia(ctx, id)
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	return domain.NewSnapshot(task, s.user(ctx, task.CreatedBy), s.mediaRefs(media)), nil
}

func (s *Service) ListActive(ctx context.Context) ([]domain.TaskSnapshot, error) {
	return s.list(ctx, domain.LifecycleActive)
}

func (s *Service) ListArchived(ctx context.Context) ([]domain.TaskSnapshot, error) {
	return s.list(ctx, domain.LifecycleArchived)
}

func (s *Service) list(ctx context.Context, lc domain.Lifecycle) ([]domain.TaskSnapshot, error) {
	tasks, err := s.repo.ListTasks(ctx, lc)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	media, err := s.repo.MediaByTask(ctx, ids)
	if err != nil {
		return nil, err
	}
	owners := map[string]domain.User{}
	out := make([]domain.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		owner, ok := owners[t.CreatedBy]
		if !ok {
			owner = s.user(ctx, t.CreatedBy)
			owners[t.CreatedBy] = owner
		}
		out = append(out, domain.NewSnapshot(t, owner, s.mediaRefs(media[t.ID])))
	}
	return out, nil
}

// AutoArchiveIdle archives DONE tasks untouched for longer than idle. Each
// one goes through Archive, so owners are notified and clients see a
// task:archived event.
func (s *Service) AutoArchiveIdle(ctx context.Context, idle time.Duration) (int, error) {
	ids, err := s.repo.IdleTaskIDs(ctx, domain.StatusDone, s.now().Add(-idle))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, err := s.Archive(ctx, "", id); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("auto-archive task %d: %w", id, err)
		}
		n++
	}
	s.logger.WithFields(log.Fields{"archived": n, "idle": idle}).Info("auto-archive finished")
	return n, nil
}

// PurgeArchived hard deletes tasks archived before the retention window.
func (s *Service) PurgeArchived(ctx context.Context, retention time.Duration) (int, error) {
	ids, err := s.repo.ArchivedTaskIDs(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := s.ForceDelete(ctx, id); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("purge task %d: %w", id, err)
		}
		n++
	}
	s.logger.WithFields(log.Fields{"purged": n, "retention": retention}).Info("purge finished")
	return n, nil
}
