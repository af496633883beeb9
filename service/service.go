// Package service is the single write path for tasks. Every mutation takes
// the ordering locks, commits the task change, its lane shifts and the
// owner's notification in one transaction, and only then publishes the
// resulting change event.
package service

import (
	"context"
	"errors"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"taskhub/domain"
	"taskhub/hub"
	"taskhub/ordering"
	"taskhub/storage"
)

const tracerName = "taskhub/service"

// Tx is the transactional surface a mutation works against.
type Tx interface {
	ordering.Lane
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	InsertTask(ctx context.Context, task *domain.Task) error
	UpdateTask(ctx context.Context, task *domain.Task) error
	DeleteTask(ctx context.Context, id int64) error
	ListMedia(ctx context.Context, taskID int64) ([]domain.Media, error)
	RecordNotification(ctx context.Context, recipient string, taskID *int64, message string) (domain.Notification, error)
}

// Repository is the persistence the service reads from and commits to.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *storage.Tx) error) error
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	ListTasks(ctx context.Context, lc domain.Lifecycle) ([]domain.Task, error)
	ListMedia(ctx context.Context, taskID int64) ([]domain.Media, error)
	MediaByTask(ctx context.Context, taskIDs []int64) (map[int64][]domain.Media, error)
	IdleTaskIDs(ctx context.Context, status domain.Status, before time.Time) ([]int64, error)
	ArchivedTaskIDs(ctx context.Context, before time.Time) ([]int64, error)
	InsertMedia(ctx context.Context, m domain.Media) (domain.Media, error)
	GetMedia(ctx context.Context, id int64) (domain.Media, error)
	DeleteMedia(ctx context.Context, id int64) error
	ListUnread(ctx context.Context, userID string) ([]domain.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

// Directory resolves user profiles for messages and snapshots.
type Directory interface {
	User(ctx context.Context, id string) (domain.User, error)
}

// FileStore keeps uploaded media content.
type FileStore interface {
	Save(name string, r io.Reader) (key string, size int64, err error)
	Remove(key string) error
	URL(key string) string
}

// Service implements the task mutation path and the read side around it.
type Service struct {
	repo      Repository
	users     Directory
	engine    *ordering.Engine
	events    *domain.EventBuilder
	publisher hub.Publisher
	files     FileStore

	logger log.FieldLogger
	tracer trace.Tracer
	now    func() time.Time
	wrapTx func(Tx) Tx
}

type Option func(*Service)

func WithLogger(l log.FieldLogger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

// WithTxWrapper decorates every transaction handed to a mutation.
func WithTxWrapper(wrap func(Tx) Tx) Option { return func(s *Service) { s.wrapTx = wrap } }

func New(repo Repository, users Directory, engine *ordering.Engine, events *domain.EventBuilder, publisher hub.Publisher, files FileStore, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		users:     users,
		engine:    engine,
		events:    events,
		publisher: publisher,
		files:     files,
		logger:    log.StandardLogger(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		wrapTx:    func(tx Tx) Tx { return tx },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) inTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.repo.InTx(ctx, func(tx *storage.Tx) error {
		return fn(s.wrapTx(tx))
	})
}

// user resolves a profile, degrading to a bare id when the directory has
// no entry.
func (s *Service) user(ctx context.Context, id string) domain.User {
	if id == "" || s.users == nil {
		return domain.User{ID: id}
	}
	u, err := s.users.User(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WithError(err).WithField("user", id).Warn("user lookup failed")
		}
		return domain.User{ID: id}
	}
	return u
}

func (s *Service) mediaRefs(media []domain.Media) []domain.MediaRef {
	refs := make([]domain.MediaRef, 0, len(media))
	for _, m := range media {
		refs = append(refs, domain.MediaRef{ID: m.ID, File: s.fileURL(m.File)})
	}
	return refs
}

func (s *Service) fileURL(key string) string {
	if s.files == nil {
		return key
	}
	return s.files.URL(key)
}

// publish hands a committed change to the hub. The mutation is already
// durable, so failures are logged rather than returned.
func (s *Service) publish(ctx context.Context, ev domain.ChangeEvent, note domain.Notification) {
	if s.publisher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	fields := log.Fields{"task": ev.Task.ID, "event": ev.Kind}
	if err := s.publisher.PublishChange(ctx, ev); err != nil {
		s.logger.WithError(err).WithFields(fields).Warn("publish change failed")
	}
	if err := s.publisher.PublishNotification(ctx, note.UserID, note); err != nil {
		s.logger.WithError(err).WithFields(fields).Warn("publish notification failed")
	}
}
