package service

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"

	"taskhub/domain"
)

// UploadMedia stores a file and records it, optionally attached to a task.
func (s *Service) UploadMedia(ctx context.Context, actorID string, taskID *int64, name, contentType string, r io.Reader) (m domain.Media, err error) {
	ctx, span := s.startSpan(ctx, "UploadMedia", attribute.String("media.name", name))
	defer func() { endSpan(span, err) }()

	if s.files == nil {
		return domain.Media{}, fmt.Errorf("%w: media storage is not configured", domain.ErrInvalid)
	}
	if name == "" {
		return domain.Media{}, fmt.Errorf("%w: file name is required", domain.ErrInvalid)
	}
	if taskID != nil {
		span.SetAttributes(attribute.Int64("task.id", *taskID))
		if _, err := s.repo.GetTask(ctx, *taskID); err != nil {
			return domain.Media{}, err
		}
	}
	key, size, err := s.files.Save(name, r)
	if err != nil {
		return domain.Media{}, err
	}
	rec := domain.Media{
		TaskID:      taskID,
		Name:        name,
		File:        key,
		ContentType: contentType,
		Size:        size,
	}
	if actorID != "" {
		rec.CreatedBy = &actorID
	}
	m, err = s.repo.InsertMedia(ctx, rec)
	if err != nil {
		if rmErr := s.files.Remove(key); rmErr != nil {
			s.logger.WithError(rmErr).WithField("file", key).Warn("remove orphaned upload failed")
		}
		return domain.Media{}, err
	}
	return m, nil
}

// DeleteMedia drops the record first and the stored file after.
func (s *Service) DeleteMedia(ctx context.Context, id int64) (err error) {
	ctx, span := s.startSpan(ctx, "DeleteMedia", attribute.Int64("media.id", id))
	defer func() { endSpan(span, err) }()

	m, err := s.repo.GetMedia(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteMedia(ctx, id); err != nil {
		return err
	}
	s.removeFiles([]domain.Media{m})
	return nil
}

// MediaURL turns a stored key into the address clients fetch it from.
func (s *Service) MediaURL(key string) string { return s.fileURL(key) }

// Notifications lists the unread notifications of userID, newest first.
func (s *Service) Notifications(ctx context.Context, userID string) ([]domain.Notification, error) {
	return s.repo.ListUnread(ctx, userID)
}

// MarkAllRead flips every unread notification of userID and returns how
// many changed.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (n int64, err error) {
	ctx, span := s.startSpan(ctx, "MarkAllRead")
	defer func() { endSpan(span, err) }()

	n, err = s.repo.MarkAllRead(ctx, userID)
	span.SetAttributes(attribute.Int64("notifications.updated", n))
	return n, err
}
