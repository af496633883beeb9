package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/hub"
)

const (
	maxBodySize     = 1 << 20
	maxUploadSize   = 32 << 20
	userContextKey  = "taskhub.user"
	idempotencyHdr  = "Idempotency-Key"
	expectedDateFmt = "2006-01-02"
)

// TaskService is the task surface the HTTP layer drives.
type TaskService interface {
	Create(ctx context.Context, actorID string, in domain.NewTask) (domain.TaskSnapshot, error)
	Update(ctx context.Context, actorID string, id int64, patch domain.TaskPatch) (domain.TaskSnapshot, error)
	Archive(ctx context.Context, actorID string, id int64) (domain.TaskSnapshot, error)
	Restore(ctx context.Context, actorID string, id int64) (domain.TaskSnapshot, error)
	ForceDelete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (domain.TaskSnapshot, error)
	ListActive(ctx context.Context) ([]domain.TaskSnapshot, error)
	ListArchived(ctx context.Context) ([]domain.TaskSnapshot, error)
	UploadMedia(ctx context.Context, actorID string, taskID *int64, name, contentType string, r io.Reader) (domain.Media, error)
	DeleteMedia(ctx context.Context, id int64) error
	MediaURL(key string) string
	Notifications(ctx context.Context, userID string) ([]domain.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

// Profiles reads and writes user profiles.
type Profiles interface {
	User(ctx context.Context, id string) (domain.User, error)
	UpsertUser(ctx context.Context, u domain.User) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP layer. Profiles, Deduper and
// MediaRoot are optional.
type Deps struct {
	Tasks       TaskService
	Auth        hub.Authenticator
	Gateway     *hub.Gateway
	Profiles    Profiles
	Deduper     Deduper
	Health      Pinger
	Logger      *log.Logger
	MediaRoot   string
	MediaPrefix string
	Keepalive   time.Duration
}

type handlers struct {
	Deps
	now func() time.Time
}

var validate = validator.New()

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.Keepalive <= 0 {
		d.Keepalive = defaultKeepalive
	}
	h := &handlers{Deps: d, now: time.Now}

	e.Use(middleware.Recover())
	e.Use(RequestMetrics(d.Logger))
	e.Use(GzipRequestMiddleware())

	e.GET("/healthz", h.healthz)
	e.GET("/ws", h.websocket)
	e.GET("/stream", h.stream)
	if d.MediaRoot != "" && strings.HasPrefix(d.MediaPrefix, "/") {
		e.Static(d.MediaPrefix, d.MediaRoot)
	}

	g := e.Group("/api", h.requireUser)
	g.GET("/tasks", h.listActive)
	g.GET("/tasks/archived", h.listArchived)
	g.POST("/tasks", h.createTask)
	g.GET("/tasks/:id", h.getTask)
	g.PUT("/tasks/:id", h.updateTask)
	g.DELETE("/tasks/:id", h.archiveTask)
	g.DELETE("/tasks/:id/force", h.forceDeleteTask)
	g.POST("/tasks/:id/restore", h.restoreTask)
	g.POST("/files/upload", h.uploadFile)
	g.DELETE("/files/:id", h.deleteFile)
	g.GET("/notifications", h.listNotifications)
	g.POST("/notifications/mark-all-read", h.markAllRead)
	g.GET("/me", h.getMe)
	g.PUT("/me", h.putMe)
}

func (h *handlers) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		start := time.Now()
		id, err := h.resolve(c.Request().Context(), c.Request().Header)
		m.ObserveAuth(time.Since(start))
		if err != nil {
			m.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, err.Error())
		}
		m.SetUser(id.UserID)
		c.Set(userContextKey, id.UserID)
		return next(c)
	}
}

func (h *handlers) resolve(ctx context.Context, header http.Header) (domain.Identity, error) {
	token, err := bearerTokenFromHeader(header)
	if err != nil {
		return domain.Identity{}, err
	}
	id, err := h.Auth.Resolve(ctx, token)
	if err != nil {
		return domain.Identity{}, err
	}
	if id.UserID == "" || id.Expired(h.now()) {
		return domain.Identity{}, fmt.Errorf("%w: token expired", domain.ErrUnauthorized)
	}
	return id, nil
}

func userID(c echo.Context) string {
	id, _ := c.Get(userContextKey).(string)
	return id
}

func (h *handlers) fail(c echo.Context, stage string, err error) error {
	metricsFrom(c).SetErrorStage(stage)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.String(http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalid):
		return c.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return c.String(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		return c.String(http.StatusUnauthorized, err.Error())
	}
	h.Logger.WithError(err).WithFields(log.Fields{"stage": stage, "route": c.Path()}).Error("request failed")
	return c.String(http.StatusInternalServerError, "internal error")
}

// decode reads a JSON body strictly and validates it.
func decode(c echo.Context, dst any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid body", domain.ErrInvalid)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s", domain.ErrInvalid, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalid, err)
	}
	return nil
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", domain.ErrInvalid, c.Param("id"))
	}
	return id, nil
}

func parseDate(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(expectedDateFmt, *raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return nil, fmt.Errorf("%w: expected_date must be YYYY-MM-DD", domain.ErrInvalid)
	}
	t = t.UTC()
	return &t, nil
}

func (h *handlers) healthz(c echo.Context) error {
	if h.Health != nil {
		if err := h.Health.Ping(c.Request().Context()); err != nil {
			metricsFrom(c).SetErrorStage("ping")
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listActive(c echo.Context) error {
	tasks, err := h.Tasks.ListActive(c.Request().Context())
	if err != nil {
		return h.fail(c, "storage", err)
	}
	metricsFrom(c).SetItems(len(tasks))
	return c.JSON(http.StatusOK, tasks)
}

func (h *handlers) listArchived(c echo.Context) error {
	tasks, err := h.Tasks.ListArchived(c.Request().Context())
	if err != nil {
		return h.fail(c, "storage", err)
	}
	metricsFrom(c).SetItems(len(tasks))
	return c.JSON(http.StatusOK, tasks)
}

type createTaskRequest struct {
	Title        string   `json:"title" validate:"required,max=128"`
	Status       string   `json:"status" validate:"omitempty,oneof=PENDING IN_PROGRESS DONE"`
	Order        *int     `json:"order"`
	Tags         []string `json:"tags" validate:"omitempty,dive,required,max=64"`
	Description  string   `json:"description"`
	ExpectedDate *string  `json:"expected_date"`
}

type updateTaskRequest struct {
	Title        *string   `json:"title" validate:"omitempty,min=1,max=128"`
	Status       *string   `json:"status" validate:"omitempty,oneof=PENDING IN_PROGRESS DONE"`
	Order        *int      `json:"order"`
	Tags         *[]string `json:"tags"`
	Description  *string   `json:"description"`
	ExpectedDate *string   `json:"expected_date"`
}

func (h *handlers) createTask(c echo.Context) error {
	ctx := c.Request().Context()
	user := userID(c)
	var req createTaskRequest
	if err := decode(c, &req); err != nil {
		return h.fail(c, "decode", err)
	}
	due, err := parseDate(req.ExpectedDate)
	if err != nil {
		return h.fail(c, "decode", err)
	}

	key := strings.TrimSpace(c.Request().Header.Get(idempotencyHdr))
	if key != "" && h.Deduper != nil {
		added, err := h.Deduper.Add(ctx, user, key)
		switch {
		case err != nil:
			h.Logger.WithError(err).Warn("idempotency check unavailable")
			key = ""
		case !added:
			metricsFrom(c).SetErrorStage("duplicate")
			return c.String(http.StatusConflict, "duplicate request")
		}
	}

	snap, err := h.Tasks.Create(ctx, user, domain.NewTask{
		Title:        req.Title,
		Status:       domain.Status(req.Status),
		Order:        req.Order,
		Tags:         req.Tags,
		Description:  req.Description,
		ExpectedDate: due,
	})
	if err != nil {
		if key != "" && h.Deduper != nil {
			if rmErr := h.Deduper.Remove(context.WithoutCancel(ctx), user, key); rmErr != nil {
				h.Logger.WithError(rmErr).Warn("release idempotency key failed")
			}
		}
		return h.fail(c, "create", err)
	}
	return c.JSON(http.StatusCreated, snap)
}

func (h *handlers) getTask(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, "decode", err)
	}
	snap, err := h.Tasks.Get(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, "storage", err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *handlers) updateTask(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, "decode", err)
	}
	var req updateTaskRequest
	if err := decode(c, &req); err != nil {
		return h.fail(c, "decode", err)
	}
	patch := domain.TaskPatch{
		Title:       req.Title,
		Order:       req.Order,
		Tags:        req.Tags,
		Description: req.Description,
	}
	if req.Status != nil {
		st := domain.Status(*req.Status)
		patch.Status = &st
	}
	if patch.ExpectedDate, err = parseDate(req.ExpectedDate); err != nil {
		return h.fail(c, "decode", err)
	}
	snap, err := h.Tasks.Update(c.Request().Context(), userID(c), id, patch)
	if err != nil {
		return h.fail(c, "update", err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *handlers) archiveTask(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, "decode", err)
	}
	if _, err := h.Tasks.Archive(c.Request().Context(), userID(c), id); err != nil {
		return h.fail(c, "archive", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) forceDeleteTask(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, "decode", err)
	}
	if err := h.Tasks.ForceDelete(c.Request().Context(), id); err != nil {
		return h.fail(c, "delete", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) restoreTask(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, "decode", err)
	}
	snap, err := h.Tasks.Restore(c.Request().Context(), userID(c), id)
	if err != nil {
		return h.fail(c, "restore", err)
	}
	return c.JSON(http.StatusOK, snap)
}

type mediaResponse struct {
	ID          int64  `json:"id"`
	TaskID      *int64 `json:"task_id"`
	Name        string `json:"name"`
	File        string `json:"file"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// uploadFile stores every part of the multipart "files" field, or the single
// "file" field, and answers with the created media in request order.
func (h *handlers) uploadFile(c echo.Context) error {
	var taskID *int64
	if raw := c.QueryParam("task_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return h.fail(c, "decode", fmt.Errorf("%w: invalid task_id", domain.ErrInvalid))
		}
		taskID = &id
	}
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxUploadSize)
	form, err := c.MultipartForm()
	if err != nil {
		return h.fail(c, "decode", fmt.Errorf("%w: multipart form required", domain.ErrInvalid))
	}
	defer func() { _ = form.RemoveAll() }()
	parts := append(form.File["files"], form.File["file"]...)
	if len(parts) == 0 {
		return h.fail(c, "decode", fmt.Errorf("%w: files are required", domain.ErrInvalid))
	}

	out := make([]mediaResponse, 0, len(parts))
	for _, fh := range parts {
		m, err := h.saveUpload(c, taskID, fh)
		if err != nil {
			return h.fail(c, "upload", err)
		}
		out = append(out, mediaResponse{
			ID:          m.ID,
			TaskID:      m.TaskID,
			Name:        m.Name,
			File:        h.Tasks.MediaURL(m.File),
			ContentType: m.ContentType,
			Size:        m.Size,
		})
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *handlers) saveUpload(c echo.Context, taskID *int64, fh *multipart.FileHeader) (domain.Media, error) {
	f, err := fh.Open()
	if err != nil {
		return domain.Media{}, err
	}
	defer f.Close()
	return h.Tasks.UploadMedia(c.Request().Context(), userID(c), taskID, fh.Filename, fh.Header.Get(echo.HeaderContentType), f)
}

func (h *handlers) deleteFile(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, "decode", err)
	}
	if err := h.Tasks.DeleteMedia(c.Request().Context(), id); err != nil {
		return h.fail(c, "delete", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) listNotifications(c echo.Context) error {
	notes, err := h.Tasks.Notifications(c.Request().Context(), userID(c))
	if err != nil {
		return h.fail(c, "storage", err)
	}
	views := make([]domain.NotificationView, 0, len(notes))
	for _, n := range notes {
		views = append(views, n.View())
	}
	metricsFrom(c).SetItems(len(views))
	return c.JSON(http.StatusOK, views)
}

func (h *handlers) markAllRead(c echo.Context) error {
	n, err := h.Tasks.MarkAllRead(c.Request().Context(), userID(c))
	if err != nil {
		return h.fail(c, "storage", err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"updated": n})
}

type profileRequest struct {
	Name  string `json:"name" validate:"max=150"`
	Email string `json:"email" validate:"omitempty,email"`
	Image string `json:"image" validate:"omitempty,url"`
}

func (h *handlers) getMe(c echo.Context) error {
	id := userID(c)
	if h.Profiles == nil {
		return c.JSON(http.StatusOK, domain.User{ID: id})
	}
	u, err := h.Profiles.User(c.Request().Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		return c.JSON(http.StatusOK, domain.User{ID: id})
	}
	if err != nil {
		return h.fail(c, "storage", err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *handlers) putMe(c echo.Context) error {
	if h.Profiles == nil {
		return c.String(http.StatusNotImplemented, "profiles are managed by the identity provider")
	}
	var req profileRequest
	if err := decode(c, &req); err != nil {
		return h.fail(c, "decode", err)
	}
	u := domain.User{ID: userID(c), Name: req.Name, Email: req.Email, Image: req.Image}
	if err := h.Profiles.UpsertUser(c.Request().Context(), u); err != nil {
		return h.fail(c, "storage", err)
	}
	return c.JSON(http.StatusOK, u)
}
