package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskhub/api"
	"taskhub/config"
	"taskhub/domain"
	"taskhub/hub"
	"taskhub/jobs"
	"taskhub/media"
	"taskhub/ordering"
	"taskhub/service"
	"taskhub/storage"
)

const queueVisibility = 5 * time.Minute

// identity is what both identity backends provide.
type identity interface {
	hub.Authenticator
	api.Profiles
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialect, err := storage.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	store, err := storage.Open(ctx, dialect, cfg.DatabaseURL, storage.WithLogger(logger))
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		logger.Fatalf("migrate: %v", err)
	}

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisConnectionString))
		defer rc.Close()
	}

	var users identity = store
	if cfg.IdentityBackend == "table" {
		tables, err := storage.NewTableIdentity(cfg.StorageConnectionString, cfg.UsersTable, cfg.SessionsTable)
		if err != nil {
			logger.Fatalf("identity tables: %v", err)
		}
		users = tables
	}
	if rc != nil {
		users = storage.NewCache(users, rc, cfg.SessionCacheTTL)
	}

	auth := api.ChainAuthenticator{Sessions: users}
	if cfg.JWTEnabled() {
		jwtAuth, err := newJWTAuth(cfg)
		if err != nil {
			logger.Fatalf("auth: %v", err)
		}
		auth.JWT = jwtAuth
	}

	h := hub.New(hub.WithBuffer(cfg.HubBuffer), hub.WithLogger(logger))
	defer h.Close()
	var publisher hub.Publisher = h
	var wg sync.WaitGroup
	if cfg.RelayEnabled() {
		relay := hub.NewRelay(rc, cfg.RelayChannel, h, logger)
		ready := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx, ready)
		}()
		select {
		case <-ready:
		case <-ctx.Done():
		}
		publisher = relay
	}

	events, err := domain.NewEventBuilder(cfg.MessageLocale)
	if err != nil {
		logger.Fatalf("events: %v", err)
	}
	files, err := media.NewDiskStore(cfg.MediaDir, cfg.MediaBaseURL)
	if err != nil {
		logger.Fatalf("media: %v", err)
	}
	svc := service.New(store, users, ordering.NewEngine(), events, publisher, files, service.WithLogger(logger))

	queue, err := newJobQueue(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("jobs: %v", err)
	}
	worker := jobs.NewWorker(queue, svc, logger,
		jobs.WithRetention(cfg.ArchiveRetention),
		jobs.WithAutoArchiveAfter(cfg.AutoArchiveAfter),
	)
	scheduler := jobs.NewScheduler(queue, cfg.JobsInterval, logger)
	for _, run := range []func(context.Context) error{worker.Run, scheduler.Run} {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("background job loop stopped")
			}
		}(run)
	}

	var deduper api.Deduper
	if rc != nil {
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}
	mediaRoot, mediaPrefix := "", ""
	if strings.HasPrefix(cfg.MediaBaseURL, "/") {
		mediaRoot, mediaPrefix = files.Root(), cfg.MediaBaseURL
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	api.Register(e, api.Deps{
		Tasks:       svc,
		Auth:        auth,
		Gateway:     hub.NewGateway(h, auth, store, logger),
		Profiles:    users,
		Deduper:     deduper,
		Health:      store,
		Logger:      logger,
		MediaRoot:   mediaRoot,
		MediaPrefix: mediaPrefix,
	})

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()
	logger.WithField("addr", cfg.ListenAddr).Info("taskhub listening")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.Close()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}
	wg.Wait()
}

func newJWTAuth(cfg *config.Config) (*api.JWTAuth, error) {
	if cfg.Auth0TestMode {
		return api.NewTestJWTAuth([]byte(cfg.TestJWTSecret), cfg.Auth0Audience, ""), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewJWTAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/"), nil
}

func newJobQueue(ctx context.Context, cfg *config.Config, logger log.FieldLogger) (jobs.Dispatcher, error) {
	if cfg.JobsQueue == "" {
		return jobs.NewMemoryQueue(16), nil
	}
	q, err := jobs.NewAzureQueue(cfg.StorageConnectionString, cfg.JobsQueue, queueVisibility, logger)
	if err != nil {
		return nil, err
	}
	if err := q.Create(ctx); err != nil {
		return nil, fmt.Errorf("create queue %s: %w", cfg.JobsQueue, err)
	}
	return q, nil
}

// redisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
