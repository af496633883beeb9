// Command storage-init prepares the backing stores before the service
// starts: it runs the database migrations and creates the Azure tables and
// queue the configuration refers to.
package main

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"

	"taskhub/config"
	"taskhub/jobs"
	"taskhub/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dialect, err := storage.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	store, err := storage.Open(ctx, dialect, cfg.DatabaseURL, storage.WithLogger(log.StandardLogger()))
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	if cfg.StorageConnectionString == "" {
		log.Info("storage init complete")
		return
	}
	var tables []string
	if cfg.IdentityBackend == "table" {
		tables = append(tables, cfg.UsersTable, cfg.SessionsTable)
	}
	if err := createTables(ctx, cfg.StorageConnectionString, tables); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if cfg.JobsQueue != "" {
		q, err := jobs.NewAzureQueue(cfg.StorageConnectionString, cfg.JobsQueue, time.Minute, log.StandardLogger())
		if err != nil {
			log.Fatalf("queue client: %v", err)
		}
		if err := q.Create(ctx); err != nil {
			log.Fatalf("create queue %s: %v", cfg.JobsQueue, err)
		}
	}

	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
		log.WithField("table", name).Debug("table ready")
	}
	return nil
}
