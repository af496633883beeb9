package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrations embed.FS

const migrationTable = "schema_migrations"

// goose keeps its configuration in package state.
var gooseMu sync.Mutex

// Migrate applies every pending migration for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	dir, err := fs.Sub(migrations, "migrations/"+string(s.dialect))
	if err != nil {
		return fmt.Errorf("migrations for %s: %w", s.dialect, err)
	}
	dialect := "postgres"
	if s.dialect == SQLite {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	goose.SetBaseFS(dir)
	defer goose.SetBaseFS(nil)
	goose.SetTableName(migrationTable)
	goose.SetLogger(gooseLogger{s})

	if err := goose.UpContext(ctx, s.db.DB, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

type gooseLogger struct{ s *Store }

func (g gooseLogger) Fatalf(format string, v ...any) { g.s.logger.Errorf(format, v...) }
func (g gooseLogger) Printf(format string, v ...any) { g.s.logger.Debugf(format, v...) }
