// Package storage persists tasks, media, notifications and identities in a
// SQL database and hosts the auxiliary stores (Azure tables, Redis) the
// server resolves credentials through.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of the underlying database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(s)) {
	case Postgres, "postgresql", "pgx":
		return Postgres, nil
	case SQLite, "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// Store is the SQL-backed persistence layer.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	logger  log.FieldLogger
	now     func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l log.FieldLogger) Option {
	return func(s *Store) { s.logger = l }
}

// Open connects to the database. SQLite paths get WAL, foreign keys and a
// busy timeout, and the pool is pinned to a single connection so writers
// never contend for the file lock.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("missing database url")
	}
	if dialect == SQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sqlx.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  log.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// InTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back on error or panic; a panic is re-raised after rollback.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.WithError(err).Error("begin transaction")
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx, dialect: s.dialect, now: s.timestamp}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil {
				s.logger.WithError(rbErr).WithField("panic", p).Error("rollback after panic")
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.WithFields(log.Fields{"rollback_error": rbErr, "error": err}).Error("rollback transaction")
			return fmt.Errorf("rollback transaction: %v (original error: %w)", rbErr, err)
		}
		s.logger.WithError(err).Debug("transaction rolled back")
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		s.logger.WithError(err).Error("commit transaction")
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

// Tx is a unit of work. Every write performed through it commits or rolls
// back together.
type Tx struct {
	tx      *sqlx.Tx
	dialect Dialect
	now     func() time.Time
}

func (t *Tx) rebind(q string) string { return t.tx.Rebind(q) }
