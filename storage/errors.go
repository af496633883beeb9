package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"taskhub/domain"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	checkViolation      = "23514"
	notNullViolation    = "23502"
)

// mapError translates driver errors into domain errors, keeping the original
// in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%w: %s: %v", domain.ErrConflict, pgErr.ConstraintName, err)
		case foreignKeyViolation, checkViolation:
			return fmt.Errorf("%w: %s: %v", domain.ErrInvalid, pgErr.ConstraintName, err)
		case notNullViolation:
			return fmt.Errorf("%w: %s: %v", domain.ErrInvalid, pgErr.ColumnName, err)
		}
	}
	return err
}
