package persistence

import (
	"database/sql"
	"errors"

	"tracker_server/core/port/out"

	"github.com/jackc/pgx/v5/pgconn"
)

// Common persistence errors. They alias the port sentinels so callers can
// match with errors.Is against either package.
var (
	ErrNotFound     = out.ErrNotFound
	ErrDuplicate    = out.ErrDuplicate
	ErrInvalidInput = errors.New("invalid input")
)

const uniqueViolation = "23505"

// translate maps driver errors onto the persistence sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}
