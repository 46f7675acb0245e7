package repositories

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates the attempted write would violate a uniqueness constraint.
	ErrConflict = errors.New("record conflict")
	// ErrStatusConflict indicates a conditional status write found the item in a
	// different status than the caller expected.
	ErrStatusConflict = errors.New("media status conflict")
	// ErrInvalidTransition indicates a status write that is not a legal edge of the
	// processing state machine.
	ErrInvalidTransition = errors.New("invalid media status transition")
	// ErrStorageFailure wraps every error returned by the database driver.
	ErrStorageFailure = errors.New("storage failure")
)

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
