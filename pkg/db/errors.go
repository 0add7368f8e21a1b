package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrLockConflict marks contention that is safe to retry.
	ErrLockConflict = errors.New("db: lock conflict")
	ErrNoRows       = pgx.ErrNoRows
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
)

// Classify wraps contention errors with ErrLockConflict and passes everything else through.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrLockConflict) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
			return fmt.Errorf("%w: %s (%s)", ErrLockConflict, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

func IsLockConflict(err error) bool {
	return errors.Is(err, ErrLockConflict)
}
