package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	msg := err.Error()
	if strings.Contains(msg, "duplicate key value violates unique constraint") {
		return true
	}

	// sqlite (2067)
	return strings.Contains(msg, "UNIQUE constraint failed")
}

// IsUniqueViolation reports whether err is a unique violation on the named
// constraint. On sqlite the constraint name is not reported, so column names
// are matched instead.
func IsUniqueViolation(err error, constraint string, columns ...string) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraint
	}

	msg := err.Error()
	if constraint != "" && strings.Contains(msg, constraint) {
		return IsDuplicateKeyErr(err)
	}
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return false
	}
	for _, column := range columns {
		if !strings.Contains(msg, column) {
			return false
		}
	}
	return len(columns) > 0
}
