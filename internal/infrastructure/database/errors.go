package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	domainerrors "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgRaiseException      = "P0001"
	pgSerializationFail   = "40001"
	pgLockNotAvailable    = "55P03"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsDuplicateKeyViolation checks if the error is a unique constraint violation
func IsDuplicateKeyViolation(err error) bool {
	return pgCode(err) == pgUniqueViolation
}

// IsForeignKeyViolation checks if the error is a foreign key constraint violation
func IsForeignKeyViolation(err error) bool {
	return pgCode(err) == pgForeignKeyViolation
}

// IsNotFound checks if the error indicates a record was not found
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isConnectionFailure(err error) bool {
	if err == nil || pgCode(err) != "" {
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no connection to the server")
}

// wrapError maps driver errors onto the domain taxonomy
func wrapError(err error, operation string) error {
	if err == nil {
		return nil
	}
	var appErr *domainerrors.AppError
	if errors.As(err, &appErr) {
		return err
	}

	switch pgCode(err) {
	case pgSerializationFail, pgLockNotAvailable:
		return domainerrors.NewConflictError("STORAGE_CONTENTION",
			fmt.Sprintf("%s: concurrent update", operation)).WithCause(err)
	case pgRaiseException:
		return domainerrors.NewConflictError("IMMUTABLE_ROW",
			fmt.Sprintf("%s: row is append-only", operation)).WithCause(err)
	}

	return domainerrors.NewInternalError(fmt.Sprintf("%s failed", operation)).WithCause(err)
}
