package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domainerrors "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
)

func TestCircuitBreaker(t *testing.T) {
	t.Run("opens after threshold failures", func(t *testing.T) {
		cb := NewCircuitBreaker(3, time.Hour)
		assert.True(t, cb.Allow())

		cb.RecordFailure()
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State())
		assert.True(t, cb.Allow())

		cb.RecordFailure()
		assert.Equal(t, CircuitOpen, cb.State())
		assert.False(t, cb.Allow())
	})

	t.Run("half opens after timeout and closes on success", func(t *testing.T) {
		cb := NewCircuitBreaker(1, 10*time.Millisecond)
		cb.RecordFailure()
		require.False(t, cb.Allow())

		time.Sleep(20 * time.Millisecond)
		assert.True(t, cb.Allow())
		assert.Equal(t, CircuitHalfOpen, cb.State())

		cb.RecordSuccess()
		assert.Equal(t, CircuitClosed, cb.State())
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(2, time.Hour)
		cb.RecordFailure()
		cb.RecordSuccess()
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State())
	})

	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}

func TestNewConnectionPoolRejectsBadURL(t *testing.T) {
	_, err := NewConnectionPool(context.Background(), config.DatabaseConfig{URL: "://nope"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestWrapError(t *testing.T) {
	assert.NoError(t, wrapError(nil, "op"))

	appErr := domainerrors.NewNotFoundError("ledger entry")
	assert.Same(t, appErr, wrapError(appErr, "op"))

	err := wrapError(&pgconn.PgError{Code: pgRaiseException, Message: "ledger entries are append-only"}, "update")
	assert.True(t, domainerrors.HasCode(err, "IMMUTABLE_ROW"))
	assert.False(t, domainerrors.IsRetryable(err))

	err = wrapError(&pgconn.PgError{Code: pgLockNotAvailable}, "lock")
	assert.True(t, domainerrors.HasCode(err, "STORAGE_CONTENTION"))

	err = wrapError(errors.New("socket closed"), "query")
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeInternal))

	assert.True(t, IsDuplicateKeyViolation(&pgconn.PgError{Code: pgUniqueViolation}))
	assert.True(t, IsForeignKeyViolation(&pgconn.PgError{Code: pgForeignKeyViolation}))
	assert.False(t, IsDuplicateKeyViolation(errors.New("x")))
}
