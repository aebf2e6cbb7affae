package compliance

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

func TestLockStatePhases(t *testing.T) {
	sub := Submission{ID: uuid.New(), OrganizationID: uuid.New()}
	state := NewUnlockedState(sub)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	assert.Equal(t, PhaseUnlocked, state.PhaseAt(now))

	require.NoError(t, state.Lock("NRS-123", "user-1", now, DefaultLockWindow))
	assert.Equal(t, now.Add(72*time.Hour), *state.LockExpiresAt)
	assert.Equal(t, PhaseLocked, state.PhaseAt(now.Add(71*time.Hour)))
	assert.Equal(t, PhaseExpiredLocked, state.PhaseAt(now.Add(72*time.Hour)))
	assert.Equal(t, "EXPIRED_LOCKED", state.PhaseAt(now.Add(100*time.Hour)).String())

	err := state.Lock("NRS-124", "user-1", now, DefaultLockWindow)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, "ALREADY_LOCKED"))
}

func TestLockRequiresReference(t *testing.T) {
	state := NewUnlockedState(Submission{ID: uuid.New()})
	err := state.Lock("", "user-1", time.Now(), DefaultLockWindow)
	require.Error(t, err)
	assert.False(t, state.IsLocked)
}

func TestUnlockAndRelock(t *testing.T) {
	state := NewUnlockedState(Submission{ID: uuid.New()})
	now := time.Now()
	require.NoError(t, state.Lock("NRS-1", "user-1", now, DefaultLockWindow))

	state.Unlock("owner-1", "wrong customer TIN", now.Add(time.Hour))
	assert.Equal(t, PhaseUnlocked, state.PhaseAt(now.Add(2*time.Hour)))
	assert.Equal(t, "owner-1", state.CancelledBy)

	require.NoError(t, state.Lock("NRS-2", "user-1", now.Add(3*time.Hour), DefaultLockWindow))
	assert.Empty(t, state.CancelledBy)
	assert.Nil(t, state.CancelledAt)
}

func TestLockStateClone(t *testing.T) {
	state := NewUnlockedState(Submission{ID: uuid.New()})
	require.NoError(t, state.Lock("NRS-1", "user-1", time.Now(), DefaultLockWindow))

	clone := state.Clone()
	*clone.LockExpiresAt = clone.LockExpiresAt.Add(time.Hour)
	assert.NotEqual(t, *state.LockExpiresAt, *clone.LockExpiresAt)
}
