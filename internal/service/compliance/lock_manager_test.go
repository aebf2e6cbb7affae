package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/compliance"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/identity"
	domainledger "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/memory"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/ledger"
)

type fixture struct {
	locks  *LockManager
	mc     *MakerChecker
	chain  *ledger.Service
	clock  *values.MockClock
	orgID  uuid.UUID
	sub    compliance.Submission
	owner  identity.Actor
	acct   identity.Actor
	viewer identity.Actor
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := values.NewMockClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	chain := ledger.NewService(ledger.DefaultConfig(), memory.NewLedgerStore(), logger, ledger.WithClock(clock))

	orgID := uuid.New()
	actor := func(role identity.Role) identity.Actor {
		return identity.Actor{ID: uuid.New(), OrganizationID: orgID, Role: role}
	}
	acct := actor(identity.RoleAccountant)

	return &fixture{
		locks: NewLockManager(DefaultConfig(), memory.NewLockRepository(), memory.NewCreditNoteRepository(),
			chain, logger, WithClock(clock)),
		mc:    NewMakerChecker(chain, logger, WithClock(clock)),
		chain: chain,
		clock: clock,
		orgID: orgID,
		sub: compliance.Submission{
			ID:             uuid.New(),
			OrganizationID: orgID,
			ResourceType:   "invoice",
			Reference:      "INV-2026-0042",
			CreatedByID:    acct.ID.String(),
		},
		owner:  actor(identity.RoleOwner),
		acct:   acct,
		viewer: actor(identity.RoleViewer),
	}
}

func (f *fixture) entries(t *testing.T) []*domainledger.Entry {
	t.Helper()
	entries, err := f.chain.History(context.Background(), f.orgID, 1, 0)
	require.NoError(t, err)
	return entries
}

func (f *fixture) lock(t *testing.T) *compliance.LockState {
	t.Helper()
	state, err := f.locks.ApplyLock(context.Background(), f.sub, "NRS-IRN-77810", f.acct)
	require.NoError(t, err)
	return state
}

func TestApplyLock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, phase, err := f.locks.State(ctx, f.sub)
	require.NoError(t, err)
	assert.Equal(t, compliance.PhaseUnlocked, phase)

	state := f.lock(t)
	assert.True(t, state.IsLocked)
	assert.Equal(t, "NRS-IRN-77810", state.ExternalReference)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), *state.LockExpiresAt)

	_, phase, err = f.locks.State(ctx, f.sub)
	require.NoError(t, err)
	assert.Equal(t, compliance.PhaseLocked, phase)

	_, err = f.locks.ApplyLock(ctx, f.sub, "NRS-IRN-77811", f.acct)
	assert.True(t, errors.HasCode(err, "ALREADY_LOCKED"))

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domainledger.ActionLock, entries[0].Action)
	assert.Equal(t, "invoice", entries[0].ResourceType)
	assert.Equal(t, f.sub.ID.String(), entries[0].ResourceID)
}

func TestAttemptEditLocked(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.locks.AttemptEdit(ctx, f.sub, f.acct))

	f.lock(t)
	f.clock.Advance(time.Hour)

	for _, actor := range []identity.Actor{f.owner, f.acct, f.viewer} {
		err := f.locks.AttemptEdit(ctx, f.sub, actor)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeSubmissionLocked), actor.Role)
		assert.True(t, errors.IsType(err, errors.ErrorTypePolicy))
	}

	f.clock.Advance(100 * time.Hour)
	err := f.locks.AttemptEdit(ctx, f.sub, f.owner)
	assert.True(t, errors.HasCode(err, errors.CodeSubmissionLocked))
}

func TestAttemptCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("non-owner inside window", func(t *testing.T) {
		f := setup(t)
		f.lock(t)
		f.clock.Advance(time.Hour)

		_, err := f.locks.AttemptCancel(ctx, f.sub, f.acct, "wrong TIN")
		assert.True(t, errors.HasCode(err, errors.CodeInsufficientRole))

		auditingOwner := f.owner
		auditingOwner.AuditorFlag = true
		_, err = f.locks.AttemptCancel(ctx, f.sub, auditingOwner, "wrong TIN")
		assert.True(t, errors.HasCode(err, errors.CodeInsufficientRole))
	})

	t.Run("owner after window", func(t *testing.T) {
		f := setup(t)
		f.lock(t)
		f.clock.Advance(73 * time.Hour)

		_, err := f.locks.AttemptCancel(ctx, f.sub, f.owner, "wrong TIN")
		assert.True(t, errors.HasCode(err, errors.CodeCancellationWindowExpired))

		_, phase, err := f.locks.State(ctx, f.sub)
		require.NoError(t, err)
		assert.Equal(t, compliance.PhaseExpiredLocked, phase)
	})

	t.Run("window boundary is exclusive", func(t *testing.T) {
		f := setup(t)
		f.lock(t)
		f.clock.Advance(72 * time.Hour)

		_, err := f.locks.AttemptCancel(ctx, f.sub, f.owner, "wrong TIN")
		assert.True(t, errors.HasCode(err, errors.CodeCancellationWindowExpired))
	})

	t.Run("owner inside window", func(t *testing.T) {
		f := setup(t)
		f.lock(t)
		f.clock.Advance(71 * time.Hour)

		state, err := f.locks.AttemptCancel(ctx, f.sub, f.owner, "wrong TIN")
		require.NoError(t, err)
		assert.False(t, state.IsLocked)
		assert.Equal(t, f.owner.ID.String(), state.CancelledBy)
		require.NoError(t, f.locks.AttemptEdit(ctx, f.sub, f.acct))

		entries := f.entries(t)
		require.Len(t, entries, 2)
		assert.Equal(t, domainledger.ActionCancel, entries[1].Action)
		assert.JSONEq(t, `{"external_reference":"NRS-IRN-77810","reason":"wrong TIN"}`, string(entries[1].DataSnapshot))

		relocked, err := f.locks.ApplyLock(ctx, f.sub, "NRS-IRN-77900", f.acct)
		require.NoError(t, err)
		assert.True(t, relocked.IsLocked)
	})

	t.Run("unlocked or missing reason", func(t *testing.T) {
		f := setup(t)
		_, err := f.locks.AttemptCancel(ctx, f.sub, f.owner, "wrong TIN")
		assert.True(t, errors.HasCode(err, "NOT_LOCKED"))

		_, err = f.locks.AttemptCancel(ctx, f.sub, f.owner, "")
		assert.True(t, errors.HasCode(err, "MISSING_REASON"))
	})
}

func TestIssueCreditNote(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	req := CreditNoteRequest{Amount: decimal.RequireFromString("12500.00"), Reason: "price adjustment"}

	_, err := f.locks.IssueCreditNote(ctx, f.sub, f.acct, req)
	assert.True(t, errors.HasCode(err, "NOT_LOCKED"))

	f.lock(t)
	f.clock.Advance(100 * time.Hour)

	note, err := f.locks.IssueCreditNote(ctx, f.sub, f.acct, req)
	require.NoError(t, err)
	assert.Equal(t, f.sub.ID, note.SubmissionID)
	assert.True(t, req.Amount.Equal(note.Amount))

	notes, err := f.locks.CreditNotes(ctx, f.sub)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, note.ID, notes[0].ID)

	_, err = f.locks.IssueCreditNote(ctx, f.sub, f.acct, CreditNoteRequest{Amount: decimal.Zero, Reason: "x"})
	assert.True(t, errors.HasCode(err, "INVALID_AMOUNT"))

	auditor := identity.Actor{ID: uuid.New(), OrganizationID: f.orgID, Role: identity.RoleAuditor}
	_, err = f.locks.IssueCreditNote(ctx, f.sub, auditor, req)
	assert.True(t, errors.HasCode(err, errors.CodeInsufficientRole))

	entries := f.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, domainledger.ActionCreditNote, entries[1].Action)
	assert.True(t, f.chain.VerifyChain(ctx, f.orgID, 1, 0).IsValid)
}

func TestLockManagerRejectsIncompleteSubmission(t *testing.T) {
	f := setup(t)
	_, err := f.locks.ApplyLock(context.Background(), compliance.Submission{ID: uuid.New()}, "NRS-1", f.acct)
	assert.True(t, errors.HasCode(err, "INVALID_SUBMISSION"))
}
