package access

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/access"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/identity"
	domainledger "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/memory"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/ledger"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishActionLog(ctx context.Context, entry *access.ActionLogEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

type fixture struct {
	guard    *Guard
	sessions *memory.SessionRepository
	log      *memory.ActionLogRepository
	chain    *ledger.Service
	clock    *values.MockClock
	auditor  identity.Actor
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := values.NewMockClock(time.Date(2026, 7, 14, 9, 0, 0, 0, time.UTC))
	chain := ledger.NewService(ledger.DefaultConfig(), memory.NewLedgerStore(), logger, ledger.WithClock(clock))
	sessions := memory.NewSessionRepository()
	log := memory.NewActionLogRepository()

	opts = append([]Option{WithClock(clock)}, opts...)
	return &fixture{
		guard:    NewGuard(sessions, log, chain, logger, opts...),
		sessions: sessions,
		log:      log,
		chain:    chain,
		clock:    clock,
		auditor:  identity.Actor{ID: uuid.New(), OrganizationID: uuid.New(), Role: identity.RoleAuditor},
	}
}

func (f *fixture) start(t *testing.T) *access.Session {
	t.Helper()
	s, err := f.guard.StartSession(context.Background(), f.auditor, "FY2025 statutory audit")
	require.NoError(t, err)
	return s
}

func TestCheckWithoutSession(t *testing.T) {
	f := setup(t)

	d, err := f.guard.Check(context.Background(), f.auditor, access.ActionRead, "invoice", "INV-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, errors.CodeNoActiveSession, d.Code)
	require.NotNil(t, d.LogEntry)
	assert.Nil(t, d.LogEntry.SessionID)
	assert.Equal(t, 1, f.log.Len())

	err = f.guard.Authorize(context.Background(), f.auditor, access.ActionList, "invoice", "")
	assert.True(t, errors.HasCode(err, errors.CodeNoActiveSession))
	assert.Equal(t, 2, f.log.Len())
}

func TestAuditorAllowList(t *testing.T) {
	f := setup(t)
	session := f.start(t)
	ctx := context.Background()

	for _, action := range AuditorAllowed {
		d, err := f.guard.Check(ctx, f.auditor, action, "finding", "F-001")
		require.NoError(t, err)
		assert.True(t, d.Allowed, action)
		assert.Equal(t, session.ID, *d.SessionID)
	}

	for _, action := range append(AuditorDenied, access.Action("purge")) {
		d, err := f.guard.Check(ctx, f.auditor, action, "finding", "F-001")
		require.NoError(t, err)
		assert.False(t, d.Allowed, action)
		assert.Equal(t, errors.CodeActionDenied, d.Code)
	}

	history, err := f.guard.History(ctx, f.auditor.OrganizationID, f.auditor.ID.String())
	require.NoError(t, err)
	require.Len(t, history, len(AuditorAllowed)+len(AuditorDenied)+1)
	assert.True(t, history[0].Allowed)
	assert.False(t, history[len(history)-1].Allowed)
	assert.Equal(t, access.Action("purge"), history[len(history)-1].Action)

	stored, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, len(history), stored.ActionsCount)
}

func TestDeleteDeniedLogsExactlyOneEntry(t *testing.T) {
	f := setup(t)
	f.start(t)

	for i := 0; i < 3; i++ {
		before := f.log.Len()
		d, err := f.guard.Check(context.Background(), f.auditor, access.ActionDelete, "invoice", "INV-9")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, before+1, f.log.Len())
		assert.False(t, d.LogEntry.Allowed)
		assert.Equal(t, access.ActionDelete, d.LogEntry.Action)
		assert.NotEmpty(t, d.LogEntry.DenialReason)
	}

	err := f.guard.Authorize(context.Background(), f.auditor, access.ActionDelete, "invoice", "INV-9")
	assert.True(t, errors.HasCode(err, errors.CodeActionDenied))
}

func TestAuditorFlagOverridesRole(t *testing.T) {
	f := setup(t)
	f.auditor.Role = identity.RoleAdmin
	f.auditor.AuditorFlag = true
	f.start(t)

	d, err := f.guard.Check(context.Background(), f.auditor, access.ActionApprove, "payment", "PV-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, f.log.Len())
}

func TestNonAuditorDelegatesToRoles(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	org := uuid.New()

	tests := []struct {
		role    identity.Role
		action  access.Action
		allowed bool
	}{
		{identity.RoleOwner, access.ActionDelete, true},
		{identity.RoleAccountant, access.ActionCreate, true},
		{identity.RoleAccountant, access.ActionCancel, false},
		{identity.RoleViewer, access.ActionRead, true},
		{identity.RoleViewer, access.ActionExport, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.role, tt.action), func(t *testing.T) {
			actor := identity.Actor{ID: uuid.New(), OrganizationID: org, Role: tt.role}
			d, err := f.guard.Check(ctx, actor, tt.action, "invoice", "INV-1")
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Nil(t, d.LogEntry)
		})
	}
	assert.Equal(t, 0, f.log.Len())
}

func TestSessionLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.guard.EndSession(ctx, f.auditor)
	assert.True(t, errors.HasCode(err, errors.CodeNoActiveSession))

	owner := identity.Actor{ID: uuid.New(), OrganizationID: f.auditor.OrganizationID, Role: identity.RoleOwner}
	_, err = f.guard.StartSession(ctx, owner, "look around")
	assert.True(t, errors.HasCode(err, "NOT_AN_AUDITOR"))

	_, err = f.guard.StartSession(ctx, f.auditor, "")
	assert.True(t, errors.HasCode(err, "MISSING_PURPOSE"))

	session := f.start(t)
	_, err = f.guard.StartSession(ctx, f.auditor, "again")
	assert.True(t, errors.HasCode(err, "SESSION_ALREADY_ACTIVE"))

	_, err = f.guard.Check(ctx, f.auditor, access.ActionExport, "report", "R-1")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	ended, err := f.guard.EndSession(ctx, f.auditor)
	require.NoError(t, err)
	assert.Equal(t, session.ID, ended.ID)
	assert.Equal(t, 1, ended.ActionsCount)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, f.clock.Now(), *ended.EndedAt)

	d, err := f.guard.Check(ctx, f.auditor, access.ActionRead, "report", "R-1")
	require.NoError(t, err)
	assert.Equal(t, errors.CodeNoActiveSession, d.Code)

	entries, err := f.chain.History(ctx, f.auditor.OrganizationID, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domainledger.ActionSessionOpen, entries[0].Action)
	assert.Equal(t, domainledger.ActionSessionEnd, entries[1].Action)
	assert.JSONEq(t, `{"actions_count":1}`, string(entries[1].DataSnapshot))
}

func TestPublisherReceivesEveryEntry(t *testing.T) {
	pub := &MockPublisher{}
	pub.On("PublishActionLog", mock.Anything, mock.MatchedBy(func(e *access.ActionLogEntry) bool {
		return e.Action == access.ActionRead
	})).Return(nil).Once()
	pub.On("PublishActionLog", mock.Anything, mock.MatchedBy(func(e *access.ActionLogEntry) bool {
		return e.Action == access.ActionUpdate
	})).Return(fmt.Errorf("stream unavailable")).Once()

	f := setup(t, WithPublisher(pub))
	f.start(t)

	d, err := f.guard.Check(context.Background(), f.auditor, access.ActionRead, "invoice", "INV-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = f.guard.Check(context.Background(), f.auditor, access.ActionUpdate, "invoice", "INV-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	pub.AssertExpectations(t)
	assert.Equal(t, 2, f.log.Len())
}
