// Package compliance enforces the post-submission legal lock and the
// maker-checker control over financial records.
package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/compliance"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/identity"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/telemetry"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/metrics"
)

const submissionResource = "submission"

// Config holds lock manager settings
type Config struct {
	// LockWindow is how long an owner may cancel after submission
	LockWindow time.Duration `json:"lock_window"`
}

// DefaultConfig returns the statutory 72 hour window
func DefaultConfig() Config {
	return Config{LockWindow: compliance.DefaultLockWindow}
}

// Option customizes the lock manager and maker-checker
type Option func(*options)

type options struct {
	clock   values.Clock
	metrics *metrics.Registry
}

// WithClock overrides the wall clock
func WithClock(c values.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics counts policy violations
func WithMetrics(m *metrics.Registry) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{clock: values.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// LockManager drives the UNLOCKED -> LOCKED -> {UNLOCKED, EXPIRED_LOCKED}
// lifecycle of submissions
type LockManager struct {
	config   Config
	locks    compliance.LockRepository
	notes    compliance.CreditNoteRepository
	recorder ledger.Recorder
	clock    values.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry
	tracer   trace.Tracer
}

// NewLockManager creates a lock manager
func NewLockManager(config Config, locks compliance.LockRepository, notes compliance.CreditNoteRepository, recorder ledger.Recorder, logger *zap.Logger, opts ...Option) *LockManager {
	if config.LockWindow <= 0 {
		config.LockWindow = compliance.DefaultLockWindow
	}
	o := buildOptions(opts)
	return &LockManager{
		config:   config,
		locks:    locks,
		notes:    notes,
		recorder: recorder,
		clock:    o.clock,
		logger:   logger.Named("lock_manager"),
		metrics:  o.metrics,
		tracer:   telemetry.Tracer("proaudit/compliance"),
	}
}

// State returns the lock state of a submission and its phase now
func (m *LockManager) State(ctx context.Context, sub compliance.Submission) (*compliance.LockState, compliance.Phase, error) {
	state, err := m.load(ctx, sub)
	if err != nil {
		return nil, compliance.PhaseUnlocked, err
	}
	return state, state.PhaseAt(m.clock.Now()), nil
}

// ApplyLock locks a submission after it was accepted by the revenue
// service under externalRef
func (m *LockManager) ApplyLock(ctx context.Context, sub compliance.Submission, externalRef string, actor identity.Actor) (*compliance.LockState, error) {
	ctx, span := m.tracer.Start(ctx, "compliance.ApplyLock", trace.WithAttributes(
		attribute.String("submission_id", sub.ID.String()),
	))
	defer span.End()

	state, err := m.load(ctx, sub)
	if err != nil {
		return nil, err
	}
	if err := state.Lock(externalRef, actor.ID.String(), m.clock.Now(), m.config.LockWindow); err != nil {
		return nil, err
	}
	if err := m.locks.Save(ctx, state); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if _, err := m.recorder.Append(ctx, sub.OrganizationID, ledger.Draft{
		EntryType:    ledger.EntryTypeSubmission,
		ResourceType: resourceTypeOf(sub),
		ResourceID:   sub.ID.String(),
		Action:       ledger.ActionLock,
		DataSnapshot: map[string]interface{}{
			"external_reference": externalRef,
			"submitted_at":       state.SubmittedAt.Format(time.RFC3339Nano),
			"lock_expires_at":    state.LockExpiresAt.Format(time.RFC3339Nano),
		},
		ActorID: actor.ID.String(),
	}); err != nil {
		return nil, fmt.Errorf("record lock on ledger: %w", err)
	}

	m.logger.Info("submission locked",
		zap.String("submission_id", sub.ID.String()),
		zap.String("external_reference", externalRef),
		zap.Time("lock_expires_at", *state.LockExpiresAt))
	return state, nil
}

// AttemptEdit fails with SUBMISSION_LOCKED whenever the submission is
// locked, whatever the actor's role
func (m *LockManager) AttemptEdit(ctx context.Context, sub compliance.Submission, actor identity.Actor) error {
	state, err := m.load(ctx, sub)
	if err != nil {
		return err
	}
	if state.IsLocked {
		return m.deny(ctx, actor, sub, errors.NewSubmissionLockedError(sub.ID.String()))
	}
	return nil
}

// AttemptCancel lifts the lock on behalf of the owner while the
// cancellation window is open. The window is checked before the role.
func (m *LockManager) AttemptCancel(ctx context.Context, sub compliance.Submission, actor identity.Actor, reason string) (*compliance.LockState, error) {
	ctx, span := m.tracer.Start(ctx, "compliance.AttemptCancel", trace.WithAttributes(
		attribute.String("submission_id", sub.ID.String()),
		attribute.String("role", actor.Role.String()),
	))
	defer span.End()

	if reason == "" {
		return nil, errors.NewValidationError("MISSING_REASON", "a cancellation reason is required")
	}
	state, err := m.load(ctx, sub)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	switch state.PhaseAt(now) {
	case compliance.PhaseUnlocked:
		return nil, errors.NewConflictError("NOT_LOCKED",
			fmt.Sprintf("submission %s is not locked", sub.ID))
	case compliance.PhaseExpiredLocked:
		return nil, m.deny(ctx, actor, sub, errors.NewCancellationWindowExpiredError(
			sub.ID.String(), state.LockExpiresAt.Format(time.RFC3339)))
	case compliance.PhaseLocked:
	}

	if !actor.IsOwner() || actor.IsAuditor() {
		return nil, m.deny(ctx, actor, sub, errors.NewInsufficientRoleError(
			actor.ID.String(), actor.Role.String(), identity.RoleOwner.String()))
	}

	externalRef := state.ExternalReference
	state.Unlock(actor.ID.String(), reason, now)
	if err := m.locks.Save(ctx, state); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if _, err := m.recorder.Append(ctx, sub.OrganizationID, ledger.Draft{
		EntryType:    ledger.EntryTypeSubmission,
		ResourceType: resourceTypeOf(sub),
		ResourceID:   sub.ID.String(),
		Action:       ledger.ActionCancel,
		DataSnapshot: map[string]interface{}{
			"external_reference": externalRef,
			"reason":             reason,
		},
		ActorID: actor.ID.String(),
	}); err != nil {
		return nil, fmt.Errorf("record cancellation on ledger: %w", err)
	}

	m.logger.Info("submission lock cancelled",
		zap.String("submission_id", sub.ID.String()),
		zap.String("actor_id", actor.ID.String()),
		zap.String("reason", reason))
	return state, nil
}

// CreditNoteRequest describes a compensating document
type CreditNoteRequest struct {
	Amount decimal.Decimal
	Reason string
}

// IssueCreditNote authorizes the compensating document for a locked
// submission
func (m *LockManager) IssueCreditNote(ctx context.Context, sub compliance.Submission, actor identity.Actor, req CreditNoteRequest) (*compliance.CreditNote, error) {
	if !req.Amount.IsPositive() {
		return nil, errors.NewValidationError("INVALID_AMOUNT", "credit note amount must be positive")
	}
	if req.Reason == "" {
		return nil, errors.NewValidationError("MISSING_REASON", "a credit note reason is required")
	}
	if actor.IsAuditor() {
		return nil, m.deny(ctx, actor, sub, errors.NewInsufficientRoleError(
			actor.ID.String(), identity.RoleAuditor.String(), identity.RoleAccountant.String()))
	}

	state, err := m.load(ctx, sub)
	if err != nil {
		return nil, err
	}
	if !state.IsLocked {
		return nil, errors.NewConflictError("NOT_LOCKED",
			fmt.Sprintf("submission %s is not locked and can be edited directly", sub.ID))
	}

	note := &compliance.CreditNote{
		ID:             uuid.New(),
		SubmissionID:   sub.ID,
		OrganizationID: sub.OrganizationID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IssuedBy:       actor.ID.String(),
		IssuedAt:       m.clock.Now(),
	}
	if err := m.notes.Create(ctx, note); err != nil {
		return nil, fmt.Errorf("persist credit note: %w", err)
	}

	if _, err := m.recorder.Append(ctx, sub.OrganizationID, ledger.Draft{
		EntryType:    ledger.EntryTypeSubmission,
		ResourceType: resourceTypeOf(sub),
		ResourceID:   sub.ID.String(),
		Action:       ledger.ActionCreditNote,
		DataSnapshot: map[string]interface{}{
			"credit_note_id":     note.ID.String(),
			"amount":             note.Amount,
			"reason":             note.Reason,
			"external_reference": state.ExternalReference,
		},
		ActorID: actor.ID.String(),
	}); err != nil {
		return nil, fmt.Errorf("record credit note on ledger: %w", err)
	}

	m.logger.Info("credit note issued",
		zap.String("submission_id", sub.ID.String()),
		zap.String("credit_note_id", note.ID.String()),
		zap.String("amount", note.Amount.String()))
	return note, nil
}

// CreditNotes lists the notes issued against a submission
func (m *LockManager) CreditNotes(ctx context.Context, sub compliance.Submission) ([]*compliance.CreditNote, error) {
	return m.notes.ListBySubmission(ctx, sub.ID)
}

func (m *LockManager) load(ctx context.Context, sub compliance.Submission) (*compliance.LockState, error) {
	if sub.ID == uuid.Nil || sub.OrganizationID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_SUBMISSION", "submission requires id and organization")
	}
	state, err := m.locks.Get(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("load lock state: %w", err)
	}
	if state == nil {
		return compliance.NewUnlockedState(sub), nil
	}
	return state, nil
}

func (m *LockManager) deny(ctx context.Context, actor identity.Actor, sub compliance.Submission, err *errors.AppError) error {
	m.metrics.RecordPolicyViolation(ctx, err.Code)
	m.logger.Warn("submission policy violation",
		zap.String("code", err.Code),
		zap.String("submission_id", sub.ID.String()),
		zap.String("actor_id", actor.ID.String()),
		zap.String("role", actor.Role.String()))
	return err
}

func resourceTypeOf(sub compliance.Submission) string {
	if sub.ResourceType != "" {
		return sub.ResourceType
	}
	return submissionResource
}
