// Package access restricts external auditors to read-only work inside an
// explicitly opened session and logs every action they attempt.
package access

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/access"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/identity"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/telemetry"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/metrics"
)

const sessionResource = "auditor_session"

// Guard evaluates actions against the auditor allow-list
type Guard struct {
	sessions    access.SessionRepository
	log         access.ActionLogRepository
	recorder    ledger.Recorder
	permissions PermissionChecker
	publisher   access.ActionLogPublisher
	clock       values.Clock
	logger      *zap.Logger
	metrics     *metrics.Registry
	tracer      trace.Tracer
}

// Option customizes a Guard
type Option func(*Guard)

// WithPermissions replaces the role matrix used for non-auditors
func WithPermissions(p PermissionChecker) Option {
	return func(g *Guard) { g.permissions = p }
}

// WithPublisher forwards every log entry to security monitoring
func WithPublisher(p access.ActionLogPublisher) Option {
	return func(g *Guard) { g.publisher = p }
}

// WithClock overrides the wall clock
func WithClock(c values.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithMetrics records decisions and open sessions
func WithMetrics(m *metrics.Registry) Option {
	return func(g *Guard) { g.metrics = m }
}

// NewGuard creates an access guard
func NewGuard(sessions access.SessionRepository, log access.ActionLogRepository, recorder ledger.Recorder, logger *zap.Logger, opts ...Option) *Guard {
	g := &Guard{
		sessions:    sessions,
		log:         log,
		recorder:    recorder,
		permissions: DefaultRolePermissions(),
		clock:       values.RealClock{},
		logger:      logger.Named("access_guard"),
		tracer:      telemetry.Tracer("proaudit/access"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StartSession opens an auditor session with a stated purpose
func (g *Guard) StartSession(ctx context.Context, actor identity.Actor, purpose string) (*access.Session, error) {
	if !actor.IsAuditor() {
		return nil, errors.NewValidationError("NOT_AN_AUDITOR",
			fmt.Sprintf("actor %s is not an auditor", actor.ID))
	}
	if purpose == "" {
		return nil, errors.NewValidationError("MISSING_PURPOSE", "a session purpose is required")
	}

	active, err := g.sessions.Active(ctx, actor.OrganizationID, actor.ID.String())
	if err != nil {
		return nil, fmt.Errorf("load active session: %w", err)
	}
	if active != nil {
		return nil, errors.NewConflictError("SESSION_ALREADY_ACTIVE",
			fmt.Sprintf("auditor %s already has session %s open", actor.ID, active.ID))
	}

	session := &access.Session{
		ID:             uuid.New(),
		OrganizationID: actor.OrganizationID,
		AuditorID:      actor.ID.String(),
		Purpose:        purpose,
		StartedAt:      g.clock.Now(),
	}
	if err := g.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	if _, err := g.recorder.Append(ctx, actor.OrganizationID, ledger.Draft{
		EntryType:    ledger.EntryTypeAuditorSession,
		ResourceType: sessionResource,
		ResourceID:   session.ID.String(),
		Action:       ledger.ActionSessionOpen,
		DataSnapshot: map[string]interface{}{"purpose": purpose},
		ActorID:      session.AuditorID,
	}); err != nil {
		return nil, fmt.Errorf("record session start on ledger: %w", err)
	}

	g.metrics.AuditorSessionDelta(ctx, 1)
	g.logger.Info("auditor session started",
		zap.String("session_id", session.ID.String()),
		zap.String("auditor_id", session.AuditorID),
		zap.String("purpose", purpose))
	return session, nil
}

// EndSession closes the auditor's open session
func (g *Guard) EndSession(ctx context.Context, actor identity.Actor) (*access.Session, error) {
	active, err := g.sessions.Active(ctx, actor.OrganizationID, actor.ID.String())
	if err != nil {
		return nil, fmt.Errorf("load active session: %w", err)
	}
	if active == nil {
		return nil, errors.NewNoActiveSessionError(actor.ID.String())
	}

	if err := g.sessions.End(ctx, active.ID, g.clock.Now()); err != nil {
		return nil, err
	}
	ended, err := g.sessions.Get(ctx, active.ID)
	if err != nil {
		return nil, err
	}
	if _, err := g.recorder.Append(ctx, actor.OrganizationID, ledger.Draft{
		EntryType:    ledger.EntryTypeAuditorSession,
		ResourceType: sessionResource,
		ResourceID:   ended.ID.String(),
		Action:       ledger.ActionSessionEnd,
		DataSnapshot: map[string]interface{}{"actions_count": ended.ActionsCount},
		ActorID:      ended.AuditorID,
	}); err != nil {
		return nil, fmt.Errorf("record session end on ledger: %w", err)
	}

	g.metrics.AuditorSessionDelta(ctx, -1)
	g.logger.Info("auditor session ended",
		zap.String("session_id", ended.ID.String()),
		zap.Int("actions_count", ended.ActionsCount))
	return ended, nil
}

// Check decides whether actor may perform action on a resource. Auditor
// decisions are always written to the action log, allowed or not. The
// error is non-nil only when the decision could not be persisted.
func (g *Guard) Check(ctx context.Context, actor identity.Actor, action access.Action, resourceType, resourceID string) (*access.Decision, error) {
	ctx, span := g.tracer.Start(ctx, "access.Check", trace.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("resource_type", resourceType),
		attribute.Bool("auditor", actor.IsAuditor()),
	))
	defer span.End()

	if !actor.IsAuditor() {
		decision := &access.Decision{Allowed: true}
		if err := g.permissions.Permit(ctx, actor, action, resourceType); err != nil {
			decision = denied(err)
		}
		return decision, nil
	}

	decision, err := g.auditorDecision(ctx, actor, action, resourceType)
	if err != nil {
		telemetry.RecordError(span, err)
		return &access.Decision{Allowed: false, Reason: "auditor session unavailable"}, err
	}

	entry := &access.ActionLogEntry{
		ID:             uuid.New(),
		SessionID:      decision.SessionID,
		OrganizationID: actor.OrganizationID,
		AuditorID:      actor.ID.String(),
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Timestamp:      g.clock.Now(),
		Allowed:        decision.Allowed,
		DenialReason:   decision.Reason,
	}
	if err := g.log.Append(ctx, entry); err != nil {
		telemetry.RecordError(span, err)
		return &access.Decision{Allowed: false, Reason: "action log unavailable"}, fmt.Errorf("append action log: %w", err)
	}
	decision.LogEntry = entry

	if decision.SessionID != nil {
		if err := g.sessions.IncrementActions(ctx, *decision.SessionID); err != nil {
			g.logger.Warn("failed to count session action", zap.Error(err))
		}
	}
	if g.publisher != nil {
		if err := g.publisher.PublishActionLog(ctx, entry); err != nil {
			g.logger.Warn("failed to publish action log entry",
				zap.String("entry_id", entry.ID.String()), zap.Error(err))
		}
	}

	g.metrics.RecordAuditorDecision(ctx, string(action), decision.Allowed)
	if !decision.Allowed {
		g.metrics.RecordPolicyViolation(ctx, decision.Code)
		g.logger.Warn("auditor action denied",
			zap.String("auditor_id", entry.AuditorID),
			zap.String("action", string(action)),
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.String("code", decision.Code))
	}
	span.SetAttributes(attribute.Bool("allowed", decision.Allowed))
	return decision, nil
}

func (g *Guard) auditorDecision(ctx context.Context, actor identity.Actor, action access.Action, resourceType string) (*access.Decision, error) {
	session, err := g.sessions.Active(ctx, actor.OrganizationID, actor.ID.String())
	if err != nil {
		return nil, fmt.Errorf("load active session: %w", err)
	}
	if session == nil {
		return denied(errors.NewNoActiveSessionError(actor.ID.String())), nil
	}

	sessionID := session.ID
	if !auditorMayPerform(action) {
		d := denied(errors.NewActionDeniedError(actor.ID.String(), string(action), resourceType))
		d.SessionID = &sessionID
		return d, nil
	}
	return &access.Decision{Allowed: true, SessionID: &sessionID}, nil
}

// Authorize is Check for callers that only need an error
func (g *Guard) Authorize(ctx context.Context, actor identity.Actor, action access.Action, resourceType, resourceID string) error {
	decision, err := g.Check(ctx, actor, action, resourceType, resourceID)
	if err != nil {
		return err
	}
	if decision.Allowed {
		return nil
	}
	if decision.Code == errors.CodeNoActiveSession {
		return errors.NewNoActiveSessionError(actor.ID.String())
	}
	return errors.NewActionDeniedError(actor.ID.String(), string(action), resourceType)
}

// History returns the auditor's action log in insertion order
func (g *Guard) History(ctx context.Context, organizationID uuid.UUID, auditorID string) ([]*access.ActionLogEntry, error) {
	return g.log.ListByAuditor(ctx, organizationID, auditorID)
}

func denied(err error) *access.Decision {
	return &access.Decision{Allowed: false, Reason: err.Error(), Code: errors.CodeOf(err)}
}
