package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/access"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// SessionRepository persists auditor sessions. A partial unique index keeps
// at most one open session per auditor and organization.
type SessionRepository struct {
	db Querier
}

// NewSessionRepository creates a Postgres session repository
func NewSessionRepository(db Querier) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, organization_id, auditor_id, purpose, started_at, ended_at, actions_count`

// Create stores a new session
func (r *SessionRepository) Create(ctx context.Context, s *access.Session) error {
	_, err := r.db.Exec(ctx, `INSERT INTO auditor_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.OrganizationID, s.AuditorID, s.Purpose, s.StartedAt, s.EndedAt, s.ActionsCount)
	if IsDuplicateKeyViolation(err) {
		return errors.NewConflictError("SESSION_ALREADY_ACTIVE", "auditor already has an active session")
	}
	return wrapError(err, "create auditor session")
}

// Active returns the auditor's open session or nil
func (r *SessionRepository) Active(ctx context.Context, orgID uuid.UUID, auditorID string) (*access.Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM auditor_sessions
		WHERE organization_id = $1 AND auditor_id = $2 AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1`, orgID, auditorID))
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(err, "get active auditor session")
	}
	return s, nil
}

// End closes a session
func (r *SessionRepository) End(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE auditor_sessions SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`, sessionID, at)
	if err != nil {
		return wrapError(err, "end auditor session")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.Get(ctx, sessionID); err != nil {
		return err
	}
	return errors.NewConflictError("SESSION_ENDED", "auditor session already ended")
}

// IncrementActions bumps actions_count
func (r *SessionRepository) IncrementActions(ctx context.Context, sessionID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE auditor_sessions SET actions_count = actions_count + 1 WHERE id = $1`, sessionID)
	if err != nil {
		return wrapError(err, "count auditor action")
	}
	if tag.RowsAffected() == 0 {
		return errors.NewNotFoundError("auditor session")
	}
	return nil
}

// Get returns a session by id
func (r *SessionRepository) Get(ctx context.Context, sessionID uuid.UUID) (*access.Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM auditor_sessions WHERE id = $1`, sessionID))
	if IsNotFound(err) {
		return nil, errors.NewNotFoundError("auditor session")
	}
	if err != nil {
		return nil, wrapError(err, "get auditor session")
	}
	return s, nil
}

func scanSession(row pgx.Row) (*access.Session, error) {
	var s access.Session
	if err := row.Scan(&s.ID, &s.OrganizationID, &s.AuditorID, &s.Purpose, &s.StartedAt,
		&s.EndedAt, &s.ActionsCount); err != nil {
		return nil, err
	}
	s.StartedAt = s.StartedAt.UTC()
	return &s, nil
}

// ActionLogRepository is the append-only auditor action log. Updates and
// deletes are rejected by a table trigger.
type ActionLogRepository struct {
	db Querier
}

// NewActionLogRepository creates a Postgres action log
func NewActionLogRepository(db Querier) *ActionLogRepository {
	return &ActionLogRepository{db: db}
}

// Append adds an entry
func (r *ActionLogRepository) Append(ctx context.Context, e *access.ActionLogEntry) error {
	_, err := r.db.Exec(ctx, `INSERT INTO auditor_action_log (entry_id, session_id,
			organization_id, auditor_id, action, resource_type, resource_id, occurred_at,
			allowed, denial_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.SessionID, e.OrganizationID, e.AuditorID, string(e.Action), e.ResourceType,
		e.ResourceID, e.Timestamp, e.Allowed, e.DenialReason)
	return wrapError(err, "append auditor action")
}

// ListByAuditor returns an auditor's entries in insertion order
func (r *ActionLogRepository) ListByAuditor(ctx context.Context, orgID uuid.UUID, auditorID string) ([]*access.ActionLogEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT entry_id, session_id, organization_id, auditor_id, action,
			resource_type, resource_id, occurred_at, allowed, denial_reason
		FROM auditor_action_log WHERE organization_id = $1 AND auditor_id = $2 ORDER BY id`,
		orgID, auditorID)
	if err != nil {
		return nil, wrapError(err, "list auditor actions")
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*access.ActionLogEntry, error) {
		var (
			e      access.ActionLogEntry
			action string
		)
		err := row.Scan(&e.ID, &e.SessionID, &e.OrganizationID, &e.AuditorID, &action,
			&e.ResourceType, &e.ResourceID, &e.Timestamp, &e.Allowed, &e.DenialReason)
		e.Action = access.Action(action)
		e.Timestamp = e.Timestamp.UTC()
		return &e, err
	})
	if err != nil {
		return nil, wrapError(err, "list auditor actions")
	}
	return entries, nil
}

var (
	_ access.SessionRepository   = (*SessionRepository)(nil)
	_ access.ActionLogRepository = (*ActionLogRepository)(nil)
)
