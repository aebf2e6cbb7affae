// Package access models auditor sessions and the per-action access log.
package access

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action is an operation an actor attempts on a resource
type Action string

const (
	ActionRead    Action = "read"
	ActionList    Action = "list"
	ActionExport  Action = "export"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionVerify  Action = "verify"
	ActionCancel  Action = "cancel"
)

// Session scopes an auditor's access
type Session struct {
	ID             uuid.UUID  `json:"session_id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	AuditorID      string     `json:"auditor_id"`
	Purpose        string     `json:"purpose"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	ActionsCount   int        `json:"actions_count"`
}

// IsActive reports whether the session has not been ended
func (s *Session) IsActive() bool {
	return s.EndedAt == nil
}

// ActionLogEntry records one attempted auditor action. Entries are never
// deleted.
type ActionLogEntry struct {
	ID             uuid.UUID  `json:"id"`
	SessionID      *uuid.UUID `json:"session_id,omitempty"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	AuditorID      string     `json:"auditor_id"`
	Action         Action     `json:"action"`
	ResourceType   string     `json:"resource_type"`
	ResourceID     string     `json:"resource_id"`
	Timestamp      time.Time  `json:"timestamp"`
	Allowed        bool       `json:"allowed"`
	DenialReason   string     `json:"denial_reason,omitempty"`
}

// Decision is the outcome of an access check
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Code is the error taxonomy code when denied
	Code      string          `json:"code,omitempty"`
	LogEntry  *ActionLogEntry `json:"log_entry,omitempty"`
	SessionID *uuid.UUID      `json:"session_id,omitempty"`
}

// SessionRepository persists auditor sessions
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	// Active returns the open session of an auditor, or nil
	Active(ctx context.Context, organizationID uuid.UUID, auditorID string) (*Session, error)
	End(ctx context.Context, sessionID uuid.UUID, at time.Time) error
	IncrementActions(ctx context.Context, sessionID uuid.UUID) error
	Get(ctx context.Context, sessionID uuid.UUID) (*Session, error)
}

// ActionLogRepository is append-only
type ActionLogRepository interface {
	Append(ctx context.Context, entry *ActionLogEntry) error
	ListByAuditor(ctx context.Context, organizationID uuid.UUID, auditorID string) ([]*ActionLogEntry, error)
}

// ActionLogPublisher forwards log entries to security monitoring
type ActionLogPublisher interface {
	PublishActionLog(ctx context.Context, entry *ActionLogEntry) error
}
