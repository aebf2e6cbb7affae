package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/access"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// SessionRepository is an in-process access.SessionRepository
type SessionRepository struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*access.Session
}

// NewSessionRepository creates an empty repository
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{sessions: make(map[uuid.UUID]*access.Session)}
}

func cloneSession(s *access.Session) *access.Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Create stores a new session
func (r *SessionRepository) Create(ctx context.Context, s *access.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

// Active returns the auditor's open session or nil
func (r *SessionRepository) Active(ctx context.Context, orgID uuid.UUID, auditorID string) (*access.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *access.Session
	for _, s := range r.sessions {
		if s.OrganizationID != orgID || s.AuditorID != auditorID || !s.IsActive() {
			continue
		}
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneSession(latest), nil
}

// End closes a session
func (r *SessionRepository) End(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return errors.NewNotFoundError("auditor session")
	}
	if !s.IsActive() {
		return errors.NewConflictError("SESSION_ENDED", "auditor session already ended")
	}
	s.EndedAt = &at
	return nil
}

// IncrementActions bumps actions_count
func (r *SessionRepository) IncrementActions(ctx context.Context, sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return errors.NewNotFoundError("auditor session")
	}
	s.ActionsCount++
	return nil
}

// Get returns a session by id
func (r *SessionRepository) Get(ctx context.Context, sessionID uuid.UUID) (*access.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, errors.NewNotFoundError("auditor session")
	}
	return cloneSession(s), nil
}

// ActionLogRepository is an append-only in-process access log
type ActionLogRepository struct {
	mu      sync.RWMutex
	entries []*access.ActionLogEntry
}

// NewActionLogRepository creates an empty log
func NewActionLogRepository() *ActionLogRepository {
	return &ActionLogRepository{}
}

// Append adds an entry
func (r *ActionLogRepository) Append(ctx context.Context, e *access.ActionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *e
	r.entries = append(r.entries, &c)
	return nil
}

// ListByAuditor returns an auditor's entries in insertion order
func (r *ActionLogRepository) ListByAuditor(ctx context.Context, orgID uuid.UUID, auditorID string) ([]*access.ActionLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*access.ActionLogEntry, 0)
	for _, e := range r.entries {
		if e.OrganizationID == orgID && e.AuditorID == auditorID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// Len returns the total number of entries
func (r *ActionLogRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
