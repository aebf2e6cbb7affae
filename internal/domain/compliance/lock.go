// Package compliance models the post-submission legal lock and the
// maker-checker control.
package compliance

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// DefaultLockWindow is the statutory cancellation window after submission
const DefaultLockWindow = 72 * time.Hour

// Phase is the effective lock phase at a given instant
type Phase int

const (
	PhaseUnlocked Phase = iota
	PhaseLocked
	PhaseExpiredLocked
)

func (p Phase) String() string {
	switch p {
	case PhaseUnlocked:
		return "UNLOCKED"
	case PhaseLocked:
		return "LOCKED"
	case PhaseExpiredLocked:
		return "EXPIRED_LOCKED"
	default:
		return "unknown"
	}
}

// Submission identifies a record that can be submitted to the revenue
// service and then locked.
type Submission struct {
	ID             uuid.UUID `json:"submission_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	ResourceType   string    `json:"resource_type"`
	Reference      string    `json:"reference"`
	CreatedByID    string    `json:"created_by_id"`
}

// LockState tracks the legal lock of one submission
type LockState struct {
	SubmissionID       uuid.UUID  `json:"submission_id"`
	OrganizationID     uuid.UUID  `json:"organization_id"`
	IsLocked           bool       `json:"is_locked"`
	ExternalReference  string     `json:"external_reference,omitempty"`
	SubmittedAt        *time.Time `json:"submitted_at,omitempty"`
	LockExpiresAt      *time.Time `json:"lock_expires_at,omitempty"`
	LockedBy           string     `json:"locked_by,omitempty"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	// Version increments on every persisted change
	Version int `json:"version"`
}

// NewUnlockedState returns the state of a submission never locked
func NewUnlockedState(sub Submission) *LockState {
	return &LockState{SubmissionID: sub.ID, OrganizationID: sub.OrganizationID}
}

// PhaseAt computes the phase at now
func (s *LockState) PhaseAt(now time.Time) Phase {
	if !s.IsLocked {
		return PhaseUnlocked
	}
	if s.LockExpiresAt != nil && !now.Before(*s.LockExpiresAt) {
		return PhaseExpiredLocked
	}
	return PhaseLocked
}

// Lock moves an unlocked submission into the locked phase
func (s *LockState) Lock(externalRef, actorID string, now time.Time, window time.Duration) error {
	if s.IsLocked {
		return errors.NewConflictError("ALREADY_LOCKED",
			fmt.Sprintf("submission %s is already locked", s.SubmissionID))
	}
	if externalRef == "" {
		return errors.NewValidationError("MISSING_EXTERNAL_REFERENCE",
			"an external submission reference is required to lock")
	}

	submitted := now.UTC().Truncate(time.Microsecond)
	expires := submitted.Add(window)
	s.IsLocked = true
	s.ExternalReference = externalRef
	s.SubmittedAt = &submitted
	s.LockExpiresAt = &expires
	s.LockedBy = actorID
	s.CancelledBy = ""
	s.CancellationReason = ""
	s.CancelledAt = nil
	return nil
}

// Unlock records an owner cancellation. Policy checks happen in the lock
// manager before this is called.
func (s *LockState) Unlock(actorID, reason string, now time.Time) {
	at := now.UTC().Truncate(time.Microsecond)
	s.IsLocked = false
	s.CancelledBy = actorID
	s.CancellationReason = reason
	s.CancelledAt = &at
}

// Clone creates a deep copy of the state
func (s *LockState) Clone() *LockState {
	c := *s
	if s.SubmittedAt != nil {
		t := *s.SubmittedAt
		c.SubmittedAt = &t
	}
	if s.LockExpiresAt != nil {
		t := *s.LockExpiresAt
		c.LockExpiresAt = &t
	}
	if s.CancelledAt != nil {
		t := *s.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}

// CreditNote is the compensating document issued against a locked
// submission
type CreditNote struct {
	ID             uuid.UUID       `json:"credit_note_id"`
	SubmissionID   uuid.UUID       `json:"submission_id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IssuedBy       string          `json:"issued_by"`
	IssuedAt       time.Time       `json:"issued_at"`
}

// VerifiableRecord is any record subject to maker-checker verification
type VerifiableRecord struct {
	ID             string    `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	ResourceType   string    `json:"resource_type"`
	CreatedByID    string    `json:"created_by_id"`
}

// Verification is the checker's sign-off on a record
type Verification struct {
	RecordID     string    `json:"record_id"`
	ResourceType string    `json:"resource_type"`
	MakerID      string    `json:"maker_id"`
	CheckerID    string    `json:"checker_id"`
	VerifiedAt   time.Time `json:"verified_at"`
}
