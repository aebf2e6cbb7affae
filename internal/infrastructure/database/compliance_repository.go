package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/compliance"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// LockRepository persists submission lock states with optimistic versions
type LockRepository struct {
	db Querier
}

// NewLockRepository creates a Postgres lock repository
func NewLockRepository(db Querier) *LockRepository {
	return &LockRepository{db: db}
}

// Get returns the stored state, or nil when the submission was never locked
func (r *LockRepository) Get(ctx context.Context, submissionID uuid.UUID) (*compliance.LockState, error) {
	var s compliance.LockState
	err := r.db.QueryRow(ctx, `SELECT submission_id, organization_id, is_locked, external_reference,
			submitted_at, lock_expires_at, locked_by, cancelled_by, cancellation_reason,
			cancelled_at, version
		FROM lock_states WHERE submission_id = $1`, submissionID).Scan(
		&s.SubmissionID, &s.OrganizationID, &s.IsLocked, &s.ExternalReference,
		&s.SubmittedAt, &s.LockExpiresAt, &s.LockedBy, &s.CancelledBy, &s.CancellationReason,
		&s.CancelledAt, &s.Version)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(err, "get lock state")
	}
	return &s, nil
}

// Save stores state if the stored version equals state.Version, then
// increments it. Version zero inserts.
func (r *LockRepository) Save(ctx context.Context, s *compliance.LockState) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if s.Version == 0 {
		tag, err = r.db.Exec(ctx, `INSERT INTO lock_states (submission_id, organization_id,
				is_locked, external_reference, submitted_at, lock_expires_at, locked_by,
				cancelled_by, cancellation_reason, cancelled_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
			ON CONFLICT (submission_id) DO NOTHING`,
			s.SubmissionID, s.OrganizationID, s.IsLocked, s.ExternalReference, s.SubmittedAt,
			s.LockExpiresAt, s.LockedBy, s.CancelledBy, s.CancellationReason, s.CancelledAt)
	} else {
		tag, err = r.db.Exec(ctx, `UPDATE lock_states SET
				is_locked = $3, external_reference = $4, submitted_at = $5, lock_expires_at = $6,
				locked_by = $7, cancelled_by = $8, cancellation_reason = $9, cancelled_at = $10,
				version = version + 1
			WHERE submission_id = $1 AND version = $2`,
			s.SubmissionID, s.Version, s.IsLocked, s.ExternalReference, s.SubmittedAt,
			s.LockExpiresAt, s.LockedBy, s.CancelledBy, s.CancellationReason, s.CancelledAt)
	}
	if err != nil {
		return wrapError(err, "save lock state")
	}
	if tag.RowsAffected() == 0 {
		return errors.NewConflictError("LOCK_STATE_CHANGED",
			fmt.Sprintf("lock state of %s changed concurrently", s.SubmissionID))
	}
	s.Version++
	return nil
}

// CreditNoteRepository persists compensating documents
type CreditNoteRepository struct {
	db Querier
}

// NewCreditNoteRepository creates a Postgres credit note repository
func NewCreditNoteRepository(db Querier) *CreditNoteRepository {
	return &CreditNoteRepository{db: db}
}

// Create stores a credit note
func (r *CreditNoteRepository) Create(ctx context.Context, n *compliance.CreditNote) error {
	_, err := r.db.Exec(ctx, `INSERT INTO credit_notes
		(id, submission_id, organization_id, amount, reason, issued_by, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.SubmissionID, n.OrganizationID, n.Amount, n.Reason, n.IssuedBy, n.IssuedAt)
	return wrapError(err, "create credit note")
}

// ListBySubmission returns the notes issued against a submission
func (r *CreditNoteRepository) ListBySubmission(ctx context.Context, submissionID uuid.UUID) ([]*compliance.CreditNote, error) {
	rows, err := r.db.Query(ctx, `SELECT id, submission_id, organization_id, amount, reason,
			issued_by, issued_at
		FROM credit_notes WHERE submission_id = $1 ORDER BY issued_at, id`, submissionID)
	if err != nil {
		return nil, wrapError(err, "list credit notes")
	}
	notes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*compliance.CreditNote, error) {
		var n compliance.CreditNote
		err := row.Scan(&n.ID, &n.SubmissionID, &n.OrganizationID, &n.Amount, &n.Reason,
			&n.IssuedBy, &n.IssuedAt)
		n.IssuedAt = n.IssuedAt.UTC()
		return &n, err
	})
	if err != nil {
		return nil, wrapError(err, "list credit notes")
	}
	return notes, nil
}

var (
	_ compliance.LockRepository       = (*LockRepository)(nil)
	_ compliance.CreditNoteRepository = (*CreditNoteRepository)(nil)
)
