package compliance

import (
	"context"

	"github.com/google/uuid"
)

// LockRepository persists lock states with optimistic versioning
type LockRepository interface {
	// Get returns nil and no error when the submission was never locked
	Get(ctx context.Context, submissionID uuid.UUID) (*LockState, error)

	// Save stores state if the stored version equals state.Version and then
	// increments it. A stale version yields a conflict error.
	Save(ctx context.Context, state *LockState) error
}

// CreditNoteRepository persists compensating documents
type CreditNoteRepository interface {
	Create(ctx context.Context, note *CreditNote) error
	ListBySubmission(ctx context.Context, submissionID uuid.UUID) ([]*CreditNote, error)
}
