package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/compliance"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// LockRepository is an in-process compliance.LockRepository
type LockRepository struct {
	mu     sync.RWMutex
	states map[uuid.UUID]*compliance.LockState
}

// NewLockRepository creates an empty repository
func NewLockRepository() *LockRepository {
	return &LockRepository{states: make(map[uuid.UUID]*compliance.LockState)}
}

// Get returns the stored state or nil
func (r *LockRepository) Get(ctx context.Context, submissionID uuid.UUID) (*compliance.LockState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.states[submissionID]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

// Save stores state with an optimistic version check
func (r *LockRepository) Save(ctx context.Context, state *compliance.LockState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := 0
	if cur, ok := r.states[state.SubmissionID]; ok {
		current = cur.Version
	}
	if current != state.Version {
		return errors.NewConflictError("LOCK_STATE_CHANGED",
			fmt.Sprintf("lock state of %s changed concurrently", state.SubmissionID))
	}

	state.Version++
	r.states[state.SubmissionID] = state.Clone()
	return nil
}

// CreditNoteRepository is an in-process compliance.CreditNoteRepository
type CreditNoteRepository struct {
	mu    sync.RWMutex
	notes []*compliance.CreditNote
}

// NewCreditNoteRepository creates an empty repository
func NewCreditNoteRepository() *CreditNoteRepository {
	return &CreditNoteRepository{}
}

// Create stores a credit note
func (r *CreditNoteRepository) Create(ctx context.Context, note *compliance.CreditNote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *note
	r.notes = append(r.notes, &c)
	return nil
}

// ListBySubmission returns the notes issued against a submission
func (r *CreditNoteRepository) ListBySubmission(ctx context.Context, submissionID uuid.UUID) ([]*compliance.CreditNote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*compliance.CreditNote, 0)
	for _, n := range r.notes {
		if n.SubmissionID == submissionID {
			c := *n
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}
