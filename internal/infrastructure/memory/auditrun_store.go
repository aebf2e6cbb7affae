package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/auditrun"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// RunRepository is an in-process auditrun.RunRepository
type RunRepository struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*auditrun.Run
}

// NewRunRepository creates an empty repository
func NewRunRepository() *RunRepository {
	return &RunRepository{runs: make(map[uuid.UUID]*auditrun.Run)}
}

func cloneRun(r *auditrun.Run) *auditrun.Run {
	c := *r
	c.Parameters = append(json.RawMessage(nil), r.Parameters...)
	return &c
}

// Create stores a new run
func (r *RunRepository) Create(ctx context.Context, run *auditrun.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		return errors.NewConflictError("RUN_EXISTS", "audit run already exists")
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

// Get returns a run by id
func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*auditrun.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, errors.NewNotFoundError("audit run")
	}
	return cloneRun(run), nil
}

// Update replaces the run if its stored status equals expected
func (r *RunRepository) Update(ctx context.Context, run *auditrun.Run, expected auditrun.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.runs[run.ID]
	if !ok {
		return errors.NewNotFoundError("audit run")
	}
	if cur.Status != expected {
		return errors.NewConflictError("RUN_STATUS_CHANGED",
			fmt.Sprintf("audit run %s is %s, expected %s", run.ID, cur.Status, expected))
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

// ListByOrganization returns runs ordered by creation time
func (r *RunRepository) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*auditrun.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*auditrun.Run, 0)
	for _, run := range r.runs {
		if run.OrganizationID == orgID {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindingRepository is an in-process auditrun.FindingRepository
type FindingRepository struct {
	mu       sync.RWMutex
	findings map[uuid.UUID]*auditrun.Finding
}

// NewFindingRepository creates an empty repository
func NewFindingRepository() *FindingRepository {
	return &FindingRepository{findings: make(map[uuid.UUID]*auditrun.Finding)}
}

func cloneFinding(f *auditrun.Finding) *auditrun.Finding {
	c := *f
	c.EvidenceIDs = append([]uuid.UUID(nil), f.EvidenceIDs...)
	return &c
}

// Create stores a new finding
func (r *FindingRepository) Create(ctx context.Context, f *auditrun.Finding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.findings[f.ID]; exists {
		return errors.NewConflictError("FINDING_EXISTS", "finding already exists")
	}
	r.findings[f.ID] = cloneFinding(f)
	return nil
}

// Get returns a finding by id
func (r *FindingRepository) Get(ctx context.Context, id uuid.UUID) (*auditrun.Finding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.findings[id]
	if !ok {
		return nil, errors.NewNotFoundError("finding")
	}
	return cloneFinding(f), nil
}

// ListByRun returns a run's findings in emission order
func (r *FindingRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*auditrun.Finding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*auditrun.Finding, 0)
	for _, f := range r.findings {
		if f.AuditRunID == runID {
			out = append(out, cloneFinding(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// UpdateStatus persists only the status fields of f
func (r *FindingRepository) UpdateStatus(ctx context.Context, f *auditrun.Finding, expected auditrun.FindingStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.findings[f.ID]
	if !ok {
		return errors.NewNotFoundError("finding")
	}
	if cur.Status != expected {
		return errors.NewConflictError("FINDING_STATUS_CHANGED",
			fmt.Sprintf("finding %s is %s, expected %s", f.ID, cur.Status, expected))
	}
	cur.Status = f.Status
	cur.StatusChangedBy = f.StatusChangedBy
	cur.StatusChangedAt = f.StatusChangedAt
	return nil
}
