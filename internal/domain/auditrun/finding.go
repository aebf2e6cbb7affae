package auditrun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// RiskLevel grades a finding
type RiskLevel string

const (
	RiskCritical RiskLevel = "CRITICAL"
	RiskHigh     RiskLevel = "HIGH"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskLow      RiskLevel = "LOW"
	RiskInfo     RiskLevel = "INFO"
)

// Rank orders risk levels, most severe first
func (r RiskLevel) Rank() int {
	switch r {
	case RiskCritical:
		return 0
	case RiskHigh:
		return 1
	case RiskMedium:
		return 2
	case RiskLow:
		return 3
	case RiskInfo:
		return 4
	default:
		return 5
	}
}

// IsValid reports whether r is a known level
func (r RiskLevel) IsValid() bool {
	return r.Rank() < 5
}

// AllRiskLevels lists levels in severity order
func AllRiskLevels() []RiskLevel {
	return []RiskLevel{RiskCritical, RiskHigh, RiskMedium, RiskLow, RiskInfo}
}

// FindingStatus tracks remediation of a finding
type FindingStatus string

const (
	FindingOpen         FindingStatus = "open"
	FindingAcknowledged FindingStatus = "acknowledged"
	FindingResolved     FindingStatus = "resolved"
)

// CanTransitionTo reports whether s -> next is a legal status change
func (s FindingStatus) CanTransitionTo(next FindingStatus) bool {
	switch s {
	case FindingOpen:
		return next == FindingAcknowledged || next == FindingResolved
	case FindingAcknowledged:
		return next == FindingResolved
	case FindingResolved:
		return false
	default:
		return false
	}
}

// Finding is a classified observation. Everything except the status fields
// is fixed at creation.
type Finding struct {
	ID                  uuid.UUID     `json:"finding_id"`
	OrganizationID      uuid.UUID     `json:"organization_id"`
	AuditRunID          uuid.UUID     `json:"audit_run_id"`
	Ordinal             int           `json:"ordinal"`
	Reference           string        `json:"reference"`
	Title               string        `json:"title"`
	Description         string        `json:"description"`
	RiskLevel           RiskLevel     `json:"risk_level"`
	Category            string        `json:"category"`
	AffectedEntity      string        `json:"affected_entity"`
	Recommendation      string        `json:"recommendation"`
	RegulatoryReference string        `json:"regulatory_reference"`
	Summary             string        `json:"human_readable_summary"`
	EvidenceIDs         []uuid.UUID   `json:"evidence_ids,omitempty"`
	SupersedesID        *uuid.UUID    `json:"supersedes_id,omitempty"`
	Status              FindingStatus `json:"status"`
	StatusChangedBy     string        `json:"status_changed_by,omitempty"`
	StatusChangedAt     *time.Time    `json:"status_changed_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// Core is the part of a finding that must be reproducible across runs
type Core struct {
	Reference           string    `json:"reference"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	RiskLevel           RiskLevel `json:"risk_level"`
	Category            string    `json:"category"`
	AffectedEntity      string    `json:"affected_entity"`
	Recommendation      string    `json:"recommendation"`
	RegulatoryReference string    `json:"regulatory_reference"`
	Summary             string    `json:"human_readable_summary"`
}

// Core returns the reproducible fields of f
func (f *Finding) Core() Core {
	return Core{
		Reference:           f.Reference,
		Title:               f.Title,
		Description:         f.Description,
		RiskLevel:           f.RiskLevel,
		Category:            f.Category,
		AffectedEntity:      f.AffectedEntity,
		Recommendation:      f.Recommendation,
		RegulatoryReference: f.RegulatoryReference,
		Summary:             f.Summary,
	}
}

// ChangeStatus applies a workflow transition
func (f *Finding) ChangeStatus(next FindingStatus, actorID string, at time.Time) error {
	if !f.Status.CanTransitionTo(next) {
		return errors.NewConflictError("INVALID_FINDING_TRANSITION",
			fmt.Sprintf("finding %s cannot move from %s to %s", f.ID, f.Status, next))
	}
	at = at.UTC().Truncate(time.Microsecond)
	f.Status = next
	f.StatusChangedBy = actorID
	f.StatusChangedAt = &at
	return nil
}

// RunRepository persists audit runs
type RunRepository interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
	// Update persists run only if the stored status still equals expected
	Update(ctx context.Context, run *Run, expected Status) error
	ListByOrganization(ctx context.Context, organizationID uuid.UUID) ([]*Run, error)
}

// FindingRepository persists findings. Core fields are written once.
type FindingRepository interface {
	Create(ctx context.Context, finding *Finding) error
	Get(ctx context.Context, id uuid.UUID) (*Finding, error)
	// ListByRun returns findings in emission order
	ListByRun(ctx context.Context, runID uuid.UUID) ([]*Finding, error)
	UpdateStatus(ctx context.Context, finding *Finding, expected FindingStatus) error
}
