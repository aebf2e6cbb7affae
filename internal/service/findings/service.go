package findings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/auditrun"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/evidence"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/metrics"
)

const resourceType = "finding"

// EvidenceSource resolves and checks the evidence attached to findings
type EvidenceSource interface {
	ListByFinding(ctx context.Context, findingID uuid.UUID) ([]*evidence.Record, error)
	Verify(ctx context.Context, id uuid.UUID) (*evidence.VerifyResult, error)
}

// ChainVerifier reports on an organization's ledger
type ChainVerifier interface {
	VerifyChain(ctx context.Context, organizationID uuid.UUID, from, to int64) *ledger.ChainVerificationResult
}

// Service persists findings and manages their workflow
type Service struct {
	repo     auditrun.FindingRepository
	runs     auditrun.RunRepository
	recorder ledger.Recorder
	evidence EvidenceSource
	chain    ChainVerifier
	clock    values.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry

	// serializes ordinal allocation for amendments
	amendMu sync.Mutex
}

// Option customizes a Service
type Option func(*Service)

// WithEvidence enables the evidence index of report bundles
func WithEvidence(e EvidenceSource) Option {
	return func(s *Service) { s.evidence = e }
}

// WithChainVerifier enables ledger status in report bundles
func WithChainVerifier(c ChainVerifier) Option {
	return func(s *Service) { s.chain = c }
}

// WithClock overrides the wall clock
func WithClock(c values.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithMetrics records finding metrics
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a findings service
func NewService(repo auditrun.FindingRepository, runs auditrun.RunRepository, recorder ledger.Recorder, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		runs:     runs,
		recorder: recorder,
		clock:    values.RealClock{},
		logger:   logger.Named("findings"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record persists a newly classified finding and writes it to the ledger
func (s *Service) Record(ctx context.Context, f *auditrun.Finding, actorID string) error {
	if f.ID == uuid.Nil || f.AuditRunID == uuid.Nil || f.OrganizationID == uuid.Nil {
		return errors.NewValidationError("INVALID_FINDING", "finding requires id, run and organization")
	}
	if !f.RiskLevel.IsValid() {
		return errors.NewValidationError("INVALID_RISK_LEVEL",
			fmt.Sprintf("unknown risk level: %s", f.RiskLevel))
	}
	if f.Status == "" {
		f.Status = auditrun.FindingOpen
	}

	if err := s.repo.Create(ctx, f); err != nil {
		return fmt.Errorf("persist finding: %w", err)
	}
	if _, err := s.recorder.Append(ctx, f.OrganizationID, ledger.Draft{
		EntryType:    ledger.EntryTypeFinding,
		ResourceType: resourceType,
		ResourceID:   f.ID.String(),
		Action:       ledger.ActionCreate,
		DataSnapshot: findingSnapshot(f),
		ActorID:      actorID,
	}); err != nil {
		return fmt.Errorf("record finding on ledger: %w", err)
	}

	s.metrics.RecordFinding(ctx, string(f.RiskLevel), f.Category)
	return nil
}

// Get returns a finding by id
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*auditrun.Finding, error) {
	return s.repo.Get(ctx, id)
}

// ListByRun returns a run's findings in emission order
func (s *Service) ListByRun(ctx context.Context, runID uuid.UUID) ([]*auditrun.Finding, error) {
	return s.repo.ListByRun(ctx, runID)
}

// ChangeStatus moves a finding through open -> acknowledged -> resolved
func (s *Service) ChangeStatus(ctx context.Context, id uuid.UUID, next auditrun.FindingStatus, actorID string) (*auditrun.Finding, error) {
	if actorID == "" {
		return nil, errors.NewValidationError("MISSING_ACTOR", "actor is required")
	}
	f, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := f.Status
	if err := f.ChangeStatus(next, actorID, s.clock.Now()); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateStatus(ctx, f, previous); err != nil {
		return nil, err
	}

	if _, err := s.recorder.Append(ctx, f.OrganizationID, ledger.Draft{
		EntryType:    ledger.EntryTypeFinding,
		ResourceType: resourceType,
		ResourceID:   f.ID.String(),
		Action:       ledger.ActionStatus,
		DataSnapshot: map[string]interface{}{
			"from": string(previous),
			"to":   string(next),
		},
		ActorID: actorID,
	}); err != nil {
		return nil, fmt.Errorf("record status change on ledger: %w", err)
	}

	s.logger.Info("finding status changed",
		zap.String("finding_id", f.ID.String()),
		zap.String("from", string(previous)),
		zap.String("to", string(next)),
		zap.String("actor_id", actorID))
	return f, nil
}

// Amendment carries the corrected core fields of a finding. Empty fields
// keep the original's value.
type Amendment struct {
	Title               string
	Description         string
	RiskLevel           auditrun.RiskLevel
	Category            string
	Recommendation      string
	RegulatoryReference string
	Reason              string
}

// Amend creates a new finding that supersedes id. The original is left
// untouched.
func (s *Service) Amend(ctx context.Context, id uuid.UUID, a Amendment, actorID string) (*auditrun.Finding, error) {
	if actorID == "" || a.Reason == "" {
		return nil, errors.NewValidationError("INVALID_AMENDMENT", "actor and reason are required")
	}
	if a.RiskLevel != "" && !a.RiskLevel.IsValid() {
		return nil, errors.NewValidationError("INVALID_RISK_LEVEL",
			fmt.Sprintf("unknown risk level: %s", a.RiskLevel))
	}

	s.amendMu.Lock()
	defer s.amendMu.Unlock()

	original, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	siblings, err := s.repo.ListByRun(ctx, original.AuditRunID)
	if err != nil {
		return nil, err
	}
	for _, sib := range siblings {
		if sib.SupersedesID != nil && *sib.SupersedesID == original.ID {
			return nil, errors.NewConflictError("ALREADY_AMENDED",
				fmt.Sprintf("finding %s is already superseded by %s", original.ID, sib.ID))
		}
	}

	next := 0
	for _, sib := range siblings {
		if sib.Ordinal > next {
			next = sib.Ordinal
		}
	}

	supersedes := original.ID
	amended := &auditrun.Finding{
		ID:                  uuid.New(),
		OrganizationID:      original.OrganizationID,
		AuditRunID:          original.AuditRunID,
		Ordinal:             next + 1,
		Reference:           fmt.Sprintf("%s-A", original.Reference),
		Title:               pick(a.Title, original.Title),
		Description:         pick(a.Description, original.Description),
		RiskLevel:           auditrun.RiskLevel(pick(string(a.RiskLevel), string(original.RiskLevel))),
		Category:            pick(a.Category, original.Category),
		AffectedEntity:      original.AffectedEntity,
		Recommendation:      pick(a.Recommendation, original.Recommendation),
		RegulatoryReference: pick(a.RegulatoryReference, original.RegulatoryReference),
		EvidenceIDs:         append([]uuid.UUID(nil), original.EvidenceIDs...),
		SupersedesID:        &supersedes,
		Status:              auditrun.FindingOpen,
		CreatedAt:           s.clock.Now().UTC().Truncate(time.Microsecond),
	}
	if amended.Summary, err = Summarize(amended); err != nil {
		return nil, err
	}

	if err := s.Record(ctx, amended, actorID); err != nil {
		return nil, err
	}

	s.logger.Info("finding amended",
		zap.String("finding_id", original.ID.String()),
		zap.String("superseded_by", amended.ID.String()),
		zap.String("reason", a.Reason),
		zap.String("actor_id", actorID))
	return amended, nil
}

// SupersededBy maps each superseded finding to its replacement
func SupersededBy(list []*auditrun.Finding) map[uuid.UUID]uuid.UUID {
	out := make(map[uuid.UUID]uuid.UUID)
	for _, f := range list {
		if f.SupersedesID != nil {
			out[*f.SupersedesID] = f.ID
		}
	}
	return out
}

func pick(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func findingSnapshot(f *auditrun.Finding) map[string]interface{} {
	evidenceIDs := make([]string, len(f.EvidenceIDs))
	for i, id := range f.EvidenceIDs {
		evidenceIDs[i] = id.String()
	}
	s := map[string]interface{}{
		"audit_run_id":         f.AuditRunID.String(),
		"ordinal":              f.Ordinal,
		"reference":            f.Reference,
		"title":                f.Title,
		"description":          f.Description,
		"risk_level":           string(f.RiskLevel),
		"category":             f.Category,
		"affected_entity":      f.AffectedEntity,
		"recommendation":       f.Recommendation,
		"regulatory_reference": f.RegulatoryReference,
		"evidence_ids":         evidenceIDs,
	}
	if f.SupersedesID != nil {
		s["supersedes_id"] = f.SupersedesID.String()
	}
	return s
}
