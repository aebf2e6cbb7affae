package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/auditrun"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// RunRepository persists audit runs
type RunRepository struct {
	db Querier
}

// NewRunRepository creates a Postgres run repository
func NewRunRepository(db Querier) *RunRepository {
	return &RunRepository{db: db}
}

const runColumns = `id, organization_id, run_type, title, status, range_start, range_end,
	rule_version, parameters, reproduced_from, created_by, created_at, started_at,
	completed_at, failed_check, error_summary`

// Create stores a new run
func (r *RunRepository) Create(ctx context.Context, run *auditrun.Run) error {
	_, err := r.db.Exec(ctx, `INSERT INTO audit_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.OrganizationID, string(run.RunType), run.Title, string(run.Status),
		run.DateRange.Start, run.DateRange.End, run.RuleVersion, parametersText(run.Parameters),
		run.ReproducedFrom, run.CreatedBy, run.CreatedAt, run.StartedAt, run.CompletedAt,
		run.FailedCheck, run.ErrorSummary)
	if IsDuplicateKeyViolation(err) {
		return errors.NewConflictError("RUN_EXISTS", "audit run already exists")
	}
	return wrapError(err, "create audit run")
}

// Get returns a run by id
func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*auditrun.Run, error) {
	run, err := scanRun(r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM audit_runs WHERE id = $1`, id))
	if IsNotFound(err) {
		return nil, errors.NewNotFoundError("audit run")
	}
	if err != nil {
		return nil, wrapError(err, "get audit run")
	}
	return run, nil
}

// Update replaces the mutable run fields if the stored status equals expected
func (r *RunRepository) Update(ctx context.Context, run *auditrun.Run, expected auditrun.Status) error {
	tag, err := r.db.Exec(ctx, `UPDATE audit_runs SET
			status = $3, rule_version = $4, started_at = $5, completed_at = $6,
			failed_check = $7, error_summary = $8
		WHERE id = $1 AND status = $2`,
		run.ID, string(expected), string(run.Status), run.RuleVersion, run.StartedAt, run.CompletedAt,
		run.FailedCheck, run.ErrorSummary)
	if err != nil {
		return wrapError(err, "update audit run")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.Get(ctx, run.ID)
	if err != nil {
		return err
	}
	return errors.NewConflictError("RUN_STATUS_CHANGED",
		fmt.Sprintf("audit run %s is %s, expected %s", run.ID, current.Status, expected))
}

// ListByOrganization returns runs ordered by creation time
func (r *RunRepository) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*auditrun.Run, error) {
	rows, err := r.db.Query(ctx, `SELECT `+runColumns+` FROM audit_runs
		WHERE organization_id = $1 ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, wrapError(err, "list audit runs")
	}
	defer rows.Close()

	out := make([]*auditrun.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, wrapError(err, "scan audit run")
		}
		out = append(out, run)
	}
	return out, wrapError(rows.Err(), "list audit runs")
}

func scanRun(row pgx.Row) (*auditrun.Run, error) {
	var (
		run        auditrun.Run
		runType    string
		status     string
		parameters string
	)
	if err := row.Scan(&run.ID, &run.OrganizationID, &runType, &run.Title, &status,
		&run.DateRange.Start, &run.DateRange.End, &run.RuleVersion, &parameters, &run.ReproducedFrom,
		&run.CreatedBy, &run.CreatedAt, &run.StartedAt, &run.CompletedAt, &run.FailedCheck,
		&run.ErrorSummary); err != nil {
		return nil, err
	}
	run.RunType = auditrun.RunType(runType)
	run.Status = auditrun.Status(status)
	run.Parameters = json.RawMessage(parameters)
	run.DateRange.Start = run.DateRange.Start.UTC()
	run.DateRange.End = run.DateRange.End.UTC()
	run.CreatedAt = run.CreatedAt.UTC()
	return &run, nil
}

func parametersText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// FindingRepository persists findings. Only the status columns are ever
// updated.
type FindingRepository struct {
	db Querier
}

// NewFindingRepository creates a Postgres finding repository
func NewFindingRepository(db Querier) *FindingRepository {
	return &FindingRepository{db: db}
}

const findingColumns = `id, organization_id, audit_run_id, ordinal, reference, title, description,
	risk_level, category, affected_entity, recommendation, regulatory_reference, summary,
	evidence_ids, supersedes_id, status, status_changed_by, status_changed_at, created_at`

// Create stores a new finding
func (r *FindingRepository) Create(ctx context.Context, f *auditrun.Finding) error {
	evidenceIDs := f.EvidenceIDs
	if evidenceIDs == nil {
		evidenceIDs = []uuid.UUID{}
	}
	_, err := r.db.Exec(ctx, `INSERT INTO findings (`+findingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		f.ID, f.OrganizationID, f.AuditRunID, f.Ordinal, f.Reference, f.Title, f.Description,
		string(f.RiskLevel), f.Category, f.AffectedEntity, f.Recommendation, f.RegulatoryReference,
		f.Summary, evidenceIDs, f.SupersedesID, string(f.Status), f.StatusChangedBy, f.StatusChangedAt,
		f.CreatedAt)
	if IsDuplicateKeyViolation(err) {
		return errors.NewConflictError("FINDING_EXISTS", "finding already exists")
	}
	return wrapError(err, "create finding")
}

// Get returns a finding by id
func (r *FindingRepository) Get(ctx context.Context, id uuid.UUID) (*auditrun.Finding, error) {
	f, err := scanFinding(r.db.QueryRow(ctx, `SELECT `+findingColumns+` FROM findings WHERE id = $1`, id))
	if IsNotFound(err) {
		return nil, errors.NewNotFoundError("finding")
	}
	if err != nil {
		return nil, wrapError(err, "get finding")
	}
	return f, nil
}

// ListByRun returns findings in emission order
func (r *FindingRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*auditrun.Finding, error) {
	rows, err := r.db.Query(ctx, `SELECT `+findingColumns+` FROM findings
		WHERE audit_run_id = $1 ORDER BY ordinal`, runID)
	if err != nil {
		return nil, wrapError(err, "list findings")
	}
	defer rows.Close()

	out := make([]*auditrun.Finding, 0)
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, wrapError(err, "scan finding")
		}
		out = append(out, f)
	}
	return out, wrapError(rows.Err(), "list findings")
}

// UpdateStatus persists only the status fields of f
func (r *FindingRepository) UpdateStatus(ctx context.Context, f *auditrun.Finding, expected auditrun.FindingStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE findings
		SET status = $3, status_changed_by = $4, status_changed_at = $5
		WHERE id = $1 AND status = $2`,
		f.ID, string(expected), string(f.Status), f.StatusChangedBy, f.StatusChangedAt)
	if err != nil {
		return wrapError(err, "update finding status")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.Get(ctx, f.ID)
	if err != nil {
		return err
	}
	return errors.NewConflictError("FINDING_STATUS_CHANGED",
		fmt.Sprintf("finding %s is %s, expected %s", f.ID, current.Status, expected))
}

func scanFinding(row pgx.Row) (*auditrun.Finding, error) {
	var (
		f         auditrun.Finding
		riskLevel string
		status    string
	)
	if err := row.Scan(&f.ID, &f.OrganizationID, &f.AuditRunID, &f.Ordinal, &f.Reference, &f.Title,
		&f.Description, &riskLevel, &f.Category, &f.AffectedEntity, &f.Recommendation,
		&f.RegulatoryReference, &f.Summary, &f.EvidenceIDs, &f.SupersedesID, &status,
		&f.StatusChangedBy, &f.StatusChangedAt, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.RiskLevel = auditrun.RiskLevel(riskLevel)
	f.Status = auditrun.FindingStatus(status)
	f.CreatedAt = f.CreatedAt.UTC()
	if len(f.EvidenceIDs) == 0 {
		f.EvidenceIDs = nil
	}
	return &f, nil
}

var (
	_ auditrun.RunRepository     = (*RunRepository)(nil)
	_ auditrun.FindingRepository = (*FindingRepository)(nil)
)
