// Package auditrun models reproducible audit executions and the findings
// they emit.
package auditrun

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/financial"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
)

// RunType selects the default rule checks of a run
type RunType string

const (
	RunTypeTaxCompliance      RunType = "tax_compliance"
	RunTypeFinancialStatement RunType = "financial_statement"
	RunTypeVATAudit           RunType = "vat_audit"
	RunTypeWHTAudit           RunType = "wht_audit"
	RunTypeCustom             RunType = "custom"
)

// IsValid reports whether the run type is known
func (t RunType) IsValid() bool {
	switch t {
	case RunTypeTaxCompliance, RunTypeFinancialStatement, RunTypeVATAudit, RunTypeWHTAudit, RunTypeCustom:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a run
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	case StatusDraft, StatusInProgress:
		return false
	default:
		return false
	}
}

// CanTransitionTo reports whether s -> next is a legal move
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusDraft:
		return next == StatusInProgress
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted, StatusFailed:
		return false
	default:
		return false
	}
}

// Parameters are the caller's inputs to a run. They are frozen into
// canonical JSON at creation and decoded afresh for every execution.
type Parameters struct {
	// Checks overrides the run type's default check list (custom runs)
	Checks []string `json:"checks,omitempty"`

	BenfordMinSample   int              `json:"benford_min_sample,omitempty"`
	ZScoreThreshold    float64          `json:"zscore_threshold,omitempty"`
	Materiality        *decimal.Decimal `json:"materiality,omitempty"`
	VATRate            *decimal.Decimal `json:"vat_rate,omitempty"`
	VATTolerance       *decimal.Decimal `json:"vat_tolerance,omitempty"`
	MatchKeys          []string         `json:"match_keys,omitempty"`
	RecordKinds        []string         `json:"record_kinds,omitempty"`
	DuplicateWindowDay int              `json:"duplicate_window_days,omitempty"`
}

var validate = validator.New()

// CreateRequest carries the inputs of a new run
type CreateRequest struct {
	OrganizationID uuid.UUID           `validate:"required"`
	RunType        RunType             `validate:"required"`
	Title          string              `validate:"required,max=255"`
	DateRange      financial.DateRange `validate:"-"`
	Parameters     Parameters          `validate:"-"`
	CreatedBy      string              `validate:"required"`
}

// Validate performs structural validation of the request
func (r CreateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return errors.NewValidationError("INVALID_RUN_REQUEST",
			"audit run request failed validation").WithCause(err)
	}
	if !r.RunType.IsValid() {
		return errors.NewValidationError("INVALID_RUN_TYPE",
			fmt.Sprintf("unknown run type: %s", r.RunType))
	}
	if err := r.DateRange.Validate(); err != nil {
		return errors.NewValidationError("INVALID_DATE_RANGE", err.Error())
	}
	if r.RunType == RunTypeCustom && len(r.Parameters.Checks) == 0 {
		return errors.NewValidationError("MISSING_CHECKS",
			"custom runs must name their checks")
	}
	return nil
}

// Run is a reproducible execution descriptor
type Run struct {
	ID             uuid.UUID           `json:"run_id"`
	OrganizationID uuid.UUID           `json:"organization_id"`
	RunType        RunType             `json:"run_type"`
	Title          string              `json:"title"`
	Status         Status              `json:"status"`
	DateRange      financial.DateRange `json:"date_range"`
	RuleVersion    string              `json:"rule_version"`
	Parameters     json.RawMessage     `json:"parameters"`
	ReproducedFrom *uuid.UUID          `json:"reproduced_from,omitempty"`
	CreatedBy      string              `json:"created_by"`
	CreatedAt      time.Time           `json:"created_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	FailedCheck    string              `json:"failed_check,omitempty"`
	ErrorSummary   string              `json:"error_summary,omitempty"`
}

// NewRun freezes the request into a DRAFT run
func NewRun(req CreateRequest, ruleVersion string, createdAt time.Time) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	frozen, err := values.CanonicalJSON(req.Parameters)
	if err != nil {
		return nil, err
	}

	return &Run{
		ID:             uuid.New(),
		OrganizationID: req.OrganizationID,
		RunType:        req.RunType,
		Title:          req.Title,
		Status:         StatusDraft,
		DateRange:      req.DateRange,
		RuleVersion:    ruleVersion,
		Parameters:     frozen,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      createdAt.UTC().Truncate(time.Microsecond),
	}, nil
}

// DecodeParameters returns a fresh copy of the frozen parameters
func (r *Run) DecodeParameters() (Parameters, error) {
	var p Parameters
	if len(r.Parameters) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(r.Parameters, &p); err != nil {
		return p, errors.NewInternalError("frozen run parameters are unreadable").WithCause(err)
	}
	return p, nil
}

// Clone creates a new DRAFT run with the same frozen inputs
func (r *Run) Clone(createdBy string, createdAt time.Time) *Run {
	origin := r.ID
	return &Run{
		ID:             uuid.New(),
		OrganizationID: r.OrganizationID,
		RunType:        r.RunType,
		Title:          r.Title,
		Status:         StatusDraft,
		DateRange:      r.DateRange,
		RuleVersion:    r.RuleVersion,
		Parameters:     append(json.RawMessage(nil), r.Parameters...),
		ReproducedFrom: &origin,
		CreatedBy:      createdBy,
		CreatedAt:      createdAt.UTC().Truncate(time.Microsecond),
	}
}

// Transition moves the run to next, stamping the relevant timestamp
func (r *Run) Transition(next Status, at time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return errors.NewConflictError("INVALID_RUN_TRANSITION",
			fmt.Sprintf("audit run %s cannot move from %s to %s", r.ID, r.Status, next))
	}
	at = at.UTC().Truncate(time.Microsecond)
	switch next {
	case StatusInProgress:
		r.StartedAt = &at
	case StatusCompleted, StatusFailed:
		r.CompletedAt = &at
	case StatusDraft:
	}
	r.Status = next
	return nil
}

// CheckResult records the outcome of one check within an execution
type CheckResult struct {
	Check    string `json:"check"`
	Findings int    `json:"findings"`
	Error    string `json:"error,omitempty"`
}

// ExecutionSummary is returned by an execution
type ExecutionSummary struct {
	RunID           uuid.UUID         `json:"run_id"`
	Status          Status            `json:"status"`
	RuleVersion     string            `json:"rule_version"`
	RecordsAnalyzed int               `json:"records_analyzed"`
	FindingsCount   int               `json:"findings_count"`
	ByRiskLevel     map[RiskLevel]int `json:"by_risk_level"`
	Checks          []CheckResult     `json:"checks"`
	FailedCheck     string            `json:"failed_check,omitempty"`
	Error           string            `json:"error,omitempty"`
	Duration        time.Duration     `json:"duration"`
}
