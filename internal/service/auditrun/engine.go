// Package auditrun executes reproducible audit runs over financial record
// snapshots and turns check output into classified findings.
package auditrun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/auditrun"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/evidence"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/financial"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/telemetry"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/metrics"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/findings"
)

const resourceType = "audit_run"

// FindingSink persists classified findings
type FindingSink interface {
	Record(ctx context.Context, f *auditrun.Finding, actorID string) error
}

// SnapshotArchiver keeps the analyzed population as evidence
type SnapshotArchiver interface {
	StoreRecordSet(ctx context.Context, draft evidence.Draft, records []interface{}) (*evidence.Record, error)
}

// Config configures the engine
type Config struct {
	// RuleVersion new runs are bound to
	RuleVersion string
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{RuleVersion: StandardRuleVersion}
}

// Engine creates, executes and reproduces audit runs
type Engine struct {
	config   Config
	runs     auditrun.RunRepository
	sink     FindingSink
	source   financial.Source
	recorder ledger.Recorder
	registry *Registry
	archiver SnapshotArchiver
	clock    values.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry
	tracer   trace.Tracer
}

// Option customizes an Engine
type Option func(*Engine)

// WithRegistry replaces the default rule registry
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithSnapshotArchiver stores each analyzed snapshot as evidence and links
// it to the run's findings
func WithSnapshotArchiver(a SnapshotArchiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithClock overrides the wall clock
func WithClock(c values.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics records run metrics
func WithMetrics(m *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an audit run engine
func NewEngine(config Config, runs auditrun.RunRepository, sink FindingSink, source financial.Source, recorder ledger.Recorder, logger *zap.Logger, opts ...Option) *Engine {
	if config.RuleVersion == "" {
		config.RuleVersion = StandardRuleVersion
	}
	e := &Engine{
		config:   config,
		runs:     runs,
		sink:     sink,
		source:   source,
		recorder: recorder,
		registry: DefaultRegistry(),
		clock:    values.RealClock{},
		logger:   logger.Named("auditrun"),
		tracer:   telemetry.Tracer("proaudit/auditrun"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create freezes a request into a new DRAFT run bound to the configured
// rule version
func (e *Engine) Create(ctx context.Context, req auditrun.CreateRequest) (*auditrun.Run, error) {
	rs, err := e.registry.Lookup(e.config.RuleVersion)
	if err != nil {
		return nil, err
	}
	if _, err := rs.ChecksFor(req.RunType, req.Parameters); err != nil {
		return nil, err
	}

	run, err := auditrun.NewRun(req, rs.Version, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := e.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("persist audit run: %w", err)
	}
	if err := e.record(ctx, run, ledger.ActionCreate, req.CreatedBy, runSnapshot(run)); err != nil {
		return nil, err
	}

	e.logger.Info("audit run created",
		zap.String("audit_run_id", run.ID.String()),
		zap.String("organization_id", run.OrganizationID.String()),
		zap.String("run_type", string(run.RunType)),
		zap.String("rule_version", run.RuleVersion))
	return run, nil
}

// Get returns a run by id
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*auditrun.Run, error) {
	return e.runs.Get(ctx, id)
}

// List returns an organization's runs in creation order
func (e *Engine) List(ctx context.Context, organizationID uuid.UUID) ([]*auditrun.Run, error) {
	return e.runs.ListByOrganization(ctx, organizationID)
}

// Reproduce clones a run's frozen parameters, date range and rule version
// into a new DRAFT run. Executing the clone over unchanged data yields the
// same findings.
func (e *Engine) Reproduce(ctx context.Context, runID uuid.UUID, actorID string) (*auditrun.Run, error) {
	if actorID == "" {
		return nil, errors.NewValidationError("MISSING_ACTOR", "actor is required")
	}
	original, err := e.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if _, err := e.registry.Lookup(original.RuleVersion); err != nil {
		return nil, err
	}

	clone := original.Clone(actorID, e.clock.Now())
	if err := e.runs.Create(ctx, clone); err != nil {
		return nil, fmt.Errorf("persist reproduced run: %w", err)
	}
	if err := e.record(ctx, clone, ledger.ActionCreate, actorID, runSnapshot(clone)); err != nil {
		return nil, err
	}

	e.logger.Info("audit run reproduced",
		zap.String("audit_run_id", clone.ID.String()),
		zap.String("reproduced_from", original.ID.String()),
		zap.String("rule_version", clone.RuleVersion))
	return clone, nil
}

// Execute runs a DRAFT run's checks in order. A failing check moves the run
// to FAILED, keeps the findings already emitted and returns the summary
// together with a RULE_CHECK_FAILED error.
func (e *Engine) Execute(ctx context.Context, runID uuid.UUID, actorID string) (*auditrun.ExecutionSummary, error) {
	ctx, span := e.tracer.Start(ctx, "auditrun.Execute", trace.WithAttributes(
		attribute.String("audit_run_id", runID.String()),
	))
	defer span.End()

	if actorID == "" {
		return nil, errors.NewValidationError("MISSING_ACTOR", "actor is required")
	}

	run, err := e.start(ctx, runID, actorID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	e.metrics.RunStarted(ctx)
	start := time.Now()
	summary := &auditrun.ExecutionSummary{
		RunID:       run.ID,
		Status:      auditrun.StatusInProgress,
		RuleVersion: run.RuleVersion,
		ByRiskLevel: make(map[auditrun.RiskLevel]int),
		Checks:      []auditrun.CheckResult{},
	}
	for _, level := range auditrun.AllRiskLevels() {
		summary.ByRiskLevel[level] = 0
	}

	failedCheck, execErr := e.execute(ctx, run, actorID, summary)
	summary.Duration = time.Since(start)

	if execErr != nil {
		runErr := errors.NewRuleCheckFailedError(run.ID.String(), failedCheck, execErr)
		if err := e.finish(ctx, run, auditrun.StatusFailed, actorID, summary, failedCheck, execErr); err != nil {
			return summary, err
		}
		telemetry.RecordError(span, runErr)
		return summary, runErr
	}

	if err := e.finish(ctx, run, auditrun.StatusCompleted, actorID, summary, "", nil); err != nil {
		return summary, err
	}
	span.SetAttributes(attribute.Int("findings", summary.FindingsCount))
	return summary, nil
}

func (e *Engine) start(ctx context.Context, runID uuid.UUID, actorID string) (*auditrun.Run, error) {
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch {
	case run.Status == auditrun.StatusInProgress:
		return nil, errors.NewConflictError("RUN_IN_PROGRESS",
			fmt.Sprintf("audit run %s is already executing", run.ID))
	case run.Status.IsTerminal():
		return nil, errors.NewConflictError("RUN_ALREADY_EXECUTED",
			fmt.Sprintf("audit run %s is %s; reproduce it to run again", run.ID, run.Status))
	}

	if err := run.Transition(auditrun.StatusInProgress, e.clock.Now()); err != nil {
		return nil, err
	}
	if err := e.runs.Update(ctx, run, auditrun.StatusDraft); err != nil {
		if errors.IsType(err, errors.ErrorTypeConflict) {
			return nil, errors.NewConflictError("RUN_IN_PROGRESS",
				fmt.Sprintf("audit run %s was started concurrently", run.ID)).WithCause(err)
		}
		return nil, fmt.Errorf("mark audit run in progress: %w", err)
	}
	if err := e.record(ctx, run, ledger.ActionStart, actorID, map[string]interface{}{
		"rule_version": run.RuleVersion,
	}); err != nil {
		return nil, err
	}
	return run, nil
}

// execute returns the name of the failing step and its error
func (e *Engine) execute(ctx context.Context, run *auditrun.Run, actorID string, summary *auditrun.ExecutionSummary) (string, error) {
	rs, err := e.registry.Lookup(run.RuleVersion)
	if err != nil {
		return "rule_set", err
	}
	params, err := run.DecodeParameters()
	if err != nil {
		return "parameters", err
	}
	names, err := rs.ChecksFor(run.RunType, params)
	if err != nil {
		return "parameters", err
	}

	snapshot, err := e.source.Snapshot(ctx, run.OrganizationID, run.DateRange)
	if err != nil {
		return "snapshot", err
	}
	summary.RecordsAnalyzed = len(snapshot.Local) + len(snapshot.External)

	var evidenceIDs []uuid.UUID
	if e.archiver != nil {
		rec, err := e.archiveSnapshot(ctx, run, snapshot, actorID)
		if err != nil {
			return "snapshot", err
		}
		evidenceIDs = []uuid.UUID{rec.ID}
	}

	classifier := rs.Classifier(params)
	in := CheckInput{Run: run, Params: params, Snapshot: snapshot}
	ordinal := 0

	for _, name := range names {
		check, _ := rs.Check(name)
		signals, err := runCheck(ctx, check, in)
		result := auditrun.CheckResult{Check: name}
		if err != nil {
			result.Error = err.Error()
			summary.Checks = append(summary.Checks, result)
			return name, err
		}

		for _, sig := range signals {
			ordinal++
			sig.EvidenceIDs = append(sig.EvidenceIDs, evidenceIDs...)
			f, err := classifier.Classify(sig, fmt.Sprintf("F-%03d", ordinal))
			if err != nil {
				result.Error = err.Error()
				summary.Checks = append(summary.Checks, result)
				return name, err
			}
			f.ID = uuid.New()
			f.OrganizationID = run.OrganizationID
			f.AuditRunID = run.ID
			f.Ordinal = ordinal
			f.CreatedAt = e.clock.Now().UTC().Truncate(time.Microsecond)

			if err := e.sink.Record(ctx, f, actorID); err != nil {
				result.Error = err.Error()
				summary.Checks = append(summary.Checks, result)
				return name, err
			}
			result.Findings++
			summary.FindingsCount++
			summary.ByRiskLevel[f.RiskLevel]++
		}
		summary.Checks = append(summary.Checks, result)

		e.logger.Debug("check completed",
			zap.String("audit_run_id", run.ID.String()),
			zap.String("check", name),
			zap.Int("findings", result.Findings))
	}
	return "", nil
}

// runCheck converts a panicking check into an error so the run can be
// closed as FAILED
func runCheck(ctx context.Context, check Check, in CheckInput) (signals []findings.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	return check(ctx, in)
}

func (e *Engine) archiveSnapshot(ctx context.Context, run *auditrun.Run, snapshot *financial.Snapshot, actorID string) (*evidence.Record, error) {
	records := make([]interface{}, 0, len(snapshot.Local)+len(snapshot.External))
	ids := make([]string, 0, cap(records))
	for _, r := range snapshot.Local {
		records = append(records, r)
		ids = append(ids, r.ID)
	}
	for _, r := range snapshot.External {
		records = append(records, r)
		ids = append(ids, r.ID)
	}

	runID := run.ID
	return e.archiver.StoreRecordSet(ctx, evidence.Draft{
		OrganizationID: run.OrganizationID,
		EvidenceType:   evidence.TypeDatabaseRecord,
		Title: fmt.Sprintf("Record snapshot %s to %s",
			run.DateRange.Start.Format(time.DateOnly), run.DateRange.End.Format(time.DateOnly)),
		Description:     fmt.Sprintf("Population analyzed by audit run %s", run.ID),
		SourceTable:     "financial_records",
		SourceRecordIDs: ids,
		AuditRunID:      &runID,
		CollectedBy:     actorID,
	}, records)
}

func (e *Engine) finish(ctx context.Context, run *auditrun.Run, status auditrun.Status, actorID string, summary *auditrun.ExecutionSummary, failedCheck string, cause error) error {
	if err := run.Transition(status, e.clock.Now()); err != nil {
		return err
	}
	action := ledger.ActionComplete
	snapshot := map[string]interface{}{
		"findings_count":   summary.FindingsCount,
		"records_analyzed": summary.RecordsAnalyzed,
		"checks":           checkNames(summary.Checks),
	}
	if status == auditrun.StatusFailed {
		action = ledger.ActionFail
		run.FailedCheck = failedCheck
		run.ErrorSummary = cause.Error()
		summary.FailedCheck = failedCheck
		summary.Error = cause.Error()
		snapshot["failed_check"] = failedCheck
		snapshot["error_summary"] = cause.Error()
	}
	summary.Status = status

	if err := e.runs.Update(ctx, run, auditrun.StatusInProgress); err != nil {
		return fmt.Errorf("close audit run: %w", err)
	}
	if err := e.record(ctx, run, action, actorID, snapshot); err != nil {
		return err
	}

	e.metrics.RunFinished(ctx, float64(summary.Duration.Milliseconds()), summary.RecordsAnalyzed, string(run.RunType), string(status))
	fields := []zap.Field{
		zap.String("audit_run_id", run.ID.String()),
		zap.String("organization_id", run.OrganizationID.String()),
		zap.String("rule_version", run.RuleVersion),
		zap.Int("findings", summary.FindingsCount),
		zap.Duration("duration", summary.Duration),
	}
	if status == auditrun.StatusFailed {
		e.logger.Error("audit run failed", append(fields,
			zap.String("failed_check", failedCheck),
			zap.Error(cause))...)
		return nil
	}
	e.logger.Info("audit run completed", fields...)
	return nil
}

func (e *Engine) record(ctx context.Context, run *auditrun.Run, action ledger.Action, actorID string, snapshot interface{}) error {
	if _, err := e.recorder.Append(ctx, run.OrganizationID, ledger.Draft{
		EntryType:    ledger.EntryTypeAuditRun,
		ResourceType: resourceType,
		ResourceID:   run.ID.String(),
		Action:       action,
		DataSnapshot: snapshot,
		ActorID:      actorID,
	}); err != nil {
		return fmt.Errorf("record audit run %s on ledger: %w", action, err)
	}
	return nil
}

func runSnapshot(run *auditrun.Run) map[string]interface{} {
	s := map[string]interface{}{
		"run_type":     string(run.RunType),
		"title":        run.Title,
		"period_start": run.DateRange.Start.Format(time.DateOnly),
		"period_end":   run.DateRange.End.Format(time.DateOnly),
		"rule_version": run.RuleVersion,
		"parameters":   run.Parameters,
	}
	if run.ReproducedFrom != nil {
		s["reproduced_from"] = run.ReproducedFrom.String()
	}
	return s
}

func checkNames(results []auditrun.CheckResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Check
	}
	return out
}
