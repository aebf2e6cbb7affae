package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds all domain-specific metrics for the engine. A nil
// *Registry is valid and records nothing.
type Registry struct {
	meter metric.Meter

	// Ledger
	LedgerAppendDuration metric.Float64Histogram
	LedgerAppendCounter  metric.Int64Counter
	SequenceConflicts    metric.Int64Counter
	ChainVerifications   metric.Int64Counter
	ChainBreaks          metric.Int64Counter
	ChainHeadSequence    metric.Int64ObservableGauge

	// Evidence
	EvidenceStored   metric.Int64Counter
	EvidenceBytes    metric.Int64Counter
	EvidenceVerified metric.Int64Counter
	EvidenceTampered metric.Int64Counter

	// Audit runs
	RunDuration     metric.Float64Histogram
	RunOutcomes     metric.Int64Counter
	FindingsByRisk  metric.Int64Counter
	RecordsAnalyzed metric.Int64Counter
	RunsInProgress  metric.Int64UpDownCounter

	// Policy
	PolicyViolations  metric.Int64Counter
	AuditorDecisions  metric.Int64Counter
	ActiveAuditorSess metric.Int64UpDownCounter

	mu        sync.RWMutex
	headByOrg map[string]int64
}

// NewRegistry creates a new metrics registry with all domain metrics
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{
		meter:     otel.Meter(meterName),
		headByOrg: make(map[string]int64),
	}

	if err := r.initLedgerMetrics(); err != nil {
		return nil, err
	}
	if err := r.initEvidenceMetrics(); err != nil {
		return nil, err
	}
	if err := r.initRunMetrics(); err != nil {
		return nil, err
	}
	if err := r.initPolicyMetrics(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) initLedgerMetrics() error {
	var err error

	r.LedgerAppendDuration, err = r.meter.Float64Histogram(
		"proaudit.ledger.append_duration",
		metric.WithDescription("Duration of ledger appends including retries"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 25, 50, 100, 250, 1000),
	)
	if err != nil {
		return err
	}

	r.LedgerAppendCounter, err = r.meter.Int64Counter(
		"proaudit.ledger.appends_total",
		metric.WithDescription("Ledger appends by entry type and outcome"),
	)
	if err != nil {
		return err
	}

	r.SequenceConflicts, err = r.meter.Int64Counter(
		"proaudit.ledger.sequence_conflicts_total",
		metric.WithDescription("Sequence allocation races lost and retried"),
	)
	if err != nil {
		return err
	}

	r.ChainVerifications, err = r.meter.Int64Counter(
		"proaudit.ledger.verifications_total",
		metric.WithDescription("Chain verifications by result"),
	)
	if err != nil {
		return err
	}

	r.ChainBreaks, err = r.meter.Int64Counter(
		"proaudit.ledger.chain_breaks_total",
		metric.WithDescription("Chain breaks detected by break type"),
	)
	if err != nil {
		return err
	}

	r.ChainHeadSequence, err = r.meter.Int64ObservableGauge(
		"proaudit.ledger.head_sequence",
		metric.WithDescription("Last appended sequence number per organization"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			for org, seq := range r.headByOrg {
				o.Observe(seq, metric.WithAttributes(attribute.String("organization_id", org)))
			}
			return nil
		}),
	)
	return err
}

func (r *Registry) initEvidenceMetrics() error {
	var err error

	r.EvidenceStored, err = r.meter.Int64Counter(
		"proaudit.evidence.stored_total",
		metric.WithDescription("Evidence records stored by type"),
	)
	if err != nil {
		return err
	}

	r.EvidenceBytes, err = r.meter.Int64Counter(
		"proaudit.evidence.bytes_total",
		metric.WithDescription("Evidence payload bytes stored"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	r.EvidenceVerified, err = r.meter.Int64Counter(
		"proaudit.evidence.verifications_total",
		metric.WithDescription("Evidence verifications by result"),
	)
	if err != nil {
		return err
	}

	r.EvidenceTampered, err = r.meter.Int64Counter(
		"proaudit.evidence.tampered_total",
		metric.WithDescription("Evidence records whose content hash no longer matches"),
	)
	return err
}

func (r *Registry) initRunMetrics() error {
	var err error

	r.RunDuration, err = r.meter.Float64Histogram(
		"proaudit.run.duration",
		metric.WithDescription("Audit run execution duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 500, 1000, 5000, 30000, 120000),
	)
	if err != nil {
		return err
	}

	r.RunOutcomes, err = r.meter.Int64Counter(
		"proaudit.run.outcomes_total",
		metric.WithDescription("Audit runs by type and terminal status"),
	)
	if err != nil {
		return err
	}

	r.FindingsByRisk, err = r.meter.Int64Counter(
		"proaudit.run.findings_total",
		metric.WithDescription("Findings emitted by risk level and category"),
	)
	if err != nil {
		return err
	}

	r.RecordsAnalyzed, err = r.meter.Int64Counter(
		"proaudit.run.records_analyzed_total",
		metric.WithDescription("Financial records pulled into audit runs"),
	)
	if err != nil {
		return err
	}

	r.RunsInProgress, err = r.meter.Int64UpDownCounter(
		"proaudit.run.in_progress",
		metric.WithDescription("Audit runs currently executing"),
	)
	return err
}

func (r *Registry) initPolicyMetrics() error {
	var err error

	r.PolicyViolations, err = r.meter.Int64Counter(
		"proaudit.policy.violations_total",
		metric.WithDescription("Policy errors by code"),
	)
	if err != nil {
		return err
	}

	r.AuditorDecisions, err = r.meter.Int64Counter(
		"proaudit.auditor.decisions_total",
		metric.WithDescription("Auditor access decisions by action and outcome"),
	)
	if err != nil {
		return err
	}

	r.ActiveAuditorSess, err = r.meter.Int64UpDownCounter(
		"proaudit.auditor.active_sessions",
		metric.WithDescription("Open auditor sessions"),
	)
	return err
}

// RecordAppend records a finished ledger append
func (r *Registry) RecordAppend(ctx context.Context, durationMS float64, orgID, entryType string, sequence int64, success bool) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("entry_type", entryType),
		attribute.Bool("success", success),
	)
	r.LedgerAppendDuration.Record(ctx, durationMS, attrs)
	r.LedgerAppendCounter.Add(ctx, 1, attrs)

	if success {
		r.mu.Lock()
		r.headByOrg[orgID] = sequence
		r.mu.Unlock()
	}
}

// RecordSequenceConflict counts a lost sequence race
func (r *Registry) RecordSequenceConflict(ctx context.Context) {
	if r == nil {
		return
	}
	r.SequenceConflicts.Add(ctx, 1)
}

// RecordChainVerification records a verification and its breaks
func (r *Registry) RecordChainVerification(ctx context.Context, valid bool, breakTypes []string) {
	if r == nil {
		return
	}
	r.ChainVerifications.Add(ctx, 1, metric.WithAttributes(attribute.Bool("valid", valid)))
	for _, bt := range breakTypes {
		r.ChainBreaks.Add(ctx, 1, metric.WithAttributes(attribute.String("break_type", bt)))
	}
}

// RecordEvidenceStored records a stored artifact
func (r *Registry) RecordEvidenceStored(ctx context.Context, evidenceType string, size int64) {
	if r == nil {
		return
	}
	r.EvidenceStored.Add(ctx, 1, metric.WithAttributes(attribute.String("evidence_type", evidenceType)))
	r.EvidenceBytes.Add(ctx, size)
}

// RecordEvidenceVerification records one verification result
func (r *Registry) RecordEvidenceVerification(ctx context.Context, valid bool) {
	if r == nil {
		return
	}
	r.EvidenceVerified.Add(ctx, 1, metric.WithAttributes(attribute.Bool("valid", valid)))
	if !valid {
		r.EvidenceTampered.Add(ctx, 1)
	}
}

// RunStarted marks a run as executing
func (r *Registry) RunStarted(ctx context.Context) {
	if r == nil {
		return
	}
	r.RunsInProgress.Add(ctx, 1)
}

// RunFinished records the terminal state of a run and the records it read
func (r *Registry) RunFinished(ctx context.Context, durationMS float64, records int, runType, status string) {
	if r == nil {
		return
	}
	r.RunsInProgress.Add(ctx, -1)
	r.RecordsAnalyzed.Add(ctx, int64(records))
	attrs := metric.WithAttributes(
		attribute.String("run_type", runType),
		attribute.String("status", status),
	)
	r.RunDuration.Record(ctx, durationMS, attrs)
	r.RunOutcomes.Add(ctx, 1, attrs)
}

// RecordFinding counts an emitted finding
func (r *Registry) RecordFinding(ctx context.Context, riskLevel, category string) {
	if r == nil {
		return
	}
	r.FindingsByRisk.Add(ctx, 1, metric.WithAttributes(
		attribute.String("risk_level", riskLevel),
		attribute.String("category", category),
	))
}

// RecordPolicyViolation counts a policy error by code
func (r *Registry) RecordPolicyViolation(ctx context.Context, code string) {
	if r == nil {
		return
	}
	r.PolicyViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordAuditorDecision counts an auditor access decision
func (r *Registry) RecordAuditorDecision(ctx context.Context, action string, allowed bool) {
	if r == nil {
		return
	}
	r.AuditorDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("allowed", allowed),
	))
}

// AuditorSessionDelta adjusts the open session gauge
func (r *Registry) AuditorSessionDelta(ctx context.Context, delta int64) {
	if r == nil {
		return
	}
	r.ActiveAuditorSess.Add(ctx, delta)
}
