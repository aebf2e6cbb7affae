package auditrun

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/auditrun"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/financial"
	domainledger "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/memory"
	evidencesvc "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/evidence"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/findings"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/ledger"
)

var q1 = financial.DateRange{
	Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
}

type fixture struct {
	engine   *Engine
	findings *findings.Service
	ledger   *ledger.Service
	vault    *evidencesvc.Vault
	runs     *memory.RunRepository
	source   *memory.RecordSource
	clock    *values.MockClock
	orgID    uuid.UUID
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := values.NewMockClock(time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC))

	chain := ledger.NewService(ledger.DefaultConfig(), memory.NewLedgerStore(), logger,
		ledger.WithClock(clock), ledger.WithAnchorStore(memory.NewAnchorStore()))
	vault := evidencesvc.NewVault(evidencesvc.DefaultConfig(), memory.NewEvidenceRepository(), memory.NewBlobStore(),
		chain, logger, evidencesvc.WithClock(clock))
	runs := memory.NewRunRepository()
	findingSvc := findings.NewService(memory.NewFindingRepository(), runs, chain, logger,
		findings.WithEvidence(vault), findings.WithChainVerifier(chain), findings.WithClock(clock))
	source := memory.NewRecordSource()

	opts = append([]Option{WithClock(clock), WithSnapshotArchiver(vault)}, opts...)
	engine := NewEngine(DefaultConfig(), runs, findingSvc, source, chain, logger, opts...)

	return &fixture{
		engine:   engine,
		findings: findingSvc,
		ledger:   chain,
		vault:    vault,
		runs:     runs,
		source:   source,
		clock:    clock,
		orgID:    uuid.New(),
	}
}

func (f *fixture) invoice(id, ref string, origin financial.Origin, net, vat string, day int) financial.Record {
	n := decimal.RequireFromString(net)
	v := decimal.RequireFromString(vat)
	return financial.Record{
		ID:             id,
		OrganizationID: f.orgID,
		Kind:           financial.RecordKindInvoice,
		Origin:         origin,
		Reference:      ref,
		Counterparty:   "Adebayo Supplies Ltd",
		Amount:         n.Add(v),
		NetAmount:      &n,
		VATAmount:      &v,
		Date:           time.Date(2026, 2, day, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) payment(id, ref, counterparty, amount string, day int) financial.Record {
	return financial.Record{
		ID:             id,
		OrganizationID: f.orgID,
		Kind:           financial.RecordKindPayment,
		Origin:         financial.OriginLocal,
		Reference:      ref,
		Counterparty:   counterparty,
		Amount:         decimal.RequireFromString(amount),
		Date:           time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC),
	}
}

// seedVAT loads a population producing one VAT mismatch, one unreported
// local invoice and one unrecorded external invoice
func (f *fixture) seedVAT() {
	f.source.Add(
		f.invoice("L1", "INV-001", financial.OriginLocal, "1000", "75", 3),
		f.invoice("L2", "INV-002", financial.OriginLocal, "2000", "100", 4),
		f.invoice("L3", "INV-003", financial.OriginLocal, "400", "30", 5),
		f.invoice("E1", "INV-001", financial.OriginExternal, "1000", "75", 3),
		f.invoice("E2", "INV-002", financial.OriginExternal, "2000", "100", 4),
		f.invoice("E4", "INV-004", financial.OriginExternal, "500", "0", 6),
	)
}

func (f *fixture) request(runType auditrun.RunType, params auditrun.Parameters) auditrun.CreateRequest {
	return auditrun.CreateRequest{
		OrganizationID: f.orgID,
		RunType:        runType,
		Title:          fmt.Sprintf("%s Q1 2026", runType),
		DateRange:      q1,
		Parameters:     params,
		CreatedBy:      "auditor-1",
	}
}

func cores(list []*auditrun.Finding) []auditrun.Core {
	out := make([]auditrun.Core, len(list))
	for i, f := range list {
		out[i] = f.Core()
	}
	return out
}

func TestCreate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	run, err := f.engine.Create(ctx, f.request(auditrun.RunTypeVATAudit, auditrun.Parameters{}))
	require.NoError(t, err)
	assert.Equal(t, auditrun.StatusDraft, run.Status)
	assert.Equal(t, StandardRuleVersion, run.RuleVersion)

	entries, err := f.ledger.History(ctx, f.orgID, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domainledger.EntryTypeAuditRun, entries[0].EntryType)
	assert.Equal(t, domainledger.ActionCreate, entries[0].Action)

	_, err = f.engine.Create(ctx, f.request(auditrun.RunTypeCustom, auditrun.Parameters{}))
	assert.True(t, errors.HasCode(err, "MISSING_CHECKS"))

	_, err = f.engine.Create(ctx, f.request(auditrun.RunTypeCustom, auditrun.Parameters{Checks: []string{"round_sums"}}))
	assert.True(t, errors.HasCode(err, "UNKNOWN_CHECK"))
}

func TestCreateFreezesParameters(t *testing.T) {
	f := setup(t)
	params := auditrun.Parameters{Checks: []string{CheckVAT}, MatchKeys: []string{"reference"}}

	run, err := f.engine.Create(context.Background(), f.request(auditrun.RunTypeCustom, params))
	require.NoError(t, err)
	params.Checks[0] = CheckGap
	params.MatchKeys[0] = "amount"

	decoded, err := run.DecodeParameters()
	require.NoError(t, err)
	assert.Equal(t, []string{CheckVAT}, decoded.Checks)
	assert.Equal(t, []string{"reference"}, decoded.MatchKeys)
}

func TestExecuteVATAudit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedVAT()

	run, err := f.engine.Create(ctx, f.request(auditrun.RunTypeVATAudit, auditrun.Parameters{}))
	require.NoError(t, err)

	summary, err := f.engine.Execute(ctx, run.ID, "auditor-1")
	require.NoError(t, err)
	assert.Equal(t, auditrun.StatusCompleted, summary.Status)
	assert.Equal(t, 6, summary.RecordsAnalyzed)
	assert.Equal(t, 3, summary.FindingsCount)
	require.Len(t, summary.Checks, 2)
	assert.Equal(t, CheckVAT, summary.Checks[0].Check)
	assert.Equal(t, 1, summary.Checks[0].Findings)
	assert.Equal(t, CheckGap, summary.Checks[1].Check)
	assert.Equal(t, 2, summary.Checks[1].Findings)
	assert.Equal(t, 1, summary.ByRiskLevel[auditrun.RiskHigh])
	assert.Equal(t, 2, summary.ByRiskLevel[auditrun.RiskMedium])

	list, err := f.findings.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, "F-001", list[0].Reference)
	assert.Equal(t, "VAT compliance", list[0].Category)
	assert.Equal(t, "INV-002", list[0].AffectedEntity)
	assert.Contains(t, list[0].Description, "150.00")

	assert.Equal(t, "F-002", list[1].Reference)
	assert.Equal(t, "INV-003", list[1].AffectedEntity)
	assert.Equal(t, auditrun.RiskMedium, list[1].RiskLevel)

	assert.Equal(t, "F-003", list[2].Reference)
	assert.Equal(t, "INV-004", list[2].AffectedEntity)
	assert.Equal(t, auditrun.RiskHigh, list[2].RiskLevel)

	for _, finding := range list {
		require.Len(t, finding.EvidenceIDs, 1)
		assert.Equal(t, list[0].EvidenceIDs[0], finding.EvidenceIDs[0])
	}

	stored, err := f.engine.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, auditrun.StatusCompleted, stored.Status)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.CompletedAt)

	result := f.ledger.VerifyChain(ctx, f.orgID, 1, 0)
	assert.True(t, result.IsValid)
	head, err := f.ledger.Head(ctx, f.orgID)
	require.NoError(t, err)
	last, err := f.ledger.History(ctx, f.orgID, head.Sequence, head.Sequence)
	require.NoError(t, err)
	assert.Equal(t, domainledger.ActionComplete, last[0].Action)
}

func TestExecuteFinancialStatement(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.source.Add(
		f.payment("P1", "PV-100", "Okafor Logistics", "45000", 2),
		f.payment("P2", "PV-101", "Eze Motors", "12500", 3),
		f.payment("P3", "PV-100", "okafor logistics ", "45000.00", 9),
		f.payment("P4", "PV-102", "Bello Catering", "3200", 11),
		f.payment("P5", "PV-103", "Eze Motors", "12500", 12),
	)

	run, err := f.engine.Create(ctx, f.request(auditrun.RunTypeFinancialStatement, auditrun.Parameters{}))
	require.NoError(t, err)
	summary, err := f.engine.Execute(ctx, run.ID, "auditor-1")
	require.NoError(t, err)

	names := make([]string, len(summary.Checks))
	for i, c := range summary.Checks {
		names[i] = c.Check
	}
	assert.Equal(t, []string{CheckBenford, CheckZScore, CheckDuplicates}, names)

	list, err := f.findings.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, auditrun.RiskInfo, list[0].RiskLevel)
	assert.Contains(t, list[0].Description, "Only 5 positive amounts")
	assert.Equal(t, "Payments", list[1].Category)
	assert.Contains(t, list[1].Description, "P1, P3")
}

func TestExecuteRejectsRunsNotInDraft(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedVAT()

	run, err := f.engine.Create(ctx, f.request(auditrun.RunTypeVATAudit, auditrun.Parameters{}))
	require.NoError(t, err)
	_, err = f.engine.Execute(ctx, run.ID, "auditor-1")
	require.NoError(t, err)

	_, err = f.engine.Execute(ctx, run.ID, "auditor-1")
	assert.True(t, errors.HasCode(err, "RUN_ALREADY_EXECUTED"))

	other, err := f.engine.Create(ctx, f.request(auditrun.RunTypeVATAudit, auditrun.Parameters{}))
	require.NoError(t, err)
	require.NoError(t, other.Transition(auditrun.StatusInProgress, f.clock.Now()))
	require.NoError(t, f.runs.Update(ctx, other, auditrun.StatusDraft))

	_, err = f.engine.Execute(ctx, other.ID, "auditor-1")
	assert.True(t, errors.HasCode(err, "RUN_IN_PROGRESS"))

	_, err = f.engine.Execute(ctx, uuid.New(), "auditor-1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestExecuteRejectsConcurrentExecution(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	rs := NewStandardRuleSet(StandardRuleVersion, DefaultRuleDefaults()).
		Register("hold", func(ctx context.Context, in CheckInput) ([]findings.Signal, error) {
			close(entered)
			<-release
			return nil, nil
		})
	f := setup(t, WithRegistry(NewRegistry(rs)))
	ctx := context.Background()

	run, err := f.engine.Create(ctx, f.request(auditrun.RunTypeCustom, auditrun.Parameters{Checks: []string{"hold"}}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Execute(ctx, run.ID, "auditor-1")
		done <- err
	}()

	<-entered
	_, err = f.engine.Execute(ctx, run.ID, "auditor-2")
	assert.True(t, errors.HasCode(err, "RUN_IN_PROGRESS"))

	close(release)
	require.NoError(t, <-done)

	stored, err := f.engine.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, auditrun.StatusCompleted, stored.Status)
}

func TestFailingCheckFailsRunAndKeepsPartialFindings(t *testing.T) {
	tests := []struct {
		name  string
		check Check
		want  string
	}{
		{
			name: "error",
			check: func(ctx context.Context, in CheckInput) ([]findings.Signal, error) {
				return nil, fmt.Errorf("ledger export unavailable")
			},
			want: "ledger export unavailable",
		},
		{
			name: "panic",
			check: func(ctx context.Context, in CheckInput) ([]findings.Signal, error) {
				var m map[string]int
				m["boom"]++
				return nil, nil
			},
			want: "check panicked",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := NewStandardRuleSet(StandardRuleVersion, DefaultRuleDefaults()).Register("explode", tt.check)
			f := setup(t, WithRegistry(NewRegistry(rs)))
			ctx := context.Background()
			f.seedVAT()

			run, err := f.engine.Create(ctx, f.request(auditrun.RunTypeCustom, auditrun.Parameters{
				Checks: []string{CheckVAT, "explode", CheckGap},
			}))
			require.NoError(t, err)

			summary, err := f.engine.Execute(ctx, run.ID, "auditor-1")
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodeRuleCheckFailed))
			assert.Contains(t, err.Error(), tt.want)

			require.NotNil(t, summary)
			assert.Equal(t, auditrun.StatusFailed, summary.Status)
			assert.Equal(t, "explode", summary.FailedCheck)
			assert.Equal(t, 1, summary.FindingsCount)
			require.Len(t, summary.Checks, 2)
			assert.NotEmpty(t, summary.Checks[1].Error)

			stored, err := f.engine.Get(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, auditrun.StatusFailed, stored.Status)
			assert.Equal(t, "explode", stored.FailedCheck)
			assert.Contains(t, stored.ErrorSummary, tt.want)

			list, err := f.findings.ListByRun(ctx, run.ID)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "VAT compliance", list[0].Category)

			head, err := f.ledger.Head(ctx, f.orgID)
			require.NoError(t, err)
			last, err := f.ledger.History(ctx, f.orgID, head.Sequence, head.Sequence)
			require.NoError(t, err)
			assert.Equal(t, domainledger.ActionFail, last[0].Action)
			assert.Contains(t, string(last[0].DataSnapshot), `"failed_check":"explode"`)
		})
	}
}

func TestExecuteFailsOnInvalidMatchKey(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedVAT()

	run, err := f.engine.Create(ctx, f.request(auditrun.RunTypeCustom, auditrun.Parameters{
		Checks:    []string{CheckGap},
		MatchKeys: []string{"tin"},
	}))
	require.NoError(t, err)

	summary, err := f.engine.Execute(ctx, run.ID, "auditor-1")
	assert.True(t, errors.HasCode(err, errors.CodeRuleCheckFailed))
	assert.Equal(t, CheckGap, summary.FailedCheck)
}

func TestReproduceYieldsIdenticalFindings(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedVAT()
	f.source.Add(
		f.payment("P1", "PV-100", "Okafor Logistics", "45000", 2),
		f.payment("P2", "PV-100", "Okafor Logistics", "45000", 3),
	)

	materiality := decimal.NewFromInt(1000)
	run, err := f.engine.Create(ctx, f.request(auditrun.RunTypeTaxCompliance, auditrun.Parameters{
		Materiality: &materiality,
	}))
	require.NoError(t, err)
	_, err = f.engine.Execute(ctx, run.ID, "auditor-1")
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	clone, err := f.engine.Reproduce(ctx, run.ID, "auditor-2")
	require.NoError(t, err)
	assert.Equal(t, auditrun.StatusDraft, clone.Status)
	require.NotNil(t, clone.ReproducedFrom)
	assert.Equal(t, run.ID, *clone.ReproducedFrom)
	assert.Equal(t, run.RuleVersion, clone.RuleVersion)
	assert.JSONEq(t, string(run.Parameters), string(clone.Parameters))
	assert.Equal(t, run.DateRange, clone.DateRange)

	_, err = f.engine.Execute(ctx, clone.ID, "auditor-2")
	require.NoError(t, err)

	original, err := f.findings.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	reproduced, err := f.findings.ListByRun(ctx, clone.ID)
	require.NoError(t, err)
	require.NotEmpty(t, original)
	assert.Equal(t, cores(original), cores(reproduced))

	// the analyzed population hashes identically
	a, err := f.vault.Get(ctx, original[0].EvidenceIDs[0])
	require.NoError(t, err)
	b, err := f.vault.Get(ctx, reproduced[0].EvidenceIDs[0])
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ContentHash, b.ContentHash)

	runs, err := f.engine.List(ctx, f.orgID)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestReproduceUnknownRuleVersion(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	run, err := f.engine.Create(ctx, f.request(auditrun.RunTypeVATAudit, auditrun.Parameters{}))
	require.NoError(t, err)

	g := setup(t, WithRegistry(NewRegistry(NewStandardRuleSet("2027.1", DefaultRuleDefaults()))))
	require.NoError(t, g.runs.Create(ctx, run))
	_, err = g.engine.Reproduce(ctx, run.ID, "auditor-2")
	assert.True(t, errors.HasCode(err, "UNKNOWN_RULE_VERSION"))
}
