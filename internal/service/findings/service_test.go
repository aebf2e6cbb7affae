package findings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/auditrun"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/evidence"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/financial"
	domainledger "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/memory"
	evidencesvc "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/evidence"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/ledger"
)

type fixture struct {
	svc    *Service
	runs   *memory.RunRepository
	ledger *ledger.Service
	vault  *evidencesvc.Vault
	blobs  *memory.BlobStore
	clock  *values.MockClock
	run    *auditrun.Run
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := values.NewMockClock(time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC))

	chain := ledger.NewService(ledger.DefaultConfig(), memory.NewLedgerStore(), logger,
		ledger.WithClock(clock), ledger.WithAnchorStore(memory.NewAnchorStore()))
	blobs := memory.NewBlobStore()
	vault := evidencesvc.NewVault(evidencesvc.DefaultConfig(), memory.NewEvidenceRepository(), blobs, chain, logger,
		evidencesvc.WithClock(clock))
	runs := memory.NewRunRepository()

	svc := NewService(memory.NewFindingRepository(), runs, chain, logger,
		WithEvidence(vault), WithChainVerifier(chain), WithClock(clock))

	run, err := auditrun.NewRun(auditrun.CreateRequest{
		OrganizationID: uuid.New(),
		RunType:        auditrun.RunTypeVATAudit,
		Title:          "Q1 VAT review",
		DateRange: financial.DateRange{
			Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		},
		CreatedBy: "auditor-1",
	}, "2026.1", clock.Now())
	require.NoError(t, err)
	require.NoError(t, runs.Create(context.Background(), run))

	return &fixture{svc: svc, runs: runs, ledger: chain, vault: vault, blobs: blobs, clock: clock, run: run}
}

func (f *fixture) finding(t *testing.T, ordinal int, sig Signal) *auditrun.Finding {
	t.Helper()
	out, err := NewClassifier(DefaultThresholds()).Classify(sig, fmt.Sprintf("F-%03d", ordinal))
	require.NoError(t, err)
	out.ID = uuid.New()
	out.OrganizationID = f.run.OrganizationID
	out.AuditRunID = f.run.ID
	out.Ordinal = ordinal
	out.CreatedAt = f.clock.Now()
	return out
}

func vatSignal(ref string) Signal {
	return Signal{
		Check:          "vat",
		Kind:           SignalVATMismatch,
		AffectedEntity: ref,
		RecordRefs:     []string{ref},
		Amount:         decimal.NewFromInt(50),
		Expected:       decimal.NewFromInt(75),
	}
}

func TestRecordWritesLedgerEntry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	finding := f.finding(t, 1, vatSignal("INV-0100"))
	require.NoError(t, f.svc.Record(ctx, finding, "system"))

	stored, err := f.svc.Get(ctx, finding.ID)
	require.NoError(t, err)
	assert.Equal(t, finding.Core(), stored.Core())

	entries, err := f.ledger.History(ctx, f.run.OrganizationID, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domainledger.EntryTypeFinding, entries[0].EntryType)
	assert.Equal(t, finding.ID.String(), entries[0].ResourceID)
	assert.Contains(t, string(entries[0].DataSnapshot), `"risk_level":"MEDIUM"`)
}

func TestRecordRejectsIncompleteFinding(t *testing.T) {
	f := setup(t)
	err := f.svc.Record(context.Background(), &auditrun.Finding{Title: "orphan"}, "system")
	assert.True(t, errors.HasCode(err, "INVALID_FINDING"))

	bad := f.finding(t, 1, vatSignal("INV-0100"))
	bad.RiskLevel = "SEVERE"
	err = f.svc.Record(context.Background(), bad, "system")
	assert.True(t, errors.HasCode(err, "INVALID_RISK_LEVEL"))
}

func TestChangeStatusWorkflow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	finding := f.finding(t, 1, vatSignal("INV-0100"))
	require.NoError(t, f.svc.Record(ctx, finding, "system"))

	updated, err := f.svc.ChangeStatus(ctx, finding.ID, auditrun.FindingAcknowledged, "manager-2")
	require.NoError(t, err)
	assert.Equal(t, auditrun.FindingAcknowledged, updated.Status)
	assert.Equal(t, "manager-2", updated.StatusChangedBy)
	require.NotNil(t, updated.StatusChangedAt)

	_, err = f.svc.ChangeStatus(ctx, finding.ID, auditrun.FindingResolved, "manager-2")
	require.NoError(t, err)

	_, err = f.svc.ChangeStatus(ctx, finding.ID, auditrun.FindingOpen, "manager-2")
	assert.True(t, errors.HasCode(err, "INVALID_FINDING_TRANSITION"))

	_, err = f.svc.ChangeStatus(ctx, finding.ID, auditrun.FindingResolved, "")
	assert.True(t, errors.HasCode(err, "MISSING_ACTOR"))

	// core fields are untouched by the workflow
	stored, err := f.svc.Get(ctx, finding.ID)
	require.NoError(t, err)
	assert.Equal(t, finding.Core(), stored.Core())
	assert.Equal(t, auditrun.FindingResolved, stored.Status)

	entries, err := f.ledger.History(ctx, f.run.OrganizationID, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domainledger.ActionStatus, entries[2].Action)
	assert.JSONEq(t, `{"from":"acknowledged","to":"resolved"}`, string(entries[2].DataSnapshot))
}

func TestAmendCreatesSupersedingFinding(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	original := f.finding(t, 1, vatSignal("INV-0100"))
	require.NoError(t, f.svc.Record(ctx, original, "system"))
	second := f.finding(t, 2, vatSignal("INV-0101"))
	require.NoError(t, f.svc.Record(ctx, second, "system"))

	amended, err := f.svc.Amend(ctx, original.ID, Amendment{
		RiskLevel: auditrun.RiskHigh,
		Reason:    "rate applied to gross amount",
	}, "manager-2")
	require.NoError(t, err)

	require.NotNil(t, amended.SupersedesID)
	assert.Equal(t, original.ID, *amended.SupersedesID)
	assert.Equal(t, 3, amended.Ordinal)
	assert.Equal(t, original.Reference+"-A", amended.Reference)
	assert.Equal(t, auditrun.RiskHigh, amended.RiskLevel)
	assert.Equal(t, original.Title, amended.Title)
	assert.Contains(t, amended.Summary, "Risk classification: HIGH")

	stored, err := f.svc.Get(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, original.Core(), stored.Core())

	list, err := f.svc.ListByRun(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]uuid.UUID{original.ID: amended.ID}, SupersededBy(list))

	_, err = f.svc.Amend(ctx, original.ID, Amendment{Reason: "again"}, "manager-2")
	assert.True(t, errors.HasCode(err, "ALREADY_AMENDED"))

	_, err = f.svc.Amend(ctx, second.ID, Amendment{}, "manager-2")
	assert.True(t, errors.HasCode(err, "INVALID_AMENDMENT"))
}

func TestWriteCSVQuotesEveryField(t *testing.T) {
	id := uuid.MustParse("5b0e4a4c-8d0f-4c62-9d2e-111111111111")
	list := []*auditrun.Finding{{
		ID:             id,
		Title:          `Payment "split", reviewed`,
		RiskLevel:      auditrun.RiskHigh,
		Category:       "Payments",
		Status:         auditrun.FindingOpen,
		Description:    "line one\nline two",
		Recommendation: "Recover",
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, list))

	want := `"finding_id","title","risk_level","category","status","description","recommendation"` + "\r\n" +
		`"` + id.String() + `","Payment ""split"", reviewed","HIGH","Payments","open","line one` + "\n" + `line two","Recover"` + "\r\n"
	assert.Equal(t, want, buf.String())
}

func TestExportCSVEmptyRun(t *testing.T) {
	f := setup(t)
	var buf bytes.Buffer
	require.NoError(t, f.svc.ExportCSV(context.Background(), f.run.ID, &buf))
	assert.Equal(t, strings.Join(quoteAll(CSVColumns), ",")+"\r\n", buf.String())
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = `"` + s + `"`
	}
	return out
}

func TestBuildReport(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first := f.finding(t, 1, vatSignal("INV-0100"))
	second := f.finding(t, 2, Signal{
		Kind:       SignalUnrecordedExternal,
		RecordRefs: []string{"INV-0300"},
		Amount:     decimal.NewFromInt(2_500_000),
	})
	require.NoError(t, f.svc.Record(ctx, first, "system"))
	require.NoError(t, f.svc.Record(ctx, second, "system"))

	draft := evidence.Draft{
		OrganizationID: f.run.OrganizationID,
		EvidenceType:   evidence.TypeDocument,
		Title:          "Invoice INV-0100",
		FindingID:      &first.ID,
		CollectedBy:    "auditor-1",
	}
	good, err := f.vault.StoreBytes(ctx, draft, []byte("invoice 100"))
	require.NoError(t, err)
	draft.Title = "Invoice INV-0300"
	draft.FindingID = &second.ID
	bad, err := f.vault.StoreBytes(ctx, draft, []byte("invoice 300"))
	require.NoError(t, err)
	f.blobs.Overwrite(bad.StorageKey, []byte("invoice 300 (edited)"))

	bundle, err := f.svc.BuildReport(ctx, f.run.ID)
	require.NoError(t, err)

	sum := bundle.ExecutiveSummary
	assert.Equal(t, 2, sum.TotalFindings)
	assert.Equal(t, 2, sum.OpenFindings)
	assert.Equal(t, auditrun.RiskCritical, sum.HighestRisk)
	assert.Equal(t, 1, sum.ByRiskLevel[auditrun.RiskCritical])
	assert.Equal(t, 1, sum.ByRiskLevel[auditrun.RiskMedium])
	assert.Equal(t, 0, sum.ByRiskLevel[auditrun.RiskLow])
	assert.Equal(t, "2026-01-01", sum.PeriodStart)
	assert.Contains(t, sum.Narrative, "vat audit")
	assert.Contains(t, sum.Narrative, "highest risk level is CRITICAL")

	require.Len(t, bundle.EvidenceIndex, 2)
	assert.Equal(t, good.ID, bundle.EvidenceIndex[0].EvidenceID)
	assert.True(t, bundle.EvidenceIndex[0].IntegrityOK)
	assert.Equal(t, []uuid.UUID{first.ID}, bundle.EvidenceIndex[0].FindingIDs)
	assert.False(t, bundle.EvidenceIndex[1].IntegrityOK)

	v := bundle.Verification
	assert.Equal(t, 2, v.EvidenceChecked)
	assert.Equal(t, 1, v.EvidenceValid)
	assert.Equal(t, []uuid.UUID{bad.ID}, v.EvidenceTampered)
	assert.True(t, v.ChainChecked)
	assert.True(t, v.ChainValid)
	assert.Positive(t, v.EntriesVerified)
	assert.Len(t, v.AggregateHash, 64)

	var buf bytes.Buffer
	require.NoError(t, bundle.WriteJSON(&buf))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "executive_summary")
	assert.Contains(t, decoded, "evidence_index")
	assert.Contains(t, decoded, "verification_status")
}

func TestBuildReportUnknownRun(t *testing.T) {
	f := setup(t)
	_, err := f.svc.BuildReport(context.Background(), uuid.New())
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestSortByRisk(t *testing.T) {
	list := []*auditrun.Finding{
		{Reference: "a", RiskLevel: auditrun.RiskLow},
		{Reference: "b", RiskLevel: auditrun.RiskCritical},
		{Reference: "c", RiskLevel: auditrun.RiskLow},
		{Reference: "d", RiskLevel: auditrun.RiskHigh},
	}
	sorted := SortByRisk(list)
	refs := make([]string, len(sorted))
	for i, f := range sorted {
		refs[i] = f.Reference
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, refs)
	assert.Equal(t, "a", list[0].Reference)
}
