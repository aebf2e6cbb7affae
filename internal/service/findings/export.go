package findings

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/auditrun"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
)

// CSVColumns is the fixed column order of the findings export
var CSVColumns = []string{
	"finding_id", "title", "risk_level", "category", "status", "description", "recommendation",
}

// WriteCSV writes findings with every field quoted
func WriteCSV(w io.Writer, list []*auditrun.Finding) error {
	bw := bufio.NewWriter(w)
	writeRow := func(fields []string) {
		for i, f := range fields {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.WriteByte('"')
			bw.WriteString(strings.ReplaceAll(f, `"`, `""`))
			bw.WriteByte('"')
		}
		bw.WriteString("\r\n")
	}

	writeRow(CSVColumns)
	for _, f := range list {
		writeRow([]string{
			f.ID.String(),
			f.Title,
			string(f.RiskLevel),
			f.Category,
			string(f.Status),
			f.Description,
			f.Recommendation,
		})
	}
	return bw.Flush()
}

// ExportCSV writes the findings of a run as CSV
func (s *Service) ExportCSV(ctx context.Context, runID uuid.UUID, w io.Writer) error {
	list, err := s.repo.ListByRun(ctx, runID)
	if err != nil {
		return err
	}
	return WriteCSV(w, list)
}

// ExecutiveSummary heads a report bundle
type ExecutiveSummary struct {
	RunID          uuid.UUID                  `json:"run_id"`
	Title          string                     `json:"title"`
	RunType        auditrun.RunType           `json:"run_type"`
	PeriodStart    string                     `json:"period_start"`
	PeriodEnd      string                     `json:"period_end"`
	RuleVersion    string                     `json:"rule_version"`
	Status         auditrun.Status            `json:"status"`
	FailedCheck    string                     `json:"failed_check,omitempty"`
	TotalFindings  int                        `json:"total_findings"`
	OpenFindings   int                        `json:"open_findings"`
	ByRiskLevel    map[auditrun.RiskLevel]int `json:"by_risk_level"`
	HighestRisk    auditrun.RiskLevel         `json:"highest_risk,omitempty"`
	Narrative      string                     `json:"narrative"`
	ReproducedFrom *uuid.UUID                 `json:"reproduced_from,omitempty"`
}

// EvidenceIndexEntry lists one artifact referenced by the findings
type EvidenceIndexEntry struct {
	EvidenceID   uuid.UUID   `json:"evidence_id"`
	Title        string      `json:"title"`
	EvidenceType string      `json:"evidence_type"`
	ContentHash  string      `json:"content_hash"`
	FindingIDs   []uuid.UUID `json:"finding_ids"`
	IsVerified   bool        `json:"is_verified"`
	IntegrityOK  bool        `json:"integrity_ok"`
	Superseded   bool        `json:"superseded"`
}

// VerificationStatus reports ledger and evidence integrity at report time
type VerificationStatus struct {
	ChainChecked     bool               `json:"chain_checked"`
	ChainValid       bool               `json:"chain_valid"`
	EntriesVerified  int                `json:"entries_verified"`
	AggregateHash    string             `json:"aggregate_hash,omitempty"`
	FirstDivergence  *ledger.ChainBreak `json:"first_divergence,omitempty"`
	EvidenceChecked  int                `json:"evidence_checked"`
	EvidenceValid    int                `json:"evidence_valid"`
	EvidenceTampered []uuid.UUID        `json:"evidence_tampered,omitempty"`
}

// ReportBundle is the structured export handed to document rendering
type ReportBundle struct {
	GeneratedAt      time.Time            `json:"generated_at"`
	ExecutiveSummary ExecutiveSummary     `json:"executive_summary"`
	Findings         []*auditrun.Finding  `json:"findings"`
	EvidenceIndex    []EvidenceIndexEntry `json:"evidence_index"`
	Verification     VerificationStatus   `json:"verification_status"`
}

// WriteJSON encodes the bundle
func (b *ReportBundle) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}

// BuildReport assembles the report bundle for a run. Evidence is re-verified
// and the ledger re-checked so the bundle states integrity as of now.
func (s *Service) BuildReport(ctx context.Context, runID uuid.UUID) (*ReportBundle, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	list, err := s.repo.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	bundle := &ReportBundle{
		GeneratedAt:      s.clock.Now(),
		ExecutiveSummary: summarizeRun(run, list),
		Findings:         list,
		EvidenceIndex:    []EvidenceIndexEntry{},
	}

	if s.evidence != nil {
		if err := s.buildEvidenceIndex(ctx, bundle); err != nil {
			return nil, err
		}
	}

	if s.chain != nil {
		result := s.chain.VerifyChain(ctx, run.OrganizationID, 1, 0)
		v := &bundle.Verification
		v.ChainChecked = true
		v.ChainValid = result.IsValid
		v.EntriesVerified = result.EntriesVerified
		v.AggregateHash = result.AggregateHash
		v.FirstDivergence = result.FirstDivergence
	}

	s.logger.Info("report bundle built",
		zap.String("audit_run_id", runID.String()),
		zap.Int("findings", len(list)),
		zap.Int("evidence", len(bundle.EvidenceIndex)),
		zap.Bool("chain_valid", bundle.Verification.ChainValid))
	return bundle, nil
}

func (s *Service) buildEvidenceIndex(ctx context.Context, bundle *ReportBundle) error {
	byID := make(map[uuid.UUID]*EvidenceIndexEntry)
	var order []uuid.UUID

	for _, f := range bundle.Findings {
		records, err := s.evidence.ListByFinding(ctx, f.ID)
		if err != nil {
			return fmt.Errorf("list evidence for finding %s: %w", f.ID, err)
		}
		for _, rec := range records {
			entry, ok := byID[rec.ID]
			if !ok {
				entry = &EvidenceIndexEntry{
					EvidenceID:   rec.ID,
					Title:        rec.Title,
					EvidenceType: string(rec.EvidenceType),
					ContentHash:  rec.ContentHash.String(),
					IsVerified:   rec.IsVerified,
					Superseded:   rec.IsSuperseded(),
				}
				byID[rec.ID] = entry
				order = append(order, rec.ID)
			}
			entry.FindingIDs = append(entry.FindingIDs, f.ID)
		}
		for _, id := range f.EvidenceIDs {
			if _, ok := byID[id]; !ok {
				byID[id] = &EvidenceIndexEntry{EvidenceID: id}
				order = append(order, id)
			}
			entry := byID[id]
			if !containsID(entry.FindingIDs, f.ID) {
				entry.FindingIDs = append(entry.FindingIDs, f.ID)
			}
		}
	}

	v := &bundle.Verification
	for _, id := range order {
		entry := byID[id]
		res, err := s.evidence.Verify(ctx, id)
		if err != nil {
			return fmt.Errorf("verify evidence %s: %w", id, err)
		}
		entry.IntegrityOK = res.IsValid
		if entry.ContentHash == "" {
			entry.ContentHash = res.ExpectedHash
		}
		v.EvidenceChecked++
		if res.IsValid {
			v.EvidenceValid++
			entry.IsVerified = true
		} else {
			v.EvidenceTampered = append(v.EvidenceTampered, id)
		}
		bundle.EvidenceIndex = append(bundle.EvidenceIndex, *entry)
	}
	return nil
}

func summarizeRun(run *auditrun.Run, list []*auditrun.Finding) ExecutiveSummary {
	sum := ExecutiveSummary{
		RunID:          run.ID,
		Title:          run.Title,
		RunType:        run.RunType,
		PeriodStart:    run.DateRange.Start.Format(time.DateOnly),
		PeriodEnd:      run.DateRange.End.Format(time.DateOnly),
		RuleVersion:    run.RuleVersion,
		Status:         run.Status,
		FailedCheck:    run.FailedCheck,
		TotalFindings:  len(list),
		ByRiskLevel:    make(map[auditrun.RiskLevel]int),
		ReproducedFrom: run.ReproducedFrom,
	}
	for _, level := range auditrun.AllRiskLevels() {
		sum.ByRiskLevel[level] = 0
	}

	superseded := SupersededBy(list)
	for _, f := range list {
		sum.ByRiskLevel[f.RiskLevel]++
		if f.Status != auditrun.FindingResolved {
			sum.OpenFindings++
		}
		if _, replaced := superseded[f.ID]; replaced {
			continue
		}
		if sum.HighestRisk == "" || f.RiskLevel.Rank() < sum.HighestRisk.Rank() {
			sum.HighestRisk = f.RiskLevel
		}
	}
	sum.Narrative = narrative(sum)
	return sum
}

func narrative(sum ExecutiveSummary) string {
	if sum.TotalFindings == 0 {
		return fmt.Sprintf("The %s audit for %s to %s under rule set %s raised no findings.",
			strings.ReplaceAll(string(sum.RunType), "_", " "), sum.PeriodStart, sum.PeriodEnd, sum.RuleVersion)
	}

	levels := make([]string, 0, 5)
	for _, level := range auditrun.AllRiskLevels() {
		if n := sum.ByRiskLevel[level]; n > 0 {
			levels = append(levels, fmt.Sprintf("%d %s", n, strings.ToLower(string(level))))
		}
	}
	return fmt.Sprintf("The %s audit for %s to %s under rule set %s raised %d findings (%s); the highest risk level is %s.",
		strings.ReplaceAll(string(sum.RunType), "_", " "), sum.PeriodStart, sum.PeriodEnd, sum.RuleVersion,
		sum.TotalFindings, strings.Join(levels, ", "), sum.HighestRisk)
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// SortByRisk orders findings most severe first, keeping emission order
// within a level
func SortByRisk(list []*auditrun.Finding) []*auditrun.Finding {
	out := append([]*auditrun.Finding(nil), list...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RiskLevel.Rank() < out[j].RiskLevel.Rank()
	})
	return out
}
