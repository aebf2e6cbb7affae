// Package findings turns check outputs into classified findings and
// manages their status workflow and exports.
package findings

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/auditrun"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// SignalKind identifies what a check observed
type SignalKind string

const (
	SignalBenfordDeviation    SignalKind = "benford_deviation"
	SignalBenfordInsufficient SignalKind = "benford_insufficient_data"
	SignalAmountOutlier       SignalKind = "amount_outlier"
	SignalUnreportedLocal     SignalKind = "unreported_local_record"
	SignalUnrecordedExternal  SignalKind = "unrecorded_external_record"
	SignalAmountMismatch      SignalKind = "amount_mismatch"
	SignalDuplicatePayment    SignalKind = "duplicate_payment"
	SignalVATMismatch         SignalKind = "vat_mismatch"
)

// Signal is a raw observation emitted by a check. Only fields relevant to
// the kind are populated.
type Signal struct {
	Check          string          `json:"check"`
	Kind           SignalKind      `json:"kind"`
	AffectedEntity string          `json:"affected_entity"`
	RecordRefs     []string        `json:"record_refs,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Expected       decimal.Decimal `json:"expected"`
	PValue         float64         `json:"p_value,omitempty"`
	ChiSquare      float64         `json:"chi_square,omitempty"`
	MAD            float64         `json:"mad,omitempty"`
	ZScore         float64         `json:"z_score,omitempty"`
	SampleSize     int             `json:"sample_size,omitempty"`
	MinSample      int             `json:"min_sample,omitempty"`
	EvidenceIDs    []uuid.UUID     `json:"evidence_ids,omitempty"`
}

// Thresholds are the fixed classification cut-offs
type Thresholds struct {
	BenfordCriticalP float64         `json:"benford_critical_p"`
	BenfordMediumP   float64         `json:"benford_medium_p"`
	ZScoreHigh       float64         `json:"zscore_high"`
	ZScoreMedium     float64         `json:"zscore_medium"`
	Materiality      decimal.Decimal `json:"materiality"`
}

// DefaultThresholds returns the standard cut-offs
func DefaultThresholds() Thresholds {
	return Thresholds{
		BenfordCriticalP: 0.01,
		BenfordMediumP:   0.05,
		ZScoreHigh:       4,
		ZScoreMedium:     3,
		Materiality:      decimal.NewFromInt(1_000_000),
	}
}

// Classifier maps signals to findings
type Classifier struct {
	thresholds Thresholds
}

// NewClassifier creates a classifier with the given thresholds
func NewClassifier(t Thresholds) *Classifier {
	return &Classifier{thresholds: t}
}

// Thresholds returns the classifier's cut-offs
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Classify builds the finding for sig. The output depends only on sig,
// reference and the thresholds; identity, run and timestamps are assigned by
// the caller.
func (c *Classifier) Classify(sig Signal, reference string) (*auditrun.Finding, error) {
	f := &auditrun.Finding{
		Reference:      reference,
		AffectedEntity: sig.AffectedEntity,
		EvidenceIDs:    append([]uuid.UUID(nil), sig.EvidenceIDs...),
		Status:         auditrun.FindingOpen,
	}

	switch sig.Kind {
	case SignalBenfordDeviation:
		f.RiskLevel = c.benfordRisk(sig.PValue)
		f.Category = "Forensic analytics"
		f.Title = "Leading-digit distribution deviates from Benford's Law"
		f.Description = fmt.Sprintf(
			"First-digit frequencies of %d amounts differ from the Benford distribution (chi-square %.4f, p-value %.6f, MAD %.5f).",
			sig.SampleSize, sig.ChiSquare, sig.PValue, sig.MAD)
		f.Recommendation = "Review transactions in the over-represented digit ranges for fabricated or split amounts."
		f.RegulatoryReference = "ISA 240 (fraud); ISA 520 (analytical procedures)"

	case SignalBenfordInsufficient:
		f.RiskLevel = auditrun.RiskInfo
		f.Category = "Forensic analytics"
		f.Title = "Population too small for Benford's Law testing"
		f.Description = fmt.Sprintf(
			"Only %d positive amounts were available; at least %d are required for a first-digit test.",
			sig.SampleSize, sig.MinSample)
		f.Recommendation = "Extend the audit period or rely on substantive testing for this population."
		f.RegulatoryReference = "ISA 520 (analytical procedures)"

	case SignalAmountOutlier:
		f.RiskLevel = c.zScoreRisk(sig.ZScore)
		f.Category = "Transaction anomalies"
		f.Title = "Transaction amount is a statistical outlier"
		f.Description = fmt.Sprintf(
			"Amount %s on %s lies %.4f standard deviations from the period mean.",
			money(sig.Amount), refs(sig), sig.ZScore)
		f.Recommendation = "Obtain supporting documents and confirm authorization of the transaction."
		f.RegulatoryReference = "ISA 520 (analytical procedures)"

	case SignalUnreportedLocal:
		f.RiskLevel = c.materialRisk(sig.Amount, auditrun.RiskHigh, auditrun.RiskMedium)
		f.Category = "Tax reconciliation"
		f.Title = "Recorded transaction missing from tax authority records"
		f.Description = fmt.Sprintf(
			"%s for %s is in the books but has no matching record in the externally reported population.",
			refs(sig), money(sig.Amount))
		f.Recommendation = "Confirm the transaction was filed and submit a correction if it was omitted."
		f.RegulatoryReference = "ISA 505 (external confirmations); tax administration filing obligations"

	case SignalUnrecordedExternal:
		f.RiskLevel = c.materialRisk(sig.Amount, auditrun.RiskCritical, auditrun.RiskHigh)
		f.Category = "Tax reconciliation"
		f.Title = "Externally reported transaction not recorded in the books"
		f.Description = fmt.Sprintf(
			"%s for %s appears in the externally reported population but not in the organization's records.",
			refs(sig), money(sig.Amount))
		f.Recommendation = "Investigate for unrecorded income or expenditure and adjust the books."
		f.RegulatoryReference = "ISA 505 (external confirmations); ISA 240 (fraud)"

	case SignalAmountMismatch:
		diff := sig.Amount.Sub(sig.Expected).Abs()
		f.RiskLevel = c.materialRisk(diff, auditrun.RiskHigh, auditrun.RiskLow)
		f.Category = "Tax reconciliation"
		f.Title = "Recorded amount differs from externally reported amount"
		f.Description = fmt.Sprintf(
			"%s is recorded at %s but reported externally at %s (difference %s).",
			refs(sig), money(sig.Amount), money(sig.Expected), money(diff))
		f.Recommendation = "Reconcile the two amounts and correct whichever record is wrong."
		f.RegulatoryReference = "ISA 505 (external confirmations)"

	case SignalDuplicatePayment:
		f.RiskLevel = c.materialRisk(sig.Amount, auditrun.RiskHigh, auditrun.RiskMedium)
		f.Category = "Payments"
		f.Title = "Possible duplicate payment"
		f.Description = fmt.Sprintf(
			"%d payments of %s to %s share the same reference: %s.",
			len(sig.RecordRefs), money(sig.Amount), sig.AffectedEntity, refs(sig))
		f.Recommendation = "Confirm whether the repeated payments were intended and recover any overpayment."
		f.RegulatoryReference = "ISA 240 (fraud)"

	case SignalVATMismatch:
		diff := sig.Amount.Sub(sig.Expected).Abs()
		f.RiskLevel = c.materialRisk(diff, auditrun.RiskHigh, auditrun.RiskMedium)
		f.Category = "VAT compliance"
		f.Title = "VAT charged does not match the statutory rate"
		f.Description = fmt.Sprintf(
			"%s carries VAT of %s where %s is expected at the statutory rate (difference %s).",
			refs(sig), money(sig.Amount), money(sig.Expected), money(diff))
		f.Recommendation = "Recompute VAT at the statutory rate and issue a corrected invoice or credit note."
		f.RegulatoryReference = "Value Added Tax Act, section 4 (7.5% standard rate)"

	default:
		return nil, errors.NewValidationError("UNKNOWN_SIGNAL",
			fmt.Sprintf("no classification for signal kind %q", sig.Kind))
	}

	summary, err := Summarize(f)
	if err != nil {
		return nil, err
	}
	f.Summary = summary
	return f, nil
}

func (c *Classifier) benfordRisk(p float64) auditrun.RiskLevel {
	switch {
	case p < c.thresholds.BenfordCriticalP:
		return auditrun.RiskCritical
	case p < c.thresholds.BenfordMediumP:
		return auditrun.RiskMedium
	default:
		return auditrun.RiskInfo
	}
}

func (c *Classifier) zScoreRisk(z float64) auditrun.RiskLevel {
	abs := math.Abs(z)
	switch {
	case abs > c.thresholds.ZScoreHigh:
		return auditrun.RiskHigh
	case abs >= c.thresholds.ZScoreMedium:
		return auditrun.RiskMedium
	default:
		return auditrun.RiskLow
	}
}

func (c *Classifier) materialRisk(amount decimal.Decimal, material, immaterial auditrun.RiskLevel) auditrun.RiskLevel {
	if amount.Abs().GreaterThanOrEqual(c.thresholds.Materiality) {
		return material
	}
	return immaterial
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func refs(sig Signal) string {
	if len(sig.RecordRefs) == 0 {
		return sig.AffectedEntity
	}
	return strings.Join(sig.RecordRefs, ", ")
}

var summaryTemplate = template.Must(template.New("summary").Parse(
	`Reference: {{.Reference}}
Observation: {{.Title}}. {{.Description}}
Risk classification: {{.RiskLevel}}
Compliance area: {{.Category}}
Regulatory basis: {{.RegulatoryReference}}
Recommended action: {{.Recommendation}}`))

// Summarize renders the regulator-facing summary of a finding
func Summarize(f *auditrun.Finding) (string, error) {
	var buf bytes.Buffer
	if err := summaryTemplate.Execute(&buf, f); err != nil {
		return "", errors.NewInternalError("finding summary could not be rendered").WithCause(err)
	}
	return buf.String(), nil
}
