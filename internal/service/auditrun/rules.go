package auditrun

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/auditrun"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/financial"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/findings"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/forensic"
)

// Check names
const (
	CheckBenford    = "benford"
	CheckZScore     = "zscore"
	CheckGap        = "gap"
	CheckDuplicates = "duplicates"
	CheckVAT        = "vat"
)

// StandardRuleVersion is the rule set new runs are bound to by default
const StandardRuleVersion = "2026.1"

// CheckInput is what a check sees of an execution
type CheckInput struct {
	Run      *auditrun.Run
	Params   auditrun.Parameters
	Snapshot *financial.Snapshot
}

// Check inspects a snapshot and emits raw signals in a deterministic order
type Check func(ctx context.Context, in CheckInput) ([]findings.Signal, error)

// RuleDefaults are the numeric defaults a rule set is built with. Run
// parameters override them per run.
type RuleDefaults struct {
	BenfordMinSample    int
	SuspiciousPValue    float64
	NonConformingPValue float64
	ZScoreThreshold     float64
	VATRate             decimal.Decimal
	VATTolerance        decimal.Decimal
	Thresholds          findings.Thresholds
}

// DefaultRuleDefaults returns the statutory and statistical defaults
func DefaultRuleDefaults() RuleDefaults {
	return RuleDefaults{
		BenfordMinSample:    forensic.DefaultBenfordMinSample,
		SuspiciousPValue:    forensic.DefaultSuspiciousPValue,
		NonConformingPValue: forensic.DefaultNonConformingPValue,
		ZScoreThreshold:     forensic.DefaultZScoreThreshold,
		VATRate:             decimal.RequireFromString("0.075"),
		VATTolerance:        decimal.RequireFromString("0.01"),
		Thresholds:          findings.DefaultThresholds(),
	}
}

// RuleSet binds check implementations and defaults to a version string
type RuleSet struct {
	Version  string
	Defaults RuleDefaults

	checks    map[string]Check
	byRunType map[auditrun.RunType][]string
}

// NewStandardRuleSet builds the standard checks under version
func NewStandardRuleSet(version string, d RuleDefaults) *RuleSet {
	rs := &RuleSet{
		Version:  version,
		Defaults: d,
		checks:   make(map[string]Check),
	}
	rs.byRunType = map[auditrun.RunType][]string{
		auditrun.RunTypeTaxCompliance:      {CheckGap, CheckVAT, CheckDuplicates},
		auditrun.RunTypeFinancialStatement: {CheckBenford, CheckZScore, CheckDuplicates},
		auditrun.RunTypeVATAudit:           {CheckVAT, CheckGap},
		auditrun.RunTypeWHTAudit:           {CheckGap, CheckDuplicates},
	}
	rs.Register(CheckBenford, rs.benford)
	rs.Register(CheckZScore, rs.zscore)
	rs.Register(CheckGap, rs.gap)
	rs.Register(CheckDuplicates, rs.duplicates)
	rs.Register(CheckVAT, rs.vat)
	return rs
}

// Register adds or replaces a named check
func (rs *RuleSet) Register(name string, check Check) *RuleSet {
	rs.checks[name] = check
	return rs
}

// Check returns the named check
func (rs *RuleSet) Check(name string) (Check, bool) {
	c, ok := rs.checks[name]
	return c, ok
}

// Names lists registered checks in sorted order
func (rs *RuleSet) Names() []string {
	out := make([]string, 0, len(rs.checks))
	for name := range rs.checks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ChecksFor resolves the ordered check list of a run
func (rs *RuleSet) ChecksFor(runType auditrun.RunType, params auditrun.Parameters) ([]string, error) {
	names := params.Checks
	if len(names) == 0 {
		names = rs.byRunType[runType]
	}
	if len(names) == 0 {
		return nil, errors.NewValidationError("MISSING_CHECKS",
			fmt.Sprintf("run type %s has no checks under rule set %s", runType, rs.Version))
	}

	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := rs.checks[name]; !ok {
			return nil, errors.NewValidationError("UNKNOWN_CHECK",
				fmt.Sprintf("check %q is not part of rule set %s", name, rs.Version))
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

// Classifier returns the classifier for a run, applying its materiality
func (rs *RuleSet) Classifier(params auditrun.Parameters) *findings.Classifier {
	th := rs.Defaults.Thresholds
	if params.Materiality != nil {
		th.Materiality = *params.Materiality
	}
	return findings.NewClassifier(th)
}

// Registry holds the rule sets runs can be bound to
type Registry struct {
	mu   sync.RWMutex
	sets map[string]*RuleSet
}

// NewRegistry creates a registry holding sets
func NewRegistry(sets ...*RuleSet) *Registry {
	r := &Registry{sets: make(map[string]*RuleSet)}
	for _, rs := range sets {
		r.Add(rs)
	}
	return r
}

// DefaultRegistry holds the standard rule set with default thresholds
func DefaultRegistry() *Registry {
	return NewRegistry(NewStandardRuleSet(StandardRuleVersion, DefaultRuleDefaults()))
}

// Add registers rs under its version
func (r *Registry) Add(rs *RuleSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[rs.Version] = rs
}

// Lookup returns the rule set bound to version
func (r *Registry) Lookup(version string) (*RuleSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.sets[version]
	if !ok {
		return nil, errors.NewValidationError("UNKNOWN_RULE_VERSION",
			fmt.Sprintf("rule version %q is not registered", version))
	}
	return rs, nil
}

func localRecords(in CheckInput) []financial.Record {
	return filterKinds(in.Snapshot.Local, in.Params.RecordKinds)
}

func filterKinds(records []financial.Record, kinds []string) []financial.Record {
	if len(kinds) == 0 {
		return records
	}
	allowed := make(map[financial.RecordKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[financial.RecordKind(k)] = true
	}
	out := make([]financial.Record, 0, len(records))
	for _, r := range records {
		if allowed[r.Kind] {
			out = append(out, r)
		}
	}
	return out
}

func recordRef(r financial.Record) string {
	if r.Reference != "" {
		return r.Reference
	}
	return r.ID
}

func (rs *RuleSet) benford(ctx context.Context, in CheckInput) ([]findings.Signal, error) {
	cfg := forensic.BenfordConfig{
		MinSample:           rs.Defaults.BenfordMinSample,
		SuspiciousPValue:    rs.Defaults.SuspiciousPValue,
		NonConformingPValue: rs.Defaults.NonConformingPValue,
	}
	if in.Params.BenfordMinSample > 0 {
		cfg.MinSample = in.Params.BenfordMinSample
	}

	records := localRecords(in)
	amounts := make([]decimal.Decimal, len(records))
	for i, r := range records {
		amounts[i] = r.Amount
	}
	report := forensic.BenfordsLaw(amounts, cfg)

	switch report.Verdict {
	case forensic.VerdictInsufficientData:
		return []findings.Signal{{
			Check:          CheckBenford,
			Kind:           findings.SignalBenfordInsufficient,
			AffectedEntity: "Recorded transaction population",
			SampleSize:     report.SampleSize,
			MinSample:      report.MinSample,
		}}, nil
	case forensic.VerdictSuspicious, forensic.VerdictNonConforming:
		return []findings.Signal{{
			Check:          CheckBenford,
			Kind:           findings.SignalBenfordDeviation,
			AffectedEntity: "Recorded transaction population",
			PValue:         report.PValue,
			ChiSquare:      report.ChiSquare,
			MAD:            report.MAD,
			SampleSize:     report.SampleSize,
		}}, nil
	case forensic.VerdictConforms:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected benford verdict %q", report.Verdict)
	}
}

func (rs *RuleSet) zscore(ctx context.Context, in CheckInput) ([]findings.Signal, error) {
	threshold := rs.Defaults.ZScoreThreshold
	if in.Params.ZScoreThreshold > 0 {
		threshold = in.Params.ZScoreThreshold
	}

	records := localRecords(in)
	samples := make([]forensic.Sample, len(records))
	byRef := make(map[string]financial.Record, len(records))
	for i, r := range records {
		samples[i] = forensic.Sample{Ref: r.ID, Amount: r.Amount}
		byRef[r.ID] = r
	}

	outliers := forensic.RankOutliers(forensic.ZScoreOutliers(samples, threshold))
	signals := make([]findings.Signal, 0, len(outliers))
	for _, o := range outliers {
		r := byRef[o.Ref]
		signals = append(signals, findings.Signal{
			Check:          CheckZScore,
			Kind:           findings.SignalAmountOutlier,
			AffectedEntity: recordRef(r),
			RecordRefs:     []string{recordRef(r)},
			Amount:         o.Amount,
			ZScore:         o.ZScore,
		})
	}
	return signals, nil
}

func (rs *RuleSet) gap(ctx context.Context, in CheckInput) ([]findings.Signal, error) {
	keys := make([]forensic.MatchKey, len(in.Params.MatchKeys))
	for i, k := range in.Params.MatchKeys {
		keys[i] = forensic.MatchKey(k)
	}

	report, err := forensic.GapAnalysis(localRecords(in), filterKinds(in.Snapshot.External, in.Params.RecordKinds), keys)
	if err != nil {
		return nil, err
	}

	var signals []findings.Signal
	for _, r := range report.OnlyLocal {
		signals = append(signals, findings.Signal{
			Check:          CheckGap,
			Kind:           findings.SignalUnreportedLocal,
			AffectedEntity: recordRef(r),
			RecordRefs:     []string{recordRef(r)},
			Amount:         r.Amount,
		})
	}
	for _, r := range report.OnlyExternal {
		signals = append(signals, findings.Signal{
			Check:          CheckGap,
			Kind:           findings.SignalUnrecordedExternal,
			AffectedEntity: recordRef(r),
			RecordRefs:     []string{recordRef(r)},
			Amount:         r.Amount,
		})
	}
	for _, m := range report.Matched {
		if m.Difference.IsZero() {
			continue
		}
		signals = append(signals, findings.Signal{
			Check:          CheckGap,
			Kind:           findings.SignalAmountMismatch,
			AffectedEntity: recordRef(m.Local),
			RecordRefs:     []string{recordRef(m.Local)},
			Amount:         m.Local.Amount,
			Expected:       m.External.Amount,
		})
	}
	return signals, nil
}

// duplicates flags payments to the same counterparty with the same
// reference and amount. With a window, only payments within that many days
// of the first payment of a cluster are grouped.
func (rs *RuleSet) duplicates(ctx context.Context, in CheckInput) ([]findings.Signal, error) {
	window := time.Duration(in.Params.DuplicateWindowDay) * 24 * time.Hour

	type group struct {
		key     string
		records []financial.Record
	}
	var order []string
	groups := make(map[string]*group)

	for _, r := range in.Snapshot.Local {
		if r.Kind != financial.RecordKindPayment {
			continue
		}
		key := strings.Join([]string{
			strings.ToUpper(strings.TrimSpace(r.Counterparty)),
			strings.ToUpper(strings.TrimSpace(r.Reference)),
			r.Amount.String(),
		}, "|")
		g, ok := groups[key]
		if !ok {
			g = &group{key: key}
			groups[key] = g
			order = append(order, key)
		}
		g.records = append(g.records, r)
	}

	var signals []findings.Signal
	for _, key := range order {
		for _, cluster := range clusterByWindow(groups[key].records, window) {
			if len(cluster) < 2 {
				continue
			}
			refs := make([]string, len(cluster))
			for i, r := range cluster {
				refs[i] = r.ID
			}
			entity := cluster[0].Counterparty
			if entity == "" {
				entity = recordRef(cluster[0])
			}
			signals = append(signals, findings.Signal{
				Check:          CheckDuplicates,
				Kind:           findings.SignalDuplicatePayment,
				AffectedEntity: entity,
				RecordRefs:     refs,
				Amount:         cluster[0].Amount,
			})
		}
	}
	return signals, nil
}

func clusterByWindow(records []financial.Record, window time.Duration) [][]financial.Record {
	if window <= 0 {
		return [][]financial.Record{records}
	}
	var out [][]financial.Record
	var cur []financial.Record
	for _, r := range records {
		if len(cur) > 0 && r.Date.Sub(cur[0].Date) > window {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// vat recomputes VAT on invoices carrying both a net and a VAT amount
func (rs *RuleSet) vat(ctx context.Context, in CheckInput) ([]findings.Signal, error) {
	rate := rs.Defaults.VATRate
	if in.Params.VATRate != nil {
		rate = *in.Params.VATRate
	}
	tolerance := rs.Defaults.VATTolerance
	if in.Params.VATTolerance != nil {
		tolerance = *in.Params.VATTolerance
	}
	if rate.IsNegative() || tolerance.IsNegative() {
		return nil, fmt.Errorf("vat rate %s and tolerance %s must not be negative", rate, tolerance)
	}

	var signals []findings.Signal
	for _, r := range in.Snapshot.Local {
		if r.Kind != financial.RecordKindInvoice || r.NetAmount == nil || r.VATAmount == nil {
			continue
		}
		expected := r.NetAmount.Mul(rate).Round(2)
		if r.VATAmount.Sub(expected).Abs().LessThanOrEqual(tolerance) {
			continue
		}
		signals = append(signals, findings.Signal{
			Check:          CheckVAT,
			Kind:           findings.SignalVATMismatch,
			AffectedEntity: recordRef(r),
			RecordRefs:     []string{recordRef(r)},
			Amount:         *r.VATAmount,
			Expected:       expected,
		})
	}
	return signals, nil
}
