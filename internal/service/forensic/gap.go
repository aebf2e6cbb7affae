package forensic

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/financial"
)

// MatchKey names a record field used to pair local and external records
type MatchKey string

const (
	MatchReference    MatchKey = "reference"
	MatchAmount       MatchKey = "amount"
	MatchDate         MatchKey = "date"
	MatchCounterparty MatchKey = "counterparty"
	MatchKind         MatchKey = "kind"
)

// IsValid reports whether k is a known match key
func (k MatchKey) IsValid() bool {
	switch k {
	case MatchReference, MatchAmount, MatchDate, MatchCounterparty, MatchKind:
		return true
	default:
		return false
	}
}

// DefaultMatchKeys pairs records on reference number and amount
func DefaultMatchKeys() []MatchKey {
	return []MatchKey{MatchReference, MatchAmount}
}

// MatchedPair is a local record paired with an external one
type MatchedPair struct {
	Key        string           `json:"key"`
	Local      financial.Record `json:"local"`
	External   financial.Record `json:"external"`
	Difference decimal.Decimal  `json:"difference"`
}

// GapReport is the result of GapAnalysis
type GapReport struct {
	MatchKeys     []MatchKey         `json:"match_keys"`
	OnlyLocal     []financial.Record `json:"only_local"`
	OnlyExternal  []financial.Record `json:"only_external"`
	Matched       []MatchedPair      `json:"matched"`
	LocalTotal    decimal.Decimal    `json:"local_total"`
	ExternalTotal decimal.Decimal    `json:"external_total"`
	// MatchedLocalTotal and MatchedExternalTotal reconcile the paired records
	MatchedLocalTotal    decimal.Decimal `json:"matched_local_total"`
	MatchedExternalTotal decimal.Decimal `json:"matched_external_total"`
	OnlyLocalTotal       decimal.Decimal `json:"only_local_total"`
	OnlyExternalTotal    decimal.Decimal `json:"only_external_total"`
}

// GapAnalysis pairs local and external records on matchKeys. Records with
// equal keys pair off in input order, so duplicates on one side only leave
// the surplus unmatched.
func GapAnalysis(local, external []financial.Record, matchKeys []MatchKey) (*GapReport, error) {
	if len(matchKeys) == 0 {
		matchKeys = DefaultMatchKeys()
	}
	for _, k := range matchKeys {
		if !k.IsValid() {
			return nil, fmt.Errorf("unknown match key %q", k)
		}
	}

	report := &GapReport{
		MatchKeys:    append([]MatchKey(nil), matchKeys...),
		OnlyLocal:    []financial.Record{},
		OnlyExternal: []financial.Record{},
		Matched:      []MatchedPair{},
	}

	pending := make(map[string][]int, len(external))
	for i, rec := range external {
		k := matchKey(rec, matchKeys)
		pending[k] = append(pending[k], i)
		report.ExternalTotal = report.ExternalTotal.Add(rec.Amount)
	}

	used := make([]bool, len(external))
	for _, rec := range local {
		report.LocalTotal = report.LocalTotal.Add(rec.Amount)

		k := matchKey(rec, matchKeys)
		queue := pending[k]
		if len(queue) == 0 {
			report.OnlyLocal = append(report.OnlyLocal, rec)
			report.OnlyLocalTotal = report.OnlyLocalTotal.Add(rec.Amount)
			continue
		}
		idx := queue[0]
		pending[k] = queue[1:]
		used[idx] = true

		ext := external[idx]
		report.Matched = append(report.Matched, MatchedPair{
			Key:        k,
			Local:      rec,
			External:   ext,
			Difference: rec.Amount.Sub(ext.Amount),
		})
		report.MatchedLocalTotal = report.MatchedLocalTotal.Add(rec.Amount)
		report.MatchedExternalTotal = report.MatchedExternalTotal.Add(ext.Amount)
	}

	for i, rec := range external {
		if !used[i] {
			report.OnlyExternal = append(report.OnlyExternal, rec)
			report.OnlyExternalTotal = report.OnlyExternalTotal.Add(rec.Amount)
		}
	}
	return report, nil
}

func matchKey(r financial.Record, keys []MatchKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		switch k {
		case MatchReference:
			parts[i] = strings.ToUpper(strings.TrimSpace(r.Reference))
		case MatchAmount:
			parts[i] = r.Amount.String()
		case MatchDate:
			parts[i] = r.Date.UTC().Format(time.DateOnly)
		case MatchCounterparty:
			parts[i] = strings.ToUpper(strings.TrimSpace(r.Counterparty))
		case MatchKind:
			parts[i] = string(r.Kind)
		}
	}
	return strings.Join(parts, "|")
}
