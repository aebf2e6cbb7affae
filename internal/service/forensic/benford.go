// Package forensic implements the statistical tests used by audit runs.
// Every function is pure and safe for concurrent use.
package forensic

import (
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat/distuv"
)

// BenfordVerdict is the outcome of a first-digit test
type BenfordVerdict string

const (
	VerdictConforms         BenfordVerdict = "conforms"
	VerdictSuspicious       BenfordVerdict = "suspicious"
	VerdictNonConforming    BenfordVerdict = "non_conforming"
	VerdictInsufficientData BenfordVerdict = "insufficient_data"
)

// BenfordConfig holds the tunable parts of the test
type BenfordConfig struct {
	MinSample           int     `json:"min_sample"`
	SuspiciousPValue    float64 `json:"suspicious_p_value"`
	NonConformingPValue float64 `json:"non_conforming_p_value"`
}

// DefaultBenfordConfig returns the documented defaults
func DefaultBenfordConfig() BenfordConfig {
	return BenfordConfig{
		MinSample:           DefaultBenfordMinSample,
		SuspiciousPValue:    DefaultSuspiciousPValue,
		NonConformingPValue: DefaultNonConformingPValue,
	}
}

func (c BenfordConfig) withDefaults() BenfordConfig {
	d := DefaultBenfordConfig()
	if c.MinSample <= 0 {
		c.MinSample = d.MinSample
	}
	if c.SuspiciousPValue <= 0 {
		c.SuspiciousPValue = d.SuspiciousPValue
	}
	if c.NonConformingPValue <= 0 {
		c.NonConformingPValue = d.NonConformingPValue
	}
	return c
}

// DigitResult compares one leading digit with its expected frequency
type DigitResult struct {
	Digit     int     `json:"digit"`
	Count     int     `json:"count"`
	Observed  float64 `json:"observed"`
	Expected  float64 `json:"expected"`
	Deviation float64 `json:"deviation"`
}

// BenfordReport is the result of BenfordsLaw
type BenfordReport struct {
	SampleSize       int            `json:"sample_size"`
	ZeroCount        int            `json:"zero_count"`
	NegativeCount    int            `json:"negative_count"`
	Digits           []DigitResult  `json:"digits,omitempty"`
	ChiSquare        float64        `json:"chi_square"`
	DegreesOfFreedom int            `json:"degrees_of_freedom"`
	PValue           float64        `json:"p_value"`
	MAD              float64        `json:"mad"`
	MADConformity    string         `json:"mad_conformity,omitempty"`
	Verdict          BenfordVerdict `json:"verdict"`
	MinSample        int            `json:"min_sample"`
}

// IsScored reports whether the population was large enough to test
func (r *BenfordReport) IsScored() bool {
	return r.Verdict != VerdictInsufficientData
}

// BenfordExpected returns log10(1 + 1/d)
func BenfordExpected(digit int) float64 {
	return math.Log10(1 + 1/float64(digit))
}

// LeadingDigit returns the first significant digit of |d|, or 0 for zero
func LeadingDigit(d decimal.Decimal) int {
	if d.IsZero() {
		return 0
	}
	s := d.Coefficient().String()
	for _, c := range s {
		if c >= '1' && c <= '9' {
			return int(c - '0')
		}
	}
	return 0
}

// BenfordsLaw tests the leading digits of the positive amounts against
// Benford's distribution with a chi-square goodness-of-fit test. Zero and
// negative amounts are counted but take no part in the test.
func BenfordsLaw(amounts []decimal.Decimal, cfg BenfordConfig) *BenfordReport {
	cfg = cfg.withDefaults()
	report := &BenfordReport{
		DegreesOfFreedom: benfordDegreesOfFreedom,
		MinSample:        cfg.MinSample,
	}

	var counts [10]int
	for _, a := range amounts {
		switch a.Sign() {
		case 0:
			report.ZeroCount++
		case -1:
			report.NegativeCount++
		default:
			counts[LeadingDigit(a)]++
			report.SampleSize++
		}
	}

	if report.SampleSize < cfg.MinSample {
		report.Verdict = VerdictInsufficientData
		return report
	}

	n := float64(report.SampleSize)
	report.Digits = make([]DigitResult, 0, 9)
	var chi, absDev float64
	for d := 1; d <= 9; d++ {
		expected := BenfordExpected(d)
		observed := float64(counts[d]) / n
		diff := float64(counts[d]) - expected*n
		chi += diff * diff / (expected * n)
		absDev += math.Abs(observed - expected)
		report.Digits = append(report.Digits, DigitResult{
			Digit:     d,
			Count:     counts[d],
			Observed:  observed,
			Expected:  expected,
			Deviation: observed - expected,
		})
	}

	report.ChiSquare = chi
	report.PValue = distuv.ChiSquared{K: benfordDegreesOfFreedom}.Survival(chi)
	report.MAD = absDev / 9
	report.MADConformity = madConformity(report.MAD)

	switch {
	case report.PValue >= cfg.SuspiciousPValue:
		report.Verdict = VerdictConforms
	case report.PValue >= cfg.NonConformingPValue:
		report.Verdict = VerdictSuspicious
	default:
		report.Verdict = VerdictNonConforming
	}
	return report
}

func madConformity(mad float64) string {
	switch {
	case mad <= MADCloseConformity:
		return "close"
	case mad <= MADAcceptableConformity:
		return "acceptable"
	case mad <= MADMarginalConformity:
		return "marginal"
	default:
		return "nonconformity"
	}
}
