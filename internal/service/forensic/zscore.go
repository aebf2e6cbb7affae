package forensic

import (
	"math"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

// Sample is one amount with the reference of the record it came from
type Sample struct {
	Ref    string          `json:"ref"`
	Amount decimal.Decimal `json:"amount"`
}

// SamplesFromAmounts builds samples referenced by their position
func SamplesFromAmounts(amounts []decimal.Decimal) []Sample {
	out := make([]Sample, len(amounts))
	for i, a := range amounts {
		out[i] = Sample{Ref: indexRef(i), Amount: a}
	}
	return out
}

// Outlier is a flagged sample
type Outlier struct {
	Ref    string          `json:"ref"`
	Amount decimal.Decimal `json:"amount"`
	ZScore float64         `json:"z_score"`
}

// ZScoreSummary describes the population the outliers were drawn from
type ZScoreSummary struct {
	Count     int       `json:"count"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"std_dev"`
	Threshold float64   `json:"threshold"`
	Outliers  []Outlier `json:"outliers"`
}

// ZScoreOutliers flags samples whose |amount - mean| / stddev reaches
// threshold, using the population standard deviation. A population with no
// spread yields no outliers. Results keep input order.
func ZScoreOutliers(samples []Sample, threshold float64) []Outlier {
	return ZScoreAnalysis(samples, threshold).Outliers
}

// ZScoreAnalysis is ZScoreOutliers plus the population statistics
func ZScoreAnalysis(samples []Sample, threshold float64) *ZScoreSummary {
	summary := &ZScoreSummary{
		Count:     len(samples),
		Threshold: threshold,
		Outliers:  []Outlier{},
	}
	if len(samples) == 0 {
		return summary
	}

	xs := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.Amount.InexactFloat64()
	}
	mean, variance := stat.PopMeanVariance(xs, nil)
	summary.Mean = mean
	summary.StdDev = math.Sqrt(variance)

	if summary.StdDev == 0 || math.IsNaN(summary.StdDev) {
		summary.StdDev = 0
		return summary
	}

	for i, s := range samples {
		z := (xs[i] - mean) / summary.StdDev
		if math.Abs(z) >= threshold-zScoreTolerance {
			summary.Outliers = append(summary.Outliers, Outlier{
				Ref:    s.Ref,
				Amount: s.Amount,
				ZScore: z,
			})
		}
	}
	return summary
}

// RankOutliers orders outliers by |z| descending, then by ref
func RankOutliers(outliers []Outlier) []Outlier {
	ranked := append([]Outlier(nil), outliers...)
	sort.SliceStable(ranked, func(i, j int) bool {
		zi, zj := math.Abs(ranked[i].ZScore), math.Abs(ranked[j].ZScore)
		if zi != zj {
			return zi > zj
		}
		return ranked[i].Ref < ranked[j].Ref
	})
	return ranked
}

func indexRef(i int) string {
	return "#" + strconv.Itoa(i)
}
