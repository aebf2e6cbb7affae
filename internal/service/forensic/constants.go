package forensic

// Benford defaults
const (
	// DefaultBenfordMinSample is the smallest population that gets scored
	DefaultBenfordMinSample = 100

	// DefaultSuspiciousPValue separates conforms from suspicious
	DefaultSuspiciousPValue = 0.05

	// DefaultNonConformingPValue separates suspicious from non-conforming
	DefaultNonConformingPValue = 0.01

	// benfordDegreesOfFreedom is digits 1-9 minus one
	benfordDegreesOfFreedom = 8
)

// Nigrini first-digit MAD thresholds
const (
	MADCloseConformity      = 0.006
	MADAcceptableConformity = 0.012
	MADMarginalConformity   = 0.015
)

// Z-score defaults
const (
	// DefaultZScoreThreshold is the |z| at or above which a record is flagged
	DefaultZScoreThreshold = 3.0

	// zScoreTolerance absorbs floating point error at the threshold
	zScoreTolerance = 1e-9
)
