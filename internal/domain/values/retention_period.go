package values

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// RetentionPeriod is how long write-once evidence must stay undeletable
type RetentionPeriod struct {
	years int
}

const (
	// Tax records must be kept for six years after the assessment year
	MinRetentionYears = 6
	MaxRetentionYears = 100
)

// NewRetentionPeriodFromYears creates RetentionPeriod from number of years
func NewRetentionPeriodFromYears(years int) (RetentionPeriod, error) {
	if years < MinRetentionYears {
		return RetentionPeriod{}, errors.NewValidationError("RETENTION_TOO_SHORT",
			fmt.Sprintf("retention period must be at least %d years", MinRetentionYears))
	}
	if years > MaxRetentionYears {
		return RetentionPeriod{}, errors.NewValidationError("RETENTION_TOO_LONG",
			fmt.Sprintf("retention period cannot exceed %d years", MaxRetentionYears))
	}
	return RetentionPeriod{years: years}, nil
}

// ParseRetentionPeriod accepts "standard", "permanent", "7", "7y" or "7 years"
func ParseRetentionPeriod(value string) (RetentionPeriod, error) {
	value = strings.TrimSpace(strings.ToLower(value))

	switch value {
	case "":
		return RetentionPeriod{}, errors.NewValidationError("EMPTY_RETENTION",
			"retention period string cannot be empty")
	case "standard", "minimum", "min":
		return StandardRetention(), nil
	case "permanent", "forever":
		return NewRetentionPeriodFromYears(MaxRetentionYears)
	}

	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(value, "years"), "year"), "y"))
	years, err := strconv.Atoi(trimmed)
	if err != nil {
		return RetentionPeriod{}, errors.NewValidationError("INVALID_RETENTION_FORMAT",
			"retention period must be a number of years").WithCause(err)
	}
	return NewRetentionPeriodFromYears(years)
}

// StandardRetention is the statutory minimum
func StandardRetention() RetentionPeriod {
	return RetentionPeriod{years: MinRetentionYears}
}

// Years returns the retention period in years
func (rp RetentionPeriod) Years() int {
	return rp.years
}

// IsZero checks if the retention period is unset
func (rp RetentionPeriod) IsZero() bool {
	return rp.years == 0
}

// RetainUntil returns the instant before which the object may not be removed
func (rp RetentionPeriod) RetainUntil(from time.Time) time.Time {
	return from.UTC().AddDate(rp.years, 0, 0)
}

// String returns a human-readable string representation
func (rp RetentionPeriod) String() string {
	if rp.years == 1 {
		return "1 year"
	}
	return fmt.Sprintf("%d years", rp.years)
}
