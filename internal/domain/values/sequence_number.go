package values

import (
	"fmt"
	"strconv"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// SequenceNumber represents a position in an organization's hash chain.
// The first entry of every chain has sequence 1.
type SequenceNumber struct {
	value int64
}

const (
	// MaxSequenceNumber is the largest value a BIGINT column can hold
	MaxSequenceNumber = int64(9223372036854775807)
	// MinSequenceNumber is the sequence of the genesis entry
	MinSequenceNumber = int64(1)
)

// NewSequenceNumber creates a new SequenceNumber value object with validation
func NewSequenceNumber(value int64) (SequenceNumber, error) {
	if value < MinSequenceNumber {
		return SequenceNumber{}, errors.NewValidationError("INVALID_SEQUENCE",
			fmt.Sprintf("sequence number %d must be at least %d", value, MinSequenceNumber))
	}
	return SequenceNumber{value: value}, nil
}

// MustNewSequenceNumber creates SequenceNumber and panics on error (for constants/tests)
func MustNewSequenceNumber(value int64) SequenceNumber {
	seq, err := NewSequenceNumber(value)
	if err != nil {
		panic(err)
	}
	return seq
}

// FirstSequenceNumber returns the first sequence number (1)
func FirstSequenceNumber() SequenceNumber {
	return SequenceNumber{value: MinSequenceNumber}
}

// NextAfter returns the sequence that follows last, where last == 0 means
// the chain is empty.
func NextAfter(last int64) (SequenceNumber, error) {
	if last < 0 {
		return SequenceNumber{}, errors.NewValidationError("INVALID_SEQUENCE",
			fmt.Sprintf("last sequence %d cannot be negative", last))
	}
	if last >= MaxSequenceNumber {
		return SequenceNumber{}, errors.NewValidationError("SEQUENCE_OVERFLOW",
			"sequence number would overflow maximum value")
	}
	return SequenceNumber{value: last + 1}, nil
}

// Value returns the sequence number value
func (s SequenceNumber) Value() int64 {
	return s.value
}

// String returns the string representation of the sequence number
func (s SequenceNumber) String() string {
	return strconv.FormatInt(s.value, 10)
}

// IsFirst checks if this is the first sequence number
func (s SequenceNumber) IsFirst() bool {
	return s.value == MinSequenceNumber
}

// Follows reports whether s immediately follows prev.
func (s SequenceNumber) Follows(prev SequenceNumber) bool {
	return s.value == prev.value+1
}
