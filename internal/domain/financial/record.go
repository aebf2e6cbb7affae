// Package financial describes the records the engine analyzes. Records are
// owned by the surrounding platform and only ever read here.
package financial

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecordKind represents the type of financial record
type RecordKind string

const (
	RecordKindInvoice     RecordKind = "invoice"
	RecordKindPayment     RecordKind = "payment"
	RecordKindExpense     RecordKind = "expense"
	RecordKindWithholding RecordKind = "withholding"
	RecordKindCreditNote  RecordKind = "credit_note"
)

// Origin says which population a record came from
type Origin string

const (
	// Recorded in the organization's own books
	OriginLocal Origin = "local"
	// Reported by the tax authority or another third party
	OriginExternal Origin = "external"
)

// String returns the string representation of RecordKind
func (k RecordKind) String() string {
	return string(k)
}

// Record is one financial record in a dated snapshot
type Record struct {
	ID             string            `json:"id"`
	OrganizationID uuid.UUID         `json:"organization_id"`
	Kind           RecordKind        `json:"kind"`
	Origin         Origin            `json:"origin"`
	Reference      string            `json:"reference"`
	Counterparty   string            `json:"counterparty,omitempty"`
	Narration      string            `json:"narration,omitempty"`
	Amount         decimal.Decimal   `json:"amount"`
	NetAmount      *decimal.Decimal  `json:"net_amount,omitempty"`
	VATAmount      *decimal.Decimal  `json:"vat_amount,omitempty"`
	Date           time.Time         `json:"date"`
	CreatedByID    string            `json:"created_by_id,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// DateRange bounds a snapshot; both ends are inclusive calendar days
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks the range is well formed
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("date range requires start and end")
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("date range end %s is before start %s",
			r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	}
	return nil
}

// Contains reports whether t falls on a day inside the range
func (r DateRange) Contains(t time.Time) bool {
	day := t.UTC().Truncate(24 * time.Hour)
	return !day.Before(r.Start.UTC().Truncate(24*time.Hour)) &&
		!day.After(r.End.UTC().Truncate(24*time.Hour))
}

// Snapshot is a bounded, dated population of records for one organization
type Snapshot struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Range          DateRange `json:"range"`
	Local          []Record  `json:"local"`
	External       []Record  `json:"external"`
}

// Amounts returns the amounts of the local records in snapshot order
func (s *Snapshot) Amounts() []decimal.Decimal {
	out := make([]decimal.Decimal, len(s.Local))
	for i, r := range s.Local {
		out[i] = r.Amount
	}
	return out
}

// Source supplies record snapshots. Implementations must return records in
// a stable order so repeated runs over unchanged data see identical input.
type Source interface {
	Snapshot(ctx context.Context, organizationID uuid.UUID, dateRange DateRange) (*Snapshot, error)
}
