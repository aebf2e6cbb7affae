package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/financial"
)

// RecordSource reads record snapshots from the financial_records read model
type RecordSource struct {
	db Querier
}

// NewRecordSource creates a Postgres financial.Source
func NewRecordSource(db Querier) *RecordSource {
	return &RecordSource{db: db}
}

// Snapshot returns the records inside dateRange ordered by date then id
func (s *RecordSource) Snapshot(ctx context.Context, orgID uuid.UUID, dateRange financial.DateRange) (*financial.Snapshot, error) {
	rows, err := s.db.Query(ctx, `SELECT id, organization_id, kind, origin, reference, counterparty,
			narration, amount, net_amount, vat_amount, record_date, created_by_id, attributes
		FROM financial_records
		WHERE organization_id = $1 AND record_date BETWEEN $2::date AND $3::date
		ORDER BY record_date, id`,
		orgID, dateRange.Start.UTC().Format("2006-01-02"), dateRange.End.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, wrapError(err, "read financial records")
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, wrapError(err, "read financial records")
	}

	snap := &financial.Snapshot{OrganizationID: orgID, Range: dateRange}
	for _, r := range records {
		if r.Origin == financial.OriginExternal {
			snap.External = append(snap.External, r)
		} else {
			snap.Local = append(snap.Local, r)
		}
	}
	return snap, nil
}

// Insert loads records into the read model. It is used by imports and tests;
// the engine itself never writes records.
func (s *RecordSource) Insert(ctx context.Context, records ...financial.Record) error {
	batch := &pgx.Batch{}
	for _, r := range records {
		origin := r.Origin
		if origin == "" {
			origin = financial.OriginLocal
		}
		attrs := r.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		batch.Queue(`INSERT INTO financial_records (id, organization_id, kind, origin, reference,
				counterparty, narration, amount, net_amount, vat_amount, record_date, created_by_id,
				attributes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			r.ID, r.OrganizationID, string(r.Kind), string(origin), r.Reference, r.Counterparty,
			r.Narration, r.Amount, r.NetAmount, r.VATAmount, r.Date.UTC().Format("2006-01-02"),
			r.CreatedByID, attrs)
	}

	return wrapError(s.db.SendBatch(ctx, batch).Close(), "insert financial records")
}

func scanRecord(row pgx.CollectableRow) (financial.Record, error) {
	var (
		r         financial.Record
		kind      string
		origin    string
		netAmount decimal.NullDecimal
		vatAmount decimal.NullDecimal
	)
	if err := row.Scan(&r.ID, &r.OrganizationID, &kind, &origin, &r.Reference, &r.Counterparty,
		&r.Narration, &r.Amount, &netAmount, &vatAmount, &r.Date, &r.CreatedByID, &r.Attributes); err != nil {
		return r, err
	}
	r.Kind = financial.RecordKind(kind)
	r.Origin = financial.Origin(origin)
	if netAmount.Valid {
		r.NetAmount = &netAmount.Decimal
	}
	if vatAmount.Valid {
		r.VATAmount = &vatAmount.Decimal
	}
	r.Date = r.Date.UTC()
	if len(r.Attributes) == 0 {
		r.Attributes = nil
	}
	return r, nil
}

var _ financial.Source = (*RecordSource)(nil)
