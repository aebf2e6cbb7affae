package database

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
)

// LedgerStore keeps hash-chained entries in Postgres. Appends for one
// organization serialize on a row lock over its ledger_heads row; other
// organizations never wait on that lock.
type LedgerStore struct {
	pool *ConnectionPool
}

// NewLedgerStore creates a Postgres ledger store
func NewLedgerStore(pool *ConnectionPool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const entryColumns = `id, organization_id, sequence_number, entry_type, resource_type,
	resource_id, action, data_snapshot, previous_hash, entry_hash, actor_id, created_at`

// Append implements ledger.Store
func (s *LedgerStore) Append(ctx context.Context, orgID uuid.UUID, seal ledger.SealFunc) (*ledger.Entry, error) {
	var entry *ledger.Entry
	err := s.pool.Transaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_heads (organization_id) VALUES ($1) ON CONFLICT DO NOTHING`, orgID); err != nil {
			return err
		}

		var head ledger.Head
		if err := tx.QueryRow(ctx,
			`SELECT last_sequence, last_hash FROM ledger_heads WHERE organization_id = $1 FOR UPDATE`,
			orgID).Scan(&head.Sequence, &head.Hash); err != nil {
			return err
		}

		sealed, err := seal(head)
		if err != nil {
			return err
		}
		if sealed.SequenceNumber != head.Sequence+1 || sealed.PreviousHash != head.Hash {
			return errors.NewConcurrentSequenceConflictError(orgID.String(), sealed.SequenceNumber)
		}

		if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			sealed.ID, sealed.OrganizationID, sealed.SequenceNumber, string(sealed.EntryType),
			sealed.ResourceType, sealed.ResourceID, string(sealed.Action), snapshotText(sealed.DataSnapshot),
			sealed.PreviousHash, sealed.EntryHash, sealed.ActorID, sealed.CreatedAt); err != nil {
			if IsDuplicateKeyViolation(err) {
				return errors.NewConcurrentSequenceConflictError(orgID.String(), sealed.SequenceNumber)
			}
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE ledger_heads
			SET last_sequence = $2, last_hash = $3, updated_at = now()
			WHERE organization_id = $1`,
			orgID, sealed.SequenceNumber, sealed.EntryHash); err != nil {
			return err
		}

		entry = sealed
		return nil
	})
	if err != nil {
		if pgCode(err) == pgLockNotAvailable {
			return nil, errors.NewConcurrentSequenceConflictError(orgID.String(), 0)
		}
		return nil, wrapError(err, "append ledger entry")
	}
	return entry, nil
}

// Head implements ledger.Store. The head is read from the entries
// themselves so a truncated tail is never masked by ledger_heads.
func (s *LedgerStore) Head(ctx context.Context, orgID uuid.UUID) (ledger.Head, error) {
	var head ledger.Head
	err := s.pool.Pool().QueryRow(ctx, `SELECT sequence_number, entry_hash FROM ledger_entries
		WHERE organization_id = $1 ORDER BY sequence_number DESC LIMIT 1`,
		orgID).Scan(&head.Sequence, &head.Hash)
	if IsNotFound(err) {
		return ledger.Head{}, nil
	}
	if err != nil {
		return ledger.Head{}, wrapError(err, "read ledger head")
	}
	return head, nil
}

// Range implements ledger.Store
func (s *LedgerStore) Range(ctx context.Context, orgID uuid.UUID, from, to int64) ([]*ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE organization_id = $1 AND sequence_number >= $2`
	args := []any{orgID, from}
	if to > 0 {
		query += ` AND sequence_number <= $3`
		args = append(args, to)
	}
	query += ` ORDER BY sequence_number`

	rows, err := s.pool.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError(err, "read ledger range")
	}
	defer rows.Close()

	out := make([]*ledger.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrapError(err, "scan ledger entry")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "read ledger range")
	}
	return out, nil
}

// Get implements ledger.Store
func (s *LedgerStore) Get(ctx context.Context, orgID uuid.UUID, sequence int64) (*ledger.Entry, error) {
	row := s.pool.Pool().QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE organization_id = $1 AND sequence_number = $2`, orgID, sequence)
	e, err := scanEntry(row)
	if IsNotFound(err) {
		return nil, errors.NewNotFoundError("ledger entry")
	}
	if err != nil {
		return nil, wrapError(err, "read ledger entry")
	}
	return e, nil
}

// Organizations lists every organization with at least one entry
func (s *LedgerStore) Organizations(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Pool().Query(ctx,
		`SELECT organization_id FROM ledger_heads WHERE last_sequence > 0 ORDER BY organization_id`)
	if err != nil {
		return nil, wrapError(err, "list ledger organizations")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, wrapError(err, "list ledger organizations")
	}
	return ids, nil
}

func scanEntry(row pgx.Row) (*ledger.Entry, error) {
	var (
		e         ledger.Entry
		entryType string
		action    string
		snapshot  string
	)
	if err := row.Scan(&e.ID, &e.OrganizationID, &e.SequenceNumber, &entryType, &e.ResourceType,
		&e.ResourceID, &action, &snapshot, &e.PreviousHash, &e.EntryHash, &e.ActorID, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.EntryType = ledger.EntryType(entryType)
	e.Action = ledger.Action(action)
	e.DataSnapshot = json.RawMessage(snapshot)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func snapshotText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

var (
	_ ledger.Store              = (*LedgerStore)(nil)
	_ ledger.OrganizationLister = (*LedgerStore)(nil)
)
