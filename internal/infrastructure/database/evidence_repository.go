package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/evidence"
)

// EvidenceRepository persists evidence descriptors and annotations
type EvidenceRepository struct {
	db Querier
}

// NewEvidenceRepository creates a Postgres evidence repository
func NewEvidenceRepository(db Querier) *EvidenceRepository {
	return &EvidenceRepository{db: db}
}

const evidenceColumns = `id, organization_id, evidence_type, title, description, content_hash,
	payload_kind, size_bytes, content_type, storage_key, source_table, source_record_ids,
	finding_id, audit_run_id, is_verified, verified_at, collected_by, created_at`

// Create stores a new record
func (r *EvidenceRepository) Create(ctx context.Context, rec *evidence.Record) error {
	sourceIDs := rec.SourceRecordIDs
	if sourceIDs == nil {
		sourceIDs = []string{}
	}
	_, err := r.db.Exec(ctx, `INSERT INTO evidence_records (`+evidenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		rec.ID, rec.OrganizationID, string(rec.EvidenceType), rec.Title, rec.Description, rec.ContentHash,
		string(rec.PayloadKind), rec.SizeBytes, rec.ContentType, rec.StorageKey, rec.SourceTable, sourceIDs,
		rec.FindingID, rec.AuditRunID, rec.IsVerified, rec.VerifiedAt, rec.CollectedBy, rec.CreatedAt)
	if IsDuplicateKeyViolation(err) {
		return errors.NewConflictError("EVIDENCE_EXISTS", "evidence record already exists")
	}
	return wrapError(err, "create evidence record")
}

// Get returns a record by id
func (r *EvidenceRepository) Get(ctx context.Context, id uuid.UUID) (*evidence.Record, error) {
	rec, err := scanEvidence(r.db.QueryRow(ctx,
		`SELECT `+evidenceColumns+` FROM evidence_records WHERE id = $1`, id))
	if IsNotFound(err) {
		return nil, errors.NewNotFoundError("evidence record")
	}
	if err != nil {
		return nil, wrapError(err, "get evidence record")
	}
	return rec, nil
}

// ListByOrganization returns records ordered by creation time
func (r *EvidenceRepository) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*evidence.Record, error) {
	return r.list(ctx, `SELECT `+evidenceColumns+` FROM evidence_records
		WHERE organization_id = $1 ORDER BY created_at, id`, orgID)
}

// ListByFinding returns the records attached to a finding
func (r *EvidenceRepository) ListByFinding(ctx context.Context, findingID uuid.UUID) ([]*evidence.Record, error) {
	return r.list(ctx, `SELECT `+evidenceColumns+` FROM evidence_records
		WHERE finding_id = $1 ORDER BY created_at, id`, findingID)
}

func (r *EvidenceRepository) list(ctx context.Context, query string, arg any) ([]*evidence.Record, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, wrapError(err, "list evidence records")
	}
	defer rows.Close()

	out := make([]*evidence.Record, 0)
	for rows.Next() {
		rec, err := scanEvidence(rows)
		if err != nil {
			return nil, wrapError(err, "scan evidence record")
		}
		out = append(out, rec)
	}
	return out, wrapError(rows.Err(), "list evidence records")
}

// MarkVerified sets the verification status only
func (r *EvidenceRepository) MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE evidence_records SET is_verified = true, verified_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return wrapError(err, "mark evidence verified")
	}
	if tag.RowsAffected() == 0 {
		return errors.NewNotFoundError("evidence record")
	}
	return nil
}

// AddAnnotation appends an annotation
func (r *EvidenceRepository) AddAnnotation(ctx context.Context, a *evidence.Annotation) error {
	_, err := r.db.Exec(ctx, `INSERT INTO evidence_annotations
		(id, organization_id, evidence_id, kind, superseded_by, reason, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.OrganizationID, a.EvidenceID, string(a.Kind), a.SupersededBy, a.Reason, a.ActorID, a.CreatedAt)
	if IsForeignKeyViolation(err) {
		return errors.NewNotFoundError("evidence record")
	}
	return wrapError(err, "add evidence annotation")
}

// Annotations returns the annotations of a record in insertion order
func (r *EvidenceRepository) Annotations(ctx context.Context, evidenceID uuid.UUID) ([]*evidence.Annotation, error) {
	rows, err := r.db.Query(ctx, `SELECT id, organization_id, evidence_id, kind, superseded_by,
		reason, actor_id, created_at
		FROM evidence_annotations WHERE evidence_id = $1 ORDER BY created_at, id`, evidenceID)
	if err != nil {
		return nil, wrapError(err, "list evidence annotations")
	}
	defer rows.Close()

	out := make([]*evidence.Annotation, 0)
	for rows.Next() {
		var (
			a    evidence.Annotation
			kind string
		)
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.EvidenceID, &kind, &a.SupersededBy,
			&a.Reason, &a.ActorID, &a.CreatedAt); err != nil {
			return nil, wrapError(err, "scan evidence annotation")
		}
		a.Kind = evidence.AnnotationKind(kind)
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, &a)
	}
	return out, wrapError(rows.Err(), "list evidence annotations")
}

func scanEvidence(row pgx.Row) (*evidence.Record, error) {
	var (
		rec          evidence.Record
		evidenceType string
		payloadKind  string
	)
	if err := row.Scan(&rec.ID, &rec.OrganizationID, &evidenceType, &rec.Title, &rec.Description,
		&rec.ContentHash, &payloadKind, &rec.SizeBytes, &rec.ContentType, &rec.StorageKey,
		&rec.SourceTable, &rec.SourceRecordIDs, &rec.FindingID, &rec.AuditRunID, &rec.IsVerified,
		&rec.VerifiedAt, &rec.CollectedBy, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.EvidenceType = evidence.Type(evidenceType)
	rec.PayloadKind = evidence.PayloadKind(payloadKind)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if len(rec.SourceRecordIDs) == 0 {
		rec.SourceRecordIDs = nil
	}
	return &rec, nil
}

var _ evidence.Repository = (*EvidenceRepository)(nil)
