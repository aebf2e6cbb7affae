// Package evidence models write-once artifacts that support audit findings.
package evidence

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
)

// Type classifies an evidence artifact
type Type string

const (
	TypeDocument             Type = "document"
	TypeScreenshot           Type = "screenshot"
	TypeDatabaseRecord       Type = "database_record"
	TypeCalculation          Type = "calculation"
	TypeCorrespondence       Type = "correspondence"
	TypeExternalConfirmation Type = "external_confirmation"
)

// IsValid reports whether t is a known evidence type
func (t Type) IsValid() bool {
	switch t {
	case TypeDocument, TypeScreenshot, TypeDatabaseRecord, TypeCalculation,
		TypeCorrespondence, TypeExternalConfirmation:
		return true
	default:
		return false
	}
}

// PayloadKind says how content_hash was computed
type PayloadKind string

const (
	PayloadRaw       PayloadKind = "raw"
	PayloadRecordSet PayloadKind = "record_set"
)

var validate = validator.New()

// Draft is the caller-supplied description of an artifact
type Draft struct {
	OrganizationID  uuid.UUID  `json:"organization_id" validate:"required"`
	EvidenceType    Type       `json:"evidence_type" validate:"required"`
	Title           string     `json:"title" validate:"required,max=255"`
	Description     string     `json:"description" validate:"max=4000"`
	SourceTable     string     `json:"source_table,omitempty" validate:"max=100"`
	SourceRecordIDs []string   `json:"source_record_ids,omitempty"`
	FindingID       *uuid.UUID `json:"finding_id,omitempty"`
	AuditRunID      *uuid.UUID `json:"audit_run_id,omitempty"`
	CollectedBy     string     `json:"collected_by" validate:"required"`
	ContentType     string     `json:"content_type,omitempty"`
}

// Validate performs structural validation of the draft
func (d Draft) Validate() error {
	if err := validate.Struct(d); err != nil {
		return errors.NewValidationError("INVALID_EVIDENCE_DRAFT",
			"evidence draft failed validation").WithCause(err)
	}
	if !d.EvidenceType.IsValid() {
		return errors.NewValidationError("INVALID_EVIDENCE_TYPE",
			fmt.Sprintf("unknown evidence type: %s", d.EvidenceType))
	}
	return nil
}

// Record is an immutable evidence descriptor. The bytes it describes live in
// a BlobStore under StorageKey.
type Record struct {
	ID              uuid.UUID        `json:"evidence_id"`
	OrganizationID  uuid.UUID        `json:"organization_id"`
	EvidenceType    Type             `json:"evidence_type"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	ContentHash     values.HashValue `json:"content_hash"`
	PayloadKind     PayloadKind      `json:"payload_kind"`
	SizeBytes       int64            `json:"size_bytes"`
	ContentType     string           `json:"content_type,omitempty"`
	StorageKey      string           `json:"storage_key"`
	SourceTable     string           `json:"source_table,omitempty"`
	SourceRecordIDs []string         `json:"source_record_ids,omitempty"`
	FindingID       *uuid.UUID       `json:"finding_id,omitempty"`
	AuditRunID      *uuid.UUID       `json:"audit_run_id,omitempty"`
	IsVerified      bool             `json:"is_verified"`
	VerifiedAt      *time.Time       `json:"verified_at,omitempty"`
	CollectedBy     string           `json:"collected_by"`
	CreatedAt       time.Time        `json:"created_at"`

	// SupersededBy is derived from annotations on read; it is never part of
	// the stored descriptor.
	SupersededBy *uuid.UUID `json:"superseded_by,omitempty"`
}

// IsSuperseded reports whether a later record replaces this one
func (r *Record) IsSuperseded() bool {
	return r.SupersededBy != nil
}

// NewRecord builds the descriptor for a payload whose digest is already known
func NewRecord(draft Draft, kind PayloadKind, hash values.HashValue, size int64, createdAt time.Time) (*Record, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	if hash.IsEmpty() {
		return nil, errors.NewValidationError("EMPTY_HASH", "content hash is required")
	}

	ids := append([]string(nil), draft.SourceRecordIDs...)
	sort.Strings(ids)

	return &Record{
		ID:              uuid.New(),
		OrganizationID:  draft.OrganizationID,
		EvidenceType:    draft.EvidenceType,
		Title:           draft.Title,
		Description:     draft.Description,
		ContentHash:     hash,
		PayloadKind:     kind,
		SizeBytes:       size,
		ContentType:     draft.ContentType,
		StorageKey:      StorageKey(draft.OrganizationID, hash),
		SourceTable:     draft.SourceTable,
		SourceRecordIDs: ids,
		FindingID:       draft.FindingID,
		AuditRunID:      draft.AuditRunID,
		CollectedBy:     draft.CollectedBy,
		CreatedAt:       createdAt.UTC().Truncate(time.Microsecond),
	}, nil
}

// StorageKey is the content address of a payload within an organization
func StorageKey(organizationID uuid.UUID, hash values.HashValue) string {
	return fmt.Sprintf("evidence/%s/%s", organizationID, hash.String())
}

// HashRecordSet canonicalizes each record and hashes the sorted encodings,
// so the digest is independent of the order and formatting the records were
// supplied in. It returns the digest and the exact bytes that were hashed.
func HashRecordSet(records []interface{}) (values.HashValue, []byte, error) {
	encoded := make([][]byte, 0, len(records))
	for i, rec := range records {
		b, err := values.CanonicalJSON(rec)
		if err != nil {
			return values.HashValue{}, nil, errors.NewValidationError("INVALID_RECORD_SET",
				fmt.Sprintf("record %d cannot be canonicalized", i)).WithCause(err)
		}
		encoded = append(encoded, b)
	}
	sort.Slice(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	})

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, b := range encoded {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(b)
	}
	buf.WriteByte(']')

	payload := buf.Bytes()
	return values.ComputeHashValue(payload), payload, nil
}

// Annotation is a non-destructive note attached to a record
type Annotation struct {
	ID             uuid.UUID      `json:"id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	EvidenceID     uuid.UUID      `json:"evidence_id"`
	Kind           AnnotationKind `json:"kind"`
	SupersededBy   *uuid.UUID     `json:"superseded_by,omitempty"`
	Reason         string         `json:"reason"`
	ActorID        string         `json:"actor_id"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AnnotationKind enumerates annotation types
type AnnotationKind string

const (
	AnnotationSuperseded AnnotationKind = "superseded"
	AnnotationVerified   AnnotationKind = "verified"
)

// VerifyResult is the outcome of re-hashing stored content
type VerifyResult struct {
	EvidenceID   uuid.UUID `json:"evidence_id"`
	IsValid      bool      `json:"is_valid"`
	ExpectedHash string    `json:"expected_hash"`
	ActualHash   string    `json:"actual_hash,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
	Detail       string    `json:"detail,omitempty"`
}

// Err converts a failed result into an EVIDENCE_TAMPERED error
func (v *VerifyResult) Err() error {
	if v.IsValid {
		return nil
	}
	appErr := errors.NewEvidenceTamperedError(v.EvidenceID.String(), v.ExpectedHash, v.ActualHash)
	if v.Detail != "" {
		appErr.Details["detail"] = v.Detail
	}
	return appErr
}

// SweepSummary aggregates verification of many records
type SweepSummary struct {
	OrganizationID uuid.UUID       `json:"organization_id"`
	Total          int             `json:"total"`
	Valid          int             `json:"valid"`
	Tampered       []*VerifyResult `json:"tampered,omitempty"`
	Duration       time.Duration   `json:"duration"`
}

// Repository persists evidence descriptors and annotations
type Repository interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	ListByOrganization(ctx context.Context, organizationID uuid.UUID) ([]*Record, error)
	ListByFinding(ctx context.Context, findingID uuid.UUID) ([]*Record, error)
	// MarkVerified only sets the verification status; descriptor fields are
	// never rewritten.
	MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) error
	AddAnnotation(ctx context.Context, annotation *Annotation) error
	Annotations(ctx context.Context, evidenceID uuid.UUID) ([]*Annotation, error)
}

// BlobStore keeps payload bytes under content-addressed keys. Put must not
// overwrite an existing object.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}
