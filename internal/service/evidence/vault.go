// Package evidence stores and re-verifies content-addressed audit evidence.
package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/evidence"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/telemetry"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/metrics"
)

const resourceType = "evidence"

// Config configures the vault
type Config struct {
	// VerifyConcurrency bounds the parallel sweep in VerifyAll
	VerifyConcurrency int
	// MaxPayloadBytes rejects larger uploads; zero disables the limit
	MaxPayloadBytes int64
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		VerifyConcurrency: 8,
		MaxPayloadBytes:   64 << 20,
	}
}

// Vault is the write-once evidence store
type Vault struct {
	config   Config
	repo     evidence.Repository
	blobs    evidence.BlobStore
	recorder ledger.Recorder
	clock    values.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry
	tracer   trace.Tracer
}

// Option customizes a Vault
type Option func(*Vault)

// WithClock overrides the wall clock
func WithClock(c values.Clock) Option {
	return func(v *Vault) { v.clock = c }
}

// WithMetrics records evidence metrics
func WithMetrics(m *metrics.Registry) Option {
	return func(v *Vault) { v.metrics = m }
}

// NewVault creates an evidence vault
func NewVault(config Config, repo evidence.Repository, blobs evidence.BlobStore, recorder ledger.Recorder, logger *zap.Logger, opts ...Option) *Vault {
	if config.VerifyConcurrency <= 0 {
		config.VerifyConcurrency = 1
	}
	v := &Vault{
		config:   config,
		repo:     repo,
		blobs:    blobs,
		recorder: recorder,
		clock:    values.RealClock{},
		logger:   logger.Named("evidence"),
		tracer:   telemetry.Tracer("proaudit/evidence"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// StoreBytes stores a file artifact hashed over its raw bytes
func (v *Vault) StoreBytes(ctx context.Context, draft evidence.Draft, payload []byte) (*evidence.Record, error) {
	ctx, span := v.tracer.Start(ctx, "evidence.StoreBytes")
	defer span.End()

	if len(payload) == 0 {
		return nil, errors.NewValidationError("EMPTY_PAYLOAD", "evidence payload is empty")
	}
	record, err := v.store(ctx, draft, evidence.PayloadRaw, payload, values.ComputeHashValue(payload))
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return record, err
}

// StoreRecordSet stores database-record evidence. The digest covers the
// canonical JSON form of the records, so the same logical set hashes the same
// regardless of key order, number formatting or record order.
func (v *Vault) StoreRecordSet(ctx context.Context, draft evidence.Draft, records []interface{}) (*evidence.Record, error) {
	ctx, span := v.tracer.Start(ctx, "evidence.StoreRecordSet", trace.WithAttributes(
		attribute.Int("records", len(records)),
	))
	defer span.End()

	hash, payload, err := evidence.HashRecordSet(records)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if draft.ContentType == "" {
		draft.ContentType = "application/json"
	}
	record, err := v.store(ctx, draft, evidence.PayloadRecordSet, payload, hash)
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return record, err
}

func (v *Vault) store(ctx context.Context, draft evidence.Draft, kind evidence.PayloadKind, payload []byte, hash values.HashValue) (*evidence.Record, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	if v.config.MaxPayloadBytes > 0 && int64(len(payload)) > v.config.MaxPayloadBytes {
		return nil, errors.NewValidationError("PAYLOAD_TOO_LARGE",
			fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(payload), v.config.MaxPayloadBytes))
	}

	record, err := evidence.NewRecord(draft, kind, hash, int64(len(payload)), v.clock.Now())
	if err != nil {
		return nil, err
	}

	if err := v.putOnce(ctx, record.StorageKey, payload, record.ContentType); err != nil {
		return nil, err
	}
	if err := v.repo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("persist evidence record: %w", err)
	}

	if _, err := v.recorder.Append(ctx, record.OrganizationID, ledger.Draft{
		EntryType:    ledger.EntryTypeEvidence,
		ResourceType: resourceType,
		ResourceID:   record.ID.String(),
		Action:       ledger.ActionCreate,
		DataSnapshot: snapshot(record),
		ActorID:      record.CollectedBy,
	}); err != nil {
		return nil, fmt.Errorf("record evidence on ledger: %w", err)
	}

	v.metrics.RecordEvidenceStored(ctx, string(record.EvidenceType), record.SizeBytes)
	v.logger.Info("evidence stored",
		zap.String("evidence_id", record.ID.String()),
		zap.String("organization_id", record.OrganizationID.String()),
		zap.String("evidence_type", string(record.EvidenceType)),
		zap.String("content_hash", record.ContentHash.String()),
		zap.Int64("size_bytes", record.SizeBytes))
	return record, nil
}

// putOnce writes a content-addressed object unless identical content is
// already stored under the same key.
func (v *Vault) putOnce(ctx context.Context, key string, payload []byte, contentType string) error {
	exists, err := v.blobs.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check evidence object: %w", err)
	}
	if exists {
		return nil
	}
	if err := v.blobs.Put(ctx, key, payload, contentType); err != nil {
		if errors.IsType(err, errors.ErrorTypeConflict) {
			return nil
		}
		return fmt.Errorf("store evidence object: %w", err)
	}
	return nil
}

// Verify recomputes the digest of the stored payload. Calling it repeatedly
// on unmodified storage yields the same result. A missing payload counts as
// tampering; other storage failures are returned as errors.
func (v *Vault) Verify(ctx context.Context, id uuid.UUID) (*evidence.VerifyResult, error) {
	ctx, span := v.tracer.Start(ctx, "evidence.Verify", trace.WithAttributes(
		attribute.String("evidence_id", id.String()),
	))
	defer span.End()

	record, err := v.repo.Get(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	result := &evidence.VerifyResult{
		EvidenceID:   record.ID,
		ExpectedHash: record.ContentHash.String(),
		CheckedAt:    v.clock.Now(),
	}

	payload, err := v.blobs.Get(ctx, record.StorageKey)
	switch {
	case err == nil:
		actual := values.ComputeHashValue(payload)
		result.ActualHash = actual.String()
		result.IsValid = actual.Equal(record.ContentHash)
		if !result.IsValid {
			result.Detail = "stored payload digest differs from content_hash"
		}
	case errors.IsType(err, errors.ErrorTypeNotFound):
		result.Detail = "stored payload is missing"
	default:
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("read evidence object %s: %w", record.StorageKey, err)
	}

	v.metrics.RecordEvidenceVerification(ctx, result.IsValid)
	span.SetAttributes(attribute.Bool("is_valid", result.IsValid))

	if !result.IsValid {
		v.logger.Error("evidence tampering detected",
			zap.String("evidence_id", record.ID.String()),
			zap.String("organization_id", record.OrganizationID.String()),
			zap.String("storage_key", record.StorageKey),
			zap.String("expected_hash", result.ExpectedHash),
			zap.String("actual_hash", result.ActualHash),
			zap.String("detail", result.Detail))
		if err := v.recordVerification(ctx, record, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	if !record.IsVerified {
		if err := v.repo.MarkVerified(ctx, record.ID, result.CheckedAt); err != nil {
			return nil, fmt.Errorf("mark evidence verified: %w", err)
		}
		if err := v.recordVerification(ctx, record, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (v *Vault) recordVerification(ctx context.Context, record *evidence.Record, result *evidence.VerifyResult) error {
	_, err := v.recorder.Append(ctx, record.OrganizationID, ledger.Draft{
		EntryType:    ledger.EntryTypeEvidence,
		ResourceType: resourceType,
		ResourceID:   record.ID.String(),
		Action:       ledger.ActionVerify,
		DataSnapshot: map[string]interface{}{
			"is_valid":      result.IsValid,
			"expected_hash": result.ExpectedHash,
			"actual_hash":   result.ActualHash,
			"detail":        result.Detail,
		},
		ActorID: "system",
	})
	if err != nil {
		return fmt.Errorf("record evidence verification on ledger: %w", err)
	}
	return nil
}

// VerifyAll verifies every record of an organization in parallel
func (v *Vault) VerifyAll(ctx context.Context, organizationID uuid.UUID) (*evidence.SweepSummary, error) {
	ctx, span := v.tracer.Start(ctx, "evidence.VerifyAll", trace.WithAttributes(
		attribute.String("organization_id", organizationID.String()),
	))
	defer span.End()

	start := time.Now()
	records, err := v.repo.ListByOrganization(ctx, organizationID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	results := make([]*evidence.VerifyResult, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.config.VerifyConcurrency)
	for i, rec := range records {
		i, id := i, rec.ID
		g.Go(func() error {
			res, err := v.Verify(gctx, id)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	summary := &evidence.SweepSummary{
		OrganizationID: organizationID,
		Total:          len(records),
		Duration:       time.Since(start),
	}
	for _, res := range results {
		if res.IsValid {
			summary.Valid++
		} else {
			summary.Tampered = append(summary.Tampered, res)
		}
	}

	v.logger.Info("evidence sweep finished",
		zap.String("organization_id", organizationID.String()),
		zap.Int("total", summary.Total),
		zap.Int("valid", summary.Valid),
		zap.Int("tampered", len(summary.Tampered)),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

// Supersede marks oldID as replaced by newID. Neither record is modified;
// the relationship lives in an annotation.
func (v *Vault) Supersede(ctx context.Context, oldID, newID uuid.UUID, reason, actorID string) (*evidence.Annotation, error) {
	if oldID == newID {
		return nil, errors.NewValidationError("INVALID_SUPERSEDE", "a record cannot supersede itself")
	}
	if reason == "" || actorID == "" {
		return nil, errors.NewValidationError("INVALID_SUPERSEDE", "reason and actor are required")
	}

	old, err := v.Get(ctx, oldID)
	if err != nil {
		return nil, err
	}
	replacement, err := v.repo.Get(ctx, newID)
	if err != nil {
		return nil, err
	}
	if old.OrganizationID != replacement.OrganizationID {
		return nil, errors.NewValidationError("INVALID_SUPERSEDE",
			"superseding record belongs to another organization")
	}
	if old.IsSuperseded() {
		return nil, errors.NewConflictError("ALREADY_SUPERSEDED",
			fmt.Sprintf("evidence %s is already superseded by %s", oldID, old.SupersededBy))
	}

	annotation := &evidence.Annotation{
		ID:             uuid.New(),
		OrganizationID: old.OrganizationID,
		EvidenceID:     oldID,
		Kind:           evidence.AnnotationSuperseded,
		SupersededBy:   &newID,
		Reason:         reason,
		ActorID:        actorID,
		CreatedAt:      v.clock.Now(),
	}
	if err := v.repo.AddAnnotation(ctx, annotation); err != nil {
		return nil, fmt.Errorf("persist annotation: %w", err)
	}

	if _, err := v.recorder.Append(ctx, old.OrganizationID, ledger.Draft{
		EntryType:    ledger.EntryTypeEvidence,
		ResourceType: resourceType,
		ResourceID:   oldID.String(),
		Action:       ledger.ActionAnnotate,
		DataSnapshot: map[string]interface{}{
			"kind":          string(annotation.Kind),
			"superseded_by": newID.String(),
			"reason":        reason,
		},
		ActorID: actorID,
	}); err != nil {
		return nil, fmt.Errorf("record supersede on ledger: %w", err)
	}

	v.logger.Info("evidence superseded",
		zap.String("evidence_id", oldID.String()),
		zap.String("superseded_by", newID.String()),
		zap.String("actor_id", actorID))
	return annotation, nil
}

// Get returns a record with its superseded flag resolved
func (v *Vault) Get(ctx context.Context, id uuid.UUID) (*evidence.Record, error) {
	record, err := v.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := v.resolveSupersede(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// List returns an organization's records with superseded flags resolved
func (v *Vault) List(ctx context.Context, organizationID uuid.UUID) ([]*evidence.Record, error) {
	records, err := v.repo.ListByOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return v.resolveAll(ctx, records)
}

// ListByFinding returns the records attached to a finding
func (v *Vault) ListByFinding(ctx context.Context, findingID uuid.UUID) ([]*evidence.Record, error) {
	records, err := v.repo.ListByFinding(ctx, findingID)
	if err != nil {
		return nil, err
	}
	return v.resolveAll(ctx, records)
}

func (v *Vault) resolveAll(ctx context.Context, records []*evidence.Record) ([]*evidence.Record, error) {
	for _, r := range records {
		if err := v.resolveSupersede(ctx, r); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (v *Vault) resolveSupersede(ctx context.Context, record *evidence.Record) error {
	annotations, err := v.repo.Annotations(ctx, record.ID)
	if err != nil {
		return fmt.Errorf("load annotations: %w", err)
	}
	for _, a := range annotations {
		if a.Kind == evidence.AnnotationSuperseded && a.SupersededBy != nil {
			id := *a.SupersededBy
			record.SupersededBy = &id
			break
		}
	}
	return nil
}

func snapshot(r *evidence.Record) map[string]interface{} {
	s := map[string]interface{}{
		"evidence_type":     string(r.EvidenceType),
		"title":             r.Title,
		"content_hash":      r.ContentHash.String(),
		"payload_kind":      string(r.PayloadKind),
		"size_bytes":        r.SizeBytes,
		"storage_key":       r.StorageKey,
		"source_table":      r.SourceTable,
		"source_record_ids": r.SourceRecordIDs,
	}
	if r.FindingID != nil {
		s["finding_id"] = r.FindingID.String()
	}
	if r.AuditRunID != nil {
		s["audit_run_id"] = r.AuditRunID.String()
	}
	return s
}
