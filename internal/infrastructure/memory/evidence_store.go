package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/evidence"
)

// EvidenceRepository is an in-process evidence.Repository
type EvidenceRepository struct {
	mu          sync.RWMutex
	records     map[uuid.UUID]*evidence.Record
	annotations map[uuid.UUID][]*evidence.Annotation
}

// NewEvidenceRepository creates an empty repository
func NewEvidenceRepository() *EvidenceRepository {
	return &EvidenceRepository{
		records:     make(map[uuid.UUID]*evidence.Record),
		annotations: make(map[uuid.UUID][]*evidence.Annotation),
	}
}

func cloneRecord(r *evidence.Record) *evidence.Record {
	c := *r
	c.SourceRecordIDs = append([]string(nil), r.SourceRecordIDs...)
	return &c
}

// Create stores a new record
func (r *EvidenceRepository) Create(ctx context.Context, record *evidence.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[record.ID]; exists {
		return errors.NewConflictError("EVIDENCE_EXISTS", "evidence record already exists")
	}
	r.records[record.ID] = cloneRecord(record)
	return nil
}

// Get returns a record by id
func (r *EvidenceRepository) Get(ctx context.Context, id uuid.UUID) (*evidence.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, errors.NewNotFoundError("evidence record")
	}
	return cloneRecord(rec), nil
}

// ListByOrganization returns records ordered by creation time
func (r *EvidenceRepository) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*evidence.Record, error) {
	return r.list(func(rec *evidence.Record) bool { return rec.OrganizationID == orgID }), nil
}

// ListByFinding returns the records attached to a finding
func (r *EvidenceRepository) ListByFinding(ctx context.Context, findingID uuid.UUID) ([]*evidence.Record, error) {
	return r.list(func(rec *evidence.Record) bool {
		return rec.FindingID != nil && *rec.FindingID == findingID
	}), nil
}

func (r *EvidenceRepository) list(match func(*evidence.Record) bool) []*evidence.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*evidence.Record, 0)
	for _, rec := range r.records {
		if match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// MarkVerified sets the verification status only
func (r *EvidenceRepository) MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return errors.NewNotFoundError("evidence record")
	}
	rec.IsVerified = true
	rec.VerifiedAt = &at
	return nil
}

// AddAnnotation appends an annotation
func (r *EvidenceRepository) AddAnnotation(ctx context.Context, a *evidence.Annotation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[a.EvidenceID]; !ok {
		return errors.NewNotFoundError("evidence record")
	}
	c := *a
	r.annotations[a.EvidenceID] = append(r.annotations[a.EvidenceID], &c)
	return nil
}

// Annotations returns the annotations of a record in insertion order
func (r *EvidenceRepository) Annotations(ctx context.Context, evidenceID uuid.UUID) ([]*evidence.Annotation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.annotations[evidenceID]
	out := make([]*evidence.Annotation, len(src))
	for i, a := range src {
		c := *a
		out[i] = &c
	}
	return out, nil
}

// BlobStore is a write-once in-process evidence.BlobStore
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates an empty blob store
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// Put stores data under key unless the key already exists
func (s *BlobStore) Put(ctx context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; exists {
		return errors.NewConflictError("OBJECT_EXISTS", "object already stored under "+key)
	}
	s.data[key] = append([]byte(nil), data...)
	return ctx.Err()
}

// Get returns a copy of the object bytes
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.data[key]
	if !ok {
		return nil, errors.NewNotFoundError("evidence object")
	}
	return append([]byte(nil), b...), nil
}

// Exists reports whether key is stored
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

// Overwrite replaces stored bytes, bypassing write-once protection. It
// exists for integrity drills and tests.
func (s *BlobStore) Overwrite(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
}
