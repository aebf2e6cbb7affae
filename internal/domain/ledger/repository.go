package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Head is the position of the last entry in an organization's chain. The
// zero Head denotes an empty chain.
type Head struct {
	Sequence int64  `json:"sequence"`
	Hash     string `json:"hash"`
}

// IsGenesis reports whether the chain has no entries yet
func (h Head) IsGenesis() bool {
	return h.Sequence == 0
}

// SealFunc builds and seals the next entry given the current head. It runs
// inside the store's serialization boundary for the organization, so it must
// be fast and free of I/O.
type SealFunc func(head Head) (*Entry, error)

// Store persists hash-chained entries. Implementations serialize Append per
// organization and keep appends for different organizations independent.
type Store interface {
	// Append reads the current head, calls seal and persists the result
	// atomically. A lost race on the sequence number surfaces as
	// CONCURRENT_SEQUENCE_CONFLICT.
	Append(ctx context.Context, organizationID uuid.UUID, seal SealFunc) (*Entry, error)

	// Head returns the stored head for an organization
	Head(ctx context.Context, organizationID uuid.UUID) (Head, error)

	// Range returns entries with from <= sequence_number <= to in ascending
	// order. to <= 0 means up to the head.
	Range(ctx context.Context, organizationID uuid.UUID, from, to int64) ([]*Entry, error)

	// Get returns the entry at a single sequence number
	Get(ctx context.Context, organizationID uuid.UUID, sequence int64) (*Entry, error)
}

// OrganizationLister enumerates organizations that have at least one entry
type OrganizationLister interface {
	Organizations(ctx context.Context) ([]uuid.UUID, error)
}

// AnchorStore mirrors chain heads outside the primary store so that tail
// truncation can be detected.
type AnchorStore interface {
	SetHead(ctx context.Context, organizationID uuid.UUID, head Head) error
	GetHead(ctx context.Context, organizationID uuid.UUID) (Head, bool, error)
}

// Publisher receives committed entries for external anchoring.
type Publisher interface {
	PublishEntry(ctx context.Context, entry *Entry) error
}

// Recorder appends drafts to an organization's chain. Every component that
// mutates state records the mutation through it.
type Recorder interface {
	Append(ctx context.Context, organizationID uuid.UUID, draft Draft) (*Entry, error)
}
