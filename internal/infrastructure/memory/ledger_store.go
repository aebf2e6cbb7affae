// Package memory provides in-process implementations of the repository
// interfaces, used by tests and by single-node deployments without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
)

type orgChain struct {
	mu      sync.Mutex
	entries []*ledger.Entry
}

func (c *orgChain) head() ledger.Head {
	if len(c.entries) == 0 {
		return ledger.Head{}
	}
	last := c.entries[len(c.entries)-1]
	return ledger.Head{Sequence: last.SequenceNumber, Hash: last.EntryHash}
}

// LedgerStore keeps one independently locked chain per organization
type LedgerStore struct {
	mu     sync.RWMutex
	chains map[uuid.UUID]*orgChain
}

// NewLedgerStore creates an empty store
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{chains: make(map[uuid.UUID]*orgChain)}
}

func (s *LedgerStore) chain(orgID uuid.UUID) *orgChain {
	s.mu.RLock()
	c, ok := s.chains[orgID]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.chains[orgID]; !ok {
		c = &orgChain{}
		s.chains[orgID] = c
	}
	return c
}

// Organizations implements ledger.OrganizationLister
func (s *LedgerStore) Organizations(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orgs := make([]uuid.UUID, 0, len(s.chains))
	for id, c := range s.chains {
		c.mu.Lock()
		n := len(c.entries)
		c.mu.Unlock()
		if n > 0 {
			orgs = append(orgs, id)
		}
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i].String() < orgs[j].String() })
	return orgs, ctx.Err()
}

// Append implements ledger.Store
func (s *LedgerStore) Append(ctx context.Context, orgID uuid.UUID, seal ledger.SealFunc) (*ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := s.chain(orgID)
	c.mu.Lock()
	defer c.mu.Unlock()

	head := c.head()
	entry, err := seal(head)
	if err != nil {
		return nil, err
	}
	if entry.SequenceNumber != head.Sequence+1 || entry.PreviousHash != head.Hash {
		return nil, errors.NewConcurrentSequenceConflictError(orgID.String(), entry.SequenceNumber)
	}

	c.entries = append(c.entries, entry.Clone())
	return entry, nil
}

// Head implements ledger.Store
func (s *LedgerStore) Head(ctx context.Context, orgID uuid.UUID) (ledger.Head, error) {
	c := s.chain(orgID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head(), nil
}

// Range implements ledger.Store
func (s *LedgerStore) Range(ctx context.Context, orgID uuid.UUID, from, to int64) ([]*ledger.Entry, error) {
	c := s.chain(orgID)
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*ledger.Entry, 0)
	for _, e := range c.entries {
		if e.SequenceNumber < from {
			continue
		}
		if to > 0 && e.SequenceNumber > to {
			break
		}
		out = append(out, e.Clone())
	}
	return out, nil
}

// Get implements ledger.Store
func (s *LedgerStore) Get(ctx context.Context, orgID uuid.UUID, sequence int64) (*ledger.Entry, error) {
	c := s.chain(orgID)
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.SequenceNumber == sequence {
			return e.Clone(), nil
		}
	}
	return nil, errors.NewNotFoundError("ledger entry")
}

// Tamper applies fn to the stored entry at sequence, bypassing every
// integrity control. It exists for integrity drills and tests.
func (s *LedgerStore) Tamper(orgID uuid.UUID, sequence int64, fn func(e *ledger.Entry)) bool {
	c := s.chain(orgID)
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.SequenceNumber == sequence {
			fn(e)
			return true
		}
	}
	return false
}

// TruncateTail drops the last n entries of a chain, bypassing every
// integrity control.
func (s *LedgerStore) TruncateTail(orgID uuid.UUID, n int) {
	c := s.chain(orgID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > len(c.entries) {
		n = len(c.entries)
	}
	c.entries = c.entries[:len(c.entries)-n]
}

// AnchorStore is an in-process ledger.AnchorStore
type AnchorStore struct {
	mu    sync.RWMutex
	heads map[uuid.UUID]ledger.Head
}

// NewAnchorStore creates an empty anchor store
func NewAnchorStore() *AnchorStore {
	return &AnchorStore{heads: make(map[uuid.UUID]ledger.Head)}
}

// SetHead records head if it is ahead of the stored one
func (a *AnchorStore) SetHead(ctx context.Context, orgID uuid.UUID, head ledger.Head) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.heads[orgID]; ok && cur.Sequence >= head.Sequence {
		return nil
	}
	a.heads[orgID] = head
	return nil
}

// GetHead returns the anchored head
func (a *AnchorStore) GetHead(ctx context.Context, orgID uuid.UUID) (ledger.Head, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.heads[orgID]
	return h, ok, nil
}
