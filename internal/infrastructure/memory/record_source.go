package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/financial"
)

// RecordSource is an in-process financial.Source
type RecordSource struct {
	mu      sync.RWMutex
	records map[uuid.UUID][]financial.Record
}

// NewRecordSource creates an empty source
func NewRecordSource() *RecordSource {
	return &RecordSource{records: make(map[uuid.UUID][]financial.Record)}
}

// Add appends records for their organizations
func (s *RecordSource) Add(records ...financial.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.OrganizationID] = append(s.records[r.OrganizationID], r)
	}
}

// Snapshot returns the records inside dateRange ordered by date then id
func (s *RecordSource) Snapshot(ctx context.Context, orgID uuid.UUID, dateRange financial.DateRange) (*financial.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &financial.Snapshot{OrganizationID: orgID, Range: dateRange}
	for _, r := range s.records[orgID] {
		if !dateRange.Contains(r.Date) {
			continue
		}
		if r.Origin == financial.OriginExternal {
			snap.External = append(snap.External, r)
		} else {
			snap.Local = append(snap.Local, r)
		}
	}

	less := func(rs []financial.Record) func(i, j int) bool {
		return func(i, j int) bool {
			if rs[i].Date.Equal(rs[j].Date) {
				return rs[i].ID < rs[j].ID
			}
			return rs[i].Date.Before(rs[j].Date)
		}
	}
	sort.SliceStable(snap.Local, less(snap.Local))
	sort.SliceStable(snap.External, less(snap.External))
	return snap, nil
}
