package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
)

// SweepReport summarizes one verification pass over every organization
type SweepReport struct {
	StartedAt       time.Time                                     `json:"started_at"`
	Duration        time.Duration                                 `json:"duration"`
	Organizations   int                                           `json:"organizations"`
	EntriesVerified int                                           `json:"entries_verified"`
	EntryTypes      map[ledger.EntryType]int                      `json:"entry_types"`
	Invalid         map[uuid.UUID]*ledger.ChainVerificationResult `json:"invalid"`
}

// sweepLeaseName names the lease that elects one sweeping replica
const sweepLeaseName = "chain-sweep"

// Lease elects a single holder across replicas for ttl
type Lease interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// Sweeper periodically verifies the full chain of every organization
type Sweeper struct {
	service     *Service
	orgs        ledger.OrganizationLister
	interval    time.Duration
	concurrency int
	logger      *zap.Logger
	onReport    []func(*SweepReport)
	lease       Lease
}

// NewSweeper creates a sweeper. concurrency bounds how many chains are
// verified at once.
func NewSweeper(service *Service, orgs ledger.OrganizationLister, interval time.Duration, concurrency int, logger *zap.Logger) *Sweeper {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Sweeper{
		service:     service,
		orgs:        orgs,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger.Named("chain_sweeper"),
	}
}

// UseLease makes Run sweep only on ticks where this replica holds the
// sweep lease
func (s *Sweeper) UseLease(lease Lease) {
	s.lease = lease
}

// OnReport registers fn to receive every completed sweep report
func (s *Sweeper) OnReport(fn func(*SweepReport)) {
	s.onReport = append(s.onReport, fn)
}

// SweepOnce verifies every organization's chain from genesis to head
func (s *Sweeper) SweepOnce(ctx context.Context) (*SweepReport, error) {
	started := s.service.clock.Now()
	orgIDs, err := s.orgs.Organizations(ctx)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{
		StartedAt:     started,
		Organizations: len(orgIDs),
		EntryTypes:    make(map[ledger.EntryType]int),
		Invalid:       make(map[uuid.UUID]*ledger.ChainVerificationResult),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, orgID := range orgIDs {
		orgID := orgID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result := s.service.VerifyChain(gctx, orgID, 1, 0)

			mu.Lock()
			defer mu.Unlock()
			report.EntriesVerified += result.EntriesVerified
			if result.Statistics != nil {
				for entryType, n := range result.Statistics.EntryTypes {
					report.EntryTypes[entryType] += n
				}
			}
			if !result.IsValid {
				report.Invalid[orgID] = result
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.Duration = s.service.clock.Now().Sub(started)
	level := zap.InfoLevel
	if len(report.Invalid) > 0 {
		level = zap.ErrorLevel
	}
	s.logger.Log(level, "chain sweep finished",
		zap.Int("organizations", report.Organizations),
		zap.Int("entries_verified", report.EntriesVerified),
		zap.Int("invalid_chains", len(report.Invalid)),
		zap.Duration("duration", report.Duration))
	for _, fn := range s.onReport {
		fn(report)
	}
	return report, nil
}

// Run sweeps every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.holdsLease(ctx) {
				continue
			}
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("chain sweep failed", zap.Error(err))
			}
		}
	}
}

// holdsLease takes the lease for slightly less than one interval so the
// holder can take it again on its next tick
func (s *Sweeper) holdsLease(ctx context.Context) bool {
	if s.lease == nil {
		return true
	}
	ok, err := s.lease.TryAcquire(ctx, sweepLeaseName, s.interval-s.interval/10)
	if err != nil {
		s.logger.Warn("sweep lease unavailable, skipping sweep", zap.Error(err))
		return false
	}
	if !ok {
		s.logger.Debug("another replica holds the sweep lease")
	}
	return ok
}
