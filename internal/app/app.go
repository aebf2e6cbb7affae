// Package app assembles the engine from configuration: stores, external
// collaborators and the background workers shared by the daemon and the
// operator CLI.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/evidence"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/archive"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/cache"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/database"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/events"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/memory"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/metrics"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service"
	ledgersvc "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/ledger"
)

// deadLetterMaxAge bounds how long an undeliverable stream message is kept
const deadLetterMaxAge = 24 * time.Hour

// App is the assembled engine
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Stores   *service.Stores
	Services *service.Services
	Sweeper  *ledgersvc.Sweeper

	// Set when the matching backend is configured
	Pool      *database.ConnectionPool
	Monitor   *database.Monitor
	Redis     *redis.Client
	Publisher *events.StreamPublisher
	DLQ       *events.DeadLetterQueue

	closers []func()
}

// New builds the engine described by cfg. Postgres is used when
// database.url is set, Redis when redis.url is set; otherwise the
// in-memory stores back the engine.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, registry *metrics.Registry) (*App, error) {
	settings, err := service.SettingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var anchors ledger.AnchorStore
	opts := []service.FactoryOption{service.WithMetrics(registry)}
	if cfg.Redis.URL != "" {
		a.Redis, err = cache.NewRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })

		anchors = cache.NewAnchorStore(a.Redis, logger)
		a.DLQ = events.NewDeadLetterQueue(cfg.Redis.DeadLetterSize, logger)
		a.Publisher = events.NewStreamPublisher(a.Redis, events.StreamConfig{
			EntryStream:     cfg.Redis.EntryStream,
			ActionLogStream: cfg.Redis.ActionLogStream,
			MaxLen:          cfg.Redis.StreamMaxLen,
		}, a.DLQ, logger)
		opts = append(opts, service.WithEntryPublisher(a.Publisher), service.WithActionLogPublisher(a.Publisher))
	}

	blobs, err := newBlobStore(ctx, cfg.Evidence, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Database.URL != "" {
		a.Pool, err = database.NewConnectionPool(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Pool.Close)
		a.Monitor = database.NewMonitor(a.Pool, logger)
		if anchors == nil {
			logger.Warn("redis is not configured, ledger truncation below the stored head is not detectable")
		}
		a.Stores = service.PostgresStores(a.Pool, blobs, anchors)
	} else {
		logger.Warn("database.url is not set, using in-memory stores")
		a.Stores = service.MemoryStores()
		a.Stores.Blobs = blobs
		if anchors != nil {
			a.Stores.Anchors = anchors
		}
	}

	a.Services = service.NewServiceFactories(a.Stores, settings, logger, opts...).Build()

	orgs, isLister := a.Stores.Ledger.(ledger.OrganizationLister)
	if !isLister {
		return nil, fmt.Errorf("ledger store %T cannot list organizations", a.Stores.Ledger)
	}
	a.Sweeper = ledgersvc.NewSweeper(a.Services.Ledger, orgs, cfg.Ledger.SweepInterval, cfg.Ledger.SweepConcurrency, logger)
	if a.Redis != nil {
		a.Sweeper.UseLease(cache.NewLease(a.Redis, logger))
	}

	ok = true
	return a, nil
}

func newBlobStore(ctx context.Context, cfg config.EvidenceConfig, logger *zap.Logger) (evidence.BlobStore, error) {
	if cfg.Backend != "s3" {
		return memory.NewBlobStore(), nil
	}
	store, err := archive.NewS3BlobStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// Organizations lists every organization with a non-empty chain
func (a *App) Organizations(ctx context.Context) ([]uuid.UUID, error) {
	return a.Stores.Ledger.(ledger.OrganizationLister).Organizations(ctx)
}

// RunBackground runs the chain sweeper and the stream redrive loop until
// ctx is done
func (a *App) RunBackground(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Sweeper.Run(gctx)
		return nil
	})
	if a.Publisher != nil {
		g.Go(func() error {
			a.redrive(gctx, a.Config.Redis.RedriveEvery)
			return nil
		})
	}
	return g.Wait()
}

func (a *App) redrive(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.DLQ.Len() == 0 {
				continue
			}
			delivered, err := a.Publisher.Redrive(ctx)
			if err != nil && ctx.Err() == nil {
				a.Logger.Warn("stream redrive failed", zap.Error(err))
			}
			if delivered > 0 {
				a.Logger.Info("redrove stream messages", zap.Int("delivered", delivered))
			}
			a.DLQ.Cleanup(deadLetterMaxAge)
		}
	}
}

// Close releases every connection in reverse order of acquisition
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
