package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const leaseKeyPrefix = "proaudit:lease:"

// Lease grants a named, expiring lock to one holder across replicas. A
// holder keeps the lease until it expires; there is no early release.
type Lease struct {
	client *redis.Client
	owner  string
	logger *zap.Logger
}

// NewLease creates a lease client with a random owner token
func NewLease(client *redis.Client, logger *zap.Logger) *Lease {
	return &Lease{
		client: client,
		owner:  uuid.NewString(),
		logger: logger.Named("lease"),
	}
}

// TryAcquire takes the named lease for ttl if nobody holds it
func (l *Lease) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	acquired, err := l.client.SetNX(ctx, leaseKeyPrefix+name, l.owner, ttl).Result()
	if err != nil {
		l.logger.Error("lease acquisition failed",
			zap.String("lease", name),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}

	l.logger.Debug("lease check",
		zap.String("lease", name),
		zap.Duration("ttl", ttl),
		zap.Bool("acquired", acquired))
	return acquired, nil
}

// Holder returns the owner token of the named lease, or "" when free
func (l *Lease) Holder(ctx context.Context, name string) (string, error) {
	owner, err := l.client.Get(ctx, leaseKeyPrefix+name).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease %s: %w", name, err)
	}
	return owner, nil
}
