package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
)

const anchorKeyPrefix = "proaudit:anchor:"

// advanceHead only ever moves the anchored head forward
var advanceHead = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'sequence') or '0')
local incoming = tonumber(ARGV[1])
if incoming <= current then
  return 0
end
redis.call('HSET', KEYS[1], 'sequence', ARGV[1], 'hash', ARGV[2])
return 1
`)

// AnchorStore mirrors ledger heads in Redis so a truncated tail in the
// primary store is detectable
type AnchorStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewAnchorStore creates an anchor store over client
func NewAnchorStore(client *redis.Client, logger *zap.Logger) *AnchorStore {
	return &AnchorStore{client: client, logger: logger.Named("anchor_store")}
}

func anchorKey(orgID uuid.UUID) string {
	return anchorKeyPrefix + orgID.String()
}

// SetHead records head if it is ahead of the stored one
func (a *AnchorStore) SetHead(ctx context.Context, orgID uuid.UUID, head ledger.Head) error {
	advanced, err := advanceHead.Run(ctx, a.client, []string{anchorKey(orgID)},
		head.Sequence, head.Hash).Int()
	if err != nil {
		a.logger.Error("anchoring ledger head failed",
			zap.String("organization_id", orgID.String()),
			zap.Int64("sequence", head.Sequence),
			zap.Error(err))
		return fmt.Errorf("anchor head: %w", err)
	}
	if advanced == 0 {
		a.logger.Debug("anchored head already ahead",
			zap.String("organization_id", orgID.String()),
			zap.Int64("sequence", head.Sequence))
	}
	return nil
}

// GetHead returns the anchored head
func (a *AnchorStore) GetHead(ctx context.Context, orgID uuid.UUID) (ledger.Head, bool, error) {
	fields, err := a.client.HGetAll(ctx, anchorKey(orgID)).Result()
	if err != nil {
		return ledger.Head{}, false, fmt.Errorf("read anchored head: %w", err)
	}
	if len(fields) == 0 {
		return ledger.Head{}, false, nil
	}

	seq, err := strconv.ParseInt(fields["sequence"], 10, 64)
	if err != nil {
		return ledger.Head{}, false, fmt.Errorf("corrupt anchored sequence %q: %w", fields["sequence"], err)
	}
	return ledger.Head{Sequence: seq, Hash: fields["hash"]}, true, nil
}

var _ ledger.AnchorStore = (*AnchorStore)(nil)
