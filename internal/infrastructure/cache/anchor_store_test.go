package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/memory"
	ledgersvc "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/ledger"
)

func setupAnchorStore(t *testing.T) (*AnchorStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), config.RedisConfig{URL: mr.Addr()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewAnchorStore(client, zaptest.NewLogger(t)), mr
}

func TestNewRedisClient(t *testing.T) {
	t.Run("missing url", func(t *testing.T) {
		_, err := NewRedisClient(context.Background(), config.RedisConfig{}, zaptest.NewLogger(t))
		assert.Error(t, err)
	})

	t.Run("redis url form", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := NewRedisClient(context.Background(),
			config.RedisConfig{URL: "redis://" + mr.Addr() + "/2"}, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer client.Close()
		assert.Equal(t, 2, client.Options().DB)
	})

	t.Run("unreachable server", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		_, err := NewRedisClient(context.Background(), config.RedisConfig{URL: addr}, zaptest.NewLogger(t))
		assert.Error(t, err)
	})
}

func TestAnchorStoreOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	store, mr := setupAnchorStore(t)
	orgID := uuid.New()

	_, ok, err := store.GetHead(ctx, orgID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetHead(ctx, orgID, ledger.Head{Sequence: 5, Hash: "h5"}))
	require.NoError(t, store.SetHead(ctx, orgID, ledger.Head{Sequence: 3, Hash: "h3"}))
	require.NoError(t, store.SetHead(ctx, orgID, ledger.Head{Sequence: 5, Hash: "other"}))

	head, ok, err := store.GetHead(ctx, orgID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ledger.Head{Sequence: 5, Hash: "h5"}, head)
	assert.Equal(t, "5", mr.HGet(anchorKey(orgID), "sequence"))

	require.NoError(t, store.SetHead(ctx, orgID, ledger.Head{Sequence: 6, Hash: "h6"}))
	head, _, err = store.GetHead(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), head.Sequence)
}

func TestAnchorStoreCorruptSequence(t *testing.T) {
	store, mr := setupAnchorStore(t)
	orgID := uuid.New()
	mr.HSet(anchorKey(orgID), "sequence", "not-a-number")

	_, _, err := store.GetHead(context.Background(), orgID)
	assert.Error(t, err)
}

func TestAnchorStoreDetectsTruncatedTail(t *testing.T) {
	ctx := context.Background()
	anchors, _ := setupAnchorStore(t)
	entries := memory.NewLedgerStore()
	chain := ledgersvc.NewService(ledgersvc.DefaultConfig(), entries, zaptest.NewLogger(t),
		ledgersvc.WithAnchorStore(anchors))
	orgID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := chain.Append(ctx, orgID, ledger.Draft{
			EntryType:    ledger.EntryTypeFinancialRecord,
			ResourceType: "invoice",
			ResourceID:   uuid.NewString(),
			Action:       ledger.ActionCreate,
			ActorID:      "user-1",
		})
		require.NoError(t, err)
	}
	require.True(t, chain.VerifyChain(ctx, orgID, 1, 0).IsValid)

	entries.TruncateTail(orgID, 1)

	result := chain.VerifyChain(ctx, orgID, 1, 0)
	assert.False(t, result.IsValid)
	require.NotEmpty(t, result.ChainBreaks)
	assert.Equal(t, ledger.BreakTypeHeadMismatch, result.ChainBreaks[0].BreakType)
}
