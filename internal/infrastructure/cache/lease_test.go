package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
)

func TestLease(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	client, err := NewRedisClient(ctx, config.RedisConfig{URL: mr.Addr()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	first := NewLease(client, zaptest.NewLogger(t))
	second := NewLease(client, zaptest.NewLogger(t))

	ok, err := first.TryAcquire(ctx, "chain-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryAcquire(ctx, "chain-sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := second.Holder(ctx, "chain-sweep")
	require.NoError(t, err)
	assert.Equal(t, first.owner, holder)

	mr.FastForward(time.Minute + time.Second)

	holder, err = first.Holder(ctx, "chain-sweep")
	require.NoError(t, err)
	assert.Empty(t, holder)

	ok, err = second.TryAcquire(ctx, "chain-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.Close()
	_, err = first.TryAcquire(ctx, "chain-sweep", time.Minute)
	assert.Error(t, err)
}
