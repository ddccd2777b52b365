package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresenceOnlineOffline(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPresence()

	require.NoError(t, p.Online(ctx, 10))
	require.NoError(t, p.Online(ctx, 10)) // 多端重复上线是幂等的
	require.NoError(t, p.Online(ctx, 20))

	n, err := p.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	on, err := p.IsOnline(ctx, 10)
	require.NoError(t, err)
	require.True(t, on)

	require.NoError(t, p.Offline(ctx, 10))
	on, err = p.IsOnline(ctx, 10)
	require.NoError(t, err)
	require.False(t, on)

	ids, err := p.OnlineIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{20}, ids)

	require.NoError(t, p.Reset(ctx))
	n, err = p.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
