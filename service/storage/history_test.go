package storage

import (
	"context"
	"fmt"
	"testing"

	"HProject/model"

	"github.com/stretchr/testify/require"
)

func TestHistoryKeepsNewestAscending(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHistory(3)

	for i := 1; i <= 5; i++ {
		require.NoError(t, h.Append(ctx, &model.Message{
			ID: int64(i), GroupID: 9, Content: fmt.Sprintf("m%d", i),
		}))
	}

	got, err := h.Recent(ctx, 9, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// 只留最新 3 条，读出来按 ID 升序
	require.Equal(t, int64(3), got[0].ID)
	require.Equal(t, int64(5), got[2].ID)

	got, err = h.Recent(ctx, 9, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(4), got[0].ID)
	require.Equal(t, int64(5), got[1].ID)
}

func TestHistoryUnknownGroupEmpty(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHistory(10)

	got, err := h.Recent(ctx, 404, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestHistoryDrop(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHistory(10)
	require.NoError(t, h.Append(ctx, &model.Message{ID: 1, GroupID: 5, Content: "m"}))
	require.NoError(t, h.Drop(ctx, 5))

	got, err := h.Recent(ctx, 5, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}
