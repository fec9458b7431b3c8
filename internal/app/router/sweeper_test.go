package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/infra/persistence/memory"
)

func TestSweeperRemovesExpiredMarkers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := memory.New(memory.WithClock(clock))
	ctx := context.Background()

	mark := func(eventID string) {
		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
			return tx.Markers().MarkProcessed(ctx, "payment", eventID, nil)
		}))
	}
	mark("old")
	now = now.Add(48 * time.Hour)
	mark("fresh")

	sweeper := NewSweeper(store, 24*time.Hour, time.Minute, nil)
	sweeper.now = clock

	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, store.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		old, err := tx.Markers().HasProcessed(ctx, "payment", "old")
		require.NoError(t, err)
		require.False(t, old)
		fresh, err := tx.Markers().HasProcessed(ctx, "payment", "fresh")
		require.NoError(t, err)
		require.True(t, fresh)
		return nil
	}))
}

func TestSweeperWithoutRetentionKeepsEverything(t *testing.T) {
	n, err := NewSweeper(memory.New(), 0, 0, nil).SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
