package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/storage"
)

func testPool(id string) *domain.SignalPool {
	return &domain.SignalPool{
		PoolID: id,
		Symbol: "BTCUSDT",
		Logic:  domain.LogicAnd,
		Conditions: []*domain.SignalCondition{
			{SignalID: id + "-cvd", Metric: domain.MetricCVD, Operator: domain.OpGT, Threshold: 100_000, TimeWindowSec: 60},
			{SignalID: id + "-oi", Metric: domain.MetricOIDeltaPct, Operator: domain.OpAbsGT, Threshold: 2.5, TimeWindowSec: 300},
			{SignalID: id + "-surge", Metric: domain.MetricTakerSurge, Operator: domain.OpGT, Threshold: 0.7, TimeWindowSec: 120, VolumeFloor: 500_000},
		},
	}
}

func TestSignalStore_InsertAndGetByID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewSignalStore(pool)
	ctx := context.Background()

	p := testPool("pool-001")
	require.NoError(t, store.InsertPool(ctx, p))

	retrieved, err := store.GetPoolByID(ctx, "pool-001")
	require.NoError(t, err)

	assert.Equal(t, p.PoolID, retrieved.PoolID)
	assert.Equal(t, p.Symbol, retrieved.Symbol)
	assert.Equal(t, p.Logic, retrieved.Logic)
	require.Len(t, retrieved.Conditions, 3)

	// conditions come back in stored order
	for i, c := range p.Conditions {
		assert.Equal(t, c.SignalID, retrieved.Conditions[i].SignalID)
		assert.Equal(t, c.Metric, retrieved.Conditions[i].Metric)
		assert.Equal(t, c.Operator, retrieved.Conditions[i].Operator)
		assert.Equal(t, c.Threshold, retrieved.Conditions[i].Threshold)
		assert.Equal(t, c.TimeWindowSec, retrieved.Conditions[i].TimeWindowSec)
		assert.Equal(t, c.VolumeFloor, retrieved.Conditions[i].VolumeFloor)
	}
}

func TestSignalStore_InsertDuplicate(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewSignalStore(pool)
	ctx := context.Background()

	require.NoError(t, store.InsertPool(ctx, testPool("pool-dup")))

	err := store.InsertPool(ctx, testPool("pool-dup"))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestSignalStore_GetByIDNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewSignalStore(pool)

	_, err := store.GetPoolByID(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSignalStore_GetPoolsByIDs(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewSignalStore(pool)
	ctx := context.Background()

	require.NoError(t, store.InsertPool(ctx, testPool("pool-a")))
	require.NoError(t, store.InsertPool(ctx, testPool("pool-b")))

	// returned in request order, not storage order
	pools, err := store.GetPoolsByIDs(ctx, []string{"pool-b", "pool-a"})
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, "pool-b", pools[0].PoolID)
	assert.Equal(t, "pool-a", pools[1].PoolID)

	// any missing id fails the whole lookup
	_, err = store.GetPoolsByIDs(ctx, []string{"pool-a", "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSignalStore_ListPools(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewSignalStore(pool)
	ctx := context.Background()

	require.NoError(t, store.InsertPool(ctx, testPool("pool-z")))
	require.NoError(t, store.InsertPool(ctx, testPool("pool-a")))

	pools, err := store.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, "pool-a", pools[0].PoolID)
	assert.Equal(t, "pool-z", pools[1].PoolID)
}
