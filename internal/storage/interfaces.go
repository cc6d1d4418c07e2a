package storage

import (
	"context"

	"perp-backtest-lab/internal/domain"
)

// KlineStore provides access to klines storage.
type KlineStore interface {
	// InsertBulk adds multiple klines. Fails entire batch on duplicate (symbol, period, open_time).
	InsertBulk(ctx context.Context, klines []*domain.Kline) error

	// GetByRange retrieves klines for a symbol/period with open time within [start, end] (inclusive),
	// ordered by open time ASC.
	GetByRange(ctx context.Context, symbol, period string, start, end int64) ([]*domain.Kline, error)
}

// MetricStore provides access to metric_points storage (mark price, open
// interest, funding), sampled at 15-second cadence.
type MetricStore interface {
	// InsertBulk adds multiple points. Fails entire batch on duplicate (symbol, timestamp_ms).
	InsertBulk(ctx context.Context, points []*domain.MetricPoint) error

	// GetByRange retrieves points for a symbol within [start, end] (inclusive), ordered by timestamp ASC.
	GetByRange(ctx context.Context, symbol string, start, end int64) ([]*domain.MetricPoint, error)
}

// FlowStore provides access to flow_buckets storage (taker order flow in
// 15-second buckets).
type FlowStore interface {
	// InsertBulk adds multiple buckets. Fails entire batch on duplicate (symbol, timestamp_ms).
	InsertBulk(ctx context.Context, buckets []*domain.FlowBucket) error

	// GetByRange retrieves buckets for a symbol within [start, end] (inclusive), ordered by timestamp ASC.
	GetByRange(ctx context.Context, symbol string, start, end int64) ([]*domain.FlowBucket, error)
}

// OrderbookStore provides access to orderbook_snapshots storage.
type OrderbookStore interface {
	// InsertBulk adds multiple snapshots. Fails entire batch on duplicate (symbol, timestamp_ms).
	InsertBulk(ctx context.Context, snapshots []*domain.OrderbookSnapshot) error

	// GetByRange retrieves snapshots for a symbol within [start, end] (inclusive), ordered by timestamp ASC.
	GetByRange(ctx context.Context, symbol string, start, end int64) ([]*domain.OrderbookSnapshot, error)
}

// SignalStore provides access to signal pool and condition definitions.
type SignalStore interface {
	// InsertPool adds a pool with its conditions. Returns ErrDuplicateKey if pool_id exists.
	InsertPool(ctx context.Context, pool *domain.SignalPool) error

	// GetPoolByID retrieves a pool with its conditions in stored order.
	// Returns ErrNotFound if not exists.
	GetPoolByID(ctx context.Context, poolID string) (*domain.SignalPool, error)

	// GetPoolsByIDs retrieves pools in the order of the given ids.
	// Returns ErrNotFound if any id is missing.
	GetPoolsByIDs(ctx context.Context, poolIDs []string) ([]*domain.SignalPool, error)

	// ListPools retrieves all pools ordered by pool_id ASC.
	ListPools(ctx context.Context) ([]*domain.SignalPool, error)
}
