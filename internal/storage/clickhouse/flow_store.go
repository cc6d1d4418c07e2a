package clickhouse

import (
	"context"
	"fmt"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/storage"
)

// FlowStore implements storage.FlowStore using ClickHouse.
type FlowStore struct {
	conn *Conn
}

// NewFlowStore creates a new FlowStore.
func NewFlowStore(conn *Conn) *FlowStore {
	return &FlowStore{conn: conn}
}

// Compile-time interface check.
var _ storage.FlowStore = (*FlowStore)(nil)

// InsertBulk adds multiple buckets. Fails entire batch on duplicate (symbol, timestamp_ms).
func (s *FlowStore) InsertBulk(ctx context.Context, buckets []*domain.FlowBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	type key struct {
		symbol      string
		timestampMs int64
	}
	seen := make(map[key]struct{})
	for _, b := range buckets {
		dup := key{b.Symbol, b.TimestampMs}
		if _, exists := seen[dup]; exists {
			return storage.ErrDuplicateKey
		}
		seen[dup] = struct{}{}
	}

	for _, b := range buckets {
		exists, err := s.exists(ctx, b.Symbol, b.TimestampMs)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO flow_buckets (
			symbol, timestamp_ms, buy_notional, sell_notional, buy_volume, sell_volume, trade_count
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, b := range buckets {
		err = batch.Append(
			b.Symbol, uint64(b.TimestampMs),
			b.BuyNotional, b.SellNotional, b.BuyVolume, b.SellVolume, uint32(b.TradeCount),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByRange retrieves buckets for a symbol within [start, end] (inclusive).
func (s *FlowStore) GetByRange(ctx context.Context, symbol string, start, end int64) ([]*domain.FlowBucket, error) {
	query := `
		SELECT symbol, timestamp_ms, buy_notional, sell_notional, buy_volume, sell_volume, trade_count
		FROM flow_buckets
		WHERE symbol = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, symbol, uint64(start), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("query flow buckets by range: %w", err)
	}
	defer rows.Close()

	return scanFlowBuckets(rows)
}

// exists checks if a bucket with the given key exists.
func (s *FlowStore) exists(ctx context.Context, symbol string, timestampMs int64) (bool, error) {
	query := `
		SELECT count(*) FROM flow_buckets
		WHERE symbol = ? AND timestamp_ms = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, symbol, uint64(timestampMs)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// scanFlowBuckets scans multiple rows.
func scanFlowBuckets(rows chRows) ([]*domain.FlowBucket, error) {
	var buckets []*domain.FlowBucket

	for rows.Next() {
		var b domain.FlowBucket
		var timestampMs uint64
		var tradeCount uint32

		err := rows.Scan(
			&b.Symbol, &timestampMs,
			&b.BuyNotional, &b.SellNotional, &b.BuyVolume, &b.SellVolume, &tradeCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan flow bucket row: %w", err)
		}

		b.TimestampMs = int64(timestampMs)
		b.TradeCount = int(tradeCount)
		buckets = append(buckets, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flow bucket rows: %w", err)
	}

	return buckets, nil
}
