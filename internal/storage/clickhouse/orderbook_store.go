package clickhouse

import (
	"context"
	"fmt"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/storage"
)

// OrderbookStore implements storage.OrderbookStore using ClickHouse.
// Levels are stored as parallel price/size arrays per side.
type OrderbookStore struct {
	conn *Conn
}

// NewOrderbookStore creates a new OrderbookStore.
func NewOrderbookStore(conn *Conn) *OrderbookStore {
	return &OrderbookStore{conn: conn}
}

// Compile-time interface check.
var _ storage.OrderbookStore = (*OrderbookStore)(nil)

// InsertBulk adds multiple snapshots. Fails entire batch on duplicate (symbol, timestamp_ms).
func (s *OrderbookStore) InsertBulk(ctx context.Context, snapshots []*domain.OrderbookSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	type key struct {
		symbol      string
		timestampMs int64
	}
	seen := make(map[key]struct{})
	for _, snap := range snapshots {
		dup := key{snap.Symbol, snap.TimestampMs}
		if _, exists := seen[dup]; exists {
			return storage.ErrDuplicateKey
		}
		seen[dup] = struct{}{}
	}

	for _, snap := range snapshots {
		exists, err := s.exists(ctx, snap.Symbol, snap.TimestampMs)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO orderbook_snapshots (
			symbol, timestamp_ms, bid_prices, bid_sizes, ask_prices, ask_sizes
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, snap := range snapshots {
		bidPrices, bidSizes := splitLevels(snap.Bids)
		askPrices, askSizes := splitLevels(snap.Asks)
		err = batch.Append(
			snap.Symbol, uint64(snap.TimestampMs),
			bidPrices, bidSizes, askPrices, askSizes,
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

// GetByRange retrieves snapshots for a symbol within [start, end] (inclusive).
func (s *OrderbookStore) GetByRange(ctx context.Context, symbol string, start, end int64) ([]*domain.OrderbookSnapshot, error) {
	query := `
		SELECT symbol, timestamp_ms, bid_prices, bid_sizes, ask_prices, ask_sizes
		FROM orderbook_snapshots
		WHERE symbol = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, symbol, uint64(start), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("query orderbook snapshots by range: %w", err)
	}
	defer rows.Close()

	return scanOrderbookSnapshots(rows)
}

// exists checks if a snapshot with the given key exists.
func (s *OrderbookStore) exists(ctx context.Context, symbol string, timestampMs int64) (bool, error) {
	query := `
		SELECT count(*) FROM orderbook_snapshots
		WHERE symbol = ? AND timestamp_ms = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, symbol, uint64(timestampMs)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// splitLevels converts levels into parallel price/size arrays.
func splitLevels(levels []domain.PriceLevel) ([]float64, []float64) {
	prices := make([]float64, len(levels))
	sizes := make([]float64, len(levels))
	for i, l := range levels {
		prices[i] = l.Price
		sizes[i] = l.Size
	}
	return prices, sizes
}

// joinLevels converts parallel price/size arrays back into levels.
func joinLevels(prices, sizes []float64) []domain.PriceLevel {
	if len(prices) != len(sizes) {
		return nil
	}
	levels := make([]domain.PriceLevel, len(prices))
	for i := range prices {
		levels[i] = domain.PriceLevel{Price: prices[i], Size: sizes[i]}
	}
	return levels
}

// scanOrderbookSnapshots scans multiple rows.
func scanOrderbookSnapshots(rows chRows) ([]*domain.OrderbookSnapshot, error) {
	var snapshots []*domain.OrderbookSnapshot

	for rows.Next() {
		var snap domain.OrderbookSnapshot
		var timestampMs uint64
		var bidPrices, bidSizes, askPrices, askSizes []float64

		err := rows.Scan(
			&snap.Symbol, &timestampMs,
			&bidPrices, &bidSizes, &askPrices, &askSizes,
		)
		if err != nil {
			return nil, fmt.Errorf("scan orderbook snapshot row: %w", err)
		}

		snap.TimestampMs = int64(timestampMs)
		snap.Bids = joinLevels(bidPrices, bidSizes)
		snap.Asks = joinLevels(askPrices, askSizes)
		snapshots = append(snapshots, &snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orderbook snapshot rows: %w", err)
	}

	return snapshots, nil
}
