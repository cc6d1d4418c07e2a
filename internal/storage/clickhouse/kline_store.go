package clickhouse

import (
	"context"
	"fmt"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/storage"
)

// KlineStore implements storage.KlineStore using ClickHouse.
type KlineStore struct {
	conn *Conn
}

// NewKlineStore creates a new KlineStore.
func NewKlineStore(conn *Conn) *KlineStore {
	return &KlineStore{conn: conn}
}

// Compile-time interface check.
var _ storage.KlineStore = (*KlineStore)(nil)

// InsertBulk adds multiple klines. Fails entire batch on duplicate (symbol, period, open_time).
func (s *KlineStore) InsertBulk(ctx context.Context, klines []*domain.Kline) error {
	if len(klines) == 0 {
		return nil
	}

	// Check for intra-batch duplicates
	type key struct {
		symbol   string
		period   string
		openTime int64
	}
	seen := make(map[key]struct{})
	for _, k := range klines {
		dup := key{k.Symbol, k.Period, k.OpenTime}
		if _, exists := seen[dup]; exists {
			return storage.ErrDuplicateKey
		}
		seen[dup] = struct{}{}
	}

	// Check for duplicates against existing DB rows
	for _, k := range klines {
		exists, err := s.exists(ctx, k.Symbol, k.Period, k.OpenTime)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO klines (
			symbol, period, open_time, open, high, low, close, volume
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, k := range klines {
		err = batch.Append(
			k.Symbol, k.Period, uint64(k.OpenTime),
			k.Open, k.High, k.Low, k.Close, k.Volume,
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

// GetByRange retrieves klines for a symbol/period within [start, end] (inclusive).
func (s *KlineStore) GetByRange(ctx context.Context, symbol, period string, start, end int64) ([]*domain.Kline, error) {
	query := `
		SELECT symbol, period, open_time, open, high, low, close, volume
		FROM klines
		WHERE symbol = ? AND period = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC
	`

	rows, err := s.conn.Query(ctx, query, symbol, period, uint64(start), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("query klines by range: %w", err)
	}
	defer rows.Close()

	return scanKlines(rows)
}

// exists checks if a kline with the given key exists.
func (s *KlineStore) exists(ctx context.Context, symbol, period string, openTime int64) (bool, error) {
	query := `
		SELECT count(*) FROM klines
		WHERE symbol = ? AND period = ? AND open_time = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, symbol, period, uint64(openTime)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// scanKlines scans multiple rows.
func scanKlines(rows chRows) ([]*domain.Kline, error) {
	var klines []*domain.Kline

	for rows.Next() {
		var k domain.Kline
		var openTime uint64

		err := rows.Scan(
			&k.Symbol, &k.Period, &openTime,
			&k.Open, &k.High, &k.Low, &k.Close, &k.Volume,
		)
		if err != nil {
			return nil, fmt.Errorf("scan kline row: %w", err)
		}

		k.OpenTime = int64(openTime)
		klines = append(klines, &k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kline rows: %w", err)
	}

	return klines, nil
}
