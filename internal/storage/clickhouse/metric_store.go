package clickhouse

import (
	"context"
	"fmt"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/storage"
)

// MetricStore implements storage.MetricStore using ClickHouse.
type MetricStore struct {
	conn *Conn
}

// NewMetricStore creates a new MetricStore.
func NewMetricStore(conn *Conn) *MetricStore {
	return &MetricStore{conn: conn}
}

// Compile-time interface check.
var _ storage.MetricStore = (*MetricStore)(nil)

// InsertBulk adds multiple points. Fails entire batch on duplicate (symbol, timestamp_ms).
func (s *MetricStore) InsertBulk(ctx context.Context, points []*domain.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}

	type key struct {
		symbol      string
		timestampMs int64
	}
	seen := make(map[key]struct{})
	for _, p := range points {
		dup := key{p.Symbol, p.TimestampMs}
		if _, exists := seen[dup]; exists {
			return storage.ErrDuplicateKey
		}
		seen[dup] = struct{}{}
	}

	for _, p := range points {
		exists, err := s.exists(ctx, p.Symbol, p.TimestampMs)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO metric_points (
			symbol, timestamp_ms, mark_price, open_interest, open_interest_value, funding_rate
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range points {
		err = batch.Append(
			p.Symbol, uint64(p.TimestampMs),
			p.MarkPrice, p.OpenInterest, p.OpenInterestValue, p.FundingRate,
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

// GetByRange retrieves points for a symbol within [start, end] (inclusive).
func (s *MetricStore) GetByRange(ctx context.Context, symbol string, start, end int64) ([]*domain.MetricPoint, error) {
	query := `
		SELECT symbol, timestamp_ms, mark_price, open_interest, open_interest_value, funding_rate
		FROM metric_points
		WHERE symbol = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, symbol, uint64(start), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("query metric points by range: %w", err)
	}
	defer rows.Close()

	return scanMetricPoints(rows)
}

// exists checks if a point with the given key exists.
func (s *MetricStore) exists(ctx context.Context, symbol string, timestampMs int64) (bool, error) {
	query := `
		SELECT count(*) FROM metric_points
		WHERE symbol = ? AND timestamp_ms = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, symbol, uint64(timestampMs)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// scanMetricPoints scans multiple rows.
func scanMetricPoints(rows chRows) ([]*domain.MetricPoint, error) {
	var points []*domain.MetricPoint

	for rows.Next() {
		var p domain.MetricPoint
		var timestampMs uint64

		err := rows.Scan(
			&p.Symbol, &timestampMs,
			&p.MarkPrice, &p.OpenInterest, &p.OpenInterestValue, &p.FundingRate,
		)
		if err != nil {
			return nil, fmt.Errorf("scan metric point row: %w", err)
		}

		p.TimestampMs = int64(timestampMs)
		points = append(points, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric point rows: %w", err)
	}

	return points, nil
}
