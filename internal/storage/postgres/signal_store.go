package postgres

import (
	"context"
	"fmt"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/storage"
)

// SignalStore implements storage.SignalStore using PostgreSQL.
// Pools live in signal_pools, conditions in signal_conditions with an
// explicit position column preserving definition order.
type SignalStore struct {
	pool *Pool
}

// NewSignalStore creates a new SignalStore.
func NewSignalStore(pool *Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SignalStore = (*SignalStore)(nil)

// InsertPool adds a pool with its conditions atomically.
// Returns ErrDuplicateKey if pool_id exists.
func (s *SignalStore) InsertPool(ctx context.Context, p *domain.SignalPool) error {
	if p == nil || p.PoolID == "" {
		return storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO signal_pools (pool_id, symbol, logic)
		VALUES ($1, $2, $3)
	`, p.PoolID, p.Symbol, p.Logic)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert signal pool: %w", err)
	}

	for i, c := range p.Conditions {
		_, err = tx.Exec(ctx, `
			INSERT INTO signal_conditions (
				signal_id, pool_id, position, metric, operator, threshold, time_window_sec, volume_floor
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, c.SignalID, p.PoolID, i, c.Metric, c.Operator, c.Threshold, c.TimeWindowSec, c.VolumeFloor)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert signal condition: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetPoolByID retrieves a pool with its conditions in stored order.
// Returns ErrNotFound if not exists.
func (s *SignalStore) GetPoolByID(ctx context.Context, poolID string) (*domain.SignalPool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT pool_id, symbol, logic
		FROM signal_pools
		WHERE pool_id = $1
	`, poolID)

	var p domain.SignalPool
	if err := row.Scan(&p.PoolID, &p.Symbol, &p.Logic); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scan signal pool: %w", err)
	}

	conditions, err := s.loadConditions(ctx, poolID)
	if err != nil {
		return nil, err
	}
	p.Conditions = conditions

	return &p, nil
}

// GetPoolsByIDs retrieves pools in the order of the given ids.
// Returns ErrNotFound if any id is missing.
func (s *SignalStore) GetPoolsByIDs(ctx context.Context, poolIDs []string) ([]*domain.SignalPool, error) {
	result := make([]*domain.SignalPool, 0, len(poolIDs))
	for _, id := range poolIDs {
		p, err := s.GetPoolByID(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// ListPools retrieves all pools ordered by pool_id ASC.
func (s *SignalStore) ListPools(ctx context.Context) ([]*domain.SignalPool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pool_id, symbol, logic
		FROM signal_pools
		ORDER BY pool_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query signal pools: %w", err)
	}
	defer rows.Close()

	var pools []*domain.SignalPool
	for rows.Next() {
		var p domain.SignalPool
		if err := rows.Scan(&p.PoolID, &p.Symbol, &p.Logic); err != nil {
			return nil, fmt.Errorf("scan signal pool row: %w", err)
		}
		pools = append(pools, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signal pool rows: %w", err)
	}

	for _, p := range pools {
		conditions, err := s.loadConditions(ctx, p.PoolID)
		if err != nil {
			return nil, err
		}
		p.Conditions = conditions
	}

	return pools, nil
}

// loadConditions loads a pool's conditions ordered by position.
func (s *SignalStore) loadConditions(ctx context.Context, poolID string) ([]*domain.SignalCondition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT signal_id, metric, operator, threshold, time_window_sec, volume_floor
		FROM signal_conditions
		WHERE pool_id = $1
		ORDER BY position ASC
	`, poolID)
	if err != nil {
		return nil, fmt.Errorf("query signal conditions: %w", err)
	}
	defer rows.Close()

	var conditions []*domain.SignalCondition
	for rows.Next() {
		var c domain.SignalCondition
		err := rows.Scan(
			&c.SignalID, &c.Metric, &c.Operator,
			&c.Threshold, &c.TimeWindowSec, &c.VolumeFloor,
		)
		if err != nil {
			return nil, fmt.Errorf("scan signal condition row: %w", err)
		}
		conditions = append(conditions, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signal condition rows: %w", err)
	}

	return conditions, nil
}
