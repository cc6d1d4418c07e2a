package memory

import (
	"context"
	"sort"
	"sync"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/storage"
)

// SignalStore is an in-memory implementation of storage.SignalStore.
type SignalStore struct {
	mu    sync.RWMutex
	pools map[string]*domain.SignalPool // keyed by pool_id
}

// NewSignalStore creates a new in-memory signal pool store.
func NewSignalStore() *SignalStore {
	return &SignalStore{
		pools: make(map[string]*domain.SignalPool),
	}
}

// InsertPool adds a pool with its conditions. Returns ErrDuplicateKey if pool_id exists.
func (s *SignalStore) InsertPool(_ context.Context, pool *domain.SignalPool) error {
	if pool == nil || pool.PoolID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pools[pool.PoolID]; exists {
		return storage.ErrDuplicateKey
	}
	s.pools[pool.PoolID] = copyPool(pool)
	return nil
}

// GetPoolByID retrieves a pool with its conditions. Returns ErrNotFound if not exists.
func (s *SignalStore) GetPoolByID(_ context.Context, poolID string) (*domain.SignalPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pool, exists := s.pools[poolID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyPool(pool), nil
}

// GetPoolsByIDs retrieves pools in the order of the given ids.
// Returns ErrNotFound if any id is missing.
func (s *SignalStore) GetPoolsByIDs(_ context.Context, poolIDs []string) ([]*domain.SignalPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.SignalPool, 0, len(poolIDs))
	for _, id := range poolIDs {
		pool, exists := s.pools[id]
		if !exists {
			return nil, storage.ErrNotFound
		}
		result = append(result, copyPool(pool))
	}
	return result, nil
}

// ListPools retrieves all pools ordered by pool_id ASC.
func (s *SignalStore) ListPools(_ context.Context) ([]*domain.SignalPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.SignalPool, 0, len(s.pools))
	for _, pool := range s.pools {
		result = append(result, copyPool(pool))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].PoolID < result[j].PoolID
	})

	return result, nil
}

// copyPool deep-copies a pool including its conditions.
func copyPool(pool *domain.SignalPool) *domain.SignalPool {
	poolCopy := *pool
	poolCopy.Conditions = make([]*domain.SignalCondition, len(pool.Conditions))
	for i, c := range pool.Conditions {
		condCopy := *c
		poolCopy.Conditions[i] = &condCopy
	}
	return &poolCopy
}

var _ storage.SignalStore = (*SignalStore)(nil)
