package memory

import (
	"context"
	"sort"
	"sync"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/storage"
)

// OrderbookStore is an in-memory implementation of storage.OrderbookStore.
type OrderbookStore struct {
	mu   sync.RWMutex
	data map[string]*domain.OrderbookSnapshot // keyed by (symbol, timestamp_ms)
}

// NewOrderbookStore creates a new in-memory orderbook snapshot store.
func NewOrderbookStore() *OrderbookStore {
	return &OrderbookStore{
		data: make(map[string]*domain.OrderbookSnapshot),
	}
}

// InsertBulk adds multiple snapshots. Fails entire batch on duplicate.
func (s *OrderbookStore) InsertBulk(_ context.Context, snapshots []*domain.OrderbookSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(snapshots))
	for _, snap := range snapshots {
		if snap == nil || snap.Symbol == "" {
			return storage.ErrInvalidInput
		}
		key := metricKey(snap.Symbol, snap.TimestampMs)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	for _, snap := range snapshots {
		s.data[metricKey(snap.Symbol, snap.TimestampMs)] = copySnapshot(snap)
	}

	return nil
}

// GetByRange retrieves snapshots for a symbol within [start, end] (inclusive).
func (s *OrderbookStore) GetByRange(_ context.Context, symbol string, start, end int64) ([]*domain.OrderbookSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.OrderbookSnapshot
	for _, snap := range s.data {
		if snap.Symbol == symbol && snap.TimestampMs >= start && snap.TimestampMs <= end {
			result = append(result, copySnapshot(snap))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})

	return result, nil
}

// copySnapshot deep-copies a snapshot including its levels.
func copySnapshot(snap *domain.OrderbookSnapshot) *domain.OrderbookSnapshot {
	snapCopy := *snap
	snapCopy.Bids = append([]domain.PriceLevel(nil), snap.Bids...)
	snapCopy.Asks = append([]domain.PriceLevel(nil), snap.Asks...)
	return &snapCopy
}

var _ storage.OrderbookStore = (*OrderbookStore)(nil)
