package memory

import (
	"context"
	"sort"
	"sync"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/storage"
)

// FlowStore is an in-memory implementation of storage.FlowStore.
type FlowStore struct {
	mu   sync.RWMutex
	data map[string]*domain.FlowBucket // keyed by (symbol, timestamp_ms)
}

// NewFlowStore creates a new in-memory flow bucket store.
func NewFlowStore() *FlowStore {
	return &FlowStore{
		data: make(map[string]*domain.FlowBucket),
	}
}

// InsertBulk adds multiple buckets. Fails entire batch on duplicate.
func (s *FlowStore) InsertBulk(_ context.Context, buckets []*domain.FlowBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(buckets))
	for _, b := range buckets {
		if b == nil || b.Symbol == "" {
			return storage.ErrInvalidInput
		}
		key := metricKey(b.Symbol, b.TimestampMs)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	for _, b := range buckets {
		bucketCopy := *b
		s.data[metricKey(b.Symbol, b.TimestampMs)] = &bucketCopy
	}

	return nil
}

// GetByRange retrieves buckets for a symbol within [start, end] (inclusive).
func (s *FlowStore) GetByRange(_ context.Context, symbol string, start, end int64) ([]*domain.FlowBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.FlowBucket
	for _, b := range s.data {
		if b.Symbol == symbol && b.TimestampMs >= start && b.TimestampMs <= end {
			bucketCopy := *b
			result = append(result, &bucketCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})

	return result, nil
}

var _ storage.FlowStore = (*FlowStore)(nil)
