package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/storage"
)

// MetricStore is an in-memory implementation of storage.MetricStore.
type MetricStore struct {
	mu   sync.RWMutex
	data map[string]*domain.MetricPoint // keyed by (symbol, timestamp_ms)
}

// NewMetricStore creates a new in-memory metric point store.
func NewMetricStore() *MetricStore {
	return &MetricStore{
		data: make(map[string]*domain.MetricPoint),
	}
}

func metricKey(symbol string, timestampMs int64) string {
	return fmt.Sprintf("%s|%d", symbol, timestampMs)
}

// InsertBulk adds multiple points. Fails entire batch on duplicate.
func (s *MetricStore) InsertBulk(_ context.Context, points []*domain.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(points))
	for _, p := range points {
		if p == nil || p.Symbol == "" {
			return storage.ErrInvalidInput
		}
		key := metricKey(p.Symbol, p.TimestampMs)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	for _, p := range points {
		pointCopy := *p
		s.data[metricKey(p.Symbol, p.TimestampMs)] = &pointCopy
	}

	return nil
}

// GetByRange retrieves points for a symbol within [start, end] (inclusive).
func (s *MetricStore) GetByRange(_ context.Context, symbol string, start, end int64) ([]*domain.MetricPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MetricPoint
	for _, p := range s.data {
		if p.Symbol == symbol && p.TimestampMs >= start && p.TimestampMs <= end {
			pointCopy := *p
			result = append(result, &pointCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})

	return result, nil
}

var _ storage.MetricStore = (*MetricStore)(nil)
