package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/storage"
)

// KlineStore is an in-memory implementation of storage.KlineStore.
type KlineStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Kline // keyed by (symbol, period, open_time)
}

// NewKlineStore creates a new in-memory kline store.
func NewKlineStore() *KlineStore {
	return &KlineStore{
		data: make(map[string]*domain.Kline),
	}
}

func klineKey(symbol, period string, openTime int64) string {
	return fmt.Sprintf("%s|%s|%d", symbol, period, openTime)
}

// InsertBulk adds multiple klines. Fails entire batch on duplicate.
func (s *KlineStore) InsertBulk(_ context.Context, klines []*domain.Kline) error {
	if len(klines) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(klines))
	for _, k := range klines {
		if k == nil || k.Symbol == "" || k.Period == "" {
			return storage.ErrInvalidInput
		}
		key := klineKey(k.Symbol, k.Period, k.OpenTime)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	for _, k := range klines {
		klineCopy := *k
		s.data[klineKey(k.Symbol, k.Period, k.OpenTime)] = &klineCopy
	}

	return nil
}

// GetByRange retrieves klines for a symbol/period within [start, end] (inclusive).
func (s *KlineStore) GetByRange(_ context.Context, symbol, period string, start, end int64) ([]*domain.Kline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Kline
	for _, k := range s.data {
		if k.Symbol == symbol && k.Period == period && k.OpenTime >= start && k.OpenTime <= end {
			klineCopy := *k
			result = append(result, &klineCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].OpenTime < result[j].OpenTime
	})

	return result, nil
}

var _ storage.KlineStore = (*KlineStore)(nil)
