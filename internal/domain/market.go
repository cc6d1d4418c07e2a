package domain

import "fmt"

// Kline represents one OHLCV candle for a symbol/period.
// Corresponds to the klines table in ClickHouse.
type Kline struct {
	Symbol   string  // trading pair, e.g. "BTCUSDT"
	Period   string  // candle period, e.g. "5m"
	OpenTime int64   // bucket start, Unix timestamp in milliseconds
	Open     float64 // first price in bucket
	High     float64 // highest price in bucket
	Low      float64 // lowest price in bucket
	Close    float64 // last price in bucket
	Volume   float64 // base-asset volume in bucket
}

// MetricPoint represents one fine-grained asset metric sample.
// Sampled at 15-second cadence; corresponds to metric_points in ClickHouse.
type MetricPoint struct {
	Symbol            string
	TimestampMs       int64
	MarkPrice         float64
	OpenInterest      float64 // contracts
	OpenInterestValue float64 // USD notional
	FundingRate       float64
}

// FlowBucket represents taker order-flow aggregated into a 15-second bucket.
// Corresponds to flow_buckets in ClickHouse.
type FlowBucket struct {
	Symbol       string
	TimestampMs  int64   // bucket start (ms)
	BuyNotional  float64 // taker buy quote volume
	SellNotional float64 // taker sell quote volume
	BuyVolume    float64 // taker buy base volume
	SellVolume   float64 // taker sell base volume
	TradeCount   int
}

// PriceLevel is one side level of an orderbook snapshot.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderbookSnapshot represents depth at a point in time.
// Corresponds to orderbook_snapshots in ClickHouse.
type OrderbookSnapshot struct {
	Symbol      string
	TimestampMs int64
	Bids        []PriceLevel // descending by price
	Asks        []PriceLevel // ascending by price
}

// Supported kline periods.
const (
	Period1m  = "1m"
	Period5m  = "5m"
	Period15m = "15m"
	Period1h  = "1h"
	Period4h  = "4h"
	Period1d  = "1d"
)

// FlowBucketMs is the fine-grained sampling cadence for metric points,
// flow buckets, and signal evaluation checkpoints.
const FlowBucketMs int64 = 15_000

// PeriodMs returns the duration of a kline period in milliseconds.
func PeriodMs(period string) (int64, error) {
	switch period {
	case Period1m:
		return 60_000, nil
	case Period5m:
		return 300_000, nil
	case Period15m:
		return 900_000, nil
	case Period1h:
		return 3_600_000, nil
	case Period4h:
		return 14_400_000, nil
	case Period1d:
		return 86_400_000, nil
	default:
		return 0, fmt.Errorf("unknown kline period: %q", period)
	}
}
