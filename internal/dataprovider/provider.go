// Package dataprovider gives strategy code a time-travel view over stored
// market data. Every read is bounded by the provider's simulated clock, so
// no query can observe data from the future of the run.
package dataprovider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/montanaflynn/stats"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/storage"
)

// Provider errors.
var (
	ErrNoPrice        = errors.New("no price available at or before the clock")
	ErrNotPreloaded   = errors.New("series not preloaded for symbol")
	ErrEmptyTimeRange = errors.New("preload range is empty")
)

// regimeLookbackCandles is how many closed candles feed the regime snapshot.
const regimeLookbackCandles = 20

// queryLogResultCap truncates logged results so the per-trigger log stays small.
const queryLogResultCap = 120

// Provider is a clock-bounded read layer over preloaded market data.
// One instance per run; not safe for concurrent use.
type Provider struct {
	klines  storage.KlineStore
	metrics storage.MetricStore
	flows   storage.FlowStore
	books   storage.OrderbookStore
	logger  *log.Logger

	startMs int64
	endMs   int64
	clockMs int64

	// per-run caches, loaded once by Preload
	klineCache  map[string][]*domain.Kline // key: symbol|period
	metricCache map[string][]*domain.MetricPoint
	flowCache   map[string][]*domain.FlowBucket

	queryLog []*domain.QueryRecord
}

// Options configures a Provider.
type Options struct {
	Klines  storage.KlineStore
	Metrics storage.MetricStore
	Flows   storage.FlowStore
	Books   storage.OrderbookStore
	Logger  *log.Logger
}

// New creates a Provider over the given stores.
func New(opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dataprovider] ", log.LstdFlags)
	}
	return &Provider{
		klines:      opts.Klines,
		metrics:     opts.Metrics,
		flows:       opts.Flows,
		books:       opts.Books,
		logger:      logger,
		klineCache:  make(map[string][]*domain.Kline),
		metricCache: make(map[string][]*domain.MetricPoint),
		flowCache:   make(map[string][]*domain.FlowBucket),
	}
}

func klineCacheKey(symbol, period string) string {
	return symbol + "|" + period
}

// Preload loads every series a run needs, once, before the event loop
// starts. The hot path performs no store reads after this returns.
func (p *Provider) Preload(ctx context.Context, symbols []string, periods []string, startMs, endMs int64) error {
	if endMs <= startMs {
		return ErrEmptyTimeRange
	}
	p.startMs = startMs
	p.endMs = endMs
	p.clockMs = startMs

	for _, symbol := range symbols {
		for _, period := range periods {
			periodMs, err := domain.PeriodMs(period)
			if err != nil {
				return err
			}
			// Reach back far enough that indicators at start time have history.
			lookbackMs := periodMs * 200
			ks, err := p.klines.GetByRange(ctx, symbol, period, startMs-lookbackMs, endMs)
			if err != nil {
				return fmt.Errorf("preload klines %s/%s: %w", symbol, period, err)
			}
			p.klineCache[klineCacheKey(symbol, period)] = ks
		}

		points, err := p.metrics.GetByRange(ctx, symbol, startMs-domain.FlowBucketMs*10, endMs)
		if err != nil {
			return fmt.Errorf("preload metrics %s: %w", symbol, err)
		}
		p.metricCache[symbol] = points

		if p.flows != nil {
			buckets, err := p.flows.GetByRange(ctx, symbol, startMs-domain.FlowBucketMs*10, endMs)
			if err != nil {
				return fmt.Errorf("preload flows %s: %w", symbol, err)
			}
			p.flowCache[symbol] = buckets
		}

		p.logger.Printf("preloaded %s: %d metric points, %d flow buckets",
			symbol, len(p.metricCache[symbol]), len(p.flowCache[symbol]))
	}

	return nil
}

// SetClock advances (or rewinds) the simulated clock. Reads after this call
// see only data with timestamp <= clockMs.
func (p *Provider) SetClock(clockMs int64) {
	p.clockMs = clockMs
}

// Clock returns the current simulated time in milliseconds.
func (p *Provider) Clock() int64 { return p.clockMs }

// ResetQueryLog clears the per-trigger query log.
func (p *Provider) ResetQueryLog() {
	p.queryLog = p.queryLog[:0]
}

// QueryLog returns a copy of the queries issued since the last reset.
func (p *Provider) QueryLog() []*domain.QueryRecord {
	out := make([]*domain.QueryRecord, 0, len(p.queryLog))
	for _, r := range p.queryLog {
		recCopy := *r
		out = append(out, &recCopy)
	}
	return out
}

func (p *Provider) logQuery(method string, args string, result any) {
	res := fmt.Sprintf("%v", result)
	if len(res) > queryLogResultCap {
		res = res[:queryLogResultCap] + "..."
	}
	p.queryLog = append(p.queryLog, &domain.QueryRecord{
		Method: method,
		Args:   args,
		Result: res,
	})
}

// CurrentPrice returns the latest mark price at or before the clock.
func (p *Provider) CurrentPrice(symbol string) (float64, error) {
	points, ok := p.metricCache[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotPreloaded, symbol)
	}

	idx := sort.Search(len(points), func(i int) bool {
		return points[i].TimestampMs > p.clockMs
	})
	if idx == 0 {
		p.logQuery("CurrentPrice", symbol, "no price")
		return 0, fmt.Errorf("%w: %s at %d", ErrNoPrice, symbol, p.clockMs)
	}

	price := points[idx-1].MarkPrice
	p.logQuery("CurrentPrice", symbol, price)
	return price, nil
}

// CurrentPrices returns prices for every requested symbol that has one;
// symbols without a price at the clock are simply absent from the map.
func (p *Provider) CurrentPrices(symbols []string) map[string]float64 {
	prices := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		price, err := p.CurrentPrice(symbol)
		if err != nil {
			continue
		}
		prices[symbol] = price
	}
	return prices
}

// Klines returns up to limit candles ending at the clock, oldest first.
// The bucket containing the clock is returned as a virtual candle built
// from 15s mark-price samples, mirroring a live API's partially-formed
// current candle.
func (p *Provider) Klines(symbol, period string, limit int) ([]*domain.Kline, error) {
	series, ok := p.klineCache[klineCacheKey(symbol, period)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotPreloaded, symbol, period)
	}
	periodMs, err := domain.PeriodMs(period)
	if err != nil {
		return nil, err
	}

	currentBucket := p.clockMs - p.clockMs%periodMs

	// Closed candles only: a candle is closed once its bucket has ended.
	idx := sort.Search(len(series), func(i int) bool {
		return series[i].OpenTime >= currentBucket
	})
	closed := series[:idx]

	out := make([]*domain.Kline, 0, limit+1)
	from := len(closed) - limit
	if from < 0 {
		from = 0
	}
	for _, k := range closed[from:] {
		kCopy := *k
		out = append(out, &kCopy)
	}

	if virtual := p.virtualCandle(symbol, period, currentBucket); virtual != nil {
		out = append(out, virtual)
		if len(out) > limit {
			out = out[len(out)-limit:]
		}
	}

	p.logQuery("Klines", fmt.Sprintf("%s %s limit=%d", symbol, period, limit), len(out))
	return out, nil
}

// KlinesBetween returns the closed candles with open time in (fromMs, toMs],
// oldest first. Used for intrabar TP/SL sweeps across trigger gaps.
func (p *Provider) KlinesBetween(symbol, period string, fromMs, toMs int64) ([]*domain.Kline, error) {
	series, ok := p.klineCache[klineCacheKey(symbol, period)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotPreloaded, symbol, period)
	}
	if toMs > p.clockMs {
		toMs = p.clockMs
	}

	lo := sort.Search(len(series), func(i int) bool {
		return series[i].OpenTime > fromMs
	})
	hi := sort.Search(len(series), func(i int) bool {
		return series[i].OpenTime > toMs
	})

	out := make([]*domain.Kline, 0, hi-lo)
	for _, k := range series[lo:hi] {
		kCopy := *k
		out = append(out, &kCopy)
	}
	p.logQuery("KlinesBetween", fmt.Sprintf("%s %s (%d,%d]", symbol, period, fromMs, toMs), len(out))
	return out, nil
}

// virtualCandle aggregates the 15s mark-price samples inside the clock's
// bucket into an in-progress OHLC candle. Returns nil when the bucket has
// no samples at or before the clock.
func (p *Provider) virtualCandle(symbol, period string, bucketStart int64) *domain.Kline {
	points, ok := p.metricCache[symbol]
	if !ok {
		return nil
	}

	lo := sort.Search(len(points), func(i int) bool {
		return points[i].TimestampMs >= bucketStart
	})
	hi := sort.Search(len(points), func(i int) bool {
		return points[i].TimestampMs > p.clockMs
	})
	if lo >= hi {
		return nil
	}

	k := &domain.Kline{
		Symbol:   symbol,
		Period:   period,
		OpenTime: bucketStart,
		Open:     points[lo].MarkPrice,
		High:     points[lo].MarkPrice,
		Low:      points[lo].MarkPrice,
		Close:    points[hi-1].MarkPrice,
	}
	for _, pt := range points[lo:hi] {
		if pt.MarkPrice > k.High {
			k.High = pt.MarkPrice
		}
		if pt.MarkPrice < k.Low {
			k.Low = pt.MarkPrice
		}
	}
	return k
}

// MetricPoints returns up to limit metric samples at or before the clock,
// oldest first.
func (p *Provider) MetricPoints(symbol string, limit int) ([]*domain.MetricPoint, error) {
	points, ok := p.metricCache[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPreloaded, symbol)
	}
	hi := sort.Search(len(points), func(i int) bool {
		return points[i].TimestampMs > p.clockMs
	})
	lo := hi - limit
	if lo < 0 {
		lo = 0
	}
	out := make([]*domain.MetricPoint, 0, hi-lo)
	for _, pt := range points[lo:hi] {
		ptCopy := *pt
		out = append(out, &ptCopy)
	}
	p.logQuery("MetricPoints", fmt.Sprintf("%s limit=%d", symbol, limit), len(out))
	return out, nil
}

// FlowBuckets returns up to limit flow buckets at or before the clock,
// oldest first.
func (p *Provider) FlowBuckets(symbol string, limit int) ([]*domain.FlowBucket, error) {
	buckets, ok := p.flowCache[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPreloaded, symbol)
	}
	hi := sort.Search(len(buckets), func(i int) bool {
		return buckets[i].TimestampMs > p.clockMs
	})
	lo := hi - limit
	if lo < 0 {
		lo = 0
	}
	out := make([]*domain.FlowBucket, 0, hi-lo)
	for _, b := range buckets[lo:hi] {
		bCopy := *b
		out = append(out, &bCopy)
	}
	p.logQuery("FlowBuckets", fmt.Sprintf("%s limit=%d", symbol, limit), len(out))
	return out, nil
}

// Orderbook returns the latest depth snapshot at or before the clock.
// Orderbook snapshots are not preloaded; the store is queried directly
// with a clock-bounded range.
func (p *Provider) Orderbook(ctx context.Context, symbol string) (*domain.OrderbookSnapshot, error) {
	if p.books == nil {
		return nil, storage.ErrNotFound
	}
	snaps, err := p.books.GetByRange(ctx, symbol, p.clockMs-domain.FlowBucketMs*4, p.clockMs)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, storage.ErrNotFound
	}
	snap := snaps[len(snaps)-1]
	p.logQuery("Orderbook", symbol, snap.TimestampMs)
	return snap, nil
}

// Regime classifies trend and volatility from the most recent closed
// candles at the clock.
func (p *Provider) Regime(symbol, period string) (*domain.RegimeSnapshot, error) {
	series, ok := p.klineCache[klineCacheKey(symbol, period)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotPreloaded, symbol, period)
	}
	periodMs, err := domain.PeriodMs(period)
	if err != nil {
		return nil, err
	}
	currentBucket := p.clockMs - p.clockMs%periodMs

	idx := sort.Search(len(series), func(i int) bool {
		return series[i].OpenTime >= currentBucket
	})
	closed := series[:idx]
	if len(closed) < 2 {
		return &domain.RegimeSnapshot{Symbol: symbol, Trend: domain.TrendFlat, VolatilityBand: domain.VolLow}, nil
	}
	from := len(closed) - regimeLookbackCandles
	if from < 0 {
		from = 0
	}
	window := closed[from:]

	first := window[0].Close
	last := window[len(window)-1].Close
	changePct := 0.0
	if first > 0 {
		changePct = (last - first) / first * 100
	}

	trend := domain.TrendFlat
	switch {
	case changePct > 1.0:
		trend = domain.TrendUp
	case changePct < -1.0:
		trend = domain.TrendDown
	}

	volPct := candleReturnStddevPct(window)
	band := domain.VolLow
	switch {
	case volPct > 1.5:
		band = domain.VolHigh
	case volPct > 0.5:
		band = domain.VolMedium
	}

	return &domain.RegimeSnapshot{
		Symbol:         symbol,
		Trend:          trend,
		ChangePct:      changePct,
		VolatilityPct:  volPct,
		VolatilityBand: band,
	}, nil
}

// candleReturnStddevPct computes the standard deviation of close-to-close
// returns, in percent.
func candleReturnStddevPct(klines []*domain.Kline) float64 {
	if len(klines) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		prev := klines[i-1].Close
		if prev <= 0 {
			continue
		}
		returns = append(returns, (klines[i].Close-prev)/prev)
	}
	if len(returns) == 0 {
		return 0
	}
	stddev, err := stats.StandardDeviationPopulation(returns)
	if err != nil {
		return 0
	}
	return stddev * 100
}
