package signal

import (
	"sort"

	"github.com/thrasher-corp/gct-ta/indicators"

	"perp-backtest-lab/internal/domain"
)

// Standard MACD parameters on closed candles.
const (
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
)

// macdSeries precomputes the MACD histogram over a closed-candle series so
// checkpoint evaluation is a pointer walk, not a recompute.
type macdSeries struct {
	openTimes []int64
	histogram []float64
	periodMs  int64
	idx       int // last closed candle at the current checkpoint, -1 before any
}

// newMACDSeries builds the histogram from candle closes. The klines must be
// ordered by open time ascending.
func newMACDSeries(klines []*domain.Kline, periodMs int64) *macdSeries {
	closes := make([]float64, len(klines))
	openTimes := make([]int64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		openTimes[i] = k.OpenTime
	}

	var histogram []float64
	if len(closes) >= macdSlowPeriod+macdSignalPeriod {
		_, _, histogram = indicators.MACD(closes, macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
	}

	return &macdSeries{
		openTimes: openTimes,
		histogram: histogram,
		periodMs:  periodMs,
		idx:       -1,
	}
}

// advance moves to the last candle closed at the checkpoint: its bucket
// must have ended at or before the checkpoint.
func (s *macdSeries) advance(checkpointMs int64) {
	for s.idx+1 < len(s.openTimes) && s.openTimes[s.idx+1]+s.periodMs <= checkpointMs {
		s.idx++
	}
}

// histogramAt returns the histogram value for the current candle.
func (s *macdSeries) histogramAt() (float64, bool) {
	if s.idx < 0 || s.idx >= len(s.histogram) {
		return 0, false
	}
	return s.histogram[s.idx], true
}

// crossAt returns +1 when the histogram crossed zero upward on the current
// candle, -1 on a downward cross, 0 otherwise.
func (s *macdSeries) crossAt() (float64, bool) {
	if s.idx < 1 || s.idx >= len(s.histogram) {
		return 0, false
	}
	prev, cur := s.histogram[s.idx-1], s.histogram[s.idx]
	switch {
	case prev < 0 && cur >= 0:
		return 1, true
	case prev > 0 && cur <= 0:
		return -1, true
	default:
		return 0, true
	}
}

// macdPeriodFor maps a condition's lookback window onto the candle period
// the MACD runs on: the largest standard period not exceeding the window.
// Windows shorter than a minute still run on 1m candles.
func macdPeriodFor(timeWindowSec int) string {
	windowMs := int64(timeWindowSec) * 1000
	periods := []string{domain.Period1d, domain.Period4h, domain.Period1h, domain.Period15m, domain.Period5m, domain.Period1m}
	idx := sort.Search(len(periods), func(i int) bool {
		ms, _ := domain.PeriodMs(periods[i])
		return ms <= windowMs
	})
	if idx == len(periods) {
		return domain.Period1m
	}
	return periods[idx]
}
