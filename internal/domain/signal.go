package domain

import "errors"

// Signal pool validation errors.
var (
	ErrEmptyPool         = errors.New("signal pool has no conditions")
	ErrUnknownMetric     = errors.New("unknown signal metric")
	ErrUnknownOperator   = errors.New("unknown signal operator")
	ErrUnknownPoolLogic  = errors.New("unknown pool logic")
	ErrInvalidTimeWindow = errors.New("signal time window must be positive")
	ErrMissingPoolSymbol = errors.New("signal pool requires a symbol")
	ErrMissingSignalID   = errors.New("signal condition requires an id")
)

// SignalCondition represents a single metric/operator/threshold check.
// Corresponds to signal_conditions in Postgres.
type SignalCondition struct {
	SignalID      string
	Metric        string  // one of the Metric* constants
	Operator      string  // one of the Op* constants
	Threshold     float64
	TimeWindowSec int     // lookback window for windowed metrics
	VolumeFloor   float64 // TAKER_SURGE only: minimum windowed notional
}

// SignalPool represents a named set of conditions combined by AND/OR logic.
// Corresponds to signal_pools in Postgres.
type SignalPool struct {
	PoolID     string
	Symbol     string // target symbol the pool is evaluated against
	Logic      string // LogicAnd | LogicOr
	Conditions []*SignalCondition
}

// Pool combine logic.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// Signal metrics.
const (
	MetricCVD           = "CVD"             // last-bucket taker buy-sell notional
	MetricCVDWindow     = "CVD_WINDOW"      // windowed sum of buy-sell notional
	MetricOIDeltaPct    = "OI_DELTA_PCT"    // (current-previous bucket OI)/previous, percent
	MetricOIValueDelta  = "OI_VALUE_DELTA"  // USD open-interest change across the window
	MetricTakerRatio    = "TAKER_RATIO"     // ln(windowed buy / windowed sell)
	MetricVolume        = "VOLUME"          // windowed taker notional, both sides
	MetricTakerSurge    = "TAKER_SURGE"     // composite: direction + ratio + volume floor
	MetricMACDHistogram = "MACD_HISTOGRAM"  // histogram value on closed candles
	MetricMACDCross     = "MACD_CROSS"      // +1/-1 on histogram zero-cross, else 0
)

// Condition operators.
const (
	OpGT    = "GT"
	OpLT    = "LT"
	OpGTE   = "GTE"
	OpLTE   = "LTE"
	OpAbsGT = "ABS_GT"
)

// Validate checks pool structure before trigger generation.
// Configuration problems fail the run before the event loop starts.
func (p *SignalPool) Validate() error {
	if p.Symbol == "" {
		return ErrMissingPoolSymbol
	}
	if p.Logic != LogicAnd && p.Logic != LogicOr {
		return ErrUnknownPoolLogic
	}
	if len(p.Conditions) == 0 {
		return ErrEmptyPool
	}
	for _, c := range p.Conditions {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a single condition.
func (c *SignalCondition) Validate() error {
	if c.SignalID == "" {
		return ErrMissingSignalID
	}
	switch c.Metric {
	case MetricCVD, MetricCVDWindow, MetricOIDeltaPct, MetricOIValueDelta,
		MetricTakerRatio, MetricVolume, MetricTakerSurge,
		MetricMACDHistogram, MetricMACDCross:
	default:
		return ErrUnknownMetric
	}
	switch c.Operator {
	case OpGT, OpLT, OpGTE, OpLTE, OpAbsGT:
	default:
		return ErrUnknownOperator
	}
	if c.TimeWindowSec <= 0 {
		return ErrInvalidTimeWindow
	}
	return nil
}
