package domain

// Trigger kinds.
const (
	TriggerKindSignal    = "SIGNAL"
	TriggerKindScheduled = "SCHEDULED"
)

// TriggeredSignal captures the state of one condition at emission time.
type TriggeredSignal struct {
	SignalID      string
	Metric        string
	Operator      string
	Threshold     float64
	Value         float64 // metric value at the emitting checkpoint
	TimeWindowSec int
	Satisfied     bool
}

// RegimeSnapshot classifies the market at a point in time from closed candles.
type RegimeSnapshot struct {
	Symbol         string
	Trend          string  // TrendUp | TrendDown | TrendFlat
	ChangePct      float64 // close-to-close change over the regime lookback
	VolatilityPct  float64 // stddev of candle returns, percent
	VolatilityBand string  // VolLow | VolMedium | VolHigh
}

// Regime classification constants.
const (
	TrendUp   = "UP"
	TrendDown = "DOWN"
	TrendFlat = "FLAT"

	VolLow    = "LOW"
	VolMedium = "MEDIUM"
	VolHigh   = "HIGH"
)

// TriggerEvent is one decision point in the backtest timeline.
// Immutable once created. Ordering key is TimestampMs; at equal timestamps
// signal triggers sort before scheduled ones.
type TriggerEvent struct {
	TimestampMs int64
	Kind        string // TriggerKindSignal | TriggerKindScheduled
	Symbol      string // empty for scheduled triggers
	PoolID      string
	PoolLogic   string
	Signals     []*TriggeredSignal
	Regime      *RegimeSnapshot // filled by the engine when the trigger is processed
}

// Before reports whether trigger a orders strictly before b in the merged
// timeline: timestamp ascending, signal before scheduled on ties.
func (a *TriggerEvent) Before(b *TriggerEvent) bool {
	if a.TimestampMs != b.TimestampMs {
		return a.TimestampMs < b.TimestampMs
	}
	return a.Kind == TriggerKindSignal && b.Kind == TriggerKindScheduled
}
