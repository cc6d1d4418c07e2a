package domain

// Position sides.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Pending order types.
const (
	OrderTypeTakeProfit = "TAKE_PROFIT"
	OrderTypeStopLoss   = "STOP_LOSS"
)

// Exit reason codes for trade records.
const (
	ExitReasonDecision   = "DECISION"
	ExitReasonTakeProfit = "TAKE_PROFIT"
	ExitReasonStopLoss   = "STOP_LOSS"
)

// Position is the open exposure on one symbol. At most one position per
// symbol; owned exclusively by the virtual account and mutated only through
// its open/add/partial-close/close operations.
type Position struct {
	Symbol           string
	Side             string  // SideLong | SideShort
	Size             float64 // base units, >= 0
	EntryPrice       float64 // volume-weighted average across fills
	Leverage         float64
	MarginUsed       float64 // reserved balance, never exceeds notional/leverage
	EntryTimestampMs int64
}

// Notional returns size * entry price.
func (p *Position) Notional() float64 {
	return p.Size * p.EntryPrice
}

// UnrealizedPnL computes the open PnL of the position at the given price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Side == SideShort {
		return (p.EntryPrice - price) * p.Size
	}
	return (price - p.EntryPrice) * p.Size
}

// PendingOrder is an independent TP or SL order tied to a specific fill
// slice. It tracks only the slice of size it controls; the sum of pending
// order sizes on a symbol never exceeds the current position size.
type PendingOrder struct {
	OrderID      string
	Symbol       string
	Side         string // side of the position the order closes
	OrderType    string // OrderTypeTakeProfit | OrderTypeStopLoss
	TriggerPrice float64
	Size         float64
	EntryPrice   float64 // entry price of the slice, used for its PnL
	CreatedAtMs  int64
}

// Triggered reports whether the order fires at the given price.
// Long TP: price >= trigger, long SL: price <= trigger; mirrored for short.
func (o *PendingOrder) Triggered(price float64) bool {
	if o.Side == SideLong {
		if o.OrderType == OrderTypeTakeProfit {
			return price >= o.TriggerPrice
		}
		return price <= o.TriggerPrice
	}
	if o.OrderType == OrderTypeTakeProfit {
		return price <= o.TriggerPrice
	}
	return price >= o.TriggerPrice
}

// TriggeredInBar reports whether a kline's range crosses the trigger price.
func (o *PendingOrder) TriggeredInBar(k *Kline) bool {
	if o.Side == SideLong {
		if o.OrderType == OrderTypeTakeProfit {
			return k.High >= o.TriggerPrice
		}
		return k.Low <= o.TriggerPrice
	}
	if o.OrderType == OrderTypeTakeProfit {
		return k.Low <= o.TriggerPrice
	}
	return k.High >= o.TriggerPrice
}

// TradeRecord is one simulated fill: open, add, or (partial) close.
// Append-only log, one record per fill.
type TradeRecord struct {
	TradeID     string
	TimestampMs int64
	Symbol      string
	Operation   string // OpBuy | OpSell | OpClose
	Side        string // side of the resulting/affected position
	EntryPrice  float64
	Size        float64
	ExitPrice   *float64 // nil for opens and adds
	ExitReason  string   // DECISION | TAKE_PROFIT | STOP_LOSS, empty for opens
	PnL         float64  // realized on this fill, 0 for opens
	Fee         float64
}

// EquityPoint is one step of the equity curve.
type EquityPoint struct {
	TimestampMs int64
	Equity      float64
	Balance     float64
}
