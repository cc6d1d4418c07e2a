package domain

import "errors"

// Decision validation errors. Invalid combinations are rejected before
// any simulation happens.
var (
	ErrUnknownOperation   = errors.New("unknown decision operation")
	ErrMissingSymbol      = errors.New("decision requires a symbol")
	ErrInvalidPortion     = errors.New("decision portion must be in (0, 1]")
	ErrInvalidLeverage    = errors.New("decision leverage must be >= 1")
	ErrMissingMaxPrice    = errors.New("BUY decision requires a positive max price")
	ErrMissingMinPrice    = errors.New("SELL decision requires a positive min price")
	ErrInvalidTriggerPair = errors.New("take profit and stop loss prices must be positive when set")
)

// Decision operations.
const (
	OpBuy   = "BUY"
	OpSell  = "SELL"
	OpClose = "CLOSE"
	OpHold  = "HOLD"
)

// Time-in-force values. Only TIFImmediate is simulated; the field is carried
// through so strategy code written against the live schema still validates.
const (
	TIFImmediate = "IOC"
	TIFGoodTill  = "GTC"
)

// Decision is the action a strategy returns for one trigger.
// Produced by the sandbox; immutable after validation.
type Decision struct {
	Operation       string
	Symbol          string
	Portion         float64 // fraction of balance (BUY/SELL) or of position (CLOSE)
	Leverage        float64
	MaxPrice        float64  // BUY: worst acceptable fill price
	MinPrice        float64  // SELL: worst acceptable fill price
	TakeProfitPrice *float64 // optional, for the slice opened by this decision
	StopLossPrice   *float64
	TimeInForce     string
}

// Hold is the implicit no-op decision used when the sandbox fails.
func Hold() *Decision {
	return &Decision{Operation: OpHold}
}

// Validate rejects invalid operation/price combinations.
func (d *Decision) Validate() error {
	switch d.Operation {
	case OpHold:
		return nil
	case OpBuy:
		if d.MaxPrice <= 0 {
			return ErrMissingMaxPrice
		}
	case OpSell:
		if d.MinPrice <= 0 {
			return ErrMissingMinPrice
		}
	case OpClose:
	default:
		return ErrUnknownOperation
	}

	if d.Symbol == "" {
		return ErrMissingSymbol
	}
	if d.Portion <= 0 || d.Portion > 1 {
		return ErrInvalidPortion
	}
	if d.Operation == OpBuy || d.Operation == OpSell {
		if d.Leverage < 1 {
			return ErrInvalidLeverage
		}
		if d.TakeProfitPrice != nil && *d.TakeProfitPrice <= 0 {
			return ErrInvalidTriggerPair
		}
		if d.StopLossPrice != nil && *d.StopLossPrice <= 0 {
			return ErrInvalidTriggerPair
		}
	}
	return nil
}
