// Package execution turns strategy decisions and price paths into simulated
// fills against a virtual account.
package execution

import (
	"errors"
	"fmt"
	"sort"

	"perp-backtest-lab/internal/account"
	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/idhash"
)

// Execution errors.
var (
	ErrPriceLimitExceeded = errors.New("fill price outside decision price limit")
	ErrNoPositionToClose  = errors.New("close decision with no open position")
)

// Simulator applies slippage, fees, and TP/SL settlement rules.
// One instance per run; holds the run id for deterministic trade ids.
type Simulator struct {
	slippagePct float64
	feePct      float64
	runID       string
	seq         int // fill sequence within the run
}

// NewSimulator creates a simulator with percentage rates (e.g. 0.05 = 0.05%).
func NewSimulator(runID string, slippagePct, feePct float64) *Simulator {
	return &Simulator{
		slippagePct: slippagePct,
		feePct:      feePct,
		runID:       runID,
	}
}

// PriceWithSlippage applies slippage in the direction unfavorable to the
// taker: buys fill higher, sells fill lower.
func (s *Simulator) PriceWithSlippage(price float64, direction string) float64 {
	if direction == domain.OpBuy {
		return price * (1 + s.slippagePct/100)
	}
	return price * (1 - s.slippagePct/100)
}

// Fee returns the linear fee on a notional amount.
func (s *Simulator) Fee(notional float64) float64 {
	return notional * s.feePct / 100
}

// SettlePendingOrders evaluates every pending order against current prices
// and closes the triggered slices. Each order is evaluated independently
// and uses its own entry price for PnL. Returns the fills in deterministic
// (symbol, creation) order.
func (s *Simulator) SettlePendingOrders(acct *account.Account, prices map[string]float64, timestampMs int64) []*domain.TradeRecord {
	var fills []*domain.TradeRecord

	for _, symbol := range acct.SymbolsWithPendingOrders() {
		price, ok := prices[symbol]
		if !ok {
			continue
		}
		for _, o := range acct.PendingOrders(symbol) {
			if acct.Position(symbol) == nil {
				break
			}
			if !o.Triggered(price) {
				continue
			}
			fill := s.closeOrderSlice(acct, o, price, timestampMs)
			if fill != nil {
				fills = append(fills, fill)
			}
		}
	}

	return fills
}

// SettlePendingOrdersIntrabar walks the klines strictly between two
// triggers in chronological order and fires any order whose trigger price
// the kline's range crosses. Fills execute at the order's trigger price,
// not the kline close, to avoid directional bias. Each symbol's own klines
// are evaluated independently.
func (s *Simulator) SettlePendingOrdersIntrabar(acct *account.Account, klinesBySymbol map[string][]*domain.Kline) []*domain.TradeRecord {
	var fills []*domain.TradeRecord

	for _, symbol := range acct.SymbolsWithPendingOrders() {
		klines := klinesBySymbol[symbol]
		if len(klines) == 0 {
			continue
		}
		sorted := make([]*domain.Kline, len(klines))
		copy(sorted, klines)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].OpenTime < sorted[j].OpenTime
		})

		for _, k := range sorted {
			for _, o := range acct.PendingOrders(symbol) {
				if acct.Position(symbol) == nil {
					break
				}
				if !o.TriggeredInBar(k) {
					continue
				}
				fill := s.closeOrderSlice(acct, o, o.TriggerPrice, k.OpenTime)
				if fill != nil {
					fills = append(fills, fill)
				}
			}
		}
	}

	return fills
}

// closeOrderSlice closes exactly one pending order's size and removes it.
// The order is removed first so the close does not count it against the
// remaining position size.
func (s *Simulator) closeOrderSlice(acct *account.Account, o *domain.PendingOrder, price float64, timestampMs int64) *domain.TradeRecord {
	acct.RemovePendingOrder(o.Symbol, o.OrderID)
	fee := s.Fee(o.Size * price)
	pnl, err := acct.PartialClose(o.Symbol, o.Size, price, fee, o.EntryPrice)
	if err != nil {
		return nil
	}

	reason := domain.ExitReasonTakeProfit
	if o.OrderType == domain.OrderTypeStopLoss {
		reason = domain.ExitReasonStopLoss
	}

	exitPrice := price
	s.seq++
	return &domain.TradeRecord{
		TradeID:     idhash.ComputeTradeID(s.runID, o.Symbol, domain.OpClose, timestampMs, s.seq),
		TimestampMs: timestampMs,
		Symbol:      o.Symbol,
		Operation:   domain.OpClose,
		Side:        o.Side,
		EntryPrice:  o.EntryPrice,
		Size:        o.Size,
		ExitPrice:   &exitPrice,
		ExitReason:  reason,
		PnL:         pnl,
		Fee:         fee,
	}
}

// ExecuteDecision dispatches a validated decision against the account at
// the given reference price. Returns the fills produced, possibly none.
func (s *Simulator) ExecuteDecision(acct *account.Account, d *domain.Decision, price float64, timestampMs int64) ([]*domain.TradeRecord, error) {
	switch d.Operation {
	case domain.OpHold:
		return nil, nil
	case domain.OpBuy:
		return s.executeEntry(acct, d, domain.SideLong, price, timestampMs)
	case domain.OpSell:
		return s.executeEntry(acct, d, domain.SideShort, price, timestampMs)
	case domain.OpClose:
		return s.executeClose(acct, d, price, timestampMs)
	default:
		return nil, domain.ErrUnknownOperation
	}
}

// executeEntry handles BUY and SELL: open, add, or reverse.
func (s *Simulator) executeEntry(acct *account.Account, d *domain.Decision, side string, price float64, timestampMs int64) ([]*domain.TradeRecord, error) {
	direction := domain.OpBuy
	if side == domain.SideShort {
		direction = domain.OpSell
	}
	fillPrice := s.PriceWithSlippage(price, direction)

	// Price protection: the slipped fill must stay within the decision's limit.
	if side == domain.SideLong && fillPrice > d.MaxPrice {
		return nil, fmt.Errorf("%w: fill %.8f above max %.8f", ErrPriceLimitExceeded, fillPrice, d.MaxPrice)
	}
	if side == domain.SideShort && fillPrice < d.MinPrice {
		return nil, fmt.Errorf("%w: fill %.8f below min %.8f", ErrPriceLimitExceeded, fillPrice, d.MinPrice)
	}

	var fills []*domain.TradeRecord

	// Reverse: close an opposite-side position fully before opening.
	if existing := acct.Position(d.Symbol); existing != nil && existing.Side != side {
		closeFill, err := s.closeFull(acct, existing, price, timestampMs)
		if err != nil {
			return nil, err
		}
		fills = append(fills, closeFill)
	}

	size := acct.Balance() * d.Portion * d.Leverage / fillPrice
	if size <= 0 {
		return fills, nil
	}
	fee := s.Fee(size * fillPrice)

	if existing := acct.Position(d.Symbol); existing != nil {
		if err := acct.AddToPosition(d.Symbol, side, size, fillPrice, fee); err != nil {
			return fills, err
		}
	} else {
		if err := acct.OpenPosition(d.Symbol, side, size, fillPrice, d.Leverage, fee, timestampMs); err != nil {
			return fills, err
		}
	}

	s.seq++
	fills = append(fills, &domain.TradeRecord{
		TradeID:     idhash.ComputeTradeID(s.runID, d.Symbol, direction, timestampMs, s.seq),
		TimestampMs: timestampMs,
		Symbol:      d.Symbol,
		Operation:   direction,
		Side:        side,
		EntryPrice:  fillPrice,
		Size:        size,
		Fee:         fee,
	})

	// Independent TP/SL orders sized to this fill only, carrying its entry price.
	if err := s.placeTriggerOrders(acct, d, side, size, fillPrice, timestampMs); err != nil {
		return fills, err
	}

	return fills, nil
}

// placeTriggerOrders registers TP and SL pending orders for a fill slice.
func (s *Simulator) placeTriggerOrders(acct *account.Account, d *domain.Decision, side string, size, fillPrice float64, timestampMs int64) error {
	if d.TakeProfitPrice != nil {
		s.seq++
		err := acct.AddPendingOrder(&domain.PendingOrder{
			OrderID:      idhash.ComputeOrderID(d.Symbol, domain.OrderTypeTakeProfit, timestampMs, size, s.seq),
			Symbol:       d.Symbol,
			Side:         side,
			OrderType:    domain.OrderTypeTakeProfit,
			TriggerPrice: *d.TakeProfitPrice,
			Size:         size,
			EntryPrice:   fillPrice,
			CreatedAtMs:  timestampMs,
		})
		if err != nil {
			return fmt.Errorf("place take profit: %w", err)
		}
	}
	if d.StopLossPrice != nil {
		s.seq++
		err := acct.AddPendingOrder(&domain.PendingOrder{
			OrderID:      idhash.ComputeOrderID(d.Symbol, domain.OrderTypeStopLoss, timestampMs, size, s.seq),
			Symbol:       d.Symbol,
			Side:         side,
			OrderType:    domain.OrderTypeStopLoss,
			TriggerPrice: *d.StopLossPrice,
			Size:         size,
			EntryPrice:   fillPrice,
			CreatedAtMs:  timestampMs,
		})
		if err != nil {
			return fmt.Errorf("place stop loss: %w", err)
		}
	}
	return nil
}

// executeClose handles CLOSE: full or partial by portion of the position.
func (s *Simulator) executeClose(acct *account.Account, d *domain.Decision, price float64, timestampMs int64) ([]*domain.TradeRecord, error) {
	p := acct.Position(d.Symbol)
	if p == nil {
		return nil, ErrNoPositionToClose
	}

	if d.Portion >= 1-1e-9 {
		fill, err := s.closeFull(acct, p, price, timestampMs)
		if err != nil {
			return nil, err
		}
		return []*domain.TradeRecord{fill}, nil
	}

	closeSize := p.Size * d.Portion
	exitPrice := s.closingPrice(p.Side, price)
	fee := s.Fee(closeSize * exitPrice)
	pnl, err := acct.PartialClose(d.Symbol, closeSize, exitPrice, fee, p.EntryPrice)
	if err != nil {
		return nil, err
	}

	s.seq++
	return []*domain.TradeRecord{{
		TradeID:     idhash.ComputeTradeID(s.runID, d.Symbol, domain.OpClose, timestampMs, s.seq),
		TimestampMs: timestampMs,
		Symbol:      d.Symbol,
		Operation:   domain.OpClose,
		Side:        p.Side,
		EntryPrice:  p.EntryPrice,
		Size:        closeSize,
		ExitPrice:   &exitPrice,
		ExitReason:  domain.ExitReasonDecision,
		PnL:         pnl,
		Fee:         fee,
	}}, nil
}

// closeFull closes an entire position at the slipped price.
func (s *Simulator) closeFull(acct *account.Account, p *domain.Position, price float64, timestampMs int64) (*domain.TradeRecord, error) {
	exitPrice := s.closingPrice(p.Side, price)
	fee := s.Fee(p.Size * exitPrice)
	pnl, err := acct.PartialClose(p.Symbol, p.Size, exitPrice, fee, p.EntryPrice)
	if err != nil {
		return nil, err
	}

	s.seq++
	return &domain.TradeRecord{
		TradeID:     idhash.ComputeTradeID(s.runID, p.Symbol, domain.OpClose, timestampMs, s.seq),
		TimestampMs: timestampMs,
		Symbol:      p.Symbol,
		Operation:   domain.OpClose,
		Side:        p.Side,
		EntryPrice:  p.EntryPrice,
		Size:        p.Size,
		ExitPrice:   &exitPrice,
		ExitReason:  domain.ExitReasonDecision,
		PnL:         pnl,
		Fee:         fee,
	}, nil
}

// closingPrice applies slippage in the closing direction: closing a long
// sells, closing a short buys.
func (s *Simulator) closingPrice(side string, price float64) float64 {
	if side == domain.SideLong {
		return s.PriceWithSlippage(price, domain.OpSell)
	}
	return s.PriceWithSlippage(price, domain.OpBuy)
}
