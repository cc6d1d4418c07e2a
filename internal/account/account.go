// Package account implements the virtual exchange account: balance, equity,
// margin, position, and pending-order bookkeeping. Pure state machine, no I/O.
package account

import (
	"errors"
	"fmt"
	"sort"

	"perp-backtest-lab/internal/domain"
)

// Account errors.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPositionExists      = errors.New("position already exists for symbol")
	ErrNoPosition          = errors.New("no position for symbol")
	ErrSideMismatch        = errors.New("position side mismatch")
	ErrInvalidSize         = errors.New("size must be positive")
	ErrOrderSizeExceeded   = errors.New("pending order sizes would exceed position size")
)

// sizeEpsilon is the residual below which a position counts as fully closed.
const sizeEpsilon = 1e-9

// Account tracks the state of one simulated exchange account.
// Created once per backtest run; never shared across runs.
type Account struct {
	initialBalance float64
	balance        float64 // spendable: initial + realized - locked margin - fees
	equity         float64
	realizedPnL    float64
	totalFees      float64
	peakEquity     float64
	maxDrawdown    float64
	maxDrawdownPct float64

	positions     map[string]*domain.Position
	pendingOrders map[string][]*domain.PendingOrder // keyed by symbol
}

// New creates an account with the given starting balance.
func New(initialBalance float64) *Account {
	a := &Account{}
	a.Reset(initialBalance)
	return a
}

// Reset reinitializes the account to a fresh run.
func (a *Account) Reset(initialBalance float64) {
	a.initialBalance = initialBalance
	a.balance = initialBalance
	a.equity = initialBalance
	a.realizedPnL = 0
	a.totalFees = 0
	a.peakEquity = initialBalance
	a.maxDrawdown = 0
	a.maxDrawdownPct = 0
	a.positions = make(map[string]*domain.Position)
	a.pendingOrders = make(map[string][]*domain.PendingOrder)
}

// Balance returns the spendable balance (locked margin excluded).
func (a *Account) Balance() float64 { return a.balance }

// Equity returns the account value at the last price update.
func (a *Account) Equity() float64 { return a.equity }

// RealizedPnL returns the total realized profit and loss.
func (a *Account) RealizedPnL() float64 { return a.realizedPnL }

// TotalFees returns accumulated fees.
func (a *Account) TotalFees() float64 { return a.totalFees }

// PeakEquity returns the highest equity seen so far.
func (a *Account) PeakEquity() float64 { return a.peakEquity }

// MaxDrawdown returns the worst peak-to-current equity decline in absolute terms.
func (a *Account) MaxDrawdown() float64 { return a.maxDrawdown }

// MaxDrawdownPct returns the worst decline as a percentage of peak equity.
func (a *Account) MaxDrawdownPct() float64 { return a.maxDrawdownPct }

// Position returns the open position for a symbol, or nil.
func (a *Account) Position(symbol string) *domain.Position {
	p, ok := a.positions[symbol]
	if !ok {
		return nil
	}
	posCopy := *p
	return &posCopy
}

// Positions returns copies of all open positions, ordered by symbol.
func (a *Account) Positions() []*domain.Position {
	result := make([]*domain.Position, 0, len(a.positions))
	for _, p := range a.positions {
		posCopy := *p
		result = append(result, &posCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result
}

// PendingOrders returns copies of the pending orders for a symbol in
// creation order.
func (a *Account) PendingOrders(symbol string) []*domain.PendingOrder {
	orders := a.pendingOrders[symbol]
	result := make([]*domain.PendingOrder, 0, len(orders))
	for _, o := range orders {
		orderCopy := *o
		result = append(result, &orderCopy)
	}
	return result
}

// SymbolsWithPendingOrders returns the symbols that have at least one
// pending order, ordered ascending for deterministic iteration.
func (a *Account) SymbolsWithPendingOrders() []string {
	symbols := make([]string, 0, len(a.pendingOrders))
	for symbol, orders := range a.pendingOrders {
		if len(orders) > 0 {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// OpenPosition opens a new position, reserving margin = notional/leverage
// from the balance. The fee is charged to the balance and accumulated in
// total fees.
func (a *Account) OpenPosition(symbol, side string, size, price, leverage, fee float64, timestampMs int64) error {
	if size <= 0 || price <= 0 {
		return ErrInvalidSize
	}
	if _, exists := a.positions[symbol]; exists {
		return ErrPositionExists
	}

	margin := size * price / leverage
	if margin+fee > a.balance {
		return fmt.Errorf("%w: need %.8f, have %.8f", ErrInsufficientBalance, margin+fee, a.balance)
	}

	a.balance -= margin + fee
	a.totalFees += fee
	a.positions[symbol] = &domain.Position{
		Symbol:           symbol,
		Side:             side,
		Size:             size,
		EntryPrice:       price,
		Leverage:         leverage,
		MarginUsed:       margin,
		EntryTimestampMs: timestampMs,
	}
	return nil
}

// AddToPosition increases an existing same-side position. The entry price
// becomes the volume-weighted average of the old and added notional, and
// incremental margin is reserved for the added slice.
func (a *Account) AddToPosition(symbol, side string, size, price, fee float64) error {
	if size <= 0 || price <= 0 {
		return ErrInvalidSize
	}
	p, exists := a.positions[symbol]
	if !exists {
		return ErrNoPosition
	}
	if p.Side != side {
		return ErrSideMismatch
	}

	addedMargin := size * price / p.Leverage
	if addedMargin+fee > a.balance {
		return fmt.Errorf("%w: need %.8f, have %.8f", ErrInsufficientBalance, addedMargin+fee, a.balance)
	}

	a.balance -= addedMargin + fee
	a.totalFees += fee
	p.EntryPrice = (p.EntryPrice*p.Size + price*size) / (p.Size + size)
	p.Size += size
	p.MarginUsed += addedMargin
	return nil
}

// PartialClose closes part of a position and returns the realized PnL of
// the slice. PnL is computed from sliceEntryPrice, which may differ from
// the position's blended entry when the slice came from an independently
// tracked pending order. Margin is returned proportionally. When the
// remaining size falls below epsilon, the position and all its pending
// orders are removed.
func (a *Account) PartialClose(symbol string, size, exitPrice, fee, sliceEntryPrice float64) (float64, error) {
	p, exists := a.positions[symbol]
	if !exists {
		return 0, ErrNoPosition
	}
	if size <= 0 {
		return 0, ErrInvalidSize
	}
	if size > p.Size {
		size = p.Size
	}

	var pnl float64
	if p.Side == domain.SideShort {
		pnl = (sliceEntryPrice - exitPrice) * size
	} else {
		pnl = (exitPrice - sliceEntryPrice) * size
	}

	marginReturned := p.MarginUsed * (size / p.Size)

	a.balance += marginReturned + pnl - fee
	a.realizedPnL += pnl
	a.totalFees += fee

	p.Size -= size
	p.MarginUsed -= marginReturned

	if p.Size <= sizeEpsilon {
		delete(a.positions, symbol)
		delete(a.pendingOrders, symbol)
	} else {
		a.trimPendingOrders(symbol, p.Size)
	}

	return pnl, nil
}

// Close fully closes a position at the given exit price, using the
// position's blended entry price for PnL.
func (a *Account) Close(symbol string, exitPrice, fee float64) (float64, error) {
	p, exists := a.positions[symbol]
	if !exists {
		return 0, ErrNoPosition
	}
	return a.PartialClose(symbol, p.Size, exitPrice, fee, p.EntryPrice)
}

// AddPendingOrder registers an independent TP/SL order against an existing
// position. The sum of pending order sizes on a symbol must not exceed the
// position size.
func (a *Account) AddPendingOrder(o *domain.PendingOrder) error {
	p, exists := a.positions[o.Symbol]
	if !exists {
		return ErrNoPosition
	}

	total := o.Size
	for _, existing := range a.pendingOrders[o.Symbol] {
		total += existing.Size
	}
	if total > p.Size+sizeEpsilon {
		return ErrOrderSizeExceeded
	}

	orderCopy := *o
	a.pendingOrders[o.Symbol] = append(a.pendingOrders[o.Symbol], &orderCopy)
	return nil
}

// RemovePendingOrder removes a pending order by id. No-op if absent.
func (a *Account) RemovePendingOrder(symbol, orderID string) {
	orders := a.pendingOrders[symbol]
	for i, o := range orders {
		if o.OrderID == orderID {
			a.pendingOrders[symbol] = append(orders[:i], orders[i+1:]...)
			return
		}
	}
}

// trimPendingOrders shrinks pending orders newest-first so their total
// never exceeds the remaining position size after a decision-driven
// partial close.
func (a *Account) trimPendingOrders(symbol string, positionSize float64) {
	orders := a.pendingOrders[symbol]
	total := 0.0
	for _, o := range orders {
		total += o.Size
	}
	for i := len(orders) - 1; i >= 0 && total > positionSize+sizeEpsilon; i-- {
		excess := total - positionSize
		if orders[i].Size <= excess+sizeEpsilon {
			total -= orders[i].Size
			orders = append(orders[:i], orders[i+1:]...)
		} else {
			orders[i].Size -= excess
			total = positionSize
		}
	}
	if len(orders) == 0 {
		delete(a.pendingOrders, symbol)
	} else {
		a.pendingOrders[symbol] = orders
	}
}

// UpdateEquity recomputes equity from current prices:
// equity = initial_balance + realized_pnl + unrealized_pnl - total_fees.
// Locked margin affects the balance but not equity. A symbol missing from
// prices is marked at its entry price (zero unrealized contribution).
// Peak equity and max drawdown are updated on every call.
func (a *Account) UpdateEquity(prices map[string]float64) float64 {
	unrealized := 0.0
	for symbol, p := range a.positions {
		price, ok := prices[symbol]
		if !ok {
			continue
		}
		unrealized += p.UnrealizedPnL(price)
	}

	a.equity = a.initialBalance + a.realizedPnL + unrealized - a.totalFees

	if a.equity > a.peakEquity {
		a.peakEquity = a.equity
	}
	drawdown := a.peakEquity - a.equity
	if drawdown > a.maxDrawdown {
		a.maxDrawdown = drawdown
		if a.peakEquity > 0 {
			a.maxDrawdownPct = drawdown / a.peakEquity * 100
		}
	}

	return a.equity
}
