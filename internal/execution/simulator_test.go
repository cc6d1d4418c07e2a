package execution

import (
	"errors"
	"math"
	"testing"

	"perp-backtest-lab/internal/account"
	"perp-backtest-lab/internal/domain"
)

func fptr(v float64) *float64 { return &v }

func buyDecision(symbol string, portion, leverage, maxPrice float64) *domain.Decision {
	return &domain.Decision{
		Operation:   domain.OpBuy,
		Symbol:      symbol,
		Portion:     portion,
		Leverage:    leverage,
		MaxPrice:    maxPrice,
		TimeInForce: domain.TIFImmediate,
	}
}

func TestPriceWithSlippage(t *testing.T) {
	s := NewSimulator("run-1", 1.0, 0)

	buy := s.PriceWithSlippage(100, domain.OpBuy)
	if math.Abs(buy-101) > 1e-9 {
		t.Errorf("expected buy fill 101, got %f", buy)
	}
	sell := s.PriceWithSlippage(100, domain.OpSell)
	if math.Abs(sell-99) > 1e-9 {
		t.Errorf("expected sell fill 99, got %f", sell)
	}
}

func TestFee(t *testing.T) {
	s := NewSimulator("run-1", 0, 0.1)
	if fee := s.Fee(5000); math.Abs(fee-5) > 1e-9 {
		t.Errorf("expected fee 5, got %f", fee)
	}
}

func TestExecuteDecision_OpenLong(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 0, 0)

	// portion 0.005 of 10000 at leverage 10 and price 100: size 5, margin 50
	fills, err := s.ExecuteDecision(acct, buyDecision("BTCUSDT", 0.005, 10, 100), 100, 1000)
	if err != nil {
		t.Fatalf("ExecuteDecision: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if math.Abs(fills[0].Size-5) > 1e-9 {
		t.Errorf("expected size 5, got %f", fills[0].Size)
	}
	if math.Abs(acct.Balance()-9950) > 1e-9 {
		t.Errorf("expected balance 9950, got %f", acct.Balance())
	}
	p := acct.Position("BTCUSDT")
	if p == nil {
		t.Fatal("expected open position")
	}
	if p.Side != domain.SideLong || math.Abs(p.MarginUsed-50) > 1e-9 {
		t.Errorf("unexpected position %+v", p)
	}
}

func TestExecuteDecision_Hold(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 0, 0)

	fills, err := s.ExecuteDecision(acct, domain.Hold(), 100, 1000)
	if err != nil {
		t.Fatalf("ExecuteDecision: %v", err)
	}
	if len(fills) != 0 {
		t.Errorf("expected no fills for HOLD, got %d", len(fills))
	}
	if acct.Balance() != 10_000 {
		t.Errorf("HOLD must not touch the balance, got %f", acct.Balance())
	}
}

func TestExecuteDecision_PriceLimitRejectsBuy(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 1.0, 0) // slips buys to 101

	_, err := s.ExecuteDecision(acct, buyDecision("BTCUSDT", 0.005, 10, 100.5), 100, 1000)
	if !errors.Is(err, ErrPriceLimitExceeded) {
		t.Fatalf("expected ErrPriceLimitExceeded, got %v", err)
	}
	if acct.Balance() != 10_000 {
		t.Errorf("rejected decision must not touch the balance, got %f", acct.Balance())
	}
	if acct.Position("BTCUSDT") != nil {
		t.Error("rejected decision must not open a position")
	}
}

func TestExecuteDecision_PriceLimitRejectsSell(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 1.0, 0) // slips sells to 99

	d := &domain.Decision{
		Operation: domain.OpSell,
		Symbol:    "BTCUSDT",
		Portion:   0.005,
		Leverage:  10,
		MinPrice:  99.5,
	}
	if _, err := s.ExecuteDecision(acct, d, 100, 1000); !errors.Is(err, ErrPriceLimitExceeded) {
		t.Fatalf("expected ErrPriceLimitExceeded, got %v", err)
	}
}

func TestExecuteDecision_AddToPosition(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 0, 0)

	if _, err := s.ExecuteDecision(acct, buyDecision("BTCUSDT", 0.005, 10, 200), 100, 1000); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.ExecuteDecision(acct, buyDecision("BTCUSDT", 0.005, 10, 200), 120, 2000); err != nil {
		t.Fatalf("add: %v", err)
	}

	p := acct.Position("BTCUSDT")
	if p == nil {
		t.Fatal("expected position after add")
	}
	// blended entry sits strictly between the two fill prices
	if p.EntryPrice <= 100 || p.EntryPrice >= 120 {
		t.Errorf("expected blended entry in (100, 120), got %f", p.EntryPrice)
	}
}

func TestExecuteDecision_ReverseClosesOpposite(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 0, 0)

	short := &domain.Decision{
		Operation: domain.OpSell,
		Symbol:    "BTCUSDT",
		Portion:   0.005,
		Leverage:  10,
		MinPrice:  1,
	}
	if _, err := s.ExecuteDecision(acct, short, 100, 1000); err != nil {
		t.Fatalf("open short: %v", err)
	}

	fills, err := s.ExecuteDecision(acct, buyDecision("BTCUSDT", 0.005, 10, 200), 90, 2000)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("expected close + open fills, got %d", len(fills))
	}
	if fills[0].Operation != domain.OpClose || fills[0].ExitReason != domain.ExitReasonDecision {
		t.Errorf("first fill should close the short: %+v", fills[0])
	}
	// short opened at 100, closed at 90: +10 per unit on 0.5 units
	if fills[0].PnL <= 0 {
		t.Errorf("expected profitable short close, got pnl %f", fills[0].PnL)
	}
	p := acct.Position("BTCUSDT")
	if p == nil || p.Side != domain.SideLong {
		t.Fatalf("expected long position after reverse, got %+v", p)
	}
}

func TestExecuteDecision_PartialClose(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 0, 0)

	if _, err := s.ExecuteDecision(acct, buyDecision("BTCUSDT", 0.005, 10, 200), 100, 1000); err != nil {
		t.Fatalf("open: %v", err)
	}

	d := &domain.Decision{Operation: domain.OpClose, Symbol: "BTCUSDT", Portion: 0.4}
	fills, err := s.ExecuteDecision(acct, d, 110, 2000)
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if math.Abs(fills[0].Size-2) > 1e-9 {
		t.Errorf("expected close size 2, got %f", fills[0].Size)
	}
	if math.Abs(fills[0].PnL-20) > 1e-9 {
		t.Errorf("expected pnl 20, got %f", fills[0].PnL)
	}
	p := acct.Position("BTCUSDT")
	if p == nil || math.Abs(p.Size-3) > 1e-9 {
		t.Fatalf("expected remaining size 3, got %+v", p)
	}
}

func TestExecuteDecision_FullCloseRemovesPosition(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 0, 0)

	if _, err := s.ExecuteDecision(acct, buyDecision("BTCUSDT", 0.005, 10, 200), 100, 1000); err != nil {
		t.Fatalf("open: %v", err)
	}

	d := &domain.Decision{Operation: domain.OpClose, Symbol: "BTCUSDT", Portion: 1}
	fills, err := s.ExecuteDecision(acct, d, 110, 2000)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if math.Abs(fills[0].PnL-50) > 1e-9 {
		t.Errorf("expected pnl 50, got %f", fills[0].PnL)
	}
	if acct.Position("BTCUSDT") != nil {
		t.Error("expected position removed after full close")
	}
	if math.Abs(acct.Equity()-acct.UpdateEquity(nil)) > 1e-9 {
		t.Errorf("equity mismatch after close")
	}
}

func TestExecuteDecision_CloseWithoutPosition(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 0, 0)

	d := &domain.Decision{Operation: domain.OpClose, Symbol: "BTCUSDT", Portion: 1}
	if _, err := s.ExecuteDecision(acct, d, 100, 1000); !errors.Is(err, ErrNoPositionToClose) {
		t.Fatalf("expected ErrNoPositionToClose, got %v", err)
	}
}

func TestSettlePendingOrders_TakeProfit(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 0, 0)

	d := buyDecision("BTCUSDT", 0.005, 10, 200)
	d.TakeProfitPrice = fptr(110)
	if _, err := s.ExecuteDecision(acct, d, 100, 1000); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(acct.PendingOrders("BTCUSDT")) != 1 {
		t.Fatal("expected one pending order")
	}

	// below trigger: nothing fires
	fills := s.SettlePendingOrders(acct, map[string]float64{"BTCUSDT": 105}, 2000)
	if len(fills) != 0 {
		t.Fatalf("expected no fills below trigger, got %d", len(fills))
	}

	fills = s.SettlePendingOrders(acct, map[string]float64{"BTCUSDT": 111}, 3000)
	if len(fills) != 1 {
		t.Fatalf("expected TP fill, got %d", len(fills))
	}
	f := fills[0]
	if f.ExitReason != domain.ExitReasonTakeProfit {
		t.Errorf("expected TAKE_PROFIT exit, got %s", f.ExitReason)
	}
	// slice entry 100, fills at the checkpoint price 111
	if math.Abs(f.PnL-55) > 1e-9 {
		t.Errorf("expected pnl 55, got %f", f.PnL)
	}
	if acct.Position("BTCUSDT") != nil {
		t.Error("expected position fully closed by TP")
	}
	if len(acct.PendingOrders("BTCUSDT")) != 0 {
		t.Error("expected pending orders cleared")
	}
}

func TestSettlePendingOrders_IndependentSlices(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 0, 0)

	first := buyDecision("BTCUSDT", 0.005, 10, 200)
	first.TakeProfitPrice = fptr(110)
	if _, err := s.ExecuteDecision(acct, first, 100, 1000); err != nil {
		t.Fatalf("first open: %v", err)
	}

	second := buyDecision("BTCUSDT", 0.005, 10, 200)
	second.TakeProfitPrice = fptr(130)
	if _, err := s.ExecuteDecision(acct, second, 120, 2000); err != nil {
		t.Fatalf("second open: %v", err)
	}

	// 115 crosses only the first slice's trigger
	fills := s.SettlePendingOrders(acct, map[string]float64{"BTCUSDT": 115}, 3000)
	if len(fills) != 1 {
		t.Fatalf("expected only the first TP to fire, got %d fills", len(fills))
	}
	// slice PnL uses the slice's own entry price, not the blended position entry
	if math.Abs(fills[0].EntryPrice-100) > 1e-9 {
		t.Errorf("expected slice entry 100, got %f", fills[0].EntryPrice)
	}
	if math.Abs(fills[0].PnL-(115-100)*fills[0].Size) > 1e-9 {
		t.Errorf("slice pnl mismatch: %f", fills[0].PnL)
	}
	if acct.Position("BTCUSDT") == nil {
		t.Fatal("expected remaining position for the second slice")
	}
	if len(acct.PendingOrders("BTCUSDT")) != 1 {
		t.Error("expected second slice's order to remain")
	}
}

func TestSettlePendingOrdersIntrabar_FillsAtTriggerPrice(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 0, 0)

	d := buyDecision("BTCUSDT", 0.005, 10, 200)
	d.StopLossPrice = fptr(95)
	if _, err := s.ExecuteDecision(acct, d, 100, 1000); err != nil {
		t.Fatalf("open: %v", err)
	}

	klines := map[string][]*domain.Kline{
		"BTCUSDT": {
			{Symbol: "BTCUSDT", OpenTime: 1500, Open: 100, High: 101, Low: 98, Close: 99},
			{Symbol: "BTCUSDT", OpenTime: 2500, Open: 99, High: 100, Low: 94, Close: 96},
		},
	}
	fills := s.SettlePendingOrdersIntrabar(acct, klines)
	if len(fills) != 1 {
		t.Fatalf("expected SL fill, got %d", len(fills))
	}
	f := fills[0]
	if f.ExitReason != domain.ExitReasonStopLoss {
		t.Errorf("expected STOP_LOSS exit, got %s", f.ExitReason)
	}
	if f.ExitPrice == nil || math.Abs(*f.ExitPrice-95) > 1e-9 {
		t.Errorf("expected fill at trigger price 95, got %+v", f.ExitPrice)
	}
	if f.TimestampMs != 2500 {
		t.Errorf("expected fill stamped with the crossing kline, got %d", f.TimestampMs)
	}
	// pnl = (95 - 100) * 5 = -25
	if math.Abs(f.PnL-(-25)) > 1e-9 {
		t.Errorf("expected pnl -25, got %f", f.PnL)
	}
}

func TestSettlePendingOrdersIntrabar_ChronologicalOrder(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 0, 0)

	// TP at 110 and SL at 95 on the same slice would exceed the position
	// size, so use two separate slices.
	tp := buyDecision("BTCUSDT", 0.004, 10, 200)
	tp.TakeProfitPrice = fptr(110)
	if _, err := s.ExecuteDecision(acct, tp, 100, 1000); err != nil {
		t.Fatalf("open tp slice: %v", err)
	}
	sl := buyDecision("BTCUSDT", 0.004, 10, 200)
	sl.StopLossPrice = fptr(95)
	if _, err := s.ExecuteDecision(acct, sl, 100, 1100); err != nil {
		t.Fatalf("open sl slice: %v", err)
	}

	// klines passed out of order; SL crosses first chronologically
	klines := map[string][]*domain.Kline{
		"BTCUSDT": {
			{Symbol: "BTCUSDT", OpenTime: 2500, Open: 96, High: 112, Low: 96, Close: 111},
			{Symbol: "BTCUSDT", OpenTime: 1500, Open: 100, High: 100, Low: 94, Close: 96},
		},
	}
	fills := s.SettlePendingOrdersIntrabar(acct, klines)
	if len(fills) != 2 {
		t.Fatalf("expected both orders to fill, got %d", len(fills))
	}
	if fills[0].ExitReason != domain.ExitReasonStopLoss {
		t.Errorf("expected the stop loss to fill first, got %s", fills[0].ExitReason)
	}
	if fills[0].TimestampMs >= fills[1].TimestampMs {
		t.Errorf("fills out of chronological order: %d then %d", fills[0].TimestampMs, fills[1].TimestampMs)
	}
}

func TestTradeIDs_Unique(t *testing.T) {
	acct := account.New(10_000)
	s := NewSimulator("run-1", 0, 0)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		fills, err := s.ExecuteDecision(acct, buyDecision("BTCUSDT", 0.001, 10, 200), 100, int64(1000+i))
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		for _, f := range fills {
			if seen[f.TradeID] {
				t.Fatalf("duplicate trade id %s", f.TradeID)
			}
			seen[f.TradeID] = true
		}
	}
}

func TestSettle_IntrabarAgreesWithInstantOnMonotonicPath(t *testing.T) {
	open := func() (*account.Account, *Simulator) {
		acct := account.New(10_000)
		s := NewSimulator("run-1", 0, 0)
		tp := buyDecision("BTCUSDT", 0.004, 10, 200)
		tp.TakeProfitPrice = fptr(110)
		if _, err := s.ExecuteDecision(acct, tp, 100, 1000); err != nil {
			t.Fatalf("open tp slice: %v", err)
		}
		sl := buyDecision("BTCUSDT", 0.004, 10, 200)
		sl.StopLossPrice = fptr(95)
		if _, err := s.ExecuteDecision(acct, sl, 100, 1100); err != nil {
			t.Fatalf("open sl slice: %v", err)
		}
		return acct, s
	}

	// price climbs monotonically from 100 to 112 across the gap
	instAcct, instSim := open()
	instFills := instSim.SettlePendingOrders(instAcct, map[string]float64{"BTCUSDT": 112}, 4000)

	sweepAcct, sweepSim := open()
	sweepFills := sweepSim.SettlePendingOrdersIntrabar(sweepAcct, map[string][]*domain.Kline{
		"BTCUSDT": {
			{Symbol: "BTCUSDT", OpenTime: 2000, Open: 100, High: 104, Low: 100, Close: 104},
			{Symbol: "BTCUSDT", OpenTime: 3000, Open: 104, High: 108, Low: 104, Close: 108},
			{Symbol: "BTCUSDT", OpenTime: 4000, Open: 108, High: 112, Low: 108, Close: 112},
		},
	})

	if len(instFills) != 1 || len(sweepFills) != 1 {
		t.Fatalf("expected one fill each, got %d and %d", len(instFills), len(sweepFills))
	}
	if instFills[0].ExitReason != sweepFills[0].ExitReason {
		t.Errorf("modes disagree on exit reason: %s vs %s", instFills[0].ExitReason, sweepFills[0].ExitReason)
	}
	if instFills[0].ExitReason != domain.ExitReasonTakeProfit {
		t.Errorf("expected the take profit to fire, got %s", instFills[0].ExitReason)
	}
	// both leave the stop-loss slice open with its order still pending
	if instAcct.Position("BTCUSDT") == nil || sweepAcct.Position("BTCUSDT") == nil {
		t.Error("expected both modes to keep the stop-loss slice open")
	}
	if len(instAcct.PendingOrders("BTCUSDT")) != 1 || len(sweepAcct.PendingOrders("BTCUSDT")) != 1 {
		t.Error("expected the untouched stop loss to remain in both modes")
	}
}
