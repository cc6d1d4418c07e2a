package domain

import (
	"errors"
	"testing"
)

func validConfig() *BacktestConfig {
	return &BacktestConfig{
		Symbols:        []string{"BTCUSDT"},
		StartTimeMs:    1_000,
		EndTimeMs:      2_000,
		InitialBalance: 10_000,
		SignalPoolIDs:  []string{"pool-1"},
		KlinePeriod:    Period5m,
		StrategyCode:   "hold",
	}
}

func TestBacktestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*BacktestConfig)
		wantErr error
	}{
		{"valid", func(c *BacktestConfig) {}, nil},
		{"no symbols", func(c *BacktestConfig) { c.Symbols = nil }, ErrNoSymbols},
		{"start after end", func(c *BacktestConfig) { c.StartTimeMs = 3_000 }, ErrInvalidTimeRange},
		{"start equals end", func(c *BacktestConfig) { c.StartTimeMs = c.EndTimeMs }, ErrInvalidTimeRange},
		{"zero balance", func(c *BacktestConfig) { c.InitialBalance = 0 }, ErrInvalidBalance},
		{"negative slippage", func(c *BacktestConfig) { c.SlippagePct = -0.1 }, ErrNegativeRate},
		{"negative fee", func(c *BacktestConfig) { c.FeePct = -0.1 }, ErrNegativeRate},
		{"no trigger sources", func(c *BacktestConfig) { c.SignalPoolIDs = nil }, ErrNoTriggerSources},
		{"interval alone is enough", func(c *BacktestConfig) {
			c.SignalPoolIDs = nil
			c.ScheduledIntervalSec = 300
		}, nil},
		{"no strategy", func(c *BacktestConfig) { c.StrategyCode = "" }, ErrMissingStrategy},
		{"empty period allowed", func(c *BacktestConfig) { c.KlinePeriod = "" }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestBacktestConfigValidate_UnknownPeriod(t *testing.T) {
	cfg := validConfig()
	cfg.KlinePeriod = "7m"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown kline period")
	}
}

func TestDecisionValidate(t *testing.T) {
	tp := 120.0
	badTP := -1.0

	tests := []struct {
		name    string
		d       Decision
		wantErr error
	}{
		{"hold ignores everything else", Decision{Operation: OpHold}, nil},
		{"valid buy", Decision{Operation: OpBuy, Symbol: "BTCUSDT", Portion: 0.1, Leverage: 5, MaxPrice: 101}, nil},
		{"valid sell", Decision{Operation: OpSell, Symbol: "BTCUSDT", Portion: 0.1, Leverage: 5, MinPrice: 99}, nil},
		{"valid close", Decision{Operation: OpClose, Symbol: "BTCUSDT", Portion: 1}, nil},
		{"unknown operation", Decision{Operation: "SHORT"}, ErrUnknownOperation},
		{"buy without max price", Decision{Operation: OpBuy, Symbol: "BTCUSDT", Portion: 0.1, Leverage: 5}, ErrMissingMaxPrice},
		{"sell without min price", Decision{Operation: OpSell, Symbol: "BTCUSDT", Portion: 0.1, Leverage: 5}, ErrMissingMinPrice},
		{"missing symbol", Decision{Operation: OpBuy, Portion: 0.1, Leverage: 5, MaxPrice: 101}, ErrMissingSymbol},
		{"zero portion", Decision{Operation: OpClose, Symbol: "BTCUSDT"}, ErrInvalidPortion},
		{"portion above one", Decision{Operation: OpClose, Symbol: "BTCUSDT", Portion: 1.5}, ErrInvalidPortion},
		{"leverage below one", Decision{Operation: OpBuy, Symbol: "BTCUSDT", Portion: 0.1, Leverage: 0.5, MaxPrice: 101}, ErrInvalidLeverage},
		{"valid take profit", Decision{Operation: OpBuy, Symbol: "BTCUSDT", Portion: 0.1, Leverage: 5, MaxPrice: 101, TakeProfitPrice: &tp}, nil},
		{"negative take profit", Decision{Operation: OpBuy, Symbol: "BTCUSDT", Portion: 0.1, Leverage: 5, MaxPrice: 101, TakeProfitPrice: &badTP}, ErrInvalidTriggerPair},
		{"negative stop loss", Decision{Operation: OpSell, Symbol: "BTCUSDT", Portion: 0.1, Leverage: 5, MinPrice: 99, StopLossPrice: &badTP}, ErrInvalidTriggerPair},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSignalPoolValidate(t *testing.T) {
	valid := func() *SignalPool {
		return &SignalPool{
			PoolID: "pool-1",
			Symbol: "BTCUSDT",
			Logic:  LogicAnd,
			Conditions: []*SignalCondition{
				{SignalID: "sig-1", Metric: MetricCVD, Operator: OpGT, Threshold: 100, TimeWindowSec: 60},
			},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid pool rejected: %v", err)
	}

	p := valid()
	p.Symbol = ""
	if err := p.Validate(); !errors.Is(err, ErrMissingPoolSymbol) {
		t.Errorf("expected ErrMissingPoolSymbol, got %v", err)
	}

	p = valid()
	p.Logic = "XOR"
	if err := p.Validate(); !errors.Is(err, ErrUnknownPoolLogic) {
		t.Errorf("expected ErrUnknownPoolLogic, got %v", err)
	}

	p = valid()
	p.Conditions = nil
	if err := p.Validate(); !errors.Is(err, ErrEmptyPool) {
		t.Errorf("expected ErrEmptyPool, got %v", err)
	}

	p = valid()
	p.Conditions[0].Metric = "RSI"
	if err := p.Validate(); !errors.Is(err, ErrUnknownMetric) {
		t.Errorf("expected ErrUnknownMetric, got %v", err)
	}

	p = valid()
	p.Conditions[0].Operator = "EQ"
	if err := p.Validate(); !errors.Is(err, ErrUnknownOperator) {
		t.Errorf("expected ErrUnknownOperator, got %v", err)
	}

	p = valid()
	p.Conditions[0].TimeWindowSec = 0
	if err := p.Validate(); !errors.Is(err, ErrInvalidTimeWindow) {
		t.Errorf("expected ErrInvalidTimeWindow, got %v", err)
	}
}

func TestTriggerEventBefore(t *testing.T) {
	sig := &TriggerEvent{TimestampMs: 1_000, Kind: TriggerKindSignal}
	sched := &TriggerEvent{TimestampMs: 1_000, Kind: TriggerKindScheduled}
	later := &TriggerEvent{TimestampMs: 2_000, Kind: TriggerKindSignal}

	if !sig.Before(later) {
		t.Error("earlier trigger must order first")
	}
	if later.Before(sig) {
		t.Error("later trigger must not order first")
	}

	// signal wins the tie at equal timestamps
	if !sig.Before(sched) {
		t.Error("signal trigger must order before scheduled at equal timestamps")
	}
	if sched.Before(sig) {
		t.Error("scheduled trigger must not order before signal at equal timestamps")
	}
	if sig.Before(sig) {
		t.Error("Before must be a strict order")
	}
}

func TestPeriodMs(t *testing.T) {
	cases := map[string]int64{
		Period1m:  60_000,
		Period5m:  300_000,
		Period15m: 900_000,
		Period1h:  3_600_000,
		Period4h:  14_400_000,
		Period1d:  86_400_000,
	}
	for period, want := range cases {
		got, err := PeriodMs(period)
		if err != nil {
			t.Errorf("PeriodMs(%s): %v", period, err)
		}
		if got != want {
			t.Errorf("PeriodMs(%s) = %d, want %d", period, got, want)
		}
	}

	if _, err := PeriodMs("7m"); err == nil {
		t.Error("expected error for unknown period")
	}
}
