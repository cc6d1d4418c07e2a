package domain

import "errors"

// Config validation errors. Reported before the event loop starts.
var (
	ErrNoSymbols        = errors.New("config requires at least one symbol")
	ErrInvalidTimeRange = errors.New("config start time must be before end time")
	ErrInvalidBalance   = errors.New("config initial balance must be positive")
	ErrNegativeRate     = errors.New("config slippage and fee rates must be >= 0")
	ErrNoTriggerSources = errors.New("config needs signal pools or a scheduled interval")
	ErrMissingStrategy  = errors.New("config requires strategy code")
)

// BacktestConfig is the immutable input for one run.
type BacktestConfig struct {
	Symbols              []string
	StartTimeMs          int64
	EndTimeMs            int64
	InitialBalance       float64
	SlippagePct          float64 // percent, e.g. 0.05
	FeePct               float64 // percent, e.g. 0.04
	SignalPoolIDs        []string
	ScheduledIntervalSec int  // 0 disables scheduled triggers
	IntrabarFills        bool // settle TP/SL against every kline in trigger gaps
	KlinePeriod          string
	StrategyCode         string
	Params               map[string]any
}

// Validate checks the config before any data is loaded.
func (c *BacktestConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return ErrNoSymbols
	}
	if c.StartTimeMs >= c.EndTimeMs {
		return ErrInvalidTimeRange
	}
	if c.InitialBalance <= 0 {
		return ErrInvalidBalance
	}
	if c.SlippagePct < 0 || c.FeePct < 0 {
		return ErrNegativeRate
	}
	if len(c.SignalPoolIDs) == 0 && c.ScheduledIntervalSec <= 0 {
		return ErrNoTriggerSources
	}
	if c.StrategyCode == "" {
		return ErrMissingStrategy
	}
	if c.KlinePeriod != "" {
		if _, err := PeriodMs(c.KlinePeriod); err != nil {
			return err
		}
	}
	return nil
}

// QueryRecord is one logged data-provider call during a trigger.
type QueryRecord struct {
	Method string
	Args   string
	Result string // truncated summary
}

// TriggerExecutionResult is the outcome of processing one trigger.
// One is produced per trigger in streaming mode.
type TriggerExecutionResult struct {
	Trigger       *TriggerEvent
	EquityBefore  float64
	EquityAfter   float64
	Balance       float64
	Skipped       bool
	SkipReason    string
	Decision      *Decision // nil when skipped
	DecisionError string    // sandbox or execution failure, run continues
	Fills         []*TradeRecord
	Positions     []*Position // snapshot after the trigger
	QueryLog      []*QueryRecord
}

// Summary holds aggregate statistics derived from trades and the equity curve.
type Summary struct {
	TotalTrades int
	Wins        int
	Losses      int
	WinRate     float64

	AvgWin      float64
	AvgLoss     float64
	LargestWin  float64
	LargestLoss float64

	// ProfitFactor is nil when total loss is zero; never Inf or NaN.
	ProfitFactor *float64
	// Sharpe is nil when the curve has fewer than two steps or zero variance.
	Sharpe *float64

	MaxDrawdown    float64
	MaxDrawdownPct float64

	SignalTriggers    int
	ScheduledTriggers int
	SkippedTriggers   int

	FinalEquity float64
	TotalPnL    float64
	TotalFees   float64
}

// BacktestResult is the terminal output of one run.
type BacktestResult struct {
	RunID           string
	Success         bool
	Error           string
	Trades          []*TradeRecord
	EquityCurve     []*EquityPoint
	TriggerLog      []*TriggerEvent
	Summary         *Summary
	SkippedTriggers int
	ExecutionTimeMs int64
}
