// Package engine drives a backtest run: it merges the precomputed signal
// timeline with online scheduled triggers and steps the account, simulator,
// provider, and sandbox through each one. Runs are single-threaded and
// deterministic; batch and streaming modes share one step function.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"perp-backtest-lab/internal/account"
	"perp-backtest-lab/internal/dataprovider"
	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/execution"
	"perp-backtest-lab/internal/observability"
	"perp-backtest-lab/internal/result"
	"perp-backtest-lab/internal/sandbox"
	"perp-backtest-lab/internal/signal"
	"perp-backtest-lab/internal/storage"
)

// Engine errors.
var ErrNoTriggers = errors.New("no triggers generated for the configured range")

// recentTradeLimit caps the trade history handed to strategy code.
const recentTradeLimit = 20

// defaultSandboxTimeout bounds one strategy call.
const defaultSandboxTimeout = 5 * time.Second

// Engine runs backtests against a set of stores and a strategy sandbox.
// Safe to share across concurrent runs; all mutable state lives in the
// per-run structures.
type Engine struct {
	klines  storage.KlineStore
	metrics storage.MetricStore
	flows   storage.FlowStore
	books   storage.OrderbookStore
	signals storage.SignalStore
	sandbox sandbox.Sandbox
	logger  *log.Logger
}

// Options configures an Engine.
type Options struct {
	Klines         storage.KlineStore
	Metrics        storage.MetricStore
	Flows          storage.FlowStore
	Books          storage.OrderbookStore
	Signals        storage.SignalStore
	Sandbox        sandbox.Sandbox
	SandboxTimeout time.Duration
	Logger         *log.Logger
}

// New creates an Engine. The sandbox is wrapped with a wall-clock timeout.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	timeout := opts.SandboxTimeout
	if timeout <= 0 {
		timeout = defaultSandboxTimeout
	}
	return &Engine{
		klines:  opts.Klines,
		metrics: opts.Metrics,
		flows:   opts.Flows,
		books:   opts.Books,
		signals: opts.Signals,
		sandbox: sandbox.WithTimeout(opts.Sandbox, timeout),
		logger:  logger,
	}
}

// run owns all mutable state of one backtest. Never shared across runs.
type run struct {
	engine   *Engine
	cfg      *domain.BacktestConfig
	runID    string
	period   string
	acct     *account.Account
	sim      *execution.Simulator
	provider *dataprovider.Provider

	signals []*domain.TriggerEvent
	sigIdx  int

	lastTriggerMs int64 // shared cooldown across both trigger kinds
	prevClockMs   int64
	intervalMs    int64

	trades     []*domain.TradeRecord
	curve      []*domain.EquityPoint
	triggerLog []*domain.TriggerEvent
	results    []*domain.TriggerExecutionResult
}

// prepare validates the config, loads pools, generates the signal timeline,
// and preloads all market data. Fails fast before the loop starts.
func (e *Engine) prepare(ctx context.Context, cfg *domain.BacktestConfig) (*run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	period := cfg.KlinePeriod
	if period == "" {
		period = domain.Period5m
	}

	var pools []*domain.SignalPool
	if len(cfg.SignalPoolIDs) > 0 {
		var err error
		pools, err = e.signals.GetPoolsByIDs(ctx, cfg.SignalPoolIDs)
		if err != nil {
			return nil, fmt.Errorf("load signal pools: %w", err)
		}
	}

	gen := signal.New(signal.Options{
		Flows:   e.flows,
		Metrics: e.metrics,
		Klines:  e.klines,
		Logger:  e.logger,
	})
	signalTriggers, err := gen.Generate(ctx, pools, cfg.StartTimeMs, cfg.EndTimeMs)
	if err != nil {
		return nil, err
	}
	if len(signalTriggers) == 0 && cfg.ScheduledIntervalSec <= 0 {
		return nil, ErrNoTriggers
	}

	provider := dataprovider.New(dataprovider.Options{
		Klines:  e.klines,
		Metrics: e.metrics,
		Flows:   e.flows,
		Books:   e.books,
		Logger:  e.logger,
	})
	if err := provider.Preload(ctx, cfg.Symbols, []string{period}, cfg.StartTimeMs, cfg.EndTimeMs); err != nil {
		return nil, fmt.Errorf("preload market data: %w", err)
	}

	// Deterministic run id: the same config yields the same id, which keeps
	// trade ids bit-identical across reruns. Map rendering is key-sorted.
	runID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%+v", *cfg))).String()
	return &run{
		engine:        e,
		cfg:           cfg,
		runID:         runID,
		period:        period,
		acct:          account.New(cfg.InitialBalance),
		sim:           execution.NewSimulator(runID, cfg.SlippagePct, cfg.FeePct),
		provider:      provider,
		signals:       signalTriggers,
		lastTriggerMs: cfg.StartTimeMs,
		prevClockMs:   cfg.StartTimeMs,
		intervalMs:    int64(cfg.ScheduledIntervalSec) * 1000,
	}, nil
}

// next returns the next trigger in the merged timeline, or nil when the
// run is exhausted. Scheduled triggers are generated online from the
// shared cooldown; signal triggers come from the precomputed timeline.
func (r *run) next() *domain.TriggerEvent {
	var scheduledDue int64
	if r.intervalMs > 0 {
		scheduledDue = r.lastTriggerMs + r.intervalMs
	}

	if r.sigIdx < len(r.signals) {
		sig := r.signals[r.sigIdx]
		if r.intervalMs > 0 && scheduledDue < sig.TimestampMs {
			return r.scheduledTrigger(scheduledDue)
		}
		r.sigIdx++
		return sig
	}

	if r.intervalMs > 0 && scheduledDue < r.cfg.EndTimeMs {
		return r.scheduledTrigger(scheduledDue)
	}
	return nil
}

func (r *run) scheduledTrigger(ts int64) *domain.TriggerEvent {
	return &domain.TriggerEvent{
		TimestampMs: ts,
		Kind:        domain.TriggerKindScheduled,
	}
}

// advance processes one trigger and returns its execution result. The
// cooldown resets for every trigger kind, including skipped ones. A panic
// inside the apply step aborts only this trigger.
func (r *run) advance(ctx context.Context, trigger *domain.TriggerEvent) *domain.TriggerExecutionResult {
	r.lastTriggerMs = trigger.TimestampMs
	r.triggerLog = append(r.triggerLog, trigger)

	res := &domain.TriggerExecutionResult{Trigger: trigger}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				res.DecisionError = fmt.Sprintf("trigger apply panicked: %v", rec)
				r.engine.logger.Printf("run %s: trigger at %d aborted: %v", r.runID, trigger.TimestampMs, rec)
			}
		}()
		r.apply(ctx, trigger, res)
	}()

	res.Balance = r.acct.Balance()
	res.Positions = r.acct.Positions()
	res.QueryLog = r.provider.QueryLog()
	r.results = append(r.results, res)

	observability.RecordTrigger(trigger.Kind)
	if res.Skipped {
		observability.RecordSkippedTrigger()
	}
	observability.RecordTrades(len(res.Fills))
	return res
}

// apply is the per-trigger pipeline: clock, TP/SL settlement, equity,
// snapshot, sandbox, decision execution, equity point.
func (r *run) apply(ctx context.Context, trigger *domain.TriggerEvent, res *domain.TriggerExecutionResult) {
	prevMs := r.prevClockMs
	r.prevClockMs = trigger.TimestampMs
	r.provider.SetClock(trigger.TimestampMs)
	r.provider.ResetQueryLog()

	// 1. Settle pending TP/SL across the gap since the previous trigger.
	if r.cfg.IntrabarFills {
		gapKlines := make(map[string][]*domain.Kline)
		for _, symbol := range r.acct.SymbolsWithPendingOrders() {
			klines, err := r.provider.KlinesBetween(symbol, r.period, prevMs, trigger.TimestampMs)
			if err != nil {
				continue
			}
			gapKlines[symbol] = klines
		}
		res.Fills = append(res.Fills, r.sim.SettlePendingOrdersIntrabar(r.acct, gapKlines)...)
	} else {
		pendingPrices := r.provider.CurrentPrices(r.acct.SymbolsWithPendingOrders())
		res.Fills = append(res.Fills, r.sim.SettlePendingOrders(r.acct, pendingPrices, trigger.TimestampMs)...)
	}

	// 2. Mark to market.
	prices := r.provider.CurrentPrices(r.cfg.Symbols)
	res.EquityBefore = r.acct.UpdateEquity(prices)

	// 3. A trigger without a price for its symbol is skipped but still
	// consumed the cooldown.
	symbol := trigger.Symbol
	if symbol == "" {
		symbol = r.cfg.Symbols[0]
	}
	if _, ok := prices[symbol]; !ok {
		res.Skipped = true
		res.SkipReason = fmt.Sprintf("no price for %s at %d", symbol, trigger.TimestampMs)
		res.EquityAfter = res.EquityBefore
		r.appendTrades(res.Fills)
		r.appendEquityPoint(trigger.TimestampMs)
		return
	}

	if regime, err := r.provider.Regime(symbol, r.period); err == nil {
		trigger.Regime = regime
	}

	// 4. Strategy call. Failures and timeouts are an implicit hold.
	snap := &sandbox.Snapshot{
		TimestampMs:  trigger.TimestampMs,
		Trigger:      trigger,
		Balance:      r.acct.Balance(),
		Equity:       r.acct.Equity(),
		Positions:    r.acct.Positions(),
		RecentTrades: r.recentTrades(),
		Prices:       prices,
	}
	decision := domain.Hold()
	verdict, err := r.engine.sandbox.Execute(ctx, r.cfg.StrategyCode, snap, r.cfg.Params)
	switch {
	case err != nil:
		res.DecisionError = fmt.Sprintf("sandbox: %v", err)
		observability.RecordSandboxError()
	case verdict == nil || verdict.Decision == nil:
		res.DecisionError = "sandbox returned no decision"
		observability.RecordSandboxError()
	default:
		decision = verdict.Decision
	}

	// 5. Validate and execute.
	if err := decision.Validate(); err != nil {
		res.DecisionError = fmt.Sprintf("invalid decision: %v", err)
		decision = domain.Hold()
	}
	res.Decision = decision

	if decision.Operation != domain.OpHold {
		price, ok := prices[decision.Symbol]
		if !ok {
			res.DecisionError = fmt.Sprintf("no price for decision symbol %s", decision.Symbol)
		} else {
			fills, err := r.sim.ExecuteDecision(r.acct, decision, price, trigger.TimestampMs)
			if err != nil {
				res.DecisionError = fmt.Sprintf("execute decision: %v", err)
			}
			res.Fills = append(res.Fills, fills...)
		}
	}

	// 6. Final mark and equity point.
	res.EquityAfter = r.acct.UpdateEquity(prices)
	r.appendTrades(res.Fills)
	r.appendEquityPoint(trigger.TimestampMs)
}

func (r *run) appendTrades(fills []*domain.TradeRecord) {
	r.trades = append(r.trades, fills...)
}

func (r *run) appendEquityPoint(ts int64) {
	r.curve = append(r.curve, &domain.EquityPoint{
		TimestampMs: ts,
		Equity:      r.acct.Equity(),
		Balance:     r.acct.Balance(),
	})
}

func (r *run) recentTrades() []*domain.TradeRecord {
	from := len(r.trades) - recentTradeLimit
	if from < 0 {
		from = 0
	}
	out := make([]*domain.TradeRecord, 0, len(r.trades)-from)
	for _, t := range r.trades[from:] {
		tCopy := *t
		out = append(out, &tCopy)
	}
	return out
}

// finalize assembles the terminal result from whatever the run produced.
func (r *run) finalize(runErr error, started time.Time) *domain.BacktestResult {
	summary := result.Aggregate(r.cfg.InitialBalance, r.trades, r.curve, r.results)
	res := &domain.BacktestResult{
		RunID:           r.runID,
		Success:         runErr == nil,
		Trades:          r.trades,
		EquityCurve:     r.curve,
		TriggerLog:      r.triggerLog,
		Summary:         summary,
		SkippedTriggers: summary.SkippedTriggers,
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	return res
}

// Run executes a backtest in batch mode. Errors and panics never escape:
// they are converted into a failed BacktestResult carrying the message and
// the elapsed time.
func (e *Engine) Run(ctx context.Context, cfg *domain.BacktestConfig) (res *domain.BacktestResult) {
	started := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			res = failedResult(fmt.Errorf("run panicked: %v", rec), started)
		}
		status := "success"
		if !res.Success {
			status = "failure"
		}
		observability.RecordRun(status, time.Since(started).Seconds())
	}()

	r, err := e.prepare(ctx, cfg)
	if err != nil {
		return failedResult(err, started)
	}

	for trigger := r.next(); trigger != nil; trigger = r.next() {
		if ctx.Err() != nil {
			return r.finalize(ctx.Err(), started)
		}
		r.advance(ctx, trigger)
	}

	e.logger.Printf("run %s: %d triggers, %d trades, final equity %.2f",
		r.runID, len(r.triggerLog), len(r.trades), r.acct.Equity())
	return r.finalize(nil, started)
}

// failedResult is the terminal shape for runs that never got a run state.
func failedResult(err error, started time.Time) *domain.BacktestResult {
	return &domain.BacktestResult{
		Success:         false,
		Error:           err.Error(),
		Summary:         &domain.Summary{},
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}
}

// Stream is a pull-based view over one run: one TriggerExecutionResult per
// Next call. Cancellation is cooperative; stop pulling and call Result.
type Stream struct {
	ctx     context.Context
	run     *run
	started time.Time
	done    bool
}

// RunStreaming prepares a run and returns its stream. Preparation errors
// (config, data loading, trigger generation) are returned eagerly.
func (e *Engine) RunStreaming(ctx context.Context, cfg *domain.BacktestConfig) (*Stream, error) {
	started := time.Now()
	r, err := e.prepare(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Stream{ctx: ctx, run: r, started: started}, nil
}

// RunID returns the deterministic id of the prepared run.
func (s *Stream) RunID() string {
	return s.run.runID
}

// Next processes the next trigger. Returns false when the timeline is
// exhausted or the context is cancelled; partial results remain valid.
func (s *Stream) Next() (*domain.TriggerExecutionResult, bool) {
	if s.done || s.ctx.Err() != nil {
		return nil, false
	}
	trigger := s.run.next()
	if trigger == nil {
		s.done = true
		return nil, false
	}
	return s.run.advance(s.ctx, trigger), true
}

// Result finalizes the run from everything processed so far. Valid after
// exhaustion and after early cancellation alike.
func (s *Stream) Result() *domain.BacktestResult {
	return s.run.finalize(s.ctx.Err(), s.started)
}
