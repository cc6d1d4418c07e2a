// Package signal evaluates signal-pool conditions over historical flow and
// metric data and emits edge-triggered events. The whole timeline for a run
// is computed up front; only scheduled triggers are generated online.
package signal

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/storage"
)

// Generator turns signal-pool definitions into an ordered trigger timeline.
type Generator struct {
	flows   storage.FlowStore
	metrics storage.MetricStore
	klines  storage.KlineStore
	logger  *log.Logger
}

// Options configures a Generator.
type Options struct {
	Flows   storage.FlowStore
	Metrics storage.MetricStore
	Klines  storage.KlineStore
	Logger  *log.Logger
}

// New creates a Generator over the given stores.
func New(opts Options) *Generator {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[signal] ", log.LstdFlags)
	}
	return &Generator{
		flows:   opts.Flows,
		metrics: opts.Metrics,
		klines:  opts.Klines,
		logger:  logger,
	}
}

// condState is one condition's evaluation result at a checkpoint.
type condState struct {
	value     float64
	satisfied bool
}

// condEval evaluates one condition incrementally across checkpoints.
type condEval struct {
	cond *domain.SignalCondition
	flow *flowWindow
	oi   *metricWindow
	macd *macdSeries
}

// poolEval carries one pool's evaluators plus its edge-detection state.
type poolEval struct {
	pool      *domain.SignalPool
	conds     []*condEval
	states    []condState // scratch, reused every checkpoint
	prevState bool
}

// Generate evaluates the pools over [startMs, endMs) at 15-second
// checkpoints and returns the ordered trigger timeline. Configuration
// problems (unknown metric/operator, empty pool) fail before evaluation.
func (g *Generator) Generate(ctx context.Context, pools []*domain.SignalPool, startMs, endMs int64) ([]*domain.TriggerEvent, error) {
	for _, pool := range pools {
		if err := pool.Validate(); err != nil {
			return nil, fmt.Errorf("pool %s: %w", pool.PoolID, err)
		}
	}

	evals := make([]*poolEval, 0, len(pools))
	for _, pool := range pools {
		pe, err := g.buildPoolEval(ctx, pool, startMs, endMs)
		if err != nil {
			return nil, err
		}
		evals = append(evals, pe)
	}

	// Checkpoints, not buckets, are the unit of simulated real time.
	first := startMs
	if rem := first % domain.FlowBucketMs; rem != 0 {
		first += domain.FlowBucketMs - rem
	}

	var events []*domain.TriggerEvent
	for cp := first; cp < endMs; cp += domain.FlowBucketMs {
		for _, pe := range evals {
			if event := pe.step(cp); event != nil {
				events = append(events, event)
			}
		}
	}

	g.logger.Printf("generated %d signal triggers from %d pools", len(events), len(pools))
	return events, nil
}

// buildPoolEval loads each series the pool needs once for the whole range
// and wires per-condition windows over the shared slices.
func (g *Generator) buildPoolEval(ctx context.Context, pool *domain.SignalPool, startMs, endMs int64) (*poolEval, error) {
	var maxLookbackMs int64
	needFlow, needOI := false, false
	for _, c := range pool.Conditions {
		lookback := int64(c.TimeWindowSec) * 1000
		if lookback > maxLookbackMs {
			maxLookbackMs = lookback
		}
		switch c.Metric {
		case domain.MetricCVD, domain.MetricCVDWindow, domain.MetricTakerRatio,
			domain.MetricVolume, domain.MetricTakerSurge:
			needFlow = true
		case domain.MetricOIDeltaPct, domain.MetricOIValueDelta:
			needOI = true
		}
	}

	var buckets []*domain.FlowBucket
	var points []*domain.MetricPoint
	var err error
	if needFlow {
		buckets, err = g.flows.GetByRange(ctx, pool.Symbol, startMs-maxLookbackMs, endMs)
		if err != nil {
			return nil, fmt.Errorf("load flow buckets %s: %w", pool.Symbol, err)
		}
	}
	if needOI {
		points, err = g.metrics.GetByRange(ctx, pool.Symbol, startMs-maxLookbackMs, endMs)
		if err != nil {
			return nil, fmt.Errorf("load metric points %s: %w", pool.Symbol, err)
		}
	}

	pe := &poolEval{
		pool:   pool,
		states: make([]condState, len(pool.Conditions)),
	}
	macdByPeriod := make(map[string]*macdSeries)
	for _, c := range pool.Conditions {
		ce := &condEval{cond: c}
		lookbackMs := int64(c.TimeWindowSec) * 1000
		switch c.Metric {
		case domain.MetricCVD, domain.MetricCVDWindow, domain.MetricTakerRatio,
			domain.MetricVolume, domain.MetricTakerSurge:
			ce.flow = newFlowWindow(buckets, lookbackMs)
		case domain.MetricOIDeltaPct, domain.MetricOIValueDelta:
			ce.oi = newMetricWindow(points, lookbackMs)
		case domain.MetricMACDHistogram, domain.MetricMACDCross:
			period := macdPeriodFor(c.TimeWindowSec)
			series, ok := macdByPeriod[period]
			if !ok {
				series, err = g.loadMACD(ctx, pool.Symbol, period, startMs, endMs)
				if err != nil {
					return nil, err
				}
				macdByPeriod[period] = series
			}
			ce.macd = series
		}
		pe.conds = append(pe.conds, ce)
	}
	return pe, nil
}

// loadMACD loads enough closed candles before the range start for the slow
// EMA to settle.
func (g *Generator) loadMACD(ctx context.Context, symbol, period string, startMs, endMs int64) (*macdSeries, error) {
	periodMs, err := domain.PeriodMs(period)
	if err != nil {
		return nil, err
	}
	warmup := periodMs * int64(macdSlowPeriod+macdSignalPeriod+50)
	klines, err := g.klines.GetByRange(ctx, symbol, period, startMs-warmup, endMs)
	if err != nil {
		return nil, fmt.Errorf("load klines %s/%s: %w", symbol, period, err)
	}
	return newMACDSeries(klines, periodMs), nil
}

// step evaluates the pool at one checkpoint and returns a trigger on a
// False -> True transition of the combined state, nil otherwise.
func (pe *poolEval) step(checkpointMs int64) *domain.TriggerEvent {
	for i, ce := range pe.conds {
		value, ok := ce.evaluate(checkpointMs)
		pe.states[i] = condState{value: value}
		if ok {
			pe.states[i].satisfied = evalOperator(ce.cond.Operator, value, ce.cond.Threshold)
		}
	}

	combined := pe.states[0].satisfied
	if pe.pool.Logic == domain.LogicAnd {
		for _, s := range pe.states[1:] {
			combined = combined && s.satisfied
		}
	} else {
		for _, s := range pe.states[1:] {
			combined = combined || s.satisfied
		}
	}

	rising := combined && !pe.prevState
	pe.prevState = combined
	if !rising {
		return nil
	}

	signals := make([]*domain.TriggeredSignal, len(pe.conds))
	for i, ce := range pe.conds {
		signals[i] = &domain.TriggeredSignal{
			SignalID:      ce.cond.SignalID,
			Metric:        ce.cond.Metric,
			Operator:      ce.cond.Operator,
			Threshold:     ce.cond.Threshold,
			Value:         pe.states[i].value,
			TimeWindowSec: ce.cond.TimeWindowSec,
			Satisfied:     pe.states[i].satisfied,
		}
	}
	return &domain.TriggerEvent{
		TimestampMs: checkpointMs,
		Kind:        domain.TriggerKindSignal,
		Symbol:      pe.pool.Symbol,
		PoolID:      pe.pool.PoolID,
		PoolLogic:   pe.pool.Logic,
		Signals:     signals,
	}
}

// evaluate derives the condition's metric value at a checkpoint. ok is
// false when the window has no usable data yet.
func (ce *condEval) evaluate(checkpointMs int64) (float64, bool) {
	switch ce.cond.Metric {
	case domain.MetricCVD:
		ce.flow.advance(checkpointMs)
		b := ce.flow.last()
		if b == nil {
			return 0, false
		}
		return b.BuyNotional - b.SellNotional, true

	case domain.MetricCVDWindow:
		ce.flow.advance(checkpointMs)
		if ce.flow.empty() {
			return 0, false
		}
		return ce.flow.buyNotional - ce.flow.sellNotional, true

	case domain.MetricTakerRatio:
		ce.flow.advance(checkpointMs)
		if ce.flow.empty() || ce.flow.buyNotional <= 0 || ce.flow.sellNotional <= 0 {
			return 0, false
		}
		return math.Log(ce.flow.buyNotional / ce.flow.sellNotional), true

	case domain.MetricVolume:
		ce.flow.advance(checkpointMs)
		if ce.flow.empty() {
			return 0, false
		}
		return ce.flow.buyNotional + ce.flow.sellNotional, true

	case domain.MetricTakerSurge:
		// Composite: the ratio value only counts when the windowed notional
		// clears the volume floor.
		ce.flow.advance(checkpointMs)
		if ce.flow.empty() || ce.flow.buyNotional <= 0 || ce.flow.sellNotional <= 0 {
			return 0, false
		}
		if ce.flow.buyNotional+ce.flow.sellNotional < ce.cond.VolumeFloor {
			return 0, false
		}
		return math.Log(ce.flow.buyNotional / ce.flow.sellNotional), true

	case domain.MetricOIDeltaPct:
		ce.oi.advance(checkpointMs)
		last, prev := ce.oi.last(), ce.oi.prev()
		if last == nil || prev == nil || prev.OpenInterest == 0 {
			return 0, false
		}
		return (last.OpenInterest - prev.OpenInterest) / prev.OpenInterest * 100, true

	case domain.MetricOIValueDelta:
		ce.oi.advance(checkpointMs)
		first, last := ce.oi.first(), ce.oi.last()
		if first == nil || last == nil || first == last {
			return 0, false
		}
		return last.OpenInterestValue - first.OpenInterestValue, true

	case domain.MetricMACDHistogram:
		ce.macd.advance(checkpointMs)
		return ce.macd.histogramAt()

	case domain.MetricMACDCross:
		ce.macd.advance(checkpointMs)
		return ce.macd.crossAt()
	}
	return 0, false
}

// evalOperator applies a comparison operator.
func evalOperator(operator string, value, threshold float64) bool {
	switch operator {
	case domain.OpGT:
		return value > threshold
	case domain.OpLT:
		return value < threshold
	case domain.OpGTE:
		return value >= threshold
	case domain.OpLTE:
		return value <= threshold
	case domain.OpAbsGT:
		return math.Abs(value) > threshold
	default:
		return false
	}
}
