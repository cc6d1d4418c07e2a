// Package result derives aggregate statistics from a run's trade list and
// equity curve. Every divide-by-zero case resolves to nil or 0, never to
// Inf or NaN.
package result

import (
	"math"

	"github.com/montanaflynn/stats"

	"perp-backtest-lab/internal/domain"
)

// sharpeAnnualization annualizes step returns by the trading-day convention.
var sharpeAnnualization = math.Sqrt(252)

// Aggregate computes a Summary from closed trades, the equity curve, and
// per-trigger outcomes. Only fills that realized PnL (closes) count as
// trades; opens and adds are bookkeeping records.
func Aggregate(initialBalance float64, trades []*domain.TradeRecord, curve []*domain.EquityPoint, triggers []*domain.TriggerExecutionResult) *domain.Summary {
	s := &domain.Summary{}

	var totalProfit, totalLoss float64
	for _, t := range trades {
		s.TotalFees += t.Fee
		if t.ExitPrice == nil {
			continue
		}
		s.TotalTrades++
		s.TotalPnL += t.PnL
		switch {
		case t.PnL > 0:
			s.Wins++
			totalProfit += t.PnL
			if t.PnL > s.LargestWin {
				s.LargestWin = t.PnL
			}
		case t.PnL < 0:
			s.Losses++
			totalLoss += -t.PnL
			if -t.PnL > s.LargestLoss {
				s.LargestLoss = -t.PnL
			}
		}
	}

	if s.TotalTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TotalTrades) * 100
	}
	if s.Wins > 0 {
		s.AvgWin = totalProfit / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = totalLoss / float64(s.Losses)
	}
	if totalLoss > 0 {
		pf := totalProfit / totalLoss
		s.ProfitFactor = &pf
	}

	s.Sharpe = sharpeRatio(curve)
	s.MaxDrawdown, s.MaxDrawdownPct = maxDrawdown(curve)

	if len(curve) > 0 {
		s.FinalEquity = curve[len(curve)-1].Equity
	} else {
		s.FinalEquity = initialBalance
	}

	for _, tr := range triggers {
		if tr.Skipped {
			s.SkippedTriggers++
		}
		if tr.Trigger == nil {
			continue
		}
		switch tr.Trigger.Kind {
		case domain.TriggerKindSignal:
			s.SignalTriggers++
		case domain.TriggerKindScheduled:
			s.ScheduledTriggers++
		}
	}

	return s
}

// sharpeRatio computes mean/stddev of step-wise equity returns, annualized
// by sqrt(252). Nil when the curve has fewer than two points or no variance.
func sharpeRatio(curve []*domain.EquityPoint) *float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	if len(returns) < 2 {
		return nil
	}

	mean, err := stats.Mean(returns)
	if err != nil {
		return nil
	}
	stddev, err := stats.StandardDeviationSample(returns)
	if err != nil || stddev == 0 {
		return nil
	}

	sharpe := mean / stddev * sharpeAnnualization
	if math.IsNaN(sharpe) || math.IsInf(sharpe, 0) {
		return nil
	}
	return &sharpe
}

// maxDrawdown walks the curve tracking the running peak.
func maxDrawdown(curve []*domain.EquityPoint) (float64, float64) {
	var peak, maxAbs, maxPct float64
	for _, pt := range curve {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		dd := peak - pt.Equity
		if dd > maxAbs {
			maxAbs = dd
			if peak > 0 {
				maxPct = dd / peak * 100
			}
		}
	}
	return maxAbs, maxPct
}
