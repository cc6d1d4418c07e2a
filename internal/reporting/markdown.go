// Package reporting renders backtest results as Markdown and CSV.
package reporting

import (
	"fmt"
	"strings"
	"time"
)

// formatMs renders a millisecond timestamp as UTC RFC3339.
func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// RenderMarkdown renders a backtest result as a Markdown report.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder
	res := r.Result

	// Header
	sb.WriteString("# Backtest Report\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Run: `%s`\n\n", res.RunID))
	if !res.Success {
		sb.WriteString(fmt.Sprintf("**RUN FAILED:** %s\n\n", res.Error))
	}
	sb.WriteString(fmt.Sprintf("Execution time: %dms\n\n", res.ExecutionTimeMs))

	// Summary
	s := res.Summary
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Final Equity | %.2f |\n", s.FinalEquity))
	sb.WriteString(fmt.Sprintf("| Total PnL | %.2f |\n", s.TotalPnL))
	sb.WriteString(fmt.Sprintf("| Total Fees | %.2f |\n", s.TotalFees))
	sb.WriteString(fmt.Sprintf("| Trades | %d |\n", s.TotalTrades))
	sb.WriteString(fmt.Sprintf("| Wins / Losses | %d / %d |\n", s.Wins, s.Losses))
	sb.WriteString(fmt.Sprintf("| Win Rate | %.2f%% |\n", s.WinRate))
	sb.WriteString(fmt.Sprintf("| Avg Win / Avg Loss | %.2f / %.2f |\n", s.AvgWin, s.AvgLoss))
	sb.WriteString(fmt.Sprintf("| Largest Win / Loss | %.2f / %.2f |\n", s.LargestWin, s.LargestLoss))
	if s.ProfitFactor != nil {
		sb.WriteString(fmt.Sprintf("| Profit Factor | %.4f |\n", *s.ProfitFactor))
	} else {
		sb.WriteString("| Profit Factor | n/a |\n")
	}
	if s.Sharpe != nil {
		sb.WriteString(fmt.Sprintf("| Sharpe | %.4f |\n", *s.Sharpe))
	} else {
		sb.WriteString("| Sharpe | n/a |\n")
	}
	sb.WriteString(fmt.Sprintf("| Max Drawdown | %.2f (%.2f%%) |\n", s.MaxDrawdown, s.MaxDrawdownPct))
	sb.WriteString("\n")

	// Triggers
	sb.WriteString("## Triggers\n\n")
	sb.WriteString("| Kind | Count |\n")
	sb.WriteString("|------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Signal | %d |\n", s.SignalTriggers))
	sb.WriteString(fmt.Sprintf("| Scheduled | %d |\n", s.ScheduledTriggers))
	sb.WriteString(fmt.Sprintf("| Skipped | %d |\n", s.SkippedTriggers))
	sb.WriteString("\n")

	// Trades
	if len(res.Trades) > 0 {
		sb.WriteString("## Trades\n\n")
		sb.WriteString("| Time | Symbol | Op | Side | Entry | Size | Exit | Reason | PnL | Fee |\n")
		sb.WriteString("|------|--------|----|------|-------|------|------|--------|-----|-----|\n")
		for _, t := range res.Trades {
			exit := "-"
			if t.ExitPrice != nil {
				exit = fmt.Sprintf("%.4f", *t.ExitPrice)
			}
			reason := t.ExitReason
			if reason == "" {
				reason = "-"
			}
			sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %.4f | %.6f | %s | %s | %.2f | %.4f |\n",
				formatMs(t.TimestampMs), t.Symbol, t.Operation, t.Side,
				t.EntryPrice, t.Size, exit, reason, t.PnL, t.Fee))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
