package reporting

import (
	"fmt"
	"strings"

	"perp-backtest-lab/internal/domain"
)

// RenderTradesCSV renders the trade list as CSV string.
func RenderTradesCSV(trades []*domain.TradeRecord) string {
	var sb strings.Builder

	// Header
	sb.WriteString("trade_id,timestamp_ms,symbol,operation,side,entry_price,size,exit_price,exit_reason,pnl,fee\n")

	// Rows
	for _, t := range trades {
		exit := ""
		if t.ExitPrice != nil {
			exit = fmt.Sprintf("%.8f", *t.ExitPrice)
		}
		sb.WriteString(fmt.Sprintf("%s,%d,%s,%s,%s,%.8f,%.8f,%s,%s,%.8f,%.8f\n",
			t.TradeID,
			t.TimestampMs,
			t.Symbol,
			t.Operation,
			t.Side,
			t.EntryPrice,
			t.Size,
			exit,
			t.ExitReason,
			t.PnL,
			t.Fee,
		))
	}

	return sb.String()
}

// RenderEquityCSV renders the equity curve as CSV string.
func RenderEquityCSV(curve []*domain.EquityPoint) string {
	var sb strings.Builder

	sb.WriteString("timestamp_ms,equity,balance\n")
	for _, p := range curve {
		sb.WriteString(fmt.Sprintf("%d,%.8f,%.8f\n", p.TimestampMs, p.Equity, p.Balance))
	}

	return sb.String()
}
