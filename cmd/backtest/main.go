package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"perp-backtest-lab/internal/domain"
	"perp-backtest-lab/internal/engine"
	"perp-backtest-lab/internal/observability"
	"perp-backtest-lab/internal/progress"
	"perp-backtest-lab/internal/reporting"
	"perp-backtest-lab/internal/sandbox"
	"perp-backtest-lab/internal/storage"
	chstore "perp-backtest-lab/internal/storage/clickhouse"
	"perp-backtest-lab/internal/storage/memory"
	pgstore "perp-backtest-lab/internal/storage/postgres"
)

// seedData is the JSON shape accepted by --data-json for in-memory runs.
type seedData struct {
	Klines  []*domain.Kline
	Metrics []*domain.MetricPoint
	Flows   []*domain.FlowBucket
	Books   []*domain.OrderbookSnapshot
	Pools   []*domain.SignalPool
}

func main() {
	// Run window
	symbolsFlag := flag.String("symbols", "", "Comma-separated symbols, e.g. BTCUSDT,ETHUSDT (required)")
	startFlag := flag.String("start", "", "Run start, RFC3339 (required)")
	endFlag := flag.String("end", "", "Run end, RFC3339 (required)")

	// Simulation parameters
	initialBalance := flag.Float64("initial-balance", 10000, "Initial account balance (USD)")
	slippagePct := flag.Float64("slippage-pct", 0.05, "Fill slippage (percent)")
	feePct := flag.Float64("fee-pct", 0.04, "Taker fee (percent)")
	poolIDs := flag.String("pool-ids", "", "Comma-separated signal pool IDs")
	intervalSec := flag.Int("interval-sec", 0, "Scheduled trigger interval in seconds (0 disables)")
	intrabar := flag.Bool("intrabar", false, "Settle TP/SL against every kline between triggers")
	klinePeriod := flag.String("kline-period", "5m", "Kline period for the strategy view")
	sandboxTimeout := flag.Duration("sandbox-timeout", 5*time.Second, "Per-trigger strategy timeout")

	// Strategy
	strategyFile := flag.String("strategy-file", "", "Strategy source passed to the sandbox")
	scriptFile := flag.String("script-file", "", "JSON array of decisions replayed in order (dry run)")

	// Storage
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string (signal pools)")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (market data)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage")
	dataJSON := flag.String("data-json", "", "Seed file for --use-memory (klines, metrics, flows, pools)")

	// Output
	outputJSON := flag.Bool("json", false, "Output result as JSON")
	reportDir := flag.String("report-dir", "", "Write markdown + CSV report files into this directory")
	wsAddr := flag.String("ws-addr", "", "Serve /ws trigger stream and /metrics on this address")

	flag.Parse()

	logger := log.New(os.Stderr, "[backtest] ", log.LstdFlags)

	if *symbolsFlag == "" {
		logger.Fatal("--symbols is required")
	}
	startTime, err := time.Parse(time.RFC3339, *startFlag)
	if err != nil {
		logger.Fatalf("--start must be RFC3339: %v", err)
	}
	endTime, err := time.Parse(time.RFC3339, *endFlag)
	if err != nil {
		logger.Fatalf("--end must be RFC3339: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Create stores
	var klineStore storage.KlineStore = memory.NewKlineStore()
	var metricStore storage.MetricStore = memory.NewMetricStore()
	var flowStore storage.FlowStore = memory.NewFlowStore()
	var bookStore storage.OrderbookStore = memory.NewOrderbookStore()
	var signalStore storage.SignalStore = memory.NewSignalStore()

	if *useMemory {
		if *dataJSON != "" {
			if err := seedMemoryStores(ctx, *dataJSON, klineStore, metricStore, flowStore, bookStore, signalStore); err != nil {
				logger.Fatalf("seed memory stores: %v", err)
			}
		}
	} else {
		if *postgresDSN == "" {
			logger.Fatal("--postgres-dsn is required when not using --use-memory (signal pools)")
		}
		if *clickhouseDSN == "" {
			logger.Fatal("--clickhouse-dsn is required when not using --use-memory (market data)")
		}

		pool, err := pgstore.NewPool(ctx, *postgresDSN)
		if err != nil {
			logger.Fatalf("connect to postgres: %v", err)
		}
		defer pool.Close()
		signalStore = pgstore.NewSignalStore(pool)

		conn, err := chstore.NewConn(ctx, *clickhouseDSN)
		if err != nil {
			logger.Fatalf("connect to clickhouse: %v", err)
		}
		defer conn.Close()
		klineStore = chstore.NewKlineStore(conn)
		metricStore = chstore.NewMetricStore(conn)
		flowStore = chstore.NewFlowStore(conn)
		bookStore = chstore.NewOrderbookStore(conn)
	}

	// Build config
	strategyCode := "// scripted dry run"
	if *strategyFile != "" {
		data, err := os.ReadFile(*strategyFile)
		if err != nil {
			logger.Fatalf("read strategy file: %v", err)
		}
		strategyCode = string(data)
	}

	cfg := &domain.BacktestConfig{
		Symbols:              splitList(*symbolsFlag),
		StartTimeMs:          startTime.UnixMilli(),
		EndTimeMs:            endTime.UnixMilli(),
		InitialBalance:       *initialBalance,
		SlippagePct:          *slippagePct,
		FeePct:               *feePct,
		SignalPoolIDs:        splitList(*poolIDs),
		ScheduledIntervalSec: *intervalSec,
		IntrabarFills:        *intrabar,
		KlinePeriod:          *klinePeriod,
		StrategyCode:         strategyCode,
	}

	// Only the scripted sandbox ships with the CLI; live strategy execution
	// plugs in through the same interface.
	strategy, err := loadScriptedSandbox(*scriptFile)
	if err != nil {
		logger.Fatalf("load script file: %v", err)
	}

	eng := engine.New(engine.Options{
		Klines:         klineStore,
		Metrics:        metricStore,
		Flows:          flowStore,
		Books:          bookStore,
		Signals:        signalStore,
		Sandbox:        strategy,
		SandboxTimeout: *sandboxTimeout,
		Logger:         logger,
	})

	logger.Printf("Running backtest: symbols=%s window=[%s, %s] pools=%s interval=%ds",
		*symbolsFlag, startTime.Format(time.RFC3339), endTime.Format(time.RFC3339), *poolIDs, *intervalSec)

	var result *domain.BacktestResult
	if *wsAddr != "" {
		result, err = runStreaming(ctx, eng, cfg, *wsAddr, logger)
		if err != nil {
			logger.Fatalf("backtest failed: %v", err)
		}
	} else {
		result = eng.Run(ctx, cfg)
	}

	// Output result
	if *outputJSON {
		output, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(output))
	} else {
		printSummary(result)
	}

	if *reportDir != "" {
		if err := reporting.NewReport(result).WriteFiles(*reportDir); err != nil {
			logger.Fatalf("write report: %v", err)
		}
		logger.Printf("Report written to %s", *reportDir)
	}

	if !result.Success {
		os.Exit(1)
	}
}

// runStreaming processes triggers one at a time, broadcasting each to the
// websocket hub before advancing.
func runStreaming(ctx context.Context, eng *engine.Engine, cfg *domain.BacktestConfig, addr string, logger *log.Logger) (*domain.BacktestResult, error) {
	hub := progress.NewHub(logger)
	defer hub.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", observability.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Printf("Progress stream on ws://%s/ws", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("progress server: %v", err)
		}
	}()
	defer server.Shutdown(context.Background())

	stream, err := eng.RunStreaming(ctx, cfg)
	if err != nil {
		return nil, err
	}
	for {
		res, ok := stream.Next()
		if !ok {
			break
		}
		hub.PublishTrigger(stream.RunID(), res)
	}

	result := stream.Result()
	hub.PublishResult(result)
	return result, nil
}

// seedMemoryStores loads market data and signal pools from a JSON file.
func seedMemoryStores(
	ctx context.Context,
	path string,
	klines storage.KlineStore,
	metrics storage.MetricStore,
	flows storage.FlowStore,
	books storage.OrderbookStore,
	signals storage.SignalStore,
) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	var seed seedData
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	if err := klines.InsertBulk(ctx, seed.Klines); err != nil {
		return fmt.Errorf("seed klines: %w", err)
	}
	if err := metrics.InsertBulk(ctx, seed.Metrics); err != nil {
		return fmt.Errorf("seed metric points: %w", err)
	}
	if err := flows.InsertBulk(ctx, seed.Flows); err != nil {
		return fmt.Errorf("seed flow buckets: %w", err)
	}
	if err := books.InsertBulk(ctx, seed.Books); err != nil {
		return fmt.Errorf("seed orderbooks: %w", err)
	}
	for _, pool := range seed.Pools {
		if err := signals.InsertPool(ctx, pool); err != nil {
			return fmt.Errorf("seed pool %s: %w", pool.PoolID, err)
		}
	}
	return nil
}

// loadScriptedSandbox builds a sandbox replaying decisions from a JSON file.
// Without a script file every trigger holds.
func loadScriptedSandbox(path string) (sandbox.Sandbox, error) {
	if path == "" {
		return sandbox.NewScripted(nil), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script file: %w", err)
	}
	var decisions []*domain.Decision
	if err := json.Unmarshal(data, &decisions); err != nil {
		return nil, fmt.Errorf("parse script file: %w", err)
	}
	return sandbox.NewScripted(decisions), nil
}

// splitList parses a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// printSummary outputs a human-readable run summary.
func printSummary(res *domain.BacktestResult) {
	fmt.Println()
	fmt.Println("=== Backtest Result ===")
	fmt.Printf("Run ID:             %s\n", res.RunID)
	fmt.Printf("Success:            %v\n", res.Success)
	if res.Error != "" {
		fmt.Printf("Error:              %s\n", res.Error)
	}
	fmt.Printf("Execution Time:     %v\n", time.Duration(res.ExecutionTimeMs)*time.Millisecond)
	fmt.Println()

	s := res.Summary
	if s == nil {
		return
	}

	fmt.Println("Triggers:")
	fmt.Printf("  Signal:           %d\n", s.SignalTriggers)
	fmt.Printf("  Scheduled:        %d\n", s.ScheduledTriggers)
	fmt.Printf("  Skipped:          %d\n", s.SkippedTriggers)
	fmt.Println()

	fmt.Println("Trades:")
	fmt.Printf("  Total:            %d\n", s.TotalTrades)
	fmt.Printf("  Wins / Losses:    %d / %d\n", s.Wins, s.Losses)
	fmt.Printf("  Win Rate:         %.2f%%\n", s.WinRate)
	if s.ProfitFactor != nil {
		fmt.Printf("  Profit Factor:    %.4f\n", *s.ProfitFactor)
	}
	if s.Sharpe != nil {
		fmt.Printf("  Sharpe:           %.4f\n", *s.Sharpe)
	}
	fmt.Println()

	fmt.Println("Equity:")
	fmt.Printf("  Final Equity:     %.2f\n", s.FinalEquity)
	fmt.Printf("  Total PnL:        %.2f\n", s.TotalPnL)
	fmt.Printf("  Total Fees:       %.2f\n", s.TotalFees)
	fmt.Printf("  Max Drawdown:     %.2f (%.2f%%)\n", s.MaxDrawdown, s.MaxDrawdownPct)
}
