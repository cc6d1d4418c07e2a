package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"perp-backtest-lab/internal/domain"
)

// Report wraps a backtest result with rendering metadata.
type Report struct {
	GeneratedAt time.Time
	Result      *domain.BacktestResult
}

// NewReport creates a report for a result with the current UTC time.
func NewReport(res *domain.BacktestResult) *Report {
	return &Report{
		GeneratedAt: time.Now().UTC(),
		Result:      res,
	}
}

// WriteFiles writes the Markdown report plus trade and equity CSVs into dir.
// Files are named by run id.
func (r *Report) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	base := r.Result.RunID
	files := map[string]string{
		base + ".md":         RenderMarkdown(r),
		base + "_trades.csv": RenderTradesCSV(r.Result.Trades),
		base + "_equity.csv": RenderEquityCSV(r.Result.EquityCurve),
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
